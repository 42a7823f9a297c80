package terrain

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/dhconnelly/rtreego"
)

// ErrNotCovered is returned when no raster in a catalog covers an extent.
var ErrNotCovered = errors.New("extent not covered")

// A CatalogEntry is a raster file in a catalog.
type CatalogEntry struct {
	Filename string
	Extent   Extent
	Size     Size
}

// A Catalog is a spatial index of the raster files in a directory.
type Catalog struct {
	fsys    fs.FS
	logger  *slog.Logger
	rtree   *rtreego.Rtree
	entries []*CatalogEntry
}

// A CatalogOption sets an option on a Catalog.
type CatalogOption func(*Catalog)

// WithCatalogLogger sets the logger used while indexing.
func WithCatalogLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// NewCatalog indexes every HGT and GeoTIFF file in fsys. Files that cannot be
// opened are logged and skipped.
func NewCatalog(fsys fs.FS, options ...CatalogOption) (*Catalog, error) {
	c := &Catalog{
		fsys:   fsys,
		logger: slog.Default(),
		rtree:  rtreego.NewTree(2, 25, 50),
	}
	for _, option := range options {
		option(c)
	}

	if err := fs.WalkDir(fsys, ".", func(filename string, dirEntry fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case dirEntry.IsDir():
			return nil
		}
		switch strings.ToLower(path.Ext(filename)) {
		case ".hgt", ".tif", ".tiff":
		default:
			return nil
		}
		entry, err := c.newEntry(filename)
		if err != nil {
			c.logger.Warn("skip", slog.String("filename", filename), slog.Any("err", err))
			return nil
		}
		c.entries = append(c.entries, entry)
		c.rtree.Insert(entry)
		return nil
	}); err != nil {
		return nil, err
	}
	c.logger.Debug("indexed", slog.Int("rasters", len(c.entries)))
	return c, nil
}

func (c *Catalog) newEntry(filename string) (_ *CatalogEntry, err error) {
	r, err := OpenRaster(c.fsys, filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	geometry := r.Geometry()
	return &CatalogEntry{
		Filename: filename,
		Extent:   geometry.Extent(),
		Size:     geometry.Size(),
	}, nil
}

// Bounds implements rtreego.Spatial.
func (e *CatalogEntry) Bounds() rtreego.Rect {
	return extentRect(e.Extent, 0)
}

// Entries returns all the entries in c sorted by filename.
func (c *Catalog) Entries() []*CatalogEntry {
	entries := slices.Clone(c.entries)
	slices.SortFunc(entries, func(a, b *CatalogEntry) int {
		return strings.Compare(a.Filename, b.Filename)
	})
	return entries
}

// Lookup returns the raster that covers extent entirely. If several do, the
// one with the finest resolution wins, then the first by filename.
func (c *Catalog) Lookup(extent Extent) (*CatalogEntry, error) {
	var best *CatalogEntry
	for _, spatial := range c.rtree.SearchIntersect(extentRect(extent, queryPadding)) {
		entry := spatial.(*CatalogEntry)
		if !entry.Extent.ContainsExtent(extent) {
			continue
		}
		if best == nil || entry.finerThan(best) {
			best = entry
		}
	}
	if best == nil {
		catalogLookups.WithLabelValues("miss").Inc()
		return nil, fmt.Errorf("%+v: %w", extent, ErrNotCovered)
	}
	catalogLookups.WithLabelValues("hit").Inc()
	return best, nil
}

// Opener returns an Opener for the raster that covers extent.
func (c *Catalog) Opener(extent Extent) (Opener, error) {
	entry, err := c.Lookup(extent)
	if err != nil {
		return nil, err
	}
	return FileOpener(c.fsys, entry.Filename), nil
}

// finerThan returns whether e has more cells per degree than other, breaking
// ties by filename.
func (e *CatalogEntry) finerThan(other *CatalogEntry) bool {
	density := float64(e.Size.Rows) / (e.Extent.MaxY - e.Extent.MinY)
	otherDensity := float64(other.Size.Rows) / (other.Extent.MaxY - other.Extent.MinY)
	if density != otherDensity {
		return density > otherDensity
	}
	return e.Filename < other.Filename
}

// queryPadding grows query rectangles so that extents on the edge of a raster,
// which rtreego does not count as intersecting, are still found.
const queryPadding = 1e-9

func extentRect(extent Extent, padding float64) rtreego.Rect {
	rect, _ := rtreego.NewRectFromPoints(
		rtreego.Point{extent.MinX - padding, extent.MinY - padding},
		rtreego.Point{extent.MaxX + padding, extent.MaxY + padding},
	)
	return rect
}
