package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/TheHoboCoder/go-terrain"
)

// A rasterSource finds the raster for a request, either a single file or the
// best file in a catalog.
type rasterSource struct {
	open    terrain.Opener
	catalog *terrain.Catalog
}

func newRasterSource(raster, dataDir string, logger *slog.Logger) (*rasterSource, error) {
	switch {
	case raster != "":
		return &rasterSource{
			open: terrain.FileOpener(os.DirFS(filepath.Dir(raster)), filepath.Base(raster)),
		}, nil
	case dataDir != "":
		catalog, err := terrain.NewCatalog(os.DirFS(dataDir), terrain.WithCatalogLogger(logger))
		if err != nil {
			return nil, err
		}
		return &rasterSource{catalog: catalog}, nil
	default:
		return nil, errors.New("one of -raster or -data-dir is required")
	}
}

func (s *rasterSource) opener(extent terrain.Extent) (terrain.Opener, error) {
	if s.catalog == nil {
		return s.open, nil
	}
	return s.catalog.Opener(extent)
}

// region returns the region covered by the raster, or the bounding region of
// every raster in the catalog.
func (s *rasterSource) region(ctx context.Context, logger *slog.Logger) (terrain.Region, error) {
	if s.catalog == nil {
		return terrain.NewService(s.open, terrain.WithLogger(logger)).AllowedRegion(ctx)
	}
	entries := s.catalog.Entries()
	if len(entries) == 0 {
		return terrain.Region{}, terrain.ErrNotCovered
	}
	extent := entries[0].Extent
	for _, entry := range entries[1:] {
		extent = terrain.Extent{
			MinX: min(extent.MinX, entry.Extent.MinX),
			MinY: min(extent.MinY, entry.Extent.MinY),
			MaxX: max(extent.MaxX, entry.Extent.MaxX),
			MaxY: max(extent.MaxY, entry.Extent.MaxY),
		}
	}
	return extent.Region(), nil
}
