package terrain

import (
	"errors"
	"fmt"
	"math"
)

// arcSecondsPerDegree is the number of arc-seconds in a degree.
const arcSecondsPerDegree = 60 * 60

// A Geometry converts between geographic coordinates and cell indexes of a
// raster's sample matrix.
type Geometry interface {
	// Cell returns the cell nearest to coord. Every coord inside Extent maps
	// to a cell inside Size; coords outside Extent may not.
	Cell(coord GeoCoordinate) CellIndex
	// Position returns the fractional row and column of coord.
	Position(coord GeoCoordinate) (row, col float64)
	// Coord returns the coordinate of cell's reference corner.
	Coord(cell CellIndex) GeoCoordinate
	Extent() Extent
	Size() Size
}

// A GeoTransform maps (col, row) to (x, y) with GDAL's six coefficients:
//
//	x = OriginX + col*PixelWidth + row*RowSkew
//	y = OriginY + col*ColSkew + row*PixelHeight
type GeoTransform struct {
	OriginX     float64
	PixelWidth  float64
	RowSkew     float64
	OriginY     float64
	ColSkew     float64
	PixelHeight float64
}

// An AffineGeometry is the geometry of a north-up georeferenced raster.
type AffineGeometry struct {
	transform GeoTransform
	size      Size
	extent    Extent
	secPerRow float64
	secPerCol float64
}

// A FixedGridGeometry is the geometry of an HGT tile.
type FixedGridGeometry struct {
	config HGTConfig
	extent Extent
	step   float64 // Degrees per sample.
}

// NewAffineGeometry returns the geometry of a size raster under transform.
func NewAffineGeometry(transform GeoTransform, size Size) (*AffineGeometry, error) {
	if size.Rows <= 0 || size.Cols <= 0 {
		return nil, fmt.Errorf("%dx%d: empty raster", size.Rows, size.Cols)
	}
	if transform.PixelWidth == 0 || transform.PixelHeight == 0 {
		return nil, ErrDegenerateTransform
	}
	// Cell assumes row 0 is the northern edge and col 0 the western edge.
	if transform.RowSkew != 0 || transform.ColSkew != 0 || transform.PixelWidth < 0 || transform.PixelHeight > 0 {
		return nil, errors.ErrUnsupported
	}
	g := &AffineGeometry{
		transform: transform,
		size:      size,
		extent: Extent{
			MinX: transform.OriginX,
			MinY: transform.OriginY + float64(size.Rows)*transform.PixelHeight,
			MaxX: transform.OriginX + float64(size.Cols)*transform.PixelWidth,
			MaxY: transform.OriginY,
		},
	}
	g.secPerRow = (g.extent.MaxY - g.extent.MinY) * arcSecondsPerDegree / float64(size.Rows)
	g.secPerCol = (g.extent.MaxX - g.extent.MinX) * arcSecondsPerDegree / float64(size.Cols)
	return g, nil
}

// Cell rounds coord to the nearest cell corner. Coordinates in the southern
// and eastern half-cell strips of the extent belong to the last row and
// column.
func (g *AffineGeometry) Cell(coord GeoCoordinate) CellIndex {
	row, col := g.Position(coord)
	cell := CellIndex{
		Row: int(math.Round(row)),
		Col: int(math.Round(col)),
	}
	if g.extent.Contains(coord) {
		cell.Row = min(cell.Row, g.size.Rows-1)
		cell.Col = min(cell.Col, g.size.Cols-1)
	}
	return cell
}

// Position returns the offset of coord from the raster's top-left corner in
// arc-seconds divided by the resolution of each axis.
func (g *AffineGeometry) Position(coord GeoCoordinate) (float64, float64) {
	secFromTop := (g.extent.MaxY - coord.Lat) * arcSecondsPerDegree
	secFromLeft := (coord.Lng - g.extent.MinX) * arcSecondsPerDegree
	return secFromTop / g.secPerRow, secFromLeft / g.secPerCol
}

func (g *AffineGeometry) Coord(cell CellIndex) GeoCoordinate {
	t := g.transform
	col, row := float64(cell.Col), float64(cell.Row)
	return GeoCoordinate{
		Lat: t.OriginY + col*t.ColSkew + row*t.PixelHeight,
		Lng: t.OriginX + col*t.PixelWidth + row*t.RowSkew,
	}
}

func (g *AffineGeometry) Extent() Extent {
	return g.extent
}

func (g *AffineGeometry) Size() Size {
	return g.size
}

// Transform returns g's geotransform.
func (g *AffineGeometry) Transform() GeoTransform {
	return g.transform
}

// NewFixedGridGeometry returns the geometry of an HGT tile described by
// config.
func NewFixedGridGeometry(config HGTConfig) (*FixedGridGeometry, error) {
	if config.Size < 2 || config.ArcSecondsPerSample <= 0 || config.ArcSecondsPerDegree <= 0 {
		return nil, fmt.Errorf("%+v: invalid HGT config", config)
	}
	step := config.ArcSecondsPerSample / config.ArcSecondsPerDegree
	span := float64(config.Size-1) * config.ArcSecondsPerSample / config.ArcSecondsPerDegree
	return &FixedGridGeometry{
		config: config,
		step:   step,
		extent: Extent{
			MinX: config.Origin.Lng,
			MinY: config.Origin.Lat,
			MaxX: config.Origin.Lng + span,
			MaxY: config.Origin.Lat + span,
		},
	}, nil
}

// Cell rounds the offset from the tile's origin to whole samples. Rows are
// counted down from the northern edge.
func (g *FixedGridGeometry) Cell(coord GeoCoordinate) CellIndex {
	secLat := (coord.Lat - g.config.Origin.Lat) * g.config.ArcSecondsPerDegree
	secLng := (coord.Lng - g.config.Origin.Lng) * g.config.ArcSecondsPerDegree
	return CellIndex{
		Row: g.config.Size - 1 - int(math.Round(secLat/g.config.ArcSecondsPerSample)),
		Col: int(math.Round(secLng / g.config.ArcSecondsPerSample)),
	}
}

func (g *FixedGridGeometry) Position(coord GeoCoordinate) (float64, float64) {
	return float64(g.config.Size-1) - (coord.Lat-g.config.Origin.Lat)/g.step, (coord.Lng - g.config.Origin.Lng) / g.step
}

func (g *FixedGridGeometry) Coord(cell CellIndex) GeoCoordinate {
	return GeoCoordinate{
		Lat: g.config.Origin.Lat + float64(g.config.Size-1-cell.Row)*g.step,
		Lng: g.config.Origin.Lng + float64(cell.Col)*g.step,
	}
}

func (g *FixedGridGeometry) Extent() Extent {
	return g.extent
}

func (g *FixedGridGeometry) Size() Size {
	return Size{Rows: g.config.Size, Cols: g.config.Size}
}

// AllowedRegion returns the area covered by g, for display as a map bound.
func AllowedRegion(g Geometry) Region {
	return g.Extent().Region()
}
