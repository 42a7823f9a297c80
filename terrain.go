// Package terrain reads digital elevation rasters and traces the downhill
// paths that an avalanche or a falling rock would take across them.
package terrain

import (
	"context"
	"encoding/json"
	"strconv"
)

// A GeoCoordinate is a WGS84 coordinate in degrees.
type GeoCoordinate struct {
	Lat float64
	Lng float64
}

// A CellIndex is an index into a raster's sample matrix. Row increases to the
// south and Col increases to the east.
type CellIndex struct {
	Row int
	Col int
}

// A Size is the size of a sample matrix.
type Size struct {
	Rows int
	Cols int
}

// A Sample is an elevation sample in meters. The zero Sample is missing.
type Sample struct {
	Meters int
	Valid  bool
}

// An Extent is a bounding box. X is longitude and Y is latitude.
type Extent struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// A Region is an extent expressed as its south-west and north-east corners.
type Region struct {
	SouthWest GeoCoordinate `json:"south_west"`
	NorthEast GeoCoordinate `json:"north_east"`
}

// A Raster is an open elevation raster.
type Raster interface {
	Geometry() Geometry
	Sample(ctx context.Context, cell CellIndex) (Sample, error)
	Window(ctx context.Context, topLeft, bottomRight CellIndex) (*Window, error)
	Close() error
}

// An Opener opens a raster. Each call returns a new, independent handle.
type Opener func() (Raster, error)

// Meters returns a valid Sample.
func Meters(meters int) Sample {
	return Sample{Meters: meters, Valid: true}
}

// MarshalJSON encodes c as [lat, lng].
func (c GeoCoordinate) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lat, c.Lng})
}

// UnmarshalJSON decodes c from [lat, lng].
func (c *GeoCoordinate) UnmarshalJSON(data []byte) error {
	var latLng [2]float64
	if err := json.Unmarshal(data, &latLng); err != nil {
		return err
	}
	c.Lat, c.Lng = latLng[0], latLng[1]
	return nil
}

// Contains returns whether cell is inside s.
func (s Size) Contains(cell CellIndex) bool {
	return 0 <= cell.Row && cell.Row < s.Rows && 0 <= cell.Col && cell.Col < s.Cols
}

// MarshalJSON encodes s as its elevation, or null if s is missing.
func (s Sample) MarshalJSON() ([]byte, error) {
	if !s.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, int64(s.Meters), 10), nil
}

// UnmarshalJSON decodes s from an elevation or null.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var meters *int
	if err := json.Unmarshal(data, &meters); err != nil {
		return err
	}
	if meters == nil {
		*s = Sample{}
	} else {
		*s = Meters(*meters)
	}
	return nil
}

// Contains returns whether coord is inside e, including its edges.
func (e Extent) Contains(coord GeoCoordinate) bool {
	return e.MinX <= coord.Lng && coord.Lng <= e.MaxX && e.MinY <= coord.Lat && coord.Lat <= e.MaxY
}

// ContainsExtent returns whether other is entirely inside e.
func (e Extent) ContainsExtent(other Extent) bool {
	return e.MinX <= other.MinX && other.MaxX <= e.MaxX && e.MinY <= other.MinY && other.MaxY <= e.MaxY
}

// Region returns e as a Region.
func (e Extent) Region() Region {
	return Region{
		SouthWest: GeoCoordinate{Lat: e.MinY, Lng: e.MinX},
		NorthEast: GeoCoordinate{Lat: e.MaxY, Lng: e.MaxX},
	}
}

// ExtentCorners returns the north-west and south-east corners of e.
func ExtentCorners(e Extent) (GeoCoordinate, GeoCoordinate) {
	return GeoCoordinate{Lat: e.MaxY, Lng: e.MinX}, GeoCoordinate{Lat: e.MinY, Lng: e.MaxX}
}
