package terrain

import (
	"context"
	"fmt"
)

// A MemoryRaster is a raster held in memory.
type MemoryRaster struct {
	geometry Geometry
	samples  [][]Sample
}

// NewMemoryRaster returns a raster with the given geometry and samples.
// samples is indexed by row then column and must match geometry's size.
func NewMemoryRaster(geometry Geometry, samples [][]Sample) (*MemoryRaster, error) {
	size := geometry.Size()
	if len(samples) != size.Rows {
		return nil, fmt.Errorf("got %d rows, expected %d", len(samples), size.Rows)
	}
	for i, row := range samples {
		if len(row) != size.Cols {
			return nil, fmt.Errorf("row %d: got %d columns, expected %d", i, len(row), size.Cols)
		}
	}
	return &MemoryRaster{
		geometry: geometry,
		samples:  samples,
	}, nil
}

func (r *MemoryRaster) Close() error {
	return nil
}

func (r *MemoryRaster) Geometry() Geometry {
	return r.geometry
}

func (r *MemoryRaster) Sample(ctx context.Context, cell CellIndex) (Sample, error) {
	if err := checkBounds(r.geometry.Size(), cell); err != nil {
		return Sample{}, err
	}
	return r.samples[cell.Row][cell.Col], nil
}

func (r *MemoryRaster) Window(ctx context.Context, topLeft, bottomRight CellIndex) (*Window, error) {
	if err := checkWindow(r.geometry.Size(), topLeft, bottomRight); err != nil {
		return nil, err
	}
	w := newWindow(topLeft, bottomRight)
	for row := range w.Rows {
		copy(w.Samples[row*w.Cols:(row+1)*w.Cols], r.samples[topLeft.Row+row][topLeft.Col:])
	}
	return w, nil
}
