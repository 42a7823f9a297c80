package terrain

import (
	"context"
	"iter"
)

// A Neighbor is a cell adjacent to a center cell and its sample.
type Neighbor struct {
	Cell   CellIndex
	Sample Sample
}

// Neighbors returns the up to eight cells around center that are inside size,
// in row-major order. The center itself is never yielded.
func Neighbors(center CellIndex, size Size) iter.Seq[CellIndex] {
	return func(yield func(CellIndex) bool) {
		for row := center.Row - 1; row <= center.Row+1; row++ {
			for col := center.Col - 1; col <= center.Col+1; col++ {
				cell := CellIndex{Row: row, Col: col}
				if cell == center || !size.Contains(cell) {
					continue
				}
				if !yield(cell) {
					return
				}
			}
		}
	}
}

// Neighbors returns the neighbors of center that are inside w with their
// samples.
func (w *Window) Neighbors(center CellIndex) iter.Seq[Neighbor] {
	return func(yield func(Neighbor) bool) {
		for row := center.Row - 1; row <= center.Row+1; row++ {
			for col := center.Col - 1; col <= center.Col+1; col++ {
				cell := CellIndex{Row: row, Col: col}
				if cell == center {
					continue
				}
				sample, ok := w.At(cell)
				if !ok {
					continue
				}
				if !yield(Neighbor{Cell: cell, Sample: sample}) {
					return
				}
			}
		}
	}
}

// NeighborSamples reads the 3x3 block around center, clamped to r's bounds,
// and returns its neighbors.
func NeighborSamples(ctx context.Context, r Raster, center CellIndex) (iter.Seq[Neighbor], error) {
	size := r.Geometry().Size()
	if err := checkBounds(size, center); err != nil {
		return nil, err
	}
	topLeft := CellIndex{
		Row: max(center.Row-1, 0),
		Col: max(center.Col-1, 0),
	}
	bottomRight := CellIndex{
		Row: min(center.Row+1, size.Rows-1),
		Col: min(center.Col+1, size.Cols-1),
	}
	w, err := r.Window(ctx, topLeft, bottomRight)
	if err != nil {
		return nil, err
	}
	return w.Neighbors(center), nil
}
