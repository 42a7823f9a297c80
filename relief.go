package terrain

import (
	"context"
)

// A ReliefPoint is a sample of a relief with its location.
type ReliefPoint struct {
	Cell   CellIndex     `json:"-"`
	Coord  GeoCoordinate `json:"coords"`
	Sample Sample        `json:"elevation"`
}

// A Relief is a rectangular grid of samples with its highest point.
type Relief struct {
	Points  [][]ReliefPoint `json:"relief"`
	Highest *ReliefPoint    `json:"max_point"`
}

// ExtractRelief returns the relief of the box with opposite corners a and b,
// which may be given in any order.
func ExtractRelief(ctx context.Context, r Raster, a, b GeoCoordinate) (*Relief, error) {
	geometry := r.Geometry()
	cellA, cellB := geometry.Cell(a), geometry.Cell(b)
	topLeft := CellIndex{
		Row: min(cellA.Row, cellB.Row),
		Col: min(cellA.Col, cellB.Col),
	}
	bottomRight := CellIndex{
		Row: max(cellA.Row, cellB.Row),
		Col: max(cellA.Col, cellB.Col),
	}
	w, err := r.Window(ctx, topLeft, bottomRight)
	if err != nil {
		return nil, err
	}
	return newRelief(geometry, w), nil
}

// newRelief returns the relief of w. The highest point is the first valid
// sample, in row-major order, with the greatest elevation.
func newRelief(geometry Geometry, w *Window) *Relief {
	relief := &Relief{
		Points: make([][]ReliefPoint, w.Rows),
	}
	for row := range w.Rows {
		points := make([]ReliefPoint, w.Cols)
		for col := range w.Cols {
			cell := CellIndex{Row: w.Origin.Row + row, Col: w.Origin.Col + col}
			points[col] = ReliefPoint{
				Cell:   cell,
				Coord:  geometry.Coord(cell),
				Sample: w.Samples[row*w.Cols+col],
			}
			if !points[col].Sample.Valid {
				continue
			}
			if relief.Highest == nil || points[col].Sample.Meters > relief.Highest.Sample.Meters {
				highest := points[col]
				relief.Highest = &highest
			}
		}
		relief.Points[row] = points
	}
	return relief
}
