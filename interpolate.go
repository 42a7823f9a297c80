package terrain

import (
	"context"
	"math"
)

// InterpolateBilinear returns the elevation at each of coords interpolated
// between the four samples around it. The result is NaN where any of the
// four samples is missing.
func InterpolateBilinear(ctx context.Context, r Raster, coords []GeoCoordinate) ([]float64, error) {
	geometry := r.Geometry()
	size := geometry.Size()
	result := make([]float64, len(coords))
	for i, coord := range coords {
		row, col := geometry.Position(coord)
		topLeft := CellIndex{Row: int(math.Floor(row)), Col: int(math.Floor(col))}
		if err := checkBounds(size, topLeft); err != nil {
			return nil, err
		}
		dy := row - float64(topLeft.Row)
		dx := col - float64(topLeft.Col)
		bottomRight := CellIndex{
			Row: min(topLeft.Row+1, size.Rows-1),
			Col: min(topLeft.Col+1, size.Cols-1),
		}
		w, err := r.Window(ctx, topLeft, bottomRight)
		if err != nil {
			return nil, err
		}
		samples := [4]Sample{
			w.Samples[0],
			w.Samples[w.Cols-1],
			w.Samples[(w.Rows-1)*w.Cols],
			w.Samples[w.Rows*w.Cols-1],
		}
		if !samples[0].Valid || !samples[1].Valid || !samples[2].Valid || !samples[3].Valid {
			result[i] = math.NaN()
			continue
		}
		result[i] = 0 +
			float64(samples[0].Meters)*(1-dx)*(1-dy) +
			float64(samples[1].Meters)*dx*(1-dy) +
			float64(samples[2].Meters)*(1-dx)*dy +
			float64(samples[3].Meters)*dx*dy
	}
	return result, nil
}
