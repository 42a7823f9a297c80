package terrain

import (
	"errors"
	"io/fs"
	"path"
	"strings"
)

// A Window is a rectangular block of samples read from a raster.
type Window struct {
	Origin  CellIndex // Cell of Samples[0].
	Rows    int
	Cols    int
	Samples []Sample // Row-major.
}

// newWindow returns an empty window spanning topLeft to bottomRight
// inclusive.
func newWindow(topLeft, bottomRight CellIndex) *Window {
	rows := bottomRight.Row - topLeft.Row + 1
	cols := bottomRight.Col - topLeft.Col + 1
	return &Window{
		Origin:  topLeft,
		Rows:    rows,
		Cols:    cols,
		Samples: make([]Sample, rows*cols),
	}
}

// At returns the sample at cell and whether cell is inside w.
func (w *Window) At(cell CellIndex) (Sample, bool) {
	row, col := cell.Row-w.Origin.Row, cell.Col-w.Origin.Col
	if row < 0 || w.Rows <= row || col < 0 || w.Cols <= col {
		return Sample{}, false
	}
	return w.Samples[row*w.Cols+col], true
}

// BottomRight returns the last cell of w.
func (w *Window) BottomRight() CellIndex {
	return CellIndex{Row: w.Origin.Row + w.Rows - 1, Col: w.Origin.Col + w.Cols - 1}
}

// checkWindow validates the corners of a window request against size.
func checkWindow(size Size, topLeft, bottomRight CellIndex) error {
	if err := checkBounds(size, topLeft, bottomRight); err != nil {
		return err
	}
	if topLeft.Row > bottomRight.Row || topLeft.Col > bottomRight.Col {
		return errors.New("window corners out of order")
	}
	return nil
}

// OpenRaster opens filename in fsys, choosing the backend from its
// extension.
func OpenRaster(fsys fs.FS, filename string) (Raster, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".hgt":
		return OpenHGT(fsys, filename)
	case ".tif", ".tiff":
		return OpenGeoTIFF(fsys, filename)
	default:
		return nil, errors.ErrUnsupported
	}
}

// FileOpener returns an Opener that opens filename in fsys on every call.
func FileOpener(fsys fs.FS, filename string) Opener {
	return func() (Raster, error) {
		return OpenRaster(fsys, filename)
	}
}
