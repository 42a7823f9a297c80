package terrain

import (
	"errors"
	"fmt"
)

var (
	errShortRead = errors.New("short read")
	errParse     = errors.New("parse error")

	// ErrDegenerateTransform is returned when a geotransform cannot be
	// inverted.
	ErrDegenerateTransform = errors.New("degenerate geotransform")
)

// An OutOfBoundsError is returned when a cell lies outside a raster's sample
// matrix.
type OutOfBoundsError struct {
	Cell CellIndex
	Size Size
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("cell (%d, %d) outside %dx%d raster", e.Cell.Row, e.Cell.Col, e.Size.Rows, e.Size.Cols)
}

// An IOError is returned when a raster file is missing, truncated, or
// unreadable.
type IOError struct {
	Filename string
	Err      error
}

func (e *IOError) Error() string {
	return e.Filename + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// A DomainError is returned when an elevation delta is larger than the
// horizontal distance it spans, so the slope has no angle.
type DomainError struct {
	Distance       float64
	DeltaElevation float64
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("elevation delta %g exceeds distance %g", e.DeltaElevation, e.Distance)
}

// checkBounds returns an *OutOfBoundsError if cell is outside size.
func checkBounds(size Size, cells ...CellIndex) error {
	for _, cell := range cells {
		if !size.Contains(cell) {
			return &OutOfBoundsError{Cell: cell, Size: size}
		}
	}
	return nil
}
