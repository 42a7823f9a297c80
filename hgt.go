package terrain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path"
	"strconv"
	"strings"
)

// An HGTConfig describes the fixed grid of an HGT tile.
type HGTConfig struct {
	Size                int     // Samples per row and per column.
	ArcSecondsPerSample float64 // Spacing between samples.
	ArcSecondsPerDegree float64
	Origin              GeoCoordinate // South-west sample.
	NoData              int16
}

var (
	// SRTM1 is the one arc-second SRTM grid.
	SRTM1 = HGTConfig{
		Size:                3601,
		ArcSecondsPerSample: 1,
		ArcSecondsPerDegree: arcSecondsPerDegree,
		NoData:              math.MinInt16,
	}
	// SRTM3 is the three arc-second SRTM grid.
	SRTM3 = HGTConfig{
		Size:                1201,
		ArcSecondsPerSample: 3,
		ArcSecondsPerDegree: arcSecondsPerDegree,
		NoData:              math.MinInt16,
	}
)

// An HGTRaster is an open HGT tile: a flat file of big-endian signed 16-bit
// samples in row-major order starting at the north-west corner.
type HGTRaster struct {
	file      fs.File
	readerAt  io.ReaderAt
	filename  string
	config    HGTConfig
	hasConfig bool
	geometry  *FixedGridGeometry
}

// An HGTOption sets an option on an HGTRaster.
type HGTOption func(*HGTRaster)

// WithHGTConfig sets the grid of the tile. Without it, the grid is detected
// from the file size and the origin from the filename.
func WithHGTConfig(config HGTConfig) HGTOption {
	return func(r *HGTRaster) {
		r.config = config
		r.hasConfig = true
	}
}

// OpenHGT opens the HGT tile filename in fsys.
func OpenHGT(fsys fs.FS, filename string, options ...HGTOption) (*HGTRaster, error) {
	r := &HGTRaster{
		filename: filename,
	}
	for _, option := range options {
		option(r)
	}

	file, err := fsys.Open(filename)
	if err != nil {
		return nil, &IOError{Filename: filename, Err: err}
	}
	ok := false
	defer func() {
		if !ok {
			_ = file.Close()
		}
	}()
	readerAt, isReaderAt := file.(io.ReaderAt)
	if !isReaderAt {
		return nil, errors.ErrUnsupported
	}
	r.file = file
	r.readerAt = readerAt

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, &IOError{Filename: filename, Err: err}
	}
	if !r.hasConfig {
		switch fileInfo.Size() {
		case hgtFileSize(SRTM1):
			r.config = SRTM1
		default:
			r.config = SRTM3
		}
		origin, err := ParseHGTFilename(filename)
		if err != nil {
			return nil, err
		}
		r.config.Origin = origin
	}
	if expected := hgtFileSize(r.config); fileInfo.Size() != expected {
		return nil, &IOError{
			Filename: filename,
			Err:      fmt.Errorf("%d bytes, expected %d: %w", fileInfo.Size(), expected, errShortRead),
		}
	}

	r.geometry, err = NewFixedGridGeometry(r.config)
	if err != nil {
		return nil, err
	}

	rasterOpens.WithLabelValues("hgt").Inc()
	ok = true
	return r, nil
}

func (r *HGTRaster) Close() error {
	return r.file.Close()
}

func (r *HGTRaster) Geometry() Geometry {
	return r.geometry
}

// Config returns r's grid.
func (r *HGTRaster) Config() HGTConfig {
	return r.config
}

// Sample reads the single sample at cell.
func (r *HGTRaster) Sample(ctx context.Context, cell CellIndex) (Sample, error) {
	if err := checkBounds(r.geometry.Size(), cell); err != nil {
		return Sample{}, err
	}
	var data [2]byte
	if err := r.readAt(data[:], r.offset(cell)); err != nil {
		return Sample{}, err
	}
	return r.decodeSample(data[:]), nil
}

// Window reads the samples from topLeft to bottomRight inclusive with a
// single read spanning all the rows of the window.
func (r *HGTRaster) Window(ctx context.Context, topLeft, bottomRight CellIndex) (*Window, error) {
	if err := checkWindow(r.geometry.Size(), topLeft, bottomRight); err != nil {
		return nil, err
	}
	start := r.offset(topLeft)
	data := make([]byte, r.offset(bottomRight)+2-start)
	if err := r.readAt(data, start); err != nil {
		return nil, err
	}
	w := newWindow(topLeft, bottomRight)
	rowStride := 2 * r.config.Size
	for row := range w.Rows {
		rowData := data[row*rowStride:]
		for col := range w.Cols {
			w.Samples[row*w.Cols+col] = r.decodeSample(rowData[2*col:])
		}
	}
	return w, nil
}

// offset returns the byte offset of cell in the file.
func (r *HGTRaster) offset(cell CellIndex) int64 {
	return 2 * (int64(cell.Row)*int64(r.config.Size) + int64(cell.Col))
}

func (r *HGTRaster) readAt(data []byte, offset int64) error {
	switch n, err := r.readerAt.ReadAt(data, offset); {
	case n == len(data):
		return nil
	case err != nil && !errors.Is(err, io.EOF):
		return &IOError{Filename: r.filename, Err: err}
	default:
		return &IOError{Filename: r.filename, Err: errShortRead}
	}
}

func (r *HGTRaster) decodeSample(data []byte) Sample {
	value := int16(binary.BigEndian.Uint16(data))
	if value == r.config.NoData {
		return Sample{}
	}
	return Meters(int(value))
}

func hgtFileSize(config HGTConfig) int64 {
	return 2 * int64(config.Size) * int64(config.Size)
}

// HGTFilename returns the SRTM filename of the tile containing coord, for
// example N67E033.hgt. Tiles are named after their south-west corner.
func HGTFilename(coord GeoCoordinate) string {
	lat, lng := int(math.Floor(coord.Lat)), int(math.Floor(coord.Lng))
	ns, ew := 'N', 'E'
	if lat < 0 {
		ns, lat = 'S', -lat
	}
	if lng < 0 {
		ew, lng = 'W', -lng
	}
	return fmt.Sprintf("%c%02d%c%03d.hgt", ns, lat, ew, lng)
}

// ParseHGTFilename returns the origin of the SRTM tile named filename.
func ParseHGTFilename(filename string) (GeoCoordinate, error) {
	name := strings.ToUpper(path.Base(filename))
	if len(name) < 7 {
		return GeoCoordinate{}, fmt.Errorf("%s: %w", filename, errParse)
	}
	lat, err := strconv.Atoi(name[1:3])
	if err != nil {
		return GeoCoordinate{}, fmt.Errorf("%s: %w", filename, errParse)
	}
	lng, err := strconv.Atoi(name[4:7])
	if err != nil {
		return GeoCoordinate{}, fmt.Errorf("%s: %w", filename, errParse)
	}
	switch name[0] {
	case 'N':
	case 'S':
		lat = -lat
	default:
		return GeoCoordinate{}, fmt.Errorf("%s: %w", filename, errParse)
	}
	switch name[3] {
	case 'E':
	case 'W':
		lng = -lng
	default:
		return GeoCoordinate{}, fmt.Errorf("%s: %w", filename, errParse)
	}
	return GeoCoordinate{Lat: float64(lat), Lng: float64(lng)}, nil
}
