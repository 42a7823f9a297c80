package terrain_test

import (
	"bytes"
	"compress/lzw"
	"encoding/binary"
	"errors"
	"io/fs"
	"math"
	"slices"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"

	"github.com/TheHoboCoder/go-terrain"
)

const (
	tiffTypeASCII  = 2
	tiffTypeShort  = 3
	tiffTypeLong   = 4
	tiffTypeDouble = 12
	tiffTypeLong8  = 16
)

// A testGeoTIFF describes a small BigTIFF file for tests.
type testGeoTIFF struct {
	byteOrder     testByteOrder
	width         int
	height        int
	tileWidth     int // Zero for strips.
	tileLength    int
	rowsPerStrip  int
	bands         [][]float64 // Row-major values of each band.
	sampleFormat  uint16
	bitsPerSample uint16
	planar        bool
	compression   uint16
	predictor     uint16
	pixelScale    []float64
	tiepoint      []float64
	geoKeys       []uint16
	geoASCII      string
	noData        string
}

type testByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type testTIFFEntry struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte
}

// newTestGeoTIFF returns a testGeoTIFF with one band of width x height values
// produced by value, georeferenced in WGS84 with quarter degree cells from
// 68N 33E.
func newTestGeoTIFF(width, height int, value func(row, col int) float64) testGeoTIFF {
	band := make([]float64, width*height)
	for row := range height {
		for col := range width {
			band[row*width+col] = value(row, col)
		}
	}
	return testGeoTIFF{
		byteOrder:     binary.LittleEndian,
		width:         width,
		height:        height,
		bands:         [][]float64{band},
		sampleFormat:  2,
		bitsPerSample: 16,
		compression:   1,
		pixelScale:    []float64{0.25, 0.25, 0},
		tiepoint:      []float64{0, 0, 0, 33, 68, 0},
		geoKeys: []uint16{
			1, 1, 0, 3,
			1024, 0, 1, 2,
			1025, 0, 1, 1,
			2048, 0, 1, 4326,
		},
	}
}

func (g testGeoTIFF) mapFS(t *testing.T) fstest.MapFS {
	t.Helper()
	return fstest.MapFS{
		"test.tif": &fstest.MapFile{Data: g.encode(t)},
	}
}

func (g testGeoTIFF) encode(t *testing.T) []byte {
	t.Helper()
	samplesPerPixel := len(g.bands)
	bytesPerSample := int(g.bitsPerSample) / 8

	blockWidth, blockLength := g.tileWidth, g.tileLength
	if g.tileWidth == 0 {
		blockWidth, blockLength = g.width, g.rowsPerStrip
		if blockLength == 0 {
			blockLength = g.height
		}
	}
	blocksAcross := (g.width + blockWidth - 1) / blockWidth
	blocksDown := (g.height + blockLength - 1) / blockLength

	planes, stride := 1, samplesPerPixel
	if g.planar {
		planes, stride = samplesPerPixel, 1
	}

	var blocks [][]byte
	for plane := range planes {
		for blockRow := range blocksDown {
			for blockCol := range blocksAcross {
				rows := blockLength
				if g.tileWidth == 0 {
					rows = min(blockLength, g.height-blockRow*blockLength)
				}
				raw := make([]byte, rows*blockWidth*stride*bytesPerSample)
				for row := range rows {
					for col := range blockWidth {
						imageRow, imageCol := blockRow*blockLength+row, blockCol*blockWidth+col
						for sample := range stride {
							band := sample
							if g.planar {
								band = plane
							}
							value := 0.0
							if imageRow < g.height && imageCol < g.width {
								value = g.bands[band][imageRow*g.width+imageCol]
							}
							g.putSample(raw[((row*blockWidth+col)*stride+sample)*bytesPerSample:], value)
						}
					}
				}
				if g.predictor == 2 {
					rowBytes := blockWidth * stride * bytesPerSample
					for row := range rows {
						g.applyHorizontalPredictor(raw[row*rowBytes:(row+1)*rowBytes], stride)
					}
				}
				if g.compression == 5 {
					var buffer bytes.Buffer
					w := lzw.NewWriter(&buffer, lzw.MSB, 8)
					_, err := w.Write(raw)
					assert.NoError(t, err)
					assert.NoError(t, w.Close())
					raw = buffer.Bytes()
				}
				blocks = append(blocks, raw)
			}
		}
	}

	data := make([]byte, 16)
	var offsets, byteCounts []uint64
	for _, block := range blocks {
		offsets = append(offsets, uint64(len(data)))
		byteCounts = append(byteCounts, uint64(len(block)))
		data = append(data, block...)
		if len(data)%2 != 0 {
			data = append(data, 0)
		}
	}

	bitsPerSample := make([]uint16, samplesPerPixel)
	sampleFormat := make([]uint16, samplesPerPixel)
	for i := range samplesPerPixel {
		bitsPerSample[i] = g.bitsPerSample
		sampleFormat[i] = g.sampleFormat
	}
	planarConfiguration := uint16(1)
	if g.planar {
		planarConfiguration = 2
	}
	entries := []testTIFFEntry{
		g.shorts(256, uint16(g.width)),
		g.shorts(257, uint16(g.height)),
		g.shorts(258, bitsPerSample...),
		g.shorts(259, g.compression),
		g.shorts(262, 1),
		g.shorts(277, uint16(samplesPerPixel)),
		g.shorts(284, planarConfiguration),
		g.shorts(339, sampleFormat...),
	}
	if g.tileWidth == 0 {
		entries = append(entries,
			g.long8s(273, offsets...),
			g.longs(278, uint32(blockLength)),
			g.long8s(279, byteCounts...),
		)
	} else {
		entries = append(entries,
			g.shorts(322, uint16(g.tileWidth)),
			g.shorts(323, uint16(g.tileLength)),
			g.long8s(324, offsets...),
			g.long8s(325, byteCounts...),
		)
	}
	if g.predictor != 0 {
		entries = append(entries, g.shorts(317, g.predictor))
	}
	if g.pixelScale != nil {
		entries = append(entries, g.doubles(33550, g.pixelScale...))
	}
	if g.tiepoint != nil {
		entries = append(entries, g.doubles(33922, g.tiepoint...))
	}
	if g.geoKeys != nil {
		entries = append(entries, g.shorts(34735, g.geoKeys...))
	}
	if g.geoASCII != "" {
		entries = append(entries, g.ascii(34737, g.geoASCII))
	}
	if g.noData != "" {
		entries = append(entries, g.ascii(42113, g.noData))
	}
	slices.SortFunc(entries, func(a, b testTIFFEntry) int {
		return int(a.tag) - int(b.tag)
	})

	ifdOffset := uint64(len(data))
	extraOffset := ifdOffset + 8 + 20*uint64(len(entries)) + 8
	var ifd, extra []byte
	ifd = g.byteOrder.AppendUint64(ifd, uint64(len(entries)))
	for _, entry := range entries {
		ifd = g.byteOrder.AppendUint16(ifd, entry.tag)
		ifd = g.byteOrder.AppendUint16(ifd, entry.typ)
		ifd = g.byteOrder.AppendUint64(ifd, entry.count)
		if len(entry.data) <= 8 {
			value := make([]byte, 8)
			copy(value, entry.data)
			ifd = append(ifd, value...)
		} else {
			ifd = g.byteOrder.AppendUint64(ifd, extraOffset+uint64(len(extra)))
			extra = append(extra, entry.data...)
			if len(extra)%2 != 0 {
				extra = append(extra, 0)
			}
		}
	}
	ifd = g.byteOrder.AppendUint64(ifd, 0)
	data = append(data, ifd...)
	data = append(data, extra...)

	if g.byteOrder == binary.BigEndian {
		copy(data, "MM")
	} else {
		copy(data, "II")
	}
	g.byteOrder.PutUint16(data[2:], 43)
	g.byteOrder.PutUint16(data[4:], 8)
	g.byteOrder.PutUint64(data[8:], ifdOffset)
	return data
}

func (g testGeoTIFF) putSample(data []byte, value float64) {
	switch {
	case g.bitsPerSample == 8:
		data[0] = byte(int8(value))
	case g.sampleFormat == 3:
		g.byteOrder.PutUint32(data, math.Float32bits(float32(value)))
	case g.bitsPerSample == 16 && g.sampleFormat == 2:
		g.byteOrder.PutUint16(data, uint16(int16(value)))
	case g.bitsPerSample == 16:
		g.byteOrder.PutUint16(data, uint16(value))
	case g.sampleFormat == 2:
		g.byteOrder.PutUint32(data, uint32(int32(value)))
	default:
		g.byteOrder.PutUint32(data, uint32(value))
	}
}

func (g testGeoTIFF) applyHorizontalPredictor(row []byte, stride int) {
	bytesPerSample := int(g.bitsPerSample) / 8
	for i := len(row)/bytesPerSample - 1; i >= stride; i-- {
		switch bytesPerSample {
		case 2:
			g.byteOrder.PutUint16(row[2*i:], g.byteOrder.Uint16(row[2*i:])-g.byteOrder.Uint16(row[2*(i-stride):]))
		case 4:
			g.byteOrder.PutUint32(row[4*i:], g.byteOrder.Uint32(row[4*i:])-g.byteOrder.Uint32(row[4*(i-stride):]))
		}
	}
}

func (g testGeoTIFF) shorts(tag uint16, values ...uint16) testTIFFEntry {
	var data []byte
	for _, value := range values {
		data = g.byteOrder.AppendUint16(data, value)
	}
	return testTIFFEntry{tag: tag, typ: tiffTypeShort, count: uint64(len(values)), data: data}
}

func (g testGeoTIFF) ascii(tag uint16, value string) testTIFFEntry {
	return testTIFFEntry{tag: tag, typ: tiffTypeASCII, count: uint64(len(value) + 1), data: append([]byte(value), 0)}
}

func (g testGeoTIFF) longs(tag uint16, values ...uint32) testTIFFEntry {
	var data []byte
	for _, value := range values {
		data = g.byteOrder.AppendUint32(data, value)
	}
	return testTIFFEntry{tag: tag, typ: tiffTypeLong, count: uint64(len(values)), data: data}
}

func (g testGeoTIFF) long8s(tag uint16, values ...uint64) testTIFFEntry {
	var data []byte
	for _, value := range values {
		data = g.byteOrder.AppendUint64(data, value)
	}
	return testTIFFEntry{tag: tag, typ: tiffTypeLong8, count: uint64(len(values)), data: data}
}

func (g testGeoTIFF) doubles(tag uint16, values ...float64) testTIFFEntry {
	var data []byte
	for _, value := range values {
		data = g.byteOrder.AppendUint64(data, math.Float64bits(value))
	}
	return testTIFFEntry{tag: tag, typ: tiffTypeDouble, count: uint64(len(values)), data: data}
}

// assertRasterEqual asserts that every sample of r, read singly and as one
// window, equals expected.
func assertRasterEqual(t *testing.T, expected [][]int, r terrain.Raster) {
	t.Helper()
	size := r.Geometry().Size()
	assert.Equal(t, terrain.Size{Rows: len(expected), Cols: len(expected[0])}, size)
	w, err := r.Window(t.Context(), terrain.CellIndex{}, terrain.CellIndex{Row: size.Rows - 1, Col: size.Cols - 1})
	assert.NoError(t, err)
	for row := range size.Rows {
		for col := range size.Cols {
			cell := terrain.CellIndex{Row: row, Col: col}
			expectedSample := terrain.Sample{}
			if expected[row][col] != missing {
				expectedSample = terrain.Meters(expected[row][col])
			}
			sample, err := r.Sample(t.Context(), cell)
			assert.NoError(t, err)
			assert.Equal(t, expectedSample, sample, "cell %v", cell)
			windowSample, ok := w.At(cell)
			assert.True(t, ok)
			assert.Equal(t, expectedSample, windowSample, "cell %v", cell)
		}
	}
}

func gridOf(width, height int, value func(row, col int) int) [][]int {
	grid := make([][]int, height)
	for row := range height {
		grid[row] = make([]int, width)
		for col := range width {
			grid[row][col] = value(row, col)
		}
	}
	return grid
}

func TestGeoTIFFRasterLayouts(t *testing.T) {
	elevation := func(row, col int) int {
		return 500 + 10*row - 7*col
	}
	negative := func(row, col int) int {
		return -1000 + 900*row - 450*col
	}
	toFloat := func(f func(int, int) int) func(int, int) float64 {
		return func(row, col int) float64 {
			return float64(f(row, col))
		}
	}

	for _, tc := range []struct {
		name     string
		geoTIFF  func() testGeoTIFF
		options  []terrain.GeoTIFFOption
		expected [][]int
	}{
		{
			name: "strips_int16_little_endian",
			geoTIFF: func() testGeoTIFF {
				g := newTestGeoTIFF(5, 5, toFloat(elevation))
				g.rowsPerStrip = 2
				return g
			},
			expected: gridOf(5, 5, elevation),
		},
		{
			name: "single_strip_uint16_big_endian",
			geoTIFF: func() testGeoTIFF {
				g := newTestGeoTIFF(4, 3, toFloat(elevation))
				g.byteOrder = binary.BigEndian
				g.sampleFormat = 1
				return g
			},
			expected: gridOf(4, 3, elevation),
		},
		{
			name: "tiles_lzw_predictor",
			geoTIFF: func() testGeoTIFF {
				g := newTestGeoTIFF(6, 5, toFloat(negative))
				g.tileWidth, g.tileLength = 4, 4
				g.compression = 5
				g.predictor = 2
				return g
			},
			expected: gridOf(6, 5, negative),
		},
		{
			name: "tiles_lzw_predictor_big_endian_int32",
			geoTIFF: func() testGeoTIFF {
				g := newTestGeoTIFF(6, 5, toFloat(negative))
				g.byteOrder = binary.BigEndian
				g.bitsPerSample = 32
				g.tileWidth, g.tileLength = 4, 4
				g.compression = 5
				g.predictor = 2
				return g
			},
			expected: gridOf(6, 5, negative),
		},
		{
			name: "float32_rounds",
			geoTIFF: func() testGeoTIFF {
				g := newTestGeoTIFF(3, 3, func(row, col int) float64 {
					return float64(elevation(row, col)) + 0.25*float64(col)
				})
				g.sampleFormat = 3
				g.bitsPerSample = 32
				return g
			},
			expected: gridOf(3, 3, func(row, col int) int {
				return int(math.Round(float64(elevation(row, col)) + 0.25*float64(col)))
			}),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := terrain.OpenGeoTIFF(tc.geoTIFF().mapFS(t), "test.tif", tc.options...)
			assert.NoError(t, err)
			defer r.Close()
			assertRasterEqual(t, tc.expected, r)
		})
	}
}

func TestGeoTIFFRasterBands(t *testing.T) {
	const width, height = 5, 4
	band := func(b int) []float64 {
		values := make([]float64, width*height)
		for i := range values {
			values[i] = float64(1000*b + i)
		}
		return values
	}
	expected := func(b int) [][]int {
		return gridOf(width, height, func(row, col int) int {
			return 1000*b + row*width + col
		})
	}

	for _, tc := range []struct {
		name    string
		geoTIFF func() testGeoTIFF
	}{
		{
			name: "chunky_tiles",
			geoTIFF: func() testGeoTIFF {
				g := newTestGeoTIFF(width, height, func(int, int) float64 { return 0 })
				g.bands = [][]float64{band(0), band(1), band(2)}
				g.tileWidth, g.tileLength = 2, 2
				return g
			},
		},
		{
			name: "chunky_strips_lzw_predictor",
			geoTIFF: func() testGeoTIFF {
				g := newTestGeoTIFF(width, height, func(int, int) float64 { return 0 })
				g.bands = [][]float64{band(0), band(1), band(2)}
				g.rowsPerStrip = 3
				g.compression = 5
				g.predictor = 2
				return g
			},
		},
		{
			name: "planar_strips",
			geoTIFF: func() testGeoTIFF {
				g := newTestGeoTIFF(width, height, func(int, int) float64 { return 0 })
				g.bands = [][]float64{band(0), band(1), band(2)}
				g.planar = true
				g.rowsPerStrip = 3
				g.bitsPerSample = 32
				return g
			},
		},
		{
			name: "planar_tiles_lzw",
			geoTIFF: func() testGeoTIFF {
				g := newTestGeoTIFF(width, height, func(int, int) float64 { return 0 })
				g.bands = [][]float64{band(0), band(1), band(2)}
				g.planar = true
				g.tileWidth, g.tileLength = 4, 4
				g.compression = 5
				g.predictor = 2
				return g
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fsys := tc.geoTIFF().mapFS(t)
			for b := range 3 {
				r, err := terrain.OpenGeoTIFF(fsys, "test.tif", terrain.WithBand(b))
				assert.NoError(t, err)
				assertRasterEqual(t, expected(b), r)
				assert.NoError(t, r.Close())
			}
			_, err := terrain.OpenGeoTIFF(fsys, "test.tif", terrain.WithBand(3))
			assert.IsError(t, err, errors.ErrUnsupported)
		})
	}
}

func TestGeoTIFFRasterNoData(t *testing.T) {
	values := func(row, col int) float64 {
		switch {
		case row == 0 && col == 1:
			return -9999
		case row == 1 && col == 2:
			return math.NaN()
		default:
			return float64(100 * row)
		}
	}
	g := newTestGeoTIFF(3, 2, values)
	g.sampleFormat = 3
	g.bitsPerSample = 32
	g.noData = "-9999"
	fsys := g.mapFS(t)

	r, err := terrain.OpenGeoTIFF(fsys, "test.tif")
	assert.NoError(t, err)
	defer r.Close()
	assertRasterEqual(t, [][]int{
		{0, missing, 0},
		{100, 100, missing},
	}, r)

	r2, err := terrain.OpenGeoTIFF(fsys, "test.tif", terrain.WithNoData(100))
	assert.NoError(t, err)
	defer r2.Close()
	assertRasterEqual(t, [][]int{
		{0, -9999, 0},
		{missing, missing, missing},
	}, r2)

	g.noData = "not a number"
	_, err = terrain.OpenGeoTIFF(g.mapFS(t), "test.tif")
	assert.Error(t, err)
}

func TestGeoTIFFRasterGeometry(t *testing.T) {
	g := newTestGeoTIFF(8, 4, func(int, int) float64 { return 1 })
	r, err := terrain.OpenGeoTIFF(g.mapFS(t), "test.tif")
	assert.NoError(t, err)
	defer r.Close()
	assert.Equal(t, terrain.Extent{MinX: 33, MinY: 67, MaxX: 35, MaxY: 68}, r.Geometry().Extent())
	assert.Equal(t, terrain.CellIndex{Row: 2, Col: 3}, r.Geometry().Cell(terrain.GeoCoordinate{Lat: 67.5, Lng: 33.75}))

	g.geoKeys = []uint16{
		1, 1, 0, 3,
		1024, 0, 1, 2,
		1025, 0, 1, 2,
		2048, 0, 1, 4326,
	}
	pointRaster, err := terrain.OpenGeoTIFF(g.mapFS(t), "test.tif")
	assert.NoError(t, err)
	defer pointRaster.Close()
	assert.Equal(t, terrain.Extent{MinX: 32.875, MinY: 67.125, MaxX: 34.875, MaxY: 68.125}, pointRaster.Geometry().Extent())
	assert.Equal(t, "", pointRaster.Citation())

	g.geoKeys = []uint16{
		1, 1, 0, 4,
		1024, 0, 1, 2,
		1025, 0, 1, 1,
		1026, 34737, 17, 0,
		2048, 0, 1, 4326,
	}
	g.geoASCII = "Khibiny SRTM DEM|"
	citedRaster, err := terrain.OpenGeoTIFF(g.mapFS(t), "test.tif")
	assert.NoError(t, err)
	defer citedRaster.Close()
	assert.Equal(t, "Khibiny SRTM DEM", citedRaster.Citation())
}

func TestOpenGeoTIFFErrors(t *testing.T) {
	for _, tc := range []struct {
		name        string
		modify      func(*testGeoTIFF)
		expectedErr error
	}{
		{
			name: "projected",
			modify: func(g *testGeoTIFF) {
				g.geoKeys = []uint16{
					1, 1, 0, 2,
					1024, 0, 1, 1,
					3072, 0, 1, 3035,
				}
			},
			expectedErr: errors.ErrUnsupported,
		},
		{
			name: "other_datum",
			modify: func(g *testGeoTIFF) {
				g.geoKeys = []uint16{
					1, 1, 0, 2,
					1024, 0, 1, 2,
					2048, 0, 1, 4258,
				}
			},
			expectedErr: errors.ErrUnsupported,
		},
		{
			name: "no_georeferencing",
			modify: func(g *testGeoTIFF) {
				g.tiepoint = nil
			},
			expectedErr: errors.ErrUnsupported,
		},
		{
			name: "deflate",
			modify: func(g *testGeoTIFF) {
				g.compression = 8
			},
			expectedErr: errors.ErrUnsupported,
		},
		{
			name: "float_predictor",
			modify: func(g *testGeoTIFF) {
				g.sampleFormat = 3
				g.bitsPerSample = 32
				g.predictor = 3
			},
			expectedErr: errors.ErrUnsupported,
		},
		{
			name: "int8",
			modify: func(g *testGeoTIFF) {
				g.bitsPerSample = 8
			},
			expectedErr: errors.ErrUnsupported,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGeoTIFF(4, 4, func(int, int) float64 { return 1 })
			tc.modify(&g)
			_, err := terrain.OpenGeoTIFF(g.mapFS(t), "test.tif")
			assert.IsError(t, err, tc.expectedErr)
		})
	}
}

func TestOpenGeoTIFFUnreadable(t *testing.T) {
	data := newTestGeoTIFF(4, 4, func(int, int) float64 { return 1 }).encode(t)

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{
			name: "truncated",
			data: data[:len(data)/2],
		},
		{
			name: "header_only",
			data: data[:16],
		},
		{
			name: "not_tiff",
			data: []byte("GIF89a.........."),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fsys := fstest.MapFS{
				"test.tif": &fstest.MapFile{Data: tc.data},
			}
			_, err := terrain.OpenGeoTIFF(fsys, "test.tif")
			assert.Error(t, err)
		})
	}

	_, err := terrain.OpenGeoTIFF(fstest.MapFS{}, "missing.tif")
	var ioError *terrain.IOError
	assert.True(t, errors.As(err, &ioError))
	assert.IsError(t, err, fs.ErrNotExist)
}

func TestGeoTIFFRasterBlockCache(t *testing.T) {
	elevation := func(row, col int) int {
		return row*100 + col
	}
	g := newTestGeoTIFF(8, 8, func(row, col int) float64 { return float64(elevation(row, col)) })
	g.tileWidth, g.tileLength = 2, 2
	r, err := terrain.OpenGeoTIFF(g.mapFS(t), "test.tif", terrain.WithBlockCacheSize(1))
	assert.NoError(t, err)
	defer r.Close()
	assertRasterEqual(t, gridOf(8, 8, elevation), r)

	_, err = r.Sample(t.Context(), terrain.CellIndex{Row: 8, Col: 0})
	var outOfBoundsError *terrain.OutOfBoundsError
	assert.True(t, errors.As(err, &outOfBoundsError))
}
