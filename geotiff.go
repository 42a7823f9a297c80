package terrain

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"unsafe"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/tiff/lzw"
)

const (
	compressionNone = 1
	compressionLZW  = 5

	predictorNone       = 1
	predictorHorizontal = 2

	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3

	planarConfigurationChunky = 1
	planarConfigurationPlanar = 2

	modelTypeGeographic = 2
	rasterPixelIsPoint  = 2
	epsgWGS84           = 4326
)

// A GeoTIFFRaster is an open GeoTIFF file in geographic WGS84 coordinates.
type GeoTIFFRaster struct {
	file                fs.File
	readerAt            io.ReaderAt
	filename            string
	byteOrder           binary.ByteOrder
	size                Size
	tiled               bool
	blockWidth          int
	blockLength         int
	blocksAcross        int
	blocksDown          int
	blockOffsets        []uint64
	blockByteCounts     []uint64
	samplesPerPixel     int
	planar              bool
	bytesPerSample      int
	sampleFormat        int
	compression         int
	predictor           int
	band                int
	noData              float64
	hasNoData           bool
	blockCacheSizeBytes int
	blockCache          *lru.Cache[int, []Sample]
	geometry            *AffineGeometry
	citation            string
}

// A GeoTIFFOption sets an option on a GeoTIFFRaster.
type GeoTIFFOption func(*GeoTIFFRaster)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth                uint16    `tiff:"field,tag=256"`
	ImageLength               uint16    `tiff:"field,tag=257"`
	BitsPerSample             []uint16  `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	StripOffsets              []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	RowsPerStrip              uint32    `tiff:"field,tag=278"`
	StripByteCounts           []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint16    `tiff:"field,tag=322"`
	TileLength                uint16    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              []uint16  `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

type readAtReadSeeker interface {
	io.ReaderAt
	io.ReadSeeker
}

// OpenGeoTIFF opens the GeoTIFF file filename in fsys.
func OpenGeoTIFF(fsys fs.FS, filename string, options ...GeoTIFFOption) (*GeoTIFFRaster, error) {
	r := &GeoTIFFRaster{
		filename:            filename,
		blockCacheSizeBytes: 16 << 20, // 16MB.
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
	readAtSeeker, isReadAtSeeker := file.(readAtReadSeeker)
	if !isReadAtSeeker {
		return nil, errors.ErrUnsupported
	}
	r.file = file
	r.readerAt = readAtSeeker

	var header [2]byte
	if err := r.readAt(header[:], 0); err != nil {
		return nil, err
	}
	switch string(header[:]) {
	case "II":
		r.byteOrder = binary.LittleEndian
	case "MM":
		r.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%s: not a TIFF file: %w", filename, errParse)
	}

	tiffTIFF, err := tiff.Parse(readAtSeeker, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, &IOError{Filename: filename, Err: err}
	}
	// Any further IFDs are overviews.
	if len(tiffTIFF.IFDs()) == 0 {
		return nil, fmt.Errorf("%s: no IFDs: %w", filename, errParse)
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}

	if err := r.setLayout(&ifd); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	transform, citation, err := geoTIFFTransform(&ifd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	r.citation = citation
	r.geometry, err = NewAffineGeometry(transform, r.size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	if !r.hasNoData && ifd.GDALNoData != "" {
		noData := strings.TrimSpace(strings.TrimRight(ifd.GDALNoData, "\x00"))
		r.noData, err = strconv.ParseFloat(noData, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: GDAL_NODATA %q: %w", filename, noData, errParse)
		}
		r.hasNoData = true
	}

	blockSizeBytes := r.blockWidth * r.blockLength * int(unsafe.Sizeof(Sample{}))
	r.blockCache, err = lru.New[int, []Sample](max(r.blockCacheSizeBytes/blockSizeBytes, 1))
	if err != nil {
		return nil, err
	}

	rasterOpens.WithLabelValues("geotiff").Inc()
	ok = true
	return r, nil
}

// WithBand selects the band to read. Bands are numbered from zero.
func WithBand(band int) GeoTIFFOption {
	return func(r *GeoTIFFRaster) {
		r.band = band
	}
}

// WithNoData overrides the no-data value of the file.
func WithNoData(noData float64) GeoTIFFOption {
	return func(r *GeoTIFFRaster) {
		r.noData = noData
		r.hasNoData = true
	}
}

// WithBlockCacheSize sets the size in bytes of the cache of decoded blocks.
func WithBlockCacheSize(blockCacheSize int) GeoTIFFOption {
	return func(r *GeoTIFFRaster) {
		r.blockCacheSizeBytes = blockCacheSize
	}
}

func (r *GeoTIFFRaster) Close() error {
	return r.file.Close()
}

func (r *GeoTIFFRaster) Geometry() Geometry {
	return r.geometry
}

// Citation returns the citation recorded in the file's GeoKeys, if any.
func (r *GeoTIFFRaster) Citation() string {
	return r.citation
}

// Sample returns the sample at cell.
func (r *GeoTIFFRaster) Sample(ctx context.Context, cell CellIndex) (Sample, error) {
	if err := checkBounds(r.size, cell); err != nil {
		return Sample{}, err
	}
	blockSamples, err := r.getBlockSamplesCached(cell.Row/r.blockLength, cell.Col/r.blockWidth)
	if err != nil {
		return Sample{}, err
	}
	return blockSamples[(cell.Row%r.blockLength)*r.blockWidth+cell.Col%r.blockWidth], nil
}

// Window returns the samples from topLeft to bottomRight inclusive, decoding
// each block that the window touches once.
func (r *GeoTIFFRaster) Window(ctx context.Context, topLeft, bottomRight CellIndex) (*Window, error) {
	if err := checkWindow(r.size, topLeft, bottomRight); err != nil {
		return nil, err
	}
	w := newWindow(topLeft, bottomRight)
	for blockRow := topLeft.Row / r.blockLength; blockRow <= bottomRight.Row/r.blockLength; blockRow++ {
		for blockCol := topLeft.Col / r.blockWidth; blockCol <= bottomRight.Col/r.blockWidth; blockCol++ {
			blockSamples, err := r.getBlockSamplesCached(blockRow, blockCol)
			if err != nil {
				return nil, err
			}
			minRow := max(topLeft.Row, blockRow*r.blockLength)
			maxRow := min(bottomRight.Row, (blockRow+1)*r.blockLength-1)
			minCol := max(topLeft.Col, blockCol*r.blockWidth)
			maxCol := min(bottomRight.Col, (blockCol+1)*r.blockWidth-1)
			for row := minRow; row <= maxRow; row++ {
				blockOffset := (row % r.blockLength) * r.blockWidth
				windowOffset := (row - topLeft.Row) * w.Cols
				for col := minCol; col <= maxCol; col++ {
					w.Samples[windowOffset+col-topLeft.Col] = blockSamples[blockOffset+col%r.blockWidth]
				}
			}
		}
	}
	return w, nil
}

// setLayout validates the sample encoding and block layout in ifd.
func (r *GeoTIFFRaster) setLayout(ifd *geoTIFFIFD) error {
	r.size = Size{Rows: int(ifd.ImageLength), Cols: int(ifd.ImageWidth)}
	r.samplesPerPixel = max(int(ifd.SamplesPerPixel), 1)
	if r.band < 0 || r.samplesPerPixel <= r.band {
		return fmt.Errorf("band %d of %d: %w", r.band, r.samplesPerPixel, errors.ErrUnsupported)
	}

	if len(ifd.BitsPerSample) == 0 {
		return errors.ErrUnsupported
	}
	bitsPerSample := ifd.BitsPerSample[0]
	for _, bits := range ifd.BitsPerSample[1:] {
		if bits != bitsPerSample {
			return errors.ErrUnsupported
		}
	}
	r.bytesPerSample = int(bitsPerSample) / 8
	r.sampleFormat = sampleFormatUint
	if len(ifd.SampleFormat) > 0 {
		r.sampleFormat = int(ifd.SampleFormat[0])
	}
	switch {
	case r.sampleFormat == sampleFormatUint && (bitsPerSample == 16 || bitsPerSample == 32):
	case r.sampleFormat == sampleFormatInt && (bitsPerSample == 16 || bitsPerSample == 32):
	case r.sampleFormat == sampleFormatFloat && bitsPerSample == 32:
	default:
		return fmt.Errorf("sample format %d with %d bits: %w", r.sampleFormat, bitsPerSample, errors.ErrUnsupported)
	}

	switch ifd.Compression {
	case 0, compressionNone:
		r.compression = compressionNone
	case compressionLZW:
		r.compression = compressionLZW
	default:
		return fmt.Errorf("compression %d: %w", ifd.Compression, errors.ErrUnsupported)
	}
	switch ifd.Predictor {
	case 0, predictorNone:
		r.predictor = predictorNone
	case predictorHorizontal:
		if r.sampleFormat == sampleFormatFloat {
			return fmt.Errorf("horizontal predictor with floating point samples: %w", errors.ErrUnsupported)
		}
		r.predictor = predictorHorizontal
	default:
		return fmt.Errorf("predictor %d: %w", ifd.Predictor, errors.ErrUnsupported)
	}
	switch ifd.PlanarConfiguration {
	case 0, planarConfigurationChunky:
	case planarConfigurationPlanar:
		r.planar = true
	default:
		return errors.ErrUnsupported
	}

	if ifd.TileWidth != 0 {
		r.tiled = true
		r.blockWidth = int(ifd.TileWidth)
		r.blockLength = int(ifd.TileLength)
		r.blockOffsets = ifd.TileOffsets
		r.blockByteCounts = ifd.TileByteCounts
	} else {
		r.blockWidth = r.size.Cols
		r.blockLength = int(ifd.RowsPerStrip)
		if r.blockLength == 0 || r.blockLength > r.size.Rows {
			r.blockLength = r.size.Rows
		}
		r.blockOffsets = ifd.StripOffsets
		r.blockByteCounts = ifd.StripByteCounts
	}
	if r.blockWidth <= 0 || r.blockLength <= 0 {
		return fmt.Errorf("%dx%d blocks: %w", r.blockLength, r.blockWidth, errParse)
	}
	r.blocksAcross = (r.size.Cols + r.blockWidth - 1) / r.blockWidth
	r.blocksDown = (r.size.Rows + r.blockLength - 1) / r.blockLength
	blocksPerImage := r.blocksAcross * r.blocksDown
	if r.planar {
		blocksPerImage *= r.samplesPerPixel
	}
	if len(r.blockOffsets) != blocksPerImage || len(r.blockByteCounts) != blocksPerImage {
		return errors.New("incorrect number of block byte counts or offsets")
	}
	return nil
}

// geoTIFFTransform returns the geotransform and citation described by the
// georeferencing tags in ifd.
func geoTIFFTransform(ifd *geoTIFFIFD) (GeoTransform, string, error) {
	if len(ifd.ModelPixelScaleTag) < 2 || len(ifd.ModelTiepointTag) < 6 {
		return GeoTransform{}, "", fmt.Errorf("missing georeferencing: %w", errors.ErrUnsupported)
	}

	pixelIsPoint := false
	citation := ""
	if len(ifd.GeoKeyDirectoryTag) != 0 {
		geoKeys, err := ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
		if err != nil {
			return GeoTransform{}, "", err
		}
		if modelType, ok := geoKeys.Params[GeoKeyGTModelType]; ok && modelType != modelTypeGeographic {
			return GeoTransform{}, "", fmt.Errorf("model type %d: %w", modelType, errors.ErrUnsupported)
		}
		if crs, ok := geoKeys.Params[GeoKeyGeodeticCRS]; ok && crs != epsgWGS84 {
			return GeoTransform{}, "", fmt.Errorf("EPSG:%d: %w", crs, errors.ErrUnsupported)
		}
		pixelIsPoint = geoKeys.Params[GeoKeyGTRasterType] == rasterPixelIsPoint
		citation = geoKeys.Citation()
	}

	scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
	i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
	x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]
	transform := GeoTransform{
		OriginX:     x - i*scaleX,
		PixelWidth:  scaleX,
		OriginY:     y + j*scaleY,
		PixelHeight: -scaleY,
	}
	// Samples of PixelIsPoint rasters are located at the centers of cells.
	if pixelIsPoint {
		transform.OriginX -= scaleX / 2
		transform.OriginY += scaleY / 2
	}
	return transform, citation, nil
}

// getBlockSamplesCached returns the samples of r's band in the block at
// blockRow, blockCol using r's cache.
func (r *GeoTIFFRaster) getBlockSamplesCached(blockRow, blockCol int) ([]Sample, error) {
	key := blockRow*r.blocksAcross + blockCol
	if blockSamples, ok := r.blockCache.Get(key); ok {
		blockCacheHits.Inc()
		return blockSamples, nil
	}
	blockCacheMisses.Inc()
	blockSamples, err := r.getBlockSamples(blockRow, key)
	if err != nil {
		return nil, err
	}
	r.blockCache.Add(key, blockSamples)
	return blockSamples, nil
}

// getBlockSamples reads, decompresses, and decodes a block.
func (r *GeoTIFFRaster) getBlockSamples(blockRow, key int) ([]Sample, error) {
	blockIndex := key
	stride := r.samplesPerPixel
	bandOffset := r.band
	if r.planar {
		blockIndex += r.band * r.blocksAcross * r.blocksDown
		stride = 1
		bandOffset = 0
	}

	// The last strip is not padded to a whole block.
	rows := r.blockLength
	if !r.tiled {
		rows = min(r.blockLength, r.size.Rows-blockRow*r.blockLength)
	}
	rowBytes := r.blockWidth * stride * r.bytesPerSample
	blockBytes := rows * rowBytes

	data := make([]byte, r.blockByteCounts[blockIndex])
	if err := r.readAt(data, int64(r.blockOffsets[blockIndex])); err != nil {
		return nil, err
	}
	if r.compression == compressionLZW {
		var err error
		data, err = decompressLZW(data, blockBytes)
		if err != nil {
			return nil, &IOError{Filename: r.filename, Err: err}
		}
	}
	if len(data) < blockBytes {
		return nil, &IOError{Filename: r.filename, Err: errShortRead}
	}

	if r.predictor == predictorHorizontal {
		for row := range rows {
			r.undoHorizontalPredictor(data[row*rowBytes:(row+1)*rowBytes], stride)
		}
	}

	blockSamples := make([]Sample, r.blockLength*r.blockWidth)
	for i := range rows * r.blockWidth {
		blockSamples[i] = r.decodeSample(data[(i*stride+bandOffset)*r.bytesPerSample:])
	}
	return blockSamples, nil
}

// undoHorizontalPredictor replaces the differences in a row with the values
// they encode. Arithmetic wraps at the sample width.
func (r *GeoTIFFRaster) undoHorizontalPredictor(row []byte, stride int) {
	n := len(row) / r.bytesPerSample
	switch r.bytesPerSample {
	case 2:
		for i := stride; i < n; i++ {
			value := r.byteOrder.Uint16(row[2*i:]) + r.byteOrder.Uint16(row[2*(i-stride):])
			r.byteOrder.PutUint16(row[2*i:], value)
		}
	case 4:
		for i := stride; i < n; i++ {
			value := r.byteOrder.Uint32(row[4*i:]) + r.byteOrder.Uint32(row[4*(i-stride):])
			r.byteOrder.PutUint32(row[4*i:], value)
		}
	}
}

// decodeSample decodes the sample at the start of data.
func (r *GeoTIFFRaster) decodeSample(data []byte) Sample {
	var value float64
	switch {
	case r.sampleFormat == sampleFormatFloat:
		value32 := math.Float32frombits(r.byteOrder.Uint32(data))
		if r.hasNoData && value32 == float32(r.noData) {
			return Sample{}
		}
		value = float64(value32)
	case r.sampleFormat == sampleFormatInt && r.bytesPerSample == 2:
		value = float64(int16(r.byteOrder.Uint16(data)))
	case r.sampleFormat == sampleFormatInt:
		value = float64(int32(r.byteOrder.Uint32(data)))
	case r.bytesPerSample == 2:
		value = float64(r.byteOrder.Uint16(data))
	default:
		value = float64(r.byteOrder.Uint32(data))
	}
	if math.IsNaN(value) || r.hasNoData && value == r.noData {
		return Sample{}
	}
	return Meters(int(math.Round(value)))
}

func (r *GeoTIFFRaster) readAt(data []byte, offset int64) error {
	switch n, err := r.readerAt.ReadAt(data, offset); {
	case n == len(data):
		return nil
	case err != nil && !errors.Is(err, io.EOF):
		return &IOError{Filename: r.filename, Err: err}
	default:
		return &IOError{Filename: r.filename, Err: errShortRead}
	}
}

// decompressLZW decompresses the first size bytes of an LZW-compressed
// block.
func decompressLZW(compressedData []byte, size int) ([]byte, error) {
	data := make([]byte, size)
	rc := lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
	defer rc.Close()
	if _, err := io.ReadFull(rc, data); err != nil {
		return nil, err
	}
	return data, nil
}
