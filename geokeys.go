package terrain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// A GeoKey is a key in a GeoTIFF key directory.
type GeoKey uint16

// GeoKeys read by this package.
const (
	GeoKeyGTModelType            GeoKey = 1024
	GeoKeyGTRasterType           GeoKey = 1025
	GeoKeyGTCitation             GeoKey = 1026
	GeoKeyGeodeticCRS            GeoKey = 2048
	GeoKeyGeogCitation           GeoKey = 2049
	GeoKeyAngularUnits           GeoKey = 2054
	GeoKeyEllipsoidSemiMajorAxis GeoKey = 2057
	GeoKeyEllipsoidInvFlattening GeoKey = 2059
	GeoKeyPrimeMeridianLongitude GeoKey = 2061
)

// Locations of GeoKey values other than the key directory itself.
const (
	geoDoubleParamsTag = 34736
	geoASCIIParamsTag  = 34737
)

// ParsedGeoKeys holds the values of a GeoTIFF key directory by location.
type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

// ParseGeoKeys parses a GeoKeyDirectoryTag and the parameter tags it refers
// to.
func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams []byte) (*ParsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errParse
	}
	switch version, revision, minorRevision := directory[0], directory[1], directory[2]; {
	case version != 1 || revision != 1:
		return nil, fmt.Errorf("key directory %d.%d: %w", version, revision, errParse)
	case minorRevision > 1:
		return nil, fmt.Errorf("key directory minor revision %d: %w", minorRevision, errParse)
	}
	keys := int(directory[3])
	if len(directory) != 4+4*keys {
		return nil, fmt.Errorf("%d keys in %d values: %w", keys, len(directory), errParse)
	}

	parsedGeoKeys := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for entry := range slices.Chunk(directory[4:], 4) {
		key, location, count, value := GeoKey(entry[0]), entry[1], int(entry[2]), int(entry[3])
		switch location {
		case 0:
			if count != 1 {
				return nil, fmt.Errorf("geokey %d: %d values: %w", key, count, errParse)
			}
			parsedGeoKeys.Params[key] = value
		case geoDoubleParamsTag:
			switch {
			case count != 1:
				return nil, fmt.Errorf("geokey %d: %d double params: %w", key, count, errors.ErrUnsupported)
			case value >= len(doubleParams):
				return nil, fmt.Errorf("geokey %d: double param %d: %w", key, value, errParse)
			}
			parsedGeoKeys.DoubleParams[key] = doubleParams[value]
		case geoASCIIParamsTag:
			if value+count > len(asciiParams) {
				return nil, fmt.Errorf("geokey %d: ASCII param %d: %w", key, value, errParse)
			}
			parsedGeoKeys.ASCIIParams[key] = string(asciiParams[value : value+count])
		default:
			return nil, fmt.Errorf("geokey %d: location %d: %w", key, location, errors.ErrUnsupported)
		}
	}
	return parsedGeoKeys, nil
}

// Citation returns the citation of the model, or of the geographic CRS if the
// model has none, without the trailing separator.
func (k *ParsedGeoKeys) Citation() string {
	citation, ok := k.ASCIIParams[GeoKeyGTCitation]
	if !ok {
		citation = k.ASCIIParams[GeoKeyGeogCitation]
	}
	return strings.TrimRight(citation, "|\x00")
}
