package terrain

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// A Service answers terrain queries, opening a fresh raster for each call.
type Service struct {
	open          Opener
	logger        *slog.Logger
	tracerOptions []TracerOption
}

// A ServiceOption sets an option on a Service.
type ServiceOption func(*Service)

// An Around is the relief around a coordinate.
type Around struct {
	Relief *Relief `json:"data"`
	// Error is the offset of the center cell from the requested coordinate.
	Error struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"error"`
}

// NewService returns a new Service that opens rasters with open.
func NewService(open Opener, options ...ServiceOption) *Service {
	s := &Service{
		open:   open,
		logger: slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracerOptions sets options applied to every traced path before the
// friction given to TracePath.
func WithTracerOptions(options ...TracerOption) ServiceOption {
	return func(s *Service) {
		s.tracerOptions = append(s.tracerOptions, options...)
	}
}

// AllowedRegion returns the region covered by the raster.
func (s *Service) AllowedRegion(ctx context.Context) (region Region, err error) {
	err = s.withRaster(ctx, "region", func(r Raster) error {
		region = AllowedRegion(r.Geometry())
		return nil
	})
	return
}

// ExtractRelief returns the relief of extent.
func (s *Service) ExtractRelief(ctx context.Context, extent Extent) (relief *Relief, err error) {
	err = s.withRaster(ctx, "relief", func(r Raster) error {
		var err error
		northWest, southEast := ExtentCorners(extent)
		relief, err = ExtractRelief(ctx, r, northWest, southEast)
		return err
	}, slog.Any("extent", extent))
	return
}

// SampleAround returns the 3x3 relief centered on the cell nearest to coord.
func (s *Service) SampleAround(ctx context.Context, coord GeoCoordinate) (around *Around, err error) {
	err = s.withRaster(ctx, "around", func(r Raster) error {
		geometry := r.Geometry()
		size := geometry.Size()
		center := geometry.Cell(coord)
		if err := checkBounds(size, center); err != nil {
			return err
		}
		topLeft := CellIndex{Row: max(center.Row-1, 0), Col: max(center.Col-1, 0)}
		bottomRight := CellIndex{Row: min(center.Row+1, size.Rows-1), Col: min(center.Col+1, size.Cols-1)}
		w, err := r.Window(ctx, topLeft, bottomRight)
		if err != nil {
			return err
		}
		around = &Around{
			Relief: newRelief(geometry, w),
		}
		centerCoord := geometry.Coord(center)
		around.Error.Lat = centerCoord.Lat - coord.Lat
		around.Error.Lng = centerCoord.Lng - coord.Lng
		return nil
	}, slog.Any("coord", coord))
	return
}

// TracePath traces the path from start with the given friction coefficient.
func (s *Service) TracePath(ctx context.Context, start GeoCoordinate, friction float64) (result *TraceResult, err error) {
	err = s.withRaster(ctx, "trace", func(r Raster) error {
		var err error
		tracer := NewTracer(append(slices.Clip(s.tracerOptions), WithFriction(friction))...)
		result, err = tracer.Trace(ctx, r, start)
		if err != nil {
			return err
		}
		s.logger.DebugContext(ctx, "traced",
			slog.Any("start", start),
			slog.Float64("friction", friction),
			slog.String("status", result.Status.String()),
			slog.Int("length", len(result.Path)),
		)
		return nil
	}, slog.Any("start", start))
	return
}

// Elevation returns the interpolated elevations of coords.
func (s *Service) Elevation(ctx context.Context, coords []GeoCoordinate) (elevations []float64, err error) {
	err = s.withRaster(ctx, "elevation", func(r Raster) error {
		var err error
		elevations, err = InterpolateBilinear(ctx, r, coords)
		return err
	}, slog.Int("coords", len(coords)))
	return
}

// withRaster opens a raster, calls f, and closes the raster.
func (s *Service) withRaster(ctx context.Context, op string, f func(Raster) error, attrs ...slog.Attr) (err error) {
	start := time.Now()
	r, err := s.open()
	if err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "open", append(attrs, slog.String("op", op), slog.Any("err", err))...)
		return err
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if err = f(r); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, op, append(attrs, slog.Any("err", err))...)
		return err
	}
	s.logger.LogAttrs(ctx, slog.LevelDebug, op, append(attrs, slog.Duration("duration", time.Since(start)))...)
	return nil
}
