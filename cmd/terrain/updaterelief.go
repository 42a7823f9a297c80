package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/TheHoboCoder/go-terrain"
)

var errNoGeometry = errors.New("no geometry")

// updateRelief recomputes the highest point of every place in a GeoJSON
// feature collection.
func (a *app) updateRelief(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("update-relief", flag.ContinueOnError)
	workers := flagSet.Int("workers", runtime.GOMAXPROCS(0), "concurrent places")
	reliefMap := flagSet.Bool("relief-map", false, "store the full relief of every place")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 2 {
		return errUsage
	}
	input, output := flagSet.Arg(0), flagSet.Arg(1)

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	var places geojson.FeatureCollection
	if err := json.Unmarshal(data, &places); err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	if err := a.updatePlaces(ctx, places.Features, *workers, *reliefMap); err != nil {
		return err
	}
	data, err = json.Marshal(&places)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o666)
}

// updatePlaces sets the highest_elevation and highest_point properties, and
// optionally relief_map, of places. Places outside the rasters are logged and
// left unchanged.
func (a *app) updatePlaces(ctx context.Context, places []*geojson.Feature, workers int, reliefMap bool) error {
	var updated, skipped atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, place := range places {
		g.Go(func() error {
			var outOfBoundsError *terrain.OutOfBoundsError
			switch err := a.updatePlace(ctx, place, reliefMap); {
			case errors.Is(err, terrain.ErrNotCovered) || errors.Is(err, errNoGeometry) || errors.As(err, &outOfBoundsError):
				a.logger.WarnContext(ctx, "skip",
					slog.Int("index", i),
					slog.String("id", place.ID),
					slog.Any("err", err),
				)
				skipped.Add(1)
				return nil
			case err != nil:
				return fmt.Errorf("place %d: %w", i, err)
			default:
				updated.Add(1)
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "update-relief",
		slog.Int64("updated", updated.Load()),
		slog.Int64("skipped", skipped.Load()),
	)
	return nil
}

func (a *app) updatePlace(ctx context.Context, place *geojson.Feature, reliefMap bool) error {
	if place.Geometry == nil {
		return errNoGeometry
	}
	bounds := place.Geometry.Bounds()
	if bounds.IsEmpty() {
		return errNoGeometry
	}
	extent := terrain.Extent{
		MinX: bounds.Min(0),
		MinY: bounds.Min(1),
		MaxX: bounds.Max(0),
		MaxY: bounds.Max(1),
	}
	service, err := a.service(extent)
	if err != nil {
		return err
	}
	relief, err := service.ExtractRelief(ctx, extent)
	if err != nil {
		return err
	}

	if place.Properties == nil {
		place.Properties = make(map[string]any)
	}
	if highest := relief.Highest; highest == nil {
		place.Properties["highest_elevation"] = nil
		place.Properties["highest_point"] = nil
	} else {
		point, err := geojson.Encode(geom.NewPointFlat(geom.XY, []float64{highest.Coord.Lng, highest.Coord.Lat}))
		if err != nil {
			return err
		}
		place.Properties["highest_elevation"] = highest.Sample.Meters
		place.Properties["highest_point"] = point
	}
	if reliefMap {
		place.Properties["relief_map"] = relief.Points
	}
	return nil
}
