// Command terrain answers terrain queries against an elevation raster or a
// directory of rasters.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kr/pretty"

	"github.com/TheHoboCoder/go-terrain"
)

const usage = `usage: terrain [flags] <command> [args]

commands:
  region
  relief minLat minLng maxLat maxLng
  around lat lng
  trace [-friction f] [-velocity v] lat lng
  elevation lat lng [lat lng...]
  update-relief [-workers n] [-relief-map] places.geojson out.geojson
  serve [-addr addr] [-cache-size n]

flags:
`

var errUsage = errors.New("usage")

// An app holds what every command needs.
type app struct {
	source *rasterSource
	logger *slog.Logger
	stdout io.Writer
	pretty bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flagSet := flag.NewFlagSet("terrain", flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.Usage = func() {
		fmt.Fprint(stderr, usage)
		flagSet.PrintDefaults()
	}
	raster := flagSet.String("raster", os.Getenv("TERRAIN_RASTER"), "path to a single raster file")
	dataDir := flagSet.String("data-dir", os.Getenv("TERRAIN_DATA_DIR"), "directory of raster files")
	prettyOutput := flagSet.Bool("pretty", false, "print Go values instead of JSON")
	logLevel := flagSet.String("log-level", "info", "log level")
	logFormat := flagSet.String("log-format", "text", "log format (text or json)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() < 1 {
		flagSet.Usage()
		return errUsage
	}

	logger, err := newLogger(stderr, *logLevel, *logFormat)
	if err != nil {
		return err
	}
	source, err := newRasterSource(*raster, *dataDir, logger)
	if err != nil {
		return err
	}
	a := &app{
		source: source,
		logger: logger,
		stdout: stdout,
		pretty: *prettyOutput,
	}

	command, commandArgs := flagSet.Arg(0), flagSet.Args()[1:]
	switch command {
	case "region":
		return a.region(ctx, commandArgs)
	case "relief":
		return a.relief(ctx, commandArgs)
	case "around":
		return a.around(ctx, commandArgs)
	case "trace":
		return a.trace(ctx, commandArgs)
	case "elevation":
		return a.elevation(ctx, commandArgs)
	case "update-relief":
		return a.updateRelief(ctx, commandArgs)
	case "serve":
		return a.serve(ctx, commandArgs)
	default:
		return fmt.Errorf("%s: unknown command", command)
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: slogLevel}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("%s: unknown log format", format)
	}
}

func (a *app) print(v any) error {
	if a.pretty {
		_, err := pretty.Fprintf(a.stdout, "%# v\n", v)
		return err
	}
	return json.NewEncoder(a.stdout).Encode(v)
}

func (a *app) region(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	region, err := a.source.region(ctx, a.logger)
	if err != nil {
		return err
	}
	return a.print(region)
}

func (a *app) relief(ctx context.Context, args []string) error {
	values, err := parseFloats(args, 4)
	if err != nil {
		return err
	}
	extent := terrain.Extent{
		MinX: min(values[1], values[3]),
		MinY: min(values[0], values[2]),
		MaxX: max(values[1], values[3]),
		MaxY: max(values[0], values[2]),
	}
	service, err := a.service(extent)
	if err != nil {
		return err
	}
	relief, err := service.ExtractRelief(ctx, extent)
	if err != nil {
		return err
	}
	return a.print(relief)
}

func (a *app) around(ctx context.Context, args []string) error {
	coords, err := parseCoords(args)
	if err != nil || len(coords) != 1 {
		return errors.Join(errUsage, err)
	}
	service, err := a.service(pointExtent(coords[0]))
	if err != nil {
		return err
	}
	around, err := service.SampleAround(ctx, coords[0])
	if err != nil {
		return err
	}
	return a.print(around)
}

func (a *app) trace(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("trace", flag.ContinueOnError)
	friction := flagSet.Float64("friction", 0, "friction coefficient")
	velocity := flagSet.Float64("velocity", 0, "initial velocity in m/s")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	coords, err := parseCoords(flagSet.Args())
	if err != nil || len(coords) != 1 {
		return errors.Join(errUsage, err)
	}
	service, err := a.service(pointExtent(coords[0]), terrain.WithInitialVelocity(*velocity))
	if err != nil {
		return err
	}
	result, err := service.TracePath(ctx, coords[0], *friction)
	if err != nil {
		return err
	}
	return a.print(result)
}

func (a *app) elevation(ctx context.Context, args []string) error {
	coords, err := parseCoords(args)
	if err != nil || len(coords) == 0 {
		return errors.Join(errUsage, err)
	}
	elevations := make([]*float64, 0, len(coords))
	for _, coord := range coords {
		service, err := a.service(pointExtent(coord))
		if err != nil {
			return err
		}
		values, err := service.Elevation(ctx, []terrain.GeoCoordinate{coord})
		if err != nil {
			return err
		}
		elevations = append(elevations, jsonFloat(values[0]))
	}
	return a.print(elevations)
}

// service returns a Service over the raster that covers extent.
func (a *app) service(extent terrain.Extent, tracerOptions ...terrain.TracerOption) (*terrain.Service, error) {
	open, err := a.source.opener(extent)
	if err != nil {
		return nil, err
	}
	return terrain.NewService(open,
		terrain.WithLogger(a.logger),
		terrain.WithTracerOptions(tracerOptions...),
	), nil
}

// parseFloats parses exactly n floats from args.
func parseFloats(args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, errUsage
	}
	values := make([]float64, 0, n)
	for _, arg := range args {
		value, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// parseCoords parses latitude and longitude pairs from args.
func parseCoords(args []string) ([]terrain.GeoCoordinate, error) {
	if len(args)%2 != 0 {
		return nil, errUsage
	}
	values, err := parseFloats(args, len(args))
	if err != nil {
		return nil, err
	}
	coords := make([]terrain.GeoCoordinate, 0, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		coords = append(coords, terrain.GeoCoordinate{Lat: values[i], Lng: values[i+1]})
	}
	return coords, nil
}

func pointExtent(coord terrain.GeoCoordinate) terrain.Extent {
	return terrain.Extent{MinX: coord.Lng, MinY: coord.Lat, MaxX: coord.Lng, MaxY: coord.Lat}
}

// jsonFloat returns a pointer to value, or nil if value is NaN.
func jsonFloat(value float64) *float64 {
	if math.IsNaN(value) {
		return nil
	}
	return &value
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}
