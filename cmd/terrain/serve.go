package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheHoboCoder/go-terrain"
)

var (
	reliefCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_relief_cache_hits_total",
		Help: "The total number of relief responses served from the cache",
	})
	reliefCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_relief_cache_misses_total",
		Help: "The total number of relief responses computed",
	})
)

var errBadRequest = errors.New("bad request")

// A server serves terrain queries over HTTP.
type server struct {
	app         *app
	reliefCache *lru.Cache[terrain.Extent, []byte]
}

func newServer(a *app, cacheSize int) (*server, error) {
	reliefCache, err := lru.New[terrain.Extent, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	return &server{
		app:         a,
		reliefCache: reliefCache,
	}, nil
}

func (a *app) serve(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := flagSet.String("addr", cmp.Or(os.Getenv("TERRAIN_ADDR"), ":8080"), "listen address")
	cacheSize := flagSet.Int("cache-size", 128, "relief responses to cache")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 0 {
		return errUsage
	}

	s, err := newServer(a, *cacheSize)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listen", slog.String("addr", *addr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /region", s.handleRegion)
	mux.HandleFunc("GET /relief", s.handleRelief)
	mux.HandleFunc("GET /around", s.handleAround)
	mux.HandleFunc("GET /trace", s.handleTrace)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *server) handleRegion(w http.ResponseWriter, r *http.Request) {
	region, err := s.app.source.region(r.Context(), s.app.logger)
	s.respond(w, r, region, err)
}

// handleRelief serves the relief of bounds=minLng,minLat,maxLng,maxLat.
func (s *server) handleRelief(w http.ResponseWriter, r *http.Request) {
	extent, err := parseBounds(r.URL.Query().Get("bounds"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if data, ok := s.reliefCache.Get(extent); ok {
		reliefCacheHits.Inc()
		writeJSON(w, data)
		return
	}
	reliefCacheMisses.Inc()

	service, err := s.app.service(extent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	relief, err := service.ExtractRelief(r.Context(), extent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := json.Marshal(relief)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reliefCache.Add(extent, data)
	writeJSON(w, data)
}

func (s *server) handleAround(w http.ResponseWriter, r *http.Request) {
	coord, err := parseCoordQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	service, err := s.app.service(pointExtent(coord))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	around, err := service.SampleAround(r.Context(), coord)
	s.respond(w, r, around, err)
}

func (s *server) handleTrace(w http.ResponseWriter, r *http.Request) {
	coord, err := parseCoordQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	friction, err := parseFloatQuery(query.Get("friction"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	velocity, err := parseFloatQuery(query.Get("velocity"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	service, err := s.app.service(pointExtent(coord), terrain.WithInitialVelocity(velocity))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := service.TracePath(r.Context(), coord, friction)
	s.respond(w, r, result, err)
}

func (s *server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, data)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var outOfBoundsError *terrain.OutOfBoundsError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, terrain.ErrNotCovered):
		status = http.StatusNotFound
	case errors.As(err, &outOfBoundsError):
		status = http.StatusUnprocessableEntity
	}
	s.app.logger.WarnContext(r.Context(), "request",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Any("err", err),
	)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// parseBounds parses minLng,minLat,maxLng,maxLat.
func parseBounds(bounds string) (terrain.Extent, error) {
	values, err := parseFloats(strings.Split(bounds, ","), 4)
	if err != nil {
		return terrain.Extent{}, fmt.Errorf("bounds %q: %w", bounds, errBadRequest)
	}
	return terrain.Extent{
		MinX: min(values[0], values[2]),
		MinY: min(values[1], values[3]),
		MaxX: max(values[0], values[2]),
		MaxY: max(values[1], values[3]),
	}, nil
}

func parseCoordQuery(r *http.Request) (terrain.GeoCoordinate, error) {
	query := r.URL.Query()
	lat, err := strconv.ParseFloat(query.Get("lat"), 64)
	if err != nil {
		return terrain.GeoCoordinate{}, fmt.Errorf("lat: %w", errBadRequest)
	}
	lng, err := strconv.ParseFloat(query.Get("lng"), 64)
	if err != nil {
		return terrain.GeoCoordinate{}, fmt.Errorf("lng: %w", errBadRequest)
	}
	return terrain.GeoCoordinate{Lat: lat, Lng: lng}, nil
}

// parseFloatQuery parses a finite, non-negative float.
func parseFloatQuery(value string, defaultValue float64) (float64, error) {
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("%q: %w", value, errBadRequest)
	}
	return f, nil
}
