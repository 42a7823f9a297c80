package terrain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rasterOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_raster_opens_total",
		Help: "The total number of raster files opened",
	}, []string{"backend"})
	blockCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_block_cache_hits_total",
		Help: "The total number of hits on the decoded GeoTIFF block cache",
	})
	blockCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_block_cache_misses_total",
		Help: "The total number of misses on the decoded GeoTIFF block cache",
	})
	catalogLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_catalog_lookups_total",
		Help: "The total number of catalog lookups by result",
	}, []string{"result"})
	traceTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_trace_terminations_total",
		Help: "The total number of traced paths by terminal status",
	}, []string{"status"})
)
