package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtw_cache_hits_total",
		Help: "Distance matrix cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtw_cache_misses_total",
		Help: "Distance matrix cache misses",
	})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtw_cache_evictions_total",
		Help: "Distance matrices evicted from the cache",
	})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dtw_cache_entries",
		Help: "Distance matrices currently cached",
	})
)
