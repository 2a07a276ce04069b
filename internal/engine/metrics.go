package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtw_runs_total",
		Help: "Total number of distance matrix computations",
	}, []string{"backend", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dtw_run_duration_seconds",
		Help:    "Wall time of one distance matrix computation",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"backend"})

	pairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtw_pairs_total",
		Help: "Total number of (source, target) pairs returned to callers",
	}, []string{"backend"})

	paddedPairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtw_padded_pairs_total",
		Help: "Pairs computed against padding targets and discarded",
	}, []string{"backend"})

	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtw_chunks_total",
		Help: "Total number of target chunks executed on a device",
	}, []string{"backend"})

	chunkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dtw_chunk_duration_seconds",
		Help:    "Time to stage, run and read back one target chunk",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	bytesStaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtw_bytes_staged_total",
		Help: "Bytes copied host to device",
	}, []string{"backend"})

	itemsPerGroup = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtw_items_per_group",
		Help: "Targets per execution group in the last plan",
	}, []string{"backend"})
)
