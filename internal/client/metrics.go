package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dtw_flight_breaker_state",
		Help: "Circuit breaker state of the Flight forwarder (0 closed, 1 open, 2 half-open)",
	})

	recordsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtw_flight_records_total",
		Help: "Distance records forwarded over Flight",
	}, []string{"status"})
)
