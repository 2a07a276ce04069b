package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deviceAllocBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtw_device_allocated_bytes",
		Help: "Bytes currently allocated on the device",
	}, []string{"device"})

	deviceAllocFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtw_device_alloc_failures_total",
		Help: "Total number of failed device allocations",
	}, []string{"device"})

	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtw_kernel_launches_total",
		Help: "Total number of DTW kernel launches",
	}, []string{"device", "kernel"})

	cpuPairsComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtw_cpu_pairs_total",
		Help: "Total number of sequence pairs computed by the CPU backend",
	})
)
