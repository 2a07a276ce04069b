package device

import (
	"runtime"
	"sync"

	"github.com/23skdu/longbow-dtw/internal/dtw"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// ensure interface compliance
var _ HostBackend = (*CPUBackend)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// CPUBackend computes every (source, target) pair with the reference
// recurrence, fanned out across goroutines. It needs no batching.
type CPUBackend struct {
	workers int
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{workers: numWorkers}
}

// NewCPUBackendWorkers pins the worker count; n <= 0 uses runtime.NumCPU.
func NewCPUBackendWorkers(n int) *CPUBackend {
	if n <= 0 {
		n = numWorkers
	}
	log.Debug().Int("workers", n).Strs("features", HostFeatures()).Msg("CPU backend")
	return &CPUBackend{workers: n}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Close() error {
	return nil
}

// Pairwise fills out with the distance of every pair. Each worker owns a
// contiguous range of cells, so writes never overlap.
func (b *CPUBackend) Pairwise(source, target *dtw.Set, out *mat.Dense) {
	m, n := source.Len(), target.Len()
	if r, c := out.Dims(); r != m || c != n {
		panic("Pairwise: output matrix dimension mismatch")
	}

	total := m * n
	workers := b.workers
	if workers > total {
		workers = total
	}
	cellsPerWorker := (total + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * cellsPerWorker
		end := start + cellsPerWorker
		if start >= total {
			break
		}
		if end > total {
			end = total
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for cell := start; cell < end; cell++ {
				i, j := cell/n, cell%n
				out.Set(i, j, dtw.Distance(source.Row(i), target.Row(j)))
			}
			cpuPairsComputed.Add(float64(end - start))
		}(start, end)
	}
	wg.Wait()
}
