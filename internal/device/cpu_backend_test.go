package device

import (
	"math/rand"
	"runtime"
	"testing"

	"github.com/23skdu/longbow-dtw/internal/dtw"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func randomSet(t *testing.T, rng *rand.Rand, n, l int) *dtw.Set {
	t.Helper()
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = make([]float32, l)
		for j := range rows[i] {
			rows[i][j] = rng.Float32()
		}
	}
	s, err := dtw.NewSet(rows)
	require.NoError(t, err)
	return s
}

func TestCPUBackend_Pairwise(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	source := randomSet(t, rng, 5, 16)
	target := randomSet(t, rng, 9, 16)

	for _, workers := range []int{1, 3, 64} {
		b := NewCPUBackendWorkers(workers)
		out := mat.NewDense(source.Len(), target.Len(), nil)

		before := getMetricValue(cpuPairsComputed)
		b.Pairwise(source, target, out)
		assert.Equal(t, float64(45), getMetricValue(cpuPairsComputed)-before)

		for i := 0; i < source.Len(); i++ {
			for j := 0; j < target.Len(); j++ {
				assert.Equal(t, dtw.Distance(source.Row(i), target.Row(j)), out.At(i, j),
					"workers=%d cell (%d,%d)", workers, i, j)
			}
		}
	}
}

func TestCPUBackend_SelfDistanceDiagonal(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	set := randomSet(t, rng, 6, 10)
	out := mat.NewDense(6, 6, nil)
	NewCPUBackend().Pairwise(set, set, out)
	for i := 0; i < 6; i++ {
		assert.Zero(t, out.At(i, i))
	}
	assert.True(t, mat.EqualApprox(out, out.T(), 1e-12), "self matrix is symmetric")
}

func TestCPUBackend_DimensionMismatchPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	set := randomSet(t, rng, 2, 3)
	assert.Panics(t, func() {
		NewCPUBackend().Pairwise(set, set, mat.NewDense(2, 3, nil))
	})
}

func TestCPUBackend_Name(t *testing.T) {
	b := NewCPUBackendWorkers(0)
	assert.Equal(t, "CPU", b.Name())
	assert.Equal(t, numWorkers, b.workers)
	assert.NoError(t, b.Close())
}

func TestHostFeatures(t *testing.T) {
	known := map[string][]string{
		"amd64": {"sse4.1", "avx", "avx2", "fma", "avx512f"},
		"arm64": {"asimd", "fphp", "sve"},
	}
	f := HostFeatures()
	for _, name := range f {
		assert.Contains(t, known[runtime.GOARCH], name)
	}
	if _, ok := known[runtime.GOARCH]; !ok {
		assert.Empty(t, f)
	}
}
