// Package dtw implements the Dynamic Time Warping recurrence used by every
// backend, and the Set type holding the equal-length sequences it consumes.
//
// The recurrence is the unconstrained, squared-Euclidean variant:
//
//	D[0][0] = 0, D[i][0] = D[0][j] = +Inf
//	D[i+1][j+1] = (a[i]-b[j])^2 + min(D[i][j+1], D[i+1][j], D[i][j])
//	distance    = sqrt(D[L][L])
//
// A cell is only accumulated while its value is finite. Only two rows of D
// are kept in memory; the result is the same as evaluating the full grid.
package dtw

import (
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-dtw/internal/simd"
)

var rowPool = sync.Pool{
	New: func() interface{} {
		buf := make([]float64, 0)
		return &buf
	},
}

func getRows(l int) (prev, curr []float64, release func()) {
	bp := rowPool.Get().(*[]float64)
	need := 2 * (l + 1)
	if cap(*bp) < need {
		*bp = make([]float64, need)
	}
	buf := (*bp)[:need]
	return buf[:l+1], buf[l+1:], func() { rowPool.Put(bp) }
}

func checkLengths(a, b int) {
	if a == 0 || b == 0 {
		panic("dtw: sequences must be non-empty")
	}
	if a != b {
		panic(fmt.Sprintf("dtw: sequence length mismatch (%d != %d)", a, b))
	}
}

// Distance returns the DTW distance between two equal-length sequences.
// It panics if the lengths differ or are zero; validate with NewSet first.
func Distance(a, b []float32) float64 {
	checkLengths(len(a), len(b))
	l := len(a)

	prev, curr, release := getRows(l)
	defer release()

	inf := math.Inf(1)
	prev[0] = 0
	simd.Fill64(prev[1:], inf)

	for i := 0; i < l; i++ {
		curr[0] = inf
		simd.SqDiffRow(curr[1:], a[i], b)
		for j := 0; j < l; j++ {
			c := curr[j+1]
			if math.IsInf(c, 0) || math.IsNaN(c) {
				continue
			}
			curr[j+1] = c + simd.Min3(prev[j+1], curr[j], prev[j])
		}
		prev, curr = curr, prev
	}
	return math.Sqrt(prev[l])
}

// DistanceFloat32 is the single-precision form evaluated by device kernels.
// h1, h2 and dist are caller-owned scratch rows of at least len(a) elements;
// they mirror the three per-item local buffers a kernel reserves.
func DistanceFloat32(a, b, h1, h2, dist []float32) float32 {
	checkLengths(len(a), len(b))
	l := len(a)
	if len(h1) < l || len(h2) < l || len(dist) < l {
		panic("dtw: scratch rows shorter than sequence length")
	}
	h1, h2, dist = h1[:l], h2[:l], dist[:l]

	inf := float32(math.Inf(1))
	for i := 0; i < l; i++ {
		simd.SqDiffRow32(dist, a[i], b)
		for j := 0; j < l; j++ {
			var up, left, diag float32
			switch {
			case i == 0 && j == 0:
				up, left, diag = inf, inf, 0
			case i == 0:
				up, left, diag = inf, h2[j-1], inf
			case j == 0:
				up, left, diag = h1[j], inf, inf
			default:
				up, left, diag = h1[j], h2[j-1], h1[j-1]
			}
			c := dist[j]
			if !math.IsInf(float64(c), 0) && !math.IsNaN(float64(c)) {
				c += simd.Min3f32(up, left, diag)
			}
			h2[j] = c
		}
		h1, h2 = h2, h1
	}
	return float32(math.Sqrt(float64(h1[l-1])))
}
