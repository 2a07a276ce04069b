package simd

import "math"

// SqDiffRow writes (a - b[j])^2 into dst[j] for every j, widening to float64.
func SqDiffRow(dst []float64, a float32, b []float32) {
	av := float64(a)
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(b)-4; i += 4 {
		d0 := av - float64(b[i])
		d1 := av - float64(b[i+1])
		d2 := av - float64(b[i+2])
		d3 := av - float64(b[i+3])
		dst[i] = d0 * d0
		dst[i+1] = d1 * d1
		dst[i+2] = d2 * d2
		dst[i+3] = d3 * d3
	}
	// Handle remainder
	for ; i < len(b); i++ {
		d := av - float64(b[i])
		dst[i] = d * d
	}
}

// SqDiffRow32 is the float32 variant used by device kernels.
func SqDiffRow32(dst []float32, a float32, b []float32) {
	i := 0
	for ; i <= len(b)-4; i += 4 {
		d0 := a - b[i]
		d1 := a - b[i+1]
		d2 := a - b[i+2]
		d3 := a - b[i+3]
		dst[i] = d0 * d0
		dst[i+1] = d1 * d1
		dst[i+2] = d2 * d2
		dst[i+3] = d3 * d3
	}
	for ; i < len(b); i++ {
		d := a - b[i]
		dst[i] = d * d
	}
}

// Min3 returns the smallest of three float64 values.
func Min3(a, b, c float64) float64 {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}

// Min3f32 returns the smallest of three float32 values.
func Min3f32(a, b, c float32) float32 {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}

// Fill sets every element of dst to v.
func Fill(dst []float32, v float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = v
		dst[i+1] = v
		dst[i+2] = v
		dst[i+3] = v
	}
	for ; i < len(dst); i++ {
		dst[i] = v
	}
}

// Fill64 sets every element of dst to v.
func Fill64(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}

// AllFinite reports whether x holds no NaN or Inf values.
func AllFinite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
