package simd

import (
	"math"
	"testing"
)

func TestSqDiffRow(t *testing.T) {
	b := []float32{1, 2, 3, 4, 5, 6}
	dst := make([]float64, len(b))
	expected := []float64{4, 1, 0, 1, 4, 9}

	SqDiffRow(dst, 3, b)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("SqDiffRow(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestSqDiffRow32(t *testing.T) {
	b := []float32{0.5, -1, 2, 10, 3}
	dst := make([]float32, len(b))
	expected := []float32{0.25, 4, 1, 81, 4}

	SqDiffRow32(dst, 1, b)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("SqDiffRow32(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestMin3(t *testing.T) {
	cases := [][4]float64{
		{1, 2, 3, 1},
		{3, 1, 2, 1},
		{3, 2, 1, 1},
		{2, 2, 2, 2},
		{math.Inf(1), 5, math.Inf(1), 5},
	}
	for _, c := range cases {
		if got := Min3(c[0], c[1], c[2]); got != c[3] {
			t.Errorf("Min3(%v, %v, %v) = %v, want %v", c[0], c[1], c[2], got, c[3])
		}
		if got := Min3f32(float32(c[0]), float32(c[1]), float32(c[2])); got != float32(c[3]) {
			t.Errorf("Min3f32(%v, %v, %v) = %v, want %v", c[0], c[1], c[2], got, c[3])
		}
	}
}

func TestFill(t *testing.T) {
	dst := make([]float32, 7)
	Fill(dst, 1)
	for i, v := range dst {
		if v != 1 {
			t.Errorf("Fill(%d) = %f, want 1", i, v)
		}
	}
}

func TestAllFinite(t *testing.T) {
	if !AllFinite([]float32{0, -1, 3.5}) {
		t.Error("expected finite slice")
	}
	if AllFinite([]float32{0, float32(math.NaN())}) {
		t.Error("NaN must be rejected")
	}
	if AllFinite([]float32{float32(math.Inf(-1))}) {
		t.Error("-Inf must be rejected")
	}
}
