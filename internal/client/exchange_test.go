package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDecodeDistances(t *testing.T) {
	b := NewRecordBatchBuilder(memory.NewGoAllocator())
	part := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})

	rec, err := b.BuildDistanceRecord(part, 1)
	require.NoError(t, err)
	defer rec.Release()

	out := mat.NewDense(3, 3, nil)
	require.NoError(t, decodeDistances(rec, out))
	assert.Equal(t, []float64{0, 0, 0, 1, 2, 3, 4, 5, 6}, out.RawMatrix().Data)

	assert.Error(t, decodeDistances(rec, mat.NewDense(2, 3, nil)), "row 2 out of range")
	assert.Error(t, decodeDistances(rec, mat.NewDense(3, 4, nil)), "width mismatch")
}
