package engine

import (
	"gonum.org/v1/gonum/mat"
)

// assembler owns the M x padded result while a run is in flight. Nothing
// outside the run sees it until finish strips the padding columns.
type assembler struct {
	m, n, padded int
	out          *mat.Dense
}

func newAssembler(m, n, padded int) *assembler {
	return &assembler{
		m:      m,
		n:      n,
		padded: padded,
		out:    mat.NewDense(m, padded, nil),
	}
}

// writeRow stores distances for source row i and targets [start, start+len(vals)).
func (a *assembler) writeRow(i, start int, vals []float32) {
	row := a.out.RawRowView(i)[start : start+len(vals)]
	for j, v := range vals {
		row[j] = float64(v)
	}
}

// finish returns the M x N matrix. The assembler must not be used after.
func (a *assembler) finish() *mat.Dense {
	out := a.out
	a.out = nil
	if a.padded == a.n {
		return out
	}
	return mat.DenseCopyOf(out.Slice(0, a.m, 0, a.n))
}
