package dtw

import (
	"fmt"

	"github.com/23skdu/longbow-dtw/internal/errdefs"
	"github.com/23skdu/longbow-dtw/internal/simd"
)

// PadValue fills the placeholder rows appended to a target set during
// staging. Any finite value works; those columns are discarded.
const PadValue float32 = 1.0

// Set is an immutable, ordered collection of equal-length sequences stored
// row-major in one flat slice.
type Set struct {
	data   []float32
	n      int
	seqLen int
}

// NewSet copies seqs into a Set. It rejects empty input, zero-length or
// mismatched sequences and non-finite values with errdefs.ErrConfiguration.
func NewSet(seqs [][]float32) (*Set, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: empty sequence set", errdefs.ErrConfiguration)
	}
	l := len(seqs[0])
	if l == 0 {
		return nil, fmt.Errorf("%w: zero-length sequence", errdefs.ErrConfiguration)
	}
	data := make([]float32, 0, len(seqs)*l)
	for i, s := range seqs {
		if len(s) != l {
			return nil, fmt.Errorf("%w: sequence %d has length %d, want %d", errdefs.ErrConfiguration, i, len(s), l)
		}
		if !simd.AllFinite(s) {
			return nil, fmt.Errorf("%w: sequence %d contains non-finite values", errdefs.ErrConfiguration, i)
		}
		data = append(data, s...)
	}
	return &Set{data: data, n: len(seqs), seqLen: l}, nil
}

// NewSetFromFlat wraps a row-major buffer of n sequences of length seqLen.
// The buffer is copied.
func NewSetFromFlat(data []float32, n, seqLen int) (*Set, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: empty sequence set", errdefs.ErrConfiguration)
	}
	if seqLen <= 0 {
		return nil, fmt.Errorf("%w: zero-length sequence", errdefs.ErrConfiguration)
	}
	if len(data) != n*seqLen {
		return nil, fmt.Errorf("%w: flat buffer has %d values, want %d", errdefs.ErrConfiguration, len(data), n*seqLen)
	}
	if !simd.AllFinite(data) {
		return nil, fmt.Errorf("%w: set contains non-finite values", errdefs.ErrConfiguration)
	}
	cp := make([]float32, len(data))
	copy(cp, data)
	return &Set{data: cp, n: n, seqLen: seqLen}, nil
}

// Len returns the number of sequences.
func (s *Set) Len() int { return s.n }

// SeqLen returns the common sequence length.
func (s *Set) SeqLen() int { return s.seqLen }

// Row returns sequence i. The slice aliases the set and must not be modified.
func (s *Set) Row(i int) []float32 {
	return s.data[i*s.seqLen : (i+1)*s.seqLen]
}

// Stage copies sequences [start, end) into dst as one flat row-major block.
// Indices at or past Len() are written as PadValue rows, so a chunk of a
// padded target range can be staged directly.
func (s *Set) Stage(dst []float32, start, end int) {
	if len(dst) < (end-start)*s.seqLen {
		panic("dtw: staging buffer too small")
	}
	last := end
	if last > s.n {
		last = s.n
	}
	off := 0
	if start < last {
		off = copy(dst, s.data[start*s.seqLen:last*s.seqLen])
	}
	simd.Fill(dst[off:(end-start)*s.seqLen], PadValue)
}

// CheckCompatible verifies that source and target share a sequence length.
func CheckCompatible(source, target *Set) error {
	if source == nil || target == nil {
		return fmt.Errorf("%w: nil sequence set", errdefs.ErrConfiguration)
	}
	if source.seqLen != target.seqLen {
		return fmt.Errorf("%w: source length %d != target length %d", errdefs.ErrConfiguration, source.seqLen, target.seqLen)
	}
	return nil
}
