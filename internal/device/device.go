package device

import (
	"github.com/23skdu/longbow-dtw/internal/dtw"
	"gonum.org/v1/gonum/mat"
)

// Kernel entry points. The kernel programs themselves are loaded from disk
// by each driver; only these names and the argument order are fixed.
const (
	KernelCUDA              = "calc_dtw"
	KernelOpenCL            = "opencl_dtw"
	KernelOpenCLLowResource = "opencl_dtw_low_resource"
)

// ElemSize is the size in bytes of one staged sequence element (float32).
const ElemSize = 4

// Dim3 is a grid or block extent.
type Dim3 struct {
	X, Y, Z int
}

// Size returns X*Y*Z, treating zero extents as 1.
func (d Dim3) Size() int {
	x, y, z := d.X, d.Y, d.Z
	if x == 0 {
		x = 1
	}
	if y == 0 {
		y = 1
	}
	if z == 0 {
		z = 1
	}
	return x * y * z
}

// Backend is anything that can compute a distance matrix.
type Backend interface {
	Name() string
	Close() error
}

// HostBackend computes pairs directly on the CPU without batching.
type HostBackend interface {
	Backend

	// Pairwise fills out (source.Len() x target.Len()) with DTW distances.
	Pairwise(source, target *dtw.Set, out *mat.Dense)
}

// Buffer is device-addressable memory holding float32 values.
type Buffer interface {
	Len() int

	// Upload copies src (len <= Len()) from host to device.
	Upload(src []float32) error

	// Download copies len(dst) values from device to host.
	Download(dst []float32) error

	Free() error
}

// KernelArgs is the fixed argument list of the DTW kernels.
type KernelArgs struct {
	SrcLen        int
	TrgLen        int
	ItemsPerGroup int
	Src           Buffer
	Trg           Buffer
	Out           Buffer
}

// Launch describes one kernel invocation.
type Launch struct {
	Kernel string
	Grid   Dim3 // execution groups
	Block  Dim3 // items per group
	// LocalBytes is the per-group scratch size: three buffers of
	// ItemsPerGroup*TrgLen elements.
	LocalBytes int
	Args       KernelArgs
}

// Device is an accelerator driven through explicit staging and launches.
// Launch may return before the work completes; results are only valid
// after Synchronize.
type Device interface {
	Backend

	// Capabilities returns the frozen resource limits read at construction.
	Capabilities() Capabilities

	Alloc(n int) (Buffer, error)
	Launch(l Launch) error
	Synchronize() error
}
