//go:build !(linux && cuda)

package device

import (
	"fmt"

	"github.com/23skdu/longbow-dtw/internal/errdefs"
)

// CudaDevice is unavailable in builds without the cuda tag.
type CudaDevice struct {
	Device
}

func NewCudaDevice(index int, kernelPath string) (*CudaDevice, error) {
	return nil, fmt.Errorf("%w: CUDA support not compiled in (build with -tags cuda on Linux)", errdefs.ErrDeviceUnavailable)
}

func cudaAvailable() bool {
	return false
}
