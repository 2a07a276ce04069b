//go:build !opencl

package device

import (
	"fmt"

	"github.com/23skdu/longbow-dtw/internal/errdefs"
)

// OpenCLDevice is unavailable in builds without the opencl tag.
type OpenCLDevice struct {
	Device
}

func NewOpenCLDevice(index int, kernelPath string) (*OpenCLDevice, error) {
	return nil, fmt.Errorf("%w: OpenCL support not compiled in (build with -tags opencl)", errdefs.ErrDeviceUnavailable)
}

func openclAvailable() bool {
	return false
}
