// Package errdefs holds the error kinds shared by the planner, the devices
// and the engine. Callers match them with errors.Is.
package errdefs

import "errors"

var (
	// ErrConfiguration reports invalid input: empty sets, zero-length or
	// mismatched sequences, non-finite values.
	ErrConfiguration = errors.New("dtw: invalid configuration")

	// ErrResourceExceeded reports that a device cannot hold even one
	// sequence pair of the requested length.
	ErrResourceExceeded = errors.New("dtw: device resources exceeded")

	// ErrDeviceExecution reports an allocation, transfer, launch or
	// synchronization failure during a run.
	ErrDeviceExecution = errors.New("dtw: device execution failed")

	// ErrDeviceUnavailable is returned when a backend has no usable device.
	ErrDeviceUnavailable = errors.New("dtw: device unavailable")
)
