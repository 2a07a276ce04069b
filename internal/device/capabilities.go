package device

import (
	"github.com/rs/zerolog"
)

// Class selects the driver family a descriptor was read from. It decides
// the memory-budget rule and the launch geometry.
type Class int

const (
	ClassCUDA Class = iota
	ClassOpenCL
)

func (c Class) String() string {
	switch c {
	case ClassCUDA:
		return "cuda"
	case ClassOpenCL:
		return "opencl"
	default:
		return "unknown"
	}
}

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// Capabilities is a read-only snapshot of the limits that drive batching.
type Capabilities struct {
	Class Class

	TotalMemory  int64 // device memory in bytes
	MaxAllocSize int64 // largest single allocation in bytes

	MaxGroupItems int // threads per block / work-group size
	MaxItemsX     int // block dim X / work-item size[0]
	MaxGridX      int // groups per grid, X
	MaxGridY      int // groups per grid, Y
	LocalMemSize  int // shared / local memory per group in bytes
	ComputeMajor  int // compute capability major version
}

// DefaultCapabilities returns the conservative values used for fields a
// driver does not report.
func DefaultCapabilities(class Class) Capabilities {
	switch class {
	case ClassOpenCL:
		return Capabilities{
			Class:         ClassOpenCL,
			MaxGroupItems: 256,
			MaxItemsX:     256,
			MaxGridX:      65535,
			MaxGridY:      1, // NDRange is one-dimensional in groups
			LocalMemSize:  8 * KiB,
			ComputeMajor:  1,
		}
	default:
		return Capabilities{
			Class:         ClassCUDA,
			MaxGroupItems: 512,
			MaxItemsX:     512,
			MaxGridX:      65535,
			MaxGridY:      65535,
			LocalMemSize:  8 * KiB,
			ComputeMajor:  1,
		}
	}
}

// Merge returns the class defaults overlaid with every positive field of q.
// MaxAllocSize falls back to TotalMemory when unreported.
func Merge(q Capabilities) Capabilities {
	c := DefaultCapabilities(q.Class)
	if q.TotalMemory > 0 {
		c.TotalMemory = q.TotalMemory
	}
	if q.MaxAllocSize > 0 {
		c.MaxAllocSize = q.MaxAllocSize
	} else {
		c.MaxAllocSize = c.TotalMemory
	}
	if q.MaxGroupItems > 0 {
		c.MaxGroupItems = q.MaxGroupItems
	}
	if q.MaxItemsX > 0 {
		c.MaxItemsX = q.MaxItemsX
	}
	if q.MaxGridX > 0 {
		c.MaxGridX = q.MaxGridX
	}
	if q.MaxGridY > 0 {
		c.MaxGridY = q.MaxGridY
	}
	if q.LocalMemSize > 0 {
		c.LocalMemSize = q.LocalMemSize
	}
	if q.ComputeMajor > 0 {
		c.ComputeMajor = q.ComputeMajor
	}
	return c
}

// MarshalZerologObject lets a descriptor be logged with Object().
func (c Capabilities) MarshalZerologObject(e *zerolog.Event) {
	e.Str("class", c.Class.String()).
		Int64("total_memory", c.TotalMemory).
		Int64("max_alloc", c.MaxAllocSize).
		Int("max_group_items", c.MaxGroupItems).
		Int("max_items_x", c.MaxItemsX).
		Int("max_grid_x", c.MaxGridX).
		Int("max_grid_y", c.MaxGridY).
		Int("local_mem", c.LocalMemSize).
		Int("compute_major", c.ComputeMajor)
}
