// Package planner turns a target count, a sequence length and a device
// descriptor into a batch plan: how many targets one execution group
// handles, how far the target set is padded, the grid geometry and the
// offsets at which the padded target set is cut into chunks.
package planner

import (
	"fmt"

	"github.com/23skdu/longbow-dtw/internal/device"
	"github.com/23skdu/longbow-dtw/internal/errdefs"
	"github.com/rs/zerolog"
)

// Scratch buffers the kernel keeps per item in local memory.
const scratchRows = 3

// Options tunes planning.
type Options struct {
	// MemoryBudget overrides the per-chunk memory budget in bytes.
	MemoryBudget int64

	// AllowLowResource lets OpenCL-class devices whose group limits are
	// smaller than the sequence length fall back to one target per group.
	AllowLowResource bool
}

// Plan is an immutable batch plan.
type Plan struct {
	N      int // real targets
	L      int // sequence length
	Padded int // N rounded up to a multiple of ItemsPerGroup

	ItemsPerGroup int // targets per execution group
	GroupItems    int // work items per group
	LowResource   bool

	Class  device.Class
	Budget int64 // bytes of target data one chunk may hold
	GridX  int
	GridY  int

	Kernel     string
	Block      device.Dim3
	LocalBytes int

	// Offsets cut the padded target set into chunks; first 0, last Padded.
	Offsets []int
}

// Chunk is one contiguous slice of the padded target set.
type Chunk struct {
	Start, End int
	Grid       device.Dim3
}

// Size returns End - Start.
func (c Chunk) Size() int {
	return c.End - c.Start
}

// MemoryBudget applies the per-class budget rule. A CUDA-class budget
// leaves headroom for the driver; an OpenCL-class budget is bounded by the
// largest single allocation minus the resident source row.
func MemoryBudget(caps device.Capabilities, l int) int64 {
	switch caps.Class {
	case device.ClassOpenCL:
		return caps.MaxAllocSize - int64(l)*device.ElemSize
	default:
		total := caps.TotalMemory
		switch {
		case total > 4*device.GiB:
			return 4*device.GiB - 150*device.MiB
		case caps.ComputeMajor <= 2:
			if total > 128*device.MiB {
				return 160 * device.MiB
			}
			return 64 * device.MiB
		default:
			return total - 150*device.MiB
		}
	}
}

// New plans n targets of length l against caps.
func New(n, l int, caps device.Capabilities, opts Options) (*Plan, error) {
	if n <= 0 || l <= 0 {
		return nil, fmt.Errorf("%w: cannot plan %d targets of length %d", errdefs.ErrConfiguration, n, l)
	}

	p := &Plan{N: n, L: l, Class: caps.Class}

	itemLimit := min(caps.MaxGroupItems, caps.MaxItemsX)
	threadBound := itemLimit / l
	memBound := caps.LocalMemSize / (scratchRows * l * device.ElemSize)
	if memBound == 0 {
		return nil, fmt.Errorf("%w: %d bytes of local memory cannot hold one sequence of length %d (need %d)",
			errdefs.ErrResourceExceeded, caps.LocalMemSize, l, scratchRows*l*device.ElemSize)
	}

	switch {
	case threadBound > 0:
		p.ItemsPerGroup = min(threadBound, memBound)
		p.GroupItems = p.ItemsPerGroup * l
	case opts.AllowLowResource && caps.Class == device.ClassOpenCL && itemLimit > 0:
		p.ItemsPerGroup = 1
		p.GroupItems = itemLimit
		p.LowResource = true
	default:
		return nil, fmt.Errorf("%w: group limit of %d items is below sequence length %d",
			errdefs.ErrResourceExceeded, itemLimit, l)
	}

	b := p.ItemsPerGroup
	p.Padded = (n + b - 1) / b * b
	p.LocalBytes = scratchRows * b * l * device.ElemSize

	switch {
	case p.LowResource:
		p.Kernel = device.KernelOpenCLLowResource
		p.Block = device.Dim3{X: 1, Y: p.GroupItems, Z: 1}
	case caps.Class == device.ClassOpenCL:
		p.Kernel = device.KernelOpenCL
		p.Block = device.Dim3{X: b, Y: l, Z: 1}
	default:
		p.Kernel = device.KernelCUDA
		p.Block = device.Dim3{X: b * l, Y: 1, Z: 1}
	}

	p.Budget = MemoryBudget(caps, l)
	if opts.MemoryBudget > 0 {
		p.Budget = opts.MemoryBudget
	}
	groupBytes := int64(b) * int64(l) * device.ElemSize
	p.GridX = clamp(p.Budget/groupBytes, 1, caps.MaxGridX)
	p.GridY = clamp(p.Budget/(int64(p.GridX)*groupBytes), 1, caps.MaxGridY)

	p.Offsets = splits(p.Padded, b, p.GridX, p.GridY)
	return p, nil
}

func clamp(v int64, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < int64(lo) {
		return lo
	}
	if v > int64(hi) {
		return hi
	}
	return int(v)
}

// splits walks the padded total in full strides of gridX*gridY groups,
// then at most one band of whole grid rows, then at most one partial row.
func splits(padded, b, gridX, gridY int) []int {
	offsets := []int{0}
	pos := 0
	stride := gridX * gridY * b
	for padded-pos >= stride {
		pos += stride
		offsets = append(offsets, pos)
	}

	groups := (padded - pos) / b
	if k := groups / gridX; k > 0 {
		pos += k * gridX * b
		offsets = append(offsets, pos)
	}
	if j := groups % gridX; j > 0 {
		pos += j * b
		offsets = append(offsets, pos)
	}
	return offsets
}

// Chunks returns every chunk with its own grid. Grid.X*Grid.Y groups of
// ItemsPerGroup targets always cover the chunk exactly.
func (p *Plan) Chunks() []Chunk {
	chunks := make([]Chunk, 0, len(p.Offsets)-1)
	for i := 0; i+1 < len(p.Offsets); i++ {
		c := Chunk{Start: p.Offsets[i], End: p.Offsets[i+1]}
		groups := c.Size() / p.ItemsPerGroup
		switch {
		case groups == p.GridX*p.GridY:
			c.Grid = device.Dim3{X: p.GridX, Y: p.GridY, Z: 1}
		case groups%p.GridX == 0:
			c.Grid = device.Dim3{X: p.GridX, Y: groups / p.GridX, Z: 1}
		default:
			c.Grid = device.Dim3{X: groups, Y: 1, Z: 1}
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// MaxChunk returns the size of the largest chunk.
func (p *Plan) MaxChunk() int {
	largest := 0
	for i := 0; i+1 < len(p.Offsets); i++ {
		largest = max(largest, p.Offsets[i+1]-p.Offsets[i])
	}
	return largest
}

// Validate re-checks the offset invariants.
func (p *Plan) Validate() error {
	b := p.ItemsPerGroup
	if b <= 0 {
		return fmt.Errorf("%w: items per group %d", errdefs.ErrResourceExceeded, b)
	}
	if p.Padded < p.N || p.Padded%b != 0 || p.Padded-p.N >= b {
		return fmt.Errorf("%w: padded total %d for %d targets in groups of %d", errdefs.ErrConfiguration, p.Padded, p.N, b)
	}
	if len(p.Offsets) < 2 || p.Offsets[0] != 0 || p.Offsets[len(p.Offsets)-1] != p.Padded {
		return fmt.Errorf("%w: offsets %v do not span [0, %d]", errdefs.ErrConfiguration, p.Offsets, p.Padded)
	}
	for i := 1; i < len(p.Offsets); i++ {
		d := p.Offsets[i] - p.Offsets[i-1]
		if d <= 0 || d%b != 0 {
			return fmt.Errorf("%w: chunk %d has size %d, not a positive multiple of %d", errdefs.ErrConfiguration, i-1, d, b)
		}
	}
	return nil
}

// MarshalZerologObject lets a plan be logged with Object().
func (p *Plan) MarshalZerologObject(e *zerolog.Event) {
	e.Int("n", p.N).
		Int("l", p.L).
		Int("padded", p.Padded).
		Int("items_per_group", p.ItemsPerGroup).
		Int("group_items", p.GroupItems).
		Bool("low_resource", p.LowResource).
		Int64("budget", p.Budget).
		Int("grid_x", p.GridX).
		Int("grid_y", p.GridY).
		Str("kernel", p.Kernel).
		Int("chunks", len(p.Offsets)-1)
}
