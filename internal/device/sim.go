package device

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-dtw/internal/dtw"
	"github.com/23skdu/longbow-dtw/internal/errdefs"
)

// Check interface compliance
var _ Device = (*SimDevice)(nil)
var _ Buffer = (*simBuffer)(nil)

// SimDevice runs the DTW kernels on the host while enforcing a device
// descriptor: allocation ceilings, group and grid limits, local memory and
// the rule that results may only be read after Synchronize. Groups execute
// in parallel goroutines; items inside a group run sequentially.
type SimDevice struct {
	name    string
	caps    Capabilities
	workers int

	mu        sync.Mutex
	allocated int64
	done      chan struct{} // non-nil from Launch until Synchronize
	closed    bool
}

// NewSimDevice creates a simulated device. Unset fields of caps take the
// class defaults; TotalMemory defaults to 1 GiB.
func NewSimDevice(name string, caps Capabilities) *SimDevice {
	if caps.TotalMemory <= 0 {
		caps.TotalMemory = 1 * GiB
	}
	return &SimDevice{
		name:    name,
		caps:    Merge(caps),
		workers: runtime.NumCPU(),
	}
}

func (d *SimDevice) Name() string {
	return d.name
}

func (d *SimDevice) Capabilities() Capabilities {
	return d.caps
}

func (d *SimDevice) busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done != nil
}

// Allocated reports the bytes currently held by live buffers.
func (d *SimDevice) Allocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

func (d *SimDevice) Alloc(n int) (Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %s: invalid allocation of %d elements", errdefs.ErrDeviceExecution, d.name, n)
	}
	bytes := int64(n) * ElemSize

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: %s: device closed", errdefs.ErrDeviceExecution, d.name)
	}
	if bytes > d.caps.MaxAllocSize || d.allocated+bytes > d.caps.TotalMemory {
		deviceAllocFailures.WithLabelValues(d.name).Inc()
		return nil, fmt.Errorf("%w: %s: out of memory allocating %d bytes (%d of %d in use)",
			errdefs.ErrDeviceExecution, d.name, bytes, d.allocated, d.caps.TotalMemory)
	}
	d.allocated += bytes
	deviceAllocBytes.WithLabelValues(d.name).Set(float64(d.allocated))
	return &simBuffer{dev: d, data: make([]float32, n)}, nil
}

func (d *SimDevice) Launch(l Launch) error {
	args, err := d.validate(l)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s: device closed", errdefs.ErrDeviceExecution, d.name)
	}
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s: launch while another launch is in flight", errdefs.ErrDeviceExecution, d.name)
	}
	done := make(chan struct{})
	d.done = done
	d.mu.Unlock()

	kernelLaunches.WithLabelValues(d.name, l.Kernel).Inc()

	go func() {
		d.run(l, args)
		close(done)
	}()
	return nil
}

type simArgs struct {
	src, trg, out []float32
}

func (d *SimDevice) validate(l Launch) (simArgs, error) {
	fail := func(format string, a ...interface{}) (simArgs, error) {
		return simArgs{}, fmt.Errorf("%w: %s: "+format, append([]interface{}{errdefs.ErrDeviceExecution, d.name}, a...)...)
	}

	switch l.Kernel {
	case KernelCUDA, KernelOpenCL, KernelOpenCLLowResource:
	default:
		return fail("unknown kernel %q", l.Kernel)
	}

	c := d.caps
	if bs := l.Block.Size(); bs > c.MaxGroupItems || bs > c.MaxItemsX {
		return fail("block of %d items exceeds limit (%d, %d)", bs, c.MaxGroupItems, c.MaxItemsX)
	}
	if l.Grid.X > c.MaxGridX || l.Grid.Y > c.MaxGridY || l.Grid.X <= 0 {
		return fail("grid %dx%d outside limit %dx%d", l.Grid.X, l.Grid.Y, c.MaxGridX, c.MaxGridY)
	}
	if l.LocalBytes > c.LocalMemSize {
		return fail("local memory %d exceeds %d", l.LocalBytes, c.LocalMemSize)
	}

	a := l.Args
	if a.SrcLen <= 0 || a.SrcLen != a.TrgLen || a.ItemsPerGroup <= 0 {
		return fail("invalid kernel arguments (src=%d trg=%d items=%d)", a.SrcLen, a.TrgLen, a.ItemsPerGroup)
	}
	if need := 3 * a.ItemsPerGroup * a.TrgLen * ElemSize; l.LocalBytes < need {
		return fail("local memory %d below kernel requirement %d", l.LocalBytes, need)
	}

	src, ok1 := a.Src.(*simBuffer)
	trg, ok2 := a.Trg.(*simBuffer)
	out, ok3 := a.Out.(*simBuffer)
	if !ok1 || !ok2 || !ok3 || src.dev != d || trg.dev != d || out.dev != d {
		return fail("buffers do not belong to this device")
	}
	if src.freed || trg.freed || out.freed {
		return fail("launch with freed buffer")
	}

	items := l.Grid.Size() * a.ItemsPerGroup
	if src.Len() < a.SrcLen || trg.Len() < items*a.TrgLen || out.Len() < items {
		return fail("buffers too small for %d items", items)
	}
	return simArgs{src: src.data[:a.SrcLen], trg: trg.data, out: out.data}, nil
}

func (d *SimDevice) run(l Launch, a simArgs) {
	groups := l.Grid.Size()
	b := l.Args.ItemsPerGroup
	seqLen := l.Args.TrgLen

	workers := d.workers
	if groups < workers {
		workers = groups
	}
	groupsPerWorker := (groups + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * groupsPerWorker
		end := start + groupsPerWorker
		if start >= groups {
			break
		}
		if end > groups {
			end = groups
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			// per-group local memory: three rows per item
			local := make([]float32, 3*b*seqLen)
			h1, h2, dist := local[:b*seqLen], local[b*seqLen:2*b*seqLen], local[2*b*seqLen:]
			for g := start; g < end; g++ {
				for k := 0; k < b; k++ {
					t := g*b + k
					row := a.trg[t*seqLen : (t+1)*seqLen]
					lo, hi := k*seqLen, (k+1)*seqLen
					a.out[t] = dtw.DistanceFloat32(a.src, row, h1[lo:hi], h2[lo:hi], dist[lo:hi])
				}
			}
		}(start, end)
	}
	wg.Wait()
}

// Synchronize blocks until the in-flight launch, if any, has finished.
// Buffers stay locked until it is called, even if the kernel is done.
func (d *SimDevice) Synchronize() error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	d.mu.Lock()
	d.done = nil
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) Close() error {
	err := d.Synchronize()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}

type simBuffer struct {
	dev   *SimDevice
	data  []float32
	freed bool
}

func (b *simBuffer) Len() int {
	return len(b.data)
}

func (b *simBuffer) Upload(src []float32) error {
	if b.freed {
		return fmt.Errorf("%w: upload to freed buffer", errdefs.ErrDeviceExecution)
	}
	if len(src) > len(b.data) {
		return fmt.Errorf("%w: upload of %d values into buffer of %d", errdefs.ErrDeviceExecution, len(src), len(b.data))
	}
	if b.dev.busy() {
		return fmt.Errorf("%w: upload while a launch is in flight", errdefs.ErrDeviceExecution)
	}
	copy(b.data, src)
	return nil
}

func (b *simBuffer) Download(dst []float32) error {
	if b.freed {
		return fmt.Errorf("%w: download from freed buffer", errdefs.ErrDeviceExecution)
	}
	if len(dst) > len(b.data) {
		return fmt.Errorf("%w: download of %d values from buffer of %d", errdefs.ErrDeviceExecution, len(dst), len(b.data))
	}
	if b.dev.busy() {
		return fmt.Errorf("%w: read before synchronize", errdefs.ErrDeviceExecution)
	}
	copy(dst, b.data)
	return nil
}

func (b *simBuffer) Free() error {
	if b.freed {
		return nil
	}
	if b.dev.busy() {
		return fmt.Errorf("%w: free while a launch is in flight", errdefs.ErrDeviceExecution)
	}
	b.freed = true
	d := b.dev
	d.mu.Lock()
	d.allocated -= int64(len(b.data)) * ElemSize
	deviceAllocBytes.WithLabelValues(d.name).Set(float64(d.allocated))
	d.mu.Unlock()
	b.data = nil
	return nil
}
