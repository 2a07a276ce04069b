//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcuda
#include <cuda.h>
#include <stdlib.h>

// launch_dtw packs the kernel arguments in the order calc_dtw expects:
// (srcLen, trgLen, itemsPerGroup, src, trg, out).
static CUresult launch_dtw(CUfunction fn,
		unsigned int gx, unsigned int gy, unsigned int gz,
		unsigned int bx, unsigned int by, unsigned int bz,
		unsigned int shared,
		int srcLen, int trgLen, int items,
		CUdeviceptr src, CUdeviceptr trg, CUdeviceptr out) {
	void *args[] = { &srcLen, &trgLen, &items, &src, &trg, &out };
	return cuLaunchKernel(fn, gx, gy, gz, bx, by, bz, shared, 0, args, 0);
}

static const char *cu_error_name(CUresult r) {
	const char *s = 0;
	cuGetErrorName(r, &s);
	return s ? s : "CUDA_ERROR_UNKNOWN";
}
*/
import "C"
import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/23skdu/longbow-dtw/internal/errdefs"
	"github.com/rs/zerolog/log"
)

// Check interface compliance
var _ Device = (*CudaDevice)(nil)
var _ Buffer = (*cudaBuffer)(nil)

var cuInitOnce struct {
	sync.Once
	res C.CUresult
}

func cuInit() C.CUresult {
	cuInitOnce.Do(func() {
		cuInitOnce.res = C.cuInit(0)
	})
	return cuInitOnce.res
}

func cuErr(op string, r C.CUresult) error {
	return fmt.Errorf("%w: %s: %s", errdefs.ErrDeviceExecution, op, C.GoString(C.cu_error_name(r)))
}

func cudaAvailable() bool {
	if cuInit() != C.CUDA_SUCCESS {
		return false
	}
	var n C.int
	if C.cuDeviceGetCount(&n) != C.CUDA_SUCCESS {
		return false
	}
	return n > 0
}

// CudaDevice drives one GPU through the CUDA driver API. All driver calls
// run on a single locked OS thread holding the primary context.
type CudaDevice struct {
	mu     sync.Mutex
	index  int
	dev    C.CUdevice
	ctx    C.CUcontext
	module C.CUmodule
	fn     C.CUfunction
	name   string
	caps   Capabilities
}

// NewCudaDevice opens device index and loads the calc_dtw kernel from the
// PTX or cubin file at kernelPath.
func NewCudaDevice(index int, kernelPath string) (*CudaDevice, error) {
	if !cudaAvailable() {
		return nil, fmt.Errorf("%w: no CUDA device", errdefs.ErrDeviceUnavailable)
	}
	image, err := os.ReadFile(kernelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read kernel: %v", errdefs.ErrConfiguration, err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	d := &CudaDevice{index: index}
	if r := C.cuDeviceGet(&d.dev, C.int(index)); r != C.CUDA_SUCCESS {
		return nil, fmt.Errorf("%w: device %d: %s", errdefs.ErrDeviceUnavailable, index, C.GoString(C.cu_error_name(r)))
	}
	if r := C.cuDevicePrimaryCtxRetain(&d.ctx, d.dev); r != C.CUDA_SUCCESS {
		return nil, cuErr("cuDevicePrimaryCtxRetain", r)
	}
	if r := C.cuCtxSetCurrent(d.ctx); r != C.CUDA_SUCCESS {
		C.cuDevicePrimaryCtxRelease(d.dev)
		return nil, cuErr("cuCtxSetCurrent", r)
	}

	var nameBuf [256]C.char
	C.cuDeviceGetName(&nameBuf[0], C.int(len(nameBuf)), d.dev)
	d.name = fmt.Sprintf("CUDA:%d %s", index, C.GoString(&nameBuf[0]))
	d.caps = d.queryCapabilities()

	cimage := C.CBytes(append(image, 0))
	defer C.free(cimage)
	if r := C.cuModuleLoadData(&d.module, cimage); r != C.CUDA_SUCCESS {
		C.cuDevicePrimaryCtxRelease(d.dev)
		return nil, cuErr("cuModuleLoadData", r)
	}
	cname := C.CString(KernelCUDA)
	defer C.free(unsafe.Pointer(cname))
	if r := C.cuModuleGetFunction(&d.fn, d.module, cname); r != C.CUDA_SUCCESS {
		C.cuModuleUnload(d.module)
		C.cuDevicePrimaryCtxRelease(d.dev)
		return nil, cuErr("cuModuleGetFunction", r)
	}

	log.Info().Str("device", d.name).Object("caps", d.caps).Msg("CUDA device ready")
	return d, nil
}

func (d *CudaDevice) attr(a C.CUdevice_attribute) int {
	var v C.int
	if C.cuDeviceGetAttribute(&v, a, d.dev) != C.CUDA_SUCCESS {
		return 0
	}
	return int(v)
}

// queryCapabilities reads the descriptor once; unreported fields fall back
// to the CUDA defaults through Merge.
func (d *CudaDevice) queryCapabilities() Capabilities {
	var total C.size_t
	C.cuDeviceTotalMem(&total, d.dev)
	return Merge(Capabilities{
		Class:         ClassCUDA,
		TotalMemory:   int64(total),
		MaxGroupItems: d.attr(C.CU_DEVICE_ATTRIBUTE_MAX_THREADS_PER_BLOCK),
		MaxItemsX:     d.attr(C.CU_DEVICE_ATTRIBUTE_MAX_BLOCK_DIM_X),
		MaxGridX:      d.attr(C.CU_DEVICE_ATTRIBUTE_MAX_GRID_DIM_X),
		MaxGridY:      d.attr(C.CU_DEVICE_ATTRIBUTE_MAX_GRID_DIM_Y),
		LocalMemSize:  d.attr(C.CU_DEVICE_ATTRIBUTE_MAX_SHARED_MEMORY_PER_BLOCK),
		ComputeMajor:  d.attr(C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR),
	})
}

func (d *CudaDevice) Name() string {
	return d.name
}

func (d *CudaDevice) Capabilities() Capabilities {
	return d.caps
}

// bind pins the calling goroutine to its thread and makes the context
// current. The returned func undoes the pinning.
func (d *CudaDevice) bind() (func(), error) {
	d.mu.Lock()
	runtime.LockOSThread()
	if r := C.cuCtxSetCurrent(d.ctx); r != C.CUDA_SUCCESS {
		runtime.UnlockOSThread()
		d.mu.Unlock()
		return nil, cuErr("cuCtxSetCurrent", r)
	}
	return func() {
		runtime.UnlockOSThread()
		d.mu.Unlock()
	}, nil
}

func (d *CudaDevice) Alloc(n int) (Buffer, error) {
	release, err := d.bind()
	if err != nil {
		return nil, err
	}
	defer release()

	var ptr C.CUdeviceptr
	bytes := C.size_t(n * ElemSize)
	if r := C.cuMemAlloc(&ptr, bytes); r != C.CUDA_SUCCESS {
		deviceAllocFailures.WithLabelValues(d.name).Inc()
		return nil, cuErr(fmt.Sprintf("cuMemAlloc(%d)", n*ElemSize), r)
	}
	deviceAllocBytes.WithLabelValues(d.name).Add(float64(bytes))
	return &cudaBuffer{dev: d, ptr: ptr, n: n}, nil
}

func (d *CudaDevice) Launch(l Launch) error {
	src, ok1 := l.Args.Src.(*cudaBuffer)
	trg, ok2 := l.Args.Trg.(*cudaBuffer)
	out, ok3 := l.Args.Out.(*cudaBuffer)
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("%w: %s: foreign buffer", errdefs.ErrDeviceExecution, d.name)
	}
	if l.Kernel != KernelCUDA {
		return fmt.Errorf("%w: %s: unknown kernel %q", errdefs.ErrDeviceExecution, d.name, l.Kernel)
	}

	release, err := d.bind()
	if err != nil {
		return err
	}
	defer release()

	g, b := l.Grid, l.Block
	r := C.launch_dtw(d.fn,
		C.uint(max(g.X, 1)), C.uint(max(g.Y, 1)), C.uint(max(g.Z, 1)),
		C.uint(max(b.X, 1)), C.uint(max(b.Y, 1)), C.uint(max(b.Z, 1)),
		C.uint(l.LocalBytes),
		C.int(l.Args.SrcLen), C.int(l.Args.TrgLen), C.int(l.Args.ItemsPerGroup),
		src.ptr, trg.ptr, out.ptr)
	if r != C.CUDA_SUCCESS {
		return cuErr("cuLaunchKernel", r)
	}
	kernelLaunches.WithLabelValues(d.name, l.Kernel).Inc()
	return nil
}

func (d *CudaDevice) Synchronize() error {
	release, err := d.bind()
	if err != nil {
		return err
	}
	defer release()
	if r := C.cuCtxSynchronize(); r != C.CUDA_SUCCESS {
		return cuErr("cuCtxSynchronize", r)
	}
	return nil
}

func (d *CudaDevice) Close() error {
	release, err := d.bind()
	if err != nil {
		return err
	}
	defer release()
	C.cuCtxSynchronize()
	C.cuModuleUnload(d.module)
	if r := C.cuDevicePrimaryCtxRelease(d.dev); r != C.CUDA_SUCCESS {
		return cuErr("cuDevicePrimaryCtxRelease", r)
	}
	return nil
}

type cudaBuffer struct {
	dev   *CudaDevice
	ptr   C.CUdeviceptr
	n     int
	freed bool
}

func (b *cudaBuffer) Len() int {
	return b.n
}

func (b *cudaBuffer) Upload(src []float32) error {
	if len(src) > b.n {
		return fmt.Errorf("%w: upload of %d values into buffer of %d", errdefs.ErrDeviceExecution, len(src), b.n)
	}
	if len(src) == 0 {
		return nil
	}
	release, err := b.dev.bind()
	if err != nil {
		return err
	}
	defer release()
	if r := C.cuMemcpyHtoD(b.ptr, unsafe.Pointer(&src[0]), C.size_t(len(src)*ElemSize)); r != C.CUDA_SUCCESS {
		return cuErr("cuMemcpyHtoD", r)
	}
	return nil
}

func (b *cudaBuffer) Download(dst []float32) error {
	if len(dst) > b.n {
		return fmt.Errorf("%w: download of %d values from buffer of %d", errdefs.ErrDeviceExecution, len(dst), b.n)
	}
	if len(dst) == 0 {
		return nil
	}
	release, err := b.dev.bind()
	if err != nil {
		return err
	}
	defer release()
	if r := C.cuMemcpyDtoH(unsafe.Pointer(&dst[0]), b.ptr, C.size_t(len(dst)*ElemSize)); r != C.CUDA_SUCCESS {
		return cuErr("cuMemcpyDtoH", r)
	}
	return nil
}

func (b *cudaBuffer) Free() error {
	if b.freed {
		return nil
	}
	release, err := b.dev.bind()
	if err != nil {
		return err
	}
	defer release()
	b.freed = true
	if r := C.cuMemFree(b.ptr); r != C.CUDA_SUCCESS {
		return cuErr("cuMemFree", r)
	}
	deviceAllocBytes.WithLabelValues(b.dev.name).Sub(float64(b.n * ElemSize))
	return nil
}
