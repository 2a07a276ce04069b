//go:build opencl

package device

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#define CL_TARGET_OPENCL_VERSION 120
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>

static cl_int set_local_arg(cl_kernel k, cl_uint idx, size_t bytes) {
	return clSetKernelArg(k, idx, bytes, NULL);
}

static cl_int set_mem_arg(cl_kernel k, cl_uint idx, cl_mem m) {
	return clSetKernelArg(k, idx, sizeof(cl_mem), &m);
}

static cl_int set_uint_arg(cl_kernel k, cl_uint idx, cl_uint v) {
	return clSetKernelArg(k, idx, sizeof(cl_uint), &v);
}
*/
import "C"
import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/23skdu/longbow-dtw/internal/errdefs"
	"github.com/rs/zerolog/log"
)

// Check interface compliance
var _ Device = (*OpenCLDevice)(nil)
var _ Buffer = (*clBuffer)(nil)

func clErr(op string, code C.cl_int) error {
	return fmt.Errorf("%w: %s: cl error %d", errdefs.ErrDeviceExecution, op, int(code))
}

func clDevices() ([]C.cl_device_id, error) {
	var np C.cl_uint
	if code := C.clGetPlatformIDs(0, nil, &np); code != C.CL_SUCCESS || np == 0 {
		return nil, fmt.Errorf("%w: no OpenCL platform", errdefs.ErrDeviceUnavailable)
	}
	platforms := make([]C.cl_platform_id, np)
	C.clGetPlatformIDs(np, &platforms[0], nil)

	var devices []C.cl_device_id
	for _, p := range platforms {
		var nd C.cl_uint
		if C.clGetDeviceIDs(p, C.CL_DEVICE_TYPE_ALL, 0, nil, &nd) != C.CL_SUCCESS || nd == 0 {
			continue
		}
		ids := make([]C.cl_device_id, nd)
		C.clGetDeviceIDs(p, C.CL_DEVICE_TYPE_ALL, nd, &ids[0], nil)
		devices = append(devices, ids...)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no OpenCL device", errdefs.ErrDeviceUnavailable)
	}
	return devices, nil
}

func openclAvailable() bool {
	_, err := clDevices()
	return err == nil
}

// OpenCLDevice runs the opencl_dtw kernels on one device with a single
// in-order command queue.
type OpenCLDevice struct {
	mu      sync.Mutex
	id      C.cl_device_id
	ctx     C.cl_context
	queue   C.cl_command_queue
	program C.cl_program
	kernels map[string]C.cl_kernel
	name    string
	caps    Capabilities
}

// NewOpenCLDevice opens the index-th device across all platforms and builds
// the kernel source found at kernelPath.
func NewOpenCLDevice(index int, kernelPath string) (*OpenCLDevice, error) {
	devices, err := clDevices()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(devices) {
		return nil, fmt.Errorf("%w: OpenCL device %d of %d", errdefs.ErrDeviceUnavailable, index, len(devices))
	}
	source, err := os.ReadFile(kernelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read kernel: %v", errdefs.ErrConfiguration, err)
	}

	d := &OpenCLDevice{id: devices[index], kernels: make(map[string]C.cl_kernel)}
	d.name = fmt.Sprintf("OpenCL:%d %s", index, d.infoString(C.CL_DEVICE_NAME))
	d.caps = d.queryCapabilities()

	var code C.cl_int
	d.ctx = C.clCreateContext(nil, 1, &d.id, nil, nil, &code)
	if code != C.CL_SUCCESS {
		return nil, clErr("clCreateContext", code)
	}
	d.queue = C.clCreateCommandQueue(d.ctx, d.id, 0, &code)
	if code != C.CL_SUCCESS {
		C.clReleaseContext(d.ctx)
		return nil, clErr("clCreateCommandQueue", code)
	}

	csrc := C.CString(string(source))
	defer C.free(unsafe.Pointer(csrc))
	d.program = C.clCreateProgramWithSource(d.ctx, 1, &csrc, nil, &code)
	if code != C.CL_SUCCESS {
		d.release()
		return nil, clErr("clCreateProgramWithSource", code)
	}
	if code = C.clBuildProgram(d.program, 1, &d.id, nil, nil, nil); code != C.CL_SUCCESS {
		buildLog := d.buildLog()
		d.release()
		return nil, fmt.Errorf("%w: build kernel: %s", errdefs.ErrConfiguration, buildLog)
	}

	for _, name := range []string{KernelOpenCL, KernelOpenCLLowResource} {
		cname := C.CString(name)
		k := C.clCreateKernel(d.program, cname, &code)
		C.free(unsafe.Pointer(cname))
		if code != C.CL_SUCCESS {
			// the low-resource entry point is optional
			if name == KernelOpenCL {
				d.release()
				return nil, clErr("clCreateKernel "+name, code)
			}
			continue
		}
		d.kernels[name] = k
	}

	log.Info().Str("device", d.name).Object("caps", d.caps).Msg("OpenCL device ready")
	return d, nil
}

func (d *OpenCLDevice) infoString(param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(d.id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetDeviceInfo(d.id, param, size, unsafe.Pointer(&buf[0]), nil)
	return string(buf[:size-1])
}

func (d *OpenCLDevice) infoUlong(param C.cl_device_info) int64 {
	var v C.cl_ulong
	if C.clGetDeviceInfo(d.id, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil) != C.CL_SUCCESS {
		return 0
	}
	return int64(v)
}

func (d *OpenCLDevice) infoSize(param C.cl_device_info) int {
	var v C.size_t
	if C.clGetDeviceInfo(d.id, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil) != C.CL_SUCCESS {
		return 0
	}
	return int(v)
}

func (d *OpenCLDevice) queryCapabilities() Capabilities {
	var itemSizes [3]C.size_t
	maxItemsX := 0
	if C.clGetDeviceInfo(d.id, C.CL_DEVICE_MAX_WORK_ITEM_SIZES, C.size_t(unsafe.Sizeof(itemSizes)), unsafe.Pointer(&itemSizes[0]), nil) == C.CL_SUCCESS {
		maxItemsX = int(itemSizes[0])
	}
	return Merge(Capabilities{
		Class:         ClassOpenCL,
		TotalMemory:   d.infoUlong(C.CL_DEVICE_GLOBAL_MEM_SIZE),
		MaxAllocSize:  d.infoUlong(C.CL_DEVICE_MAX_MEM_ALLOC_SIZE),
		MaxGroupItems: d.infoSize(C.CL_DEVICE_MAX_WORK_GROUP_SIZE),
		MaxItemsX:     maxItemsX,
		LocalMemSize:  int(d.infoUlong(C.CL_DEVICE_LOCAL_MEM_SIZE)),
	})
}

func (d *OpenCLDevice) buildLog() string {
	var size C.size_t
	C.clGetProgramBuildInfo(d.program, d.id, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size)
	if size == 0 {
		return "unknown error"
	}
	buf := make([]byte, size)
	C.clGetProgramBuildInfo(d.program, d.id, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil)
	return string(buf[:size-1])
}

func (d *OpenCLDevice) Name() string {
	return d.name
}

func (d *OpenCLDevice) Capabilities() Capabilities {
	return d.caps
}

func (d *OpenCLDevice) Alloc(n int) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var code C.cl_int
	bytes := C.size_t(n * ElemSize)
	mem := C.clCreateBuffer(d.ctx, C.CL_MEM_READ_WRITE, bytes, nil, &code)
	if code != C.CL_SUCCESS {
		deviceAllocFailures.WithLabelValues(d.name).Inc()
		return nil, clErr(fmt.Sprintf("clCreateBuffer(%d)", n*ElemSize), code)
	}
	deviceAllocBytes.WithLabelValues(d.name).Add(float64(bytes))
	return &clBuffer{dev: d, mem: mem, n: n}, nil
}

func (d *OpenCLDevice) Launch(l Launch) error {
	src, ok1 := l.Args.Src.(*clBuffer)
	trg, ok2 := l.Args.Trg.(*clBuffer)
	out, ok3 := l.Args.Out.(*clBuffer)
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("%w: %s: foreign buffer", errdefs.ErrDeviceExecution, d.name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	k, ok := d.kernels[l.Kernel]
	if !ok {
		return fmt.Errorf("%w: %s: kernel %q not built", errdefs.ErrDeviceExecution, d.name, l.Kernel)
	}

	// Three local scratch buffers follow the memory arguments.
	scratch := C.size_t(l.LocalBytes / 3)
	var codes []C.cl_int
	switch l.Kernel {
	case KernelOpenCLLowResource:
		codes = []C.cl_int{
			C.set_uint_arg(k, 0, C.cl_uint(l.Args.SrcLen)),
			C.set_uint_arg(k, 1, C.cl_uint(l.Args.TrgLen)),
			C.set_mem_arg(k, 2, src.mem),
			C.set_mem_arg(k, 3, trg.mem),
			C.set_mem_arg(k, 4, out.mem),
			C.set_local_arg(k, 5, scratch),
			C.set_local_arg(k, 6, scratch),
			C.set_local_arg(k, 7, scratch),
		}
	default:
		codes = []C.cl_int{
			C.set_uint_arg(k, 0, C.cl_uint(l.Args.SrcLen)),
			C.set_mem_arg(k, 1, src.mem),
			C.set_mem_arg(k, 2, trg.mem),
			C.set_mem_arg(k, 3, out.mem),
			C.set_local_arg(k, 4, scratch),
			C.set_local_arg(k, 5, scratch),
			C.set_local_arg(k, 6, scratch),
		}
	}
	for i, code := range codes {
		if code != C.CL_SUCCESS {
			return clErr(fmt.Sprintf("clSetKernelArg(%d)", i), code)
		}
	}

	// NDRange sizes are in items: global = groups * block per dimension.
	global := [2]C.size_t{
		C.size_t(max(l.Grid.X, 1) * max(l.Block.X, 1)),
		C.size_t(max(l.Grid.Y, 1) * max(l.Block.Y, 1)),
	}
	local := [2]C.size_t{C.size_t(max(l.Block.X, 1)), C.size_t(max(l.Block.Y, 1))}
	if code := C.clEnqueueNDRangeKernel(d.queue, k, 2, nil, &global[0], &local[0], 0, nil, nil); code != C.CL_SUCCESS {
		return clErr("clEnqueueNDRangeKernel", code)
	}
	kernelLaunches.WithLabelValues(d.name, l.Kernel).Inc()
	return nil
}

func (d *OpenCLDevice) Synchronize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := C.clFinish(d.queue); code != C.CL_SUCCESS {
		return clErr("clFinish", code)
	}
	return nil
}

func (d *OpenCLDevice) release() {
	for _, k := range d.kernels {
		C.clReleaseKernel(k)
	}
	if d.program != nil {
		C.clReleaseProgram(d.program)
	}
	if d.queue != nil {
		C.clReleaseCommandQueue(d.queue)
	}
	if d.ctx != nil {
		C.clReleaseContext(d.ctx)
	}
}

func (d *OpenCLDevice) Close() error {
	if err := d.Synchronize(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release()
	return nil
}

type clBuffer struct {
	dev   *OpenCLDevice
	mem   C.cl_mem
	n     int
	freed bool
}

func (b *clBuffer) Len() int {
	return b.n
}

func (b *clBuffer) Upload(src []float32) error {
	if len(src) > b.n {
		return fmt.Errorf("%w: upload of %d values into buffer of %d", errdefs.ErrDeviceExecution, len(src), b.n)
	}
	if len(src) == 0 {
		return nil
	}
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	code := C.clEnqueueWriteBuffer(b.dev.queue, b.mem, C.CL_TRUE, 0,
		C.size_t(len(src)*ElemSize), unsafe.Pointer(&src[0]), 0, nil, nil)
	if code != C.CL_SUCCESS {
		return clErr("clEnqueueWriteBuffer", code)
	}
	return nil
}

func (b *clBuffer) Download(dst []float32) error {
	if len(dst) > b.n {
		return fmt.Errorf("%w: download of %d values from buffer of %d", errdefs.ErrDeviceExecution, len(dst), b.n)
	}
	if len(dst) == 0 {
		return nil
	}
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	code := C.clEnqueueReadBuffer(b.dev.queue, b.mem, C.CL_TRUE, 0,
		C.size_t(len(dst)*ElemSize), unsafe.Pointer(&dst[0]), 0, nil, nil)
	if code != C.CL_SUCCESS {
		return clErr("clEnqueueReadBuffer", code)
	}
	return nil
}

func (b *clBuffer) Free() error {
	if b.freed {
		return nil
	}
	b.freed = true
	if code := C.clReleaseMemObject(b.mem); code != C.CL_SUCCESS {
		return clErr("clReleaseMemObject", code)
	}
	deviceAllocBytes.WithLabelValues(b.dev.name).Sub(float64(b.n * ElemSize))
	return nil
}
