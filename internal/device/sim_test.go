package device

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-dtw/internal/dtw"
	"github.com/23skdu/longbow-dtw/internal/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simLaunch stages src and trg on d and returns a CUDA-style launch that
// covers every target with b items per group.
func simLaunch(t *testing.T, d *SimDevice, src []float32, trg [][]float32, b int) (Launch, Buffer) {
	t.Helper()
	l := len(src)
	flat := make([]float32, 0, len(trg)*l)
	for _, row := range trg {
		flat = append(flat, row...)
	}

	srcBuf, err := d.Alloc(l)
	require.NoError(t, err)
	trgBuf, err := d.Alloc(len(flat))
	require.NoError(t, err)
	outBuf, err := d.Alloc(len(trg))
	require.NoError(t, err)
	require.NoError(t, srcBuf.Upload(src))
	require.NoError(t, trgBuf.Upload(flat))

	return Launch{
		Kernel:     KernelCUDA,
		Grid:       Dim3{X: len(trg) / b, Y: 1, Z: 1},
		Block:      Dim3{X: b * l, Y: 1, Z: 1},
		LocalBytes: 3 * b * l * ElemSize,
		Args: KernelArgs{
			SrcLen:        l,
			TrgLen:        l,
			ItemsPerGroup: b,
			Src:           srcBuf,
			Trg:           trgBuf,
			Out:           outBuf,
		},
	}, outBuf
}

func TestSimDevice_MatchesReference(t *testing.T) {
	d := NewSimDevice("sim-test", Capabilities{Class: ClassCUDA})
	defer d.Close()

	src := []float32{0, 1, 2, 3}
	trg := [][]float32{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 1, 1, 1},
		{0, 0, 2, 3},
	}
	launch, out := simLaunch(t, d, src, trg, 2)
	require.NoError(t, d.Launch(launch))
	require.NoError(t, d.Synchronize())

	got := make([]float32, len(trg))
	require.NoError(t, out.Download(got))
	for i, row := range trg {
		want := dtw.Distance(src, row)
		assert.InDelta(t, want, float64(got[i]), 1e-4, "target %d", i)
	}
	assert.Equal(t, float32(0), got[0])
}

func TestSimDevice_ReadBeforeSynchronize(t *testing.T) {
	d := NewSimDevice("sim-sync", Capabilities{Class: ClassCUDA})
	defer d.Close()

	launch, out := simLaunch(t, d, []float32{1, 2}, [][]float32{{1, 2}, {2, 1}}, 1)
	launch.Grid = Dim3{X: 2, Y: 1, Z: 1}
	launch.Block = Dim3{X: 2, Y: 1, Z: 1}
	require.NoError(t, d.Launch(launch))

	got := make([]float32, 2)
	err := out.Download(got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrDeviceExecution))
	assert.Error(t, out.Upload(got), "upload while in flight")
	assert.Error(t, d.Launch(launch), "second launch while in flight")

	require.NoError(t, d.Synchronize())
	require.NoError(t, out.Download(got))
	assert.InDelta(t, 0, got[0], 1e-6)
	assert.InDelta(t, math.Sqrt(2), got[1], 1e-5)
}

func TestSimDevice_AllocationCeilings(t *testing.T) {
	d := NewSimDevice("sim-mem", Capabilities{
		Class:        ClassOpenCL,
		TotalMemory:  1024,
		MaxAllocSize: 512,
	})
	defer d.Close()

	_, err := d.Alloc(129) // 516 bytes > MaxAllocSize
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrDeviceExecution))

	a, err := d.Alloc(128)
	require.NoError(t, err)
	b, err := d.Alloc(128)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), d.Allocated())

	_, err = d.Alloc(1)
	assert.True(t, errors.Is(err, errdefs.ErrDeviceExecution), "total memory exhausted")

	require.NoError(t, a.Free())
	require.NoError(t, a.Free(), "double free is a no-op")
	assert.Equal(t, int64(512), d.Allocated())
	require.NoError(t, b.Free())
	assert.Equal(t, int64(0), d.Allocated())

	_, err = d.Alloc(0)
	assert.Error(t, err)
}

func TestSimDevice_LaunchValidation(t *testing.T) {
	d := NewSimDevice("sim-validate", Capabilities{
		Class:         ClassCUDA,
		MaxGroupItems: 8,
		MaxItemsX:     8,
		MaxGridX:      4,
		MaxGridY:      2,
		LocalMemSize:  64,
	})
	defer d.Close()

	src := []float32{1, 2}
	trg := [][]float32{{1, 2}, {2, 1}, {0, 0}, {3, 3}}

	tests := []struct {
		name   string
		mutate func(l *Launch)
	}{
		{"unknown kernel", func(l *Launch) { l.Kernel = "matmul" }},
		{"block too large", func(l *Launch) { l.Block.X = 16 }},
		{"grid x too large", func(l *Launch) { l.Grid.X = 5 }},
		{"grid y too large", func(l *Launch) { l.Grid.Y = 3 }},
		{"empty grid", func(l *Launch) { l.Grid.X = 0 }},
		{"local memory above limit", func(l *Launch) { l.LocalBytes = 128 }},
		{"local memory below requirement", func(l *Launch) { l.LocalBytes = 8 }},
		{"length mismatch", func(l *Launch) { l.Args.TrgLen = 3 }},
		{"output too small", func(l *Launch) { l.Grid.X = 4 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launch, _ := simLaunch(t, d, src, trg, 2)
			tt.mutate(&launch)
			err := d.Launch(launch)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errdefs.ErrDeviceExecution))
		})
	}

	t.Run("foreign buffer", func(t *testing.T) {
		other := NewSimDevice("sim-other", Capabilities{Class: ClassCUDA})
		defer other.Close()
		launch, _ := simLaunch(t, d, src, trg, 2)
		foreign, err := other.Alloc(2)
		require.NoError(t, err)
		launch.Args.Src = foreign
		assert.Error(t, d.Launch(launch))
	})

	t.Run("freed buffer", func(t *testing.T) {
		launch, _ := simLaunch(t, d, src, trg, 2)
		require.NoError(t, launch.Args.Trg.Free())
		assert.Error(t, d.Launch(launch))
	})
}

func TestSimDevice_LowResourceKernel(t *testing.T) {
	d := NewSimDevice("sim-low", Capabilities{
		Class:         ClassOpenCL,
		MaxGroupItems: 2,
		MaxItemsX:     2,
	})
	defer d.Close()

	src := []float32{0, 1, 2, 3, 4}
	trg := [][]float32{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {1, 1, 1, 1, 1}}
	launch, out := simLaunch(t, d, src, trg, 1)
	launch.Kernel = KernelOpenCLLowResource
	launch.Grid = Dim3{X: 3, Y: 1, Z: 1}
	launch.Block = Dim3{X: 1, Y: 2, Z: 1}

	require.NoError(t, d.Launch(launch))
	require.NoError(t, d.Synchronize())
	got := make([]float32, 3)
	require.NoError(t, out.Download(got))
	for i, row := range trg {
		assert.InDelta(t, dtw.Distance(src, row), float64(got[i]), 1e-4)
	}
}

func TestSimDevice_Closed(t *testing.T) {
	d := NewSimDevice("sim-closed", Capabilities{Class: ClassCUDA})
	require.NoError(t, d.Close())
	_, err := d.Alloc(4)
	assert.True(t, errors.Is(err, errdefs.ErrDeviceExecution))
}

func TestDim3_Size(t *testing.T) {
	assert.Equal(t, 1, Dim3{}.Size())
	assert.Equal(t, 6, Dim3{X: 2, Y: 3}.Size())
	assert.Equal(t, 24, Dim3{X: 2, Y: 3, Z: 4}.Size())
}
