package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelSourcesDefineEntryPoints(t *testing.T) {
	root := filepath.Join("..", "..", "kernels")

	cu, err := os.ReadFile(filepath.Join(root, "dtw.cu"))
	require.NoError(t, err)
	assert.Contains(t, string(cu), "__global__ void "+KernelCUDA+"(")

	cl, err := os.ReadFile(filepath.Join(root, "dtw.cl"))
	require.NoError(t, err)
	assert.Contains(t, string(cl), "__kernel void "+KernelOpenCL+"(")
	assert.Contains(t, string(cl), "__kernel void "+KernelOpenCLLowResource+"(")
}
