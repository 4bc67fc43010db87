package options

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestORTOnlyOptionsRejectGoBackend(t *testing.T) {
	o := Defaults()
	o.Backend = "GO"
	for name, option := range map[string]WithOption{
		"library":   WithOnnxLibraryPath(t.TempDir()),
		"telemetry": WithTelemetry(),
		"intraOp":   WithIntraOpNumThreads(2),
		"interOp":   WithInterOpNumThreads(2),
		"arena":     WithCPUMemArena(false),
		"pattern":   WithMemPattern(false),
		"cuda":      WithCuda(map[string]string{"device_id": "0"}),
		"tensorrt":  WithTensorRT(map[string]string{"device_id": "0"}),
	} {
		assert.Error(t, option(o), name)
	}
}

func TestORTOptions(t *testing.T) {
	o := Defaults()
	o.Backend = "ORT"
	require.NoError(t, WithIntraOpNumThreads(4)(o))
	require.NoError(t, WithMemPattern(false)(o))
	require.NoError(t, WithTensorRT(map[string]string{"trt_fp16_enable": "1"})(o))
	assert.Equal(t, 4, *o.ORTOptions.IntraOpNumThreads)
	assert.False(t, *o.ORTOptions.MemPattern)
	assert.Equal(t, "1", o.ORTOptions.TensorRTOptions["trt_fp16_enable"])
}

func TestWithOnnxLibraryPath(t *testing.T) {
	o := Defaults()
	o.Backend = "ORT"
	dir := t.TempDir()
	require.Error(t, WithOnnxLibraryPath(dir)(o))

	libraryName, _, _ := getDefaultLibraryPaths()
	require.NoError(t, os.WriteFile(filepath.Join(dir, libraryName), []byte{0}, 0o600))
	require.NoError(t, WithOnnxLibraryPath(dir)(o))
	assert.Equal(t, filepath.Join(dir, libraryName), *o.ORTOptions.LibraryPath)
	assert.Equal(t, dir, *o.ORTOptions.LibraryDir)
}

func TestCommonOptions(t *testing.T) {
	o := Defaults()
	require.Error(t, WithLogger(nil)(o))
	logger := zap.NewExample()
	require.NoError(t, WithLogger(logger)(o))
	assert.Same(t, logger, o.Logger)

	require.Error(t, WithDeviceMemoryLimit(-1)(o))
	require.NoError(t, WithDeviceMemoryLimit(1<<30)(o))
	assert.Equal(t, int64(1<<30), o.DeviceMemoryLimit)
}
