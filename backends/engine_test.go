package backends

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSession multiplies its first input by factor into its first output.
type fakeSession struct {
	inputs    []InputOutputInfo
	outputs   []InputOutputInfo
	factor    float32
	runs      int
	destroyed bool
}

func (f *fakeSession) InputsMeta() []InputOutputInfo  { return f.inputs }
func (f *fakeSession) OutputsMeta() []InputOutputInfo { return f.outputs }
func (f *fakeSession) Destroy() error {
	f.destroyed = true
	return nil
}

func (f *fakeSession) Run(inputs map[string]*Tensor, outputs map[string]*Tensor) error {
	f.runs++
	input := inputs[f.inputs[0].Name]
	in := input.Float32s()
	out := outputs[f.outputs[0].Name]
	batch := input.BatchSize()
	inRow, outRow := len(in)/batch, len(out.F32)/batch
	for i := range out.F32 {
		b, j := i/outRow, i%outRow
		out.F32[i] = in[b*inRow+j%inRow] * f.factor
	}
	return nil
}

func vaeDecoderSession() *fakeSession {
	return &fakeSession{
		inputs:  []InputOutputInfo{{Name: "latent", Dimensions: NewShape(-1, 4, -1, -1), DType: Float32}},
		outputs: []InputOutputInfo{{Name: "images", Dimensions: NewShape(-1, 3, -1, -1), DType: Float32}},
		factor:  2,
	}
}

func unetSession(embedding int64) *fakeSession {
	return &fakeSession{
		inputs: []InputOutputInfo{
			{Name: "sample", Dimensions: NewShape(-1, 4, -1, -1), DType: Float32},
			{Name: "timestep", Dimensions: NewShape(1), DType: Float32},
			{Name: "encoder_hidden_states", Dimensions: NewShape(-1, 77, embedding), DType: Float16},
		},
		outputs: []InputOutputInfo{{Name: "latent", Dimensions: NewShape(-1, 4, -1, -1), DType: Float32}},
		factor:  1,
	}
}

func newTestEngine(t *testing.T, name string, session Session, memory *DeviceMemory) (*Engine, *Stream) {
	t.Helper()
	stream := NewStream("test")
	engine, err := NewEngine(CreateModels("test", 4, 768)[name], session, stream, memory, zap.NewNop())
	require.NoError(t, err)
	return engine, stream
}

func TestEngineAllocateBuffers(t *testing.T) {
	engine, _ := newTestEngine(t, "unet", unetSession(768), NewDeviceMemory(0))

	shapes, err := engine.Descriptor.ShapeDict(1, 512, 512)
	require.NoError(t, err)
	require.NoError(t, engine.AllocateBuffers(shapes))
	first, _ := engine.Buffer("sample")
	assert.Equal(t, NewShape(2, 4, 64, 64), first.Shape)

	// same shape keeps the bound set
	require.NoError(t, engine.AllocateBuffers(shapes))
	same, _ := engine.Buffer("sample")
	assert.Same(t, &first.F32[0], &same.F32[0])

	// a different shape never reuses the previous memory
	shapes, err = engine.Descriptor.ShapeDict(2, 256, 256)
	require.NoError(t, err)
	require.NoError(t, engine.AllocateBuffers(shapes))
	second, _ := engine.Buffer("sample")
	assert.Equal(t, NewShape(4, 4, 32, 32), second.Shape)
	assert.NotSame(t, &first.F32[0], &second.F32[0])
	assert.Equal(t, uint64(2), engine.GetStatistics().Allocations)
}

func TestEngineInferShapeChecks(t *testing.T) {
	engine, _ := newTestEngine(t, "vae", vaeDecoderSession(), NewDeviceMemory(0))
	latent := NewTensor(Float32, NewShape(1, 4, 32, 32))

	_, err := engine.Infer(map[string]*Tensor{"latent": latent})
	assert.ErrorIs(t, err, ErrBuffersNotAllocated)

	shapes, err := engine.Descriptor.ShapeDict(1, 256, 256)
	require.NoError(t, err)
	require.NoError(t, engine.AllocateBuffers(shapes))

	_, err = engine.Infer(map[string]*Tensor{"latent": NewTensor(Float32, NewShape(1, 4, 64, 64))})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	latent.F32[0] = 1.5
	out, err := engine.Infer(map[string]*Tensor{"latent": latent})
	require.NoError(t, err)
	assert.Equal(t, NewShape(1, 3, 256, 256), out["images"].Shape)
	assert.Equal(t, float32(3), out["images"].F32[0])

	// outputs are copies of the bound buffers
	out["images"].F32[0] = 42
	buffer, _ := engine.Buffer("images")
	assert.Equal(t, float32(3), buffer.F32[0])
	assert.Equal(t, uint64(1), engine.GetStatistics().ExecutionCount)
}

func TestEngineInferAfterStreamRelease(t *testing.T) {
	engine, stream := newTestEngine(t, "vae", vaeDecoderSession(), NewDeviceMemory(0))
	shapes, err := engine.Descriptor.ShapeDict(1, 256, 256)
	require.NoError(t, err)
	require.NoError(t, engine.AllocateBuffers(shapes))
	require.NoError(t, stream.Release())

	_, err = engine.Infer(map[string]*Tensor{"latent": NewTensor(Float32, NewShape(1, 4, 32, 32))})
	assert.ErrorIs(t, err, ErrStreamReleased)
	_, err = engine.InferBatched(NewTensor(Float32, NewShape(2, 4, 32, 32)))
	assert.ErrorIs(t, err, ErrStreamReleased)
	assert.ErrorIs(t, engine.AllocateBuffers(shapes), ErrStreamReleased)
}

func TestEngineReleasedStreamBeforeAllocation(t *testing.T) {
	memory := NewDeviceMemory(0)
	engine, stream := newTestEngine(t, "vae", vaeDecoderSession(), memory)
	require.NoError(t, stream.Release())

	shapes, err := engine.Descriptor.ShapeDict(1, 256, 256)
	require.NoError(t, err)
	assert.ErrorIs(t, engine.AllocateBuffers(shapes), ErrStreamReleased)
	assert.Nil(t, engine.Shapes())
	assert.Equal(t, int64(0), memory.InUse())

	_, err = engine.Infer(map[string]*Tensor{"latent": NewTensor(Float32, NewShape(1, 4, 32, 32))})
	assert.ErrorIs(t, err, ErrStreamReleased)
}

func TestEngineOutOfDeviceMemory(t *testing.T) {
	memory := NewDeviceMemory(1 << 20)
	engine, _ := newTestEngine(t, "vae", vaeDecoderSession(), memory)

	shapes, err := engine.Descriptor.ShapeDict(4, 1024, 1024)
	require.NoError(t, err)
	err = engine.AllocateBuffers(shapes)
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)
	assert.Nil(t, engine.Shapes())
	assert.Equal(t, int64(0), memory.InUse())

	// the engine remains usable at a smaller shape
	shapes, err = engine.Descriptor.ShapeDict(1, 256, 256)
	require.NoError(t, err)
	require.NoError(t, engine.AllocateBuffers(shapes))
	assert.Equal(t, int64(4*32*32*4+3*256*256*4), memory.InUse())
}

func TestEngineInferBatched(t *testing.T) {
	engine, _ := newTestEngine(t, "vae", vaeDecoderSession(), NewDeviceMemory(0))
	shapes, err := engine.Descriptor.ShapeDict(2, 256, 256)
	require.NoError(t, err)
	require.NoError(t, engine.AllocateBuffers(shapes))

	input := NewTensor(Float32, NewShape(3, 4, 32, 32))
	row := input.Len() / 3
	for b := range 3 {
		input.F32[b*row] = float32(b + 1)
	}
	out, err := engine.InferBatched(input)
	require.NoError(t, err)
	assert.Equal(t, NewShape(3, 3, 256, 256), out.Shape)
	outRow := out.Len() / 3
	for b := range 3 {
		assert.Equal(t, float32(2*(b+1)), out.F32[b*outRow])
	}
	assert.Equal(t, uint64(2), engine.GetStatistics().ExecutionCount)
}

func TestNewEngineChecksBindings(t *testing.T) {
	models := CreateModels("test", 4, 768)
	_, err := NewEngine(models["unet"], vaeDecoderSession(), NewStream("s"), NewDeviceMemory(0), nil)
	assert.ErrorIs(t, err, ErrEngineLoad)

	_, err = NewEngine(models["unet"], unetSession(1024), NewStream("s"), NewDeviceMemory(0), nil)
	assert.ErrorIs(t, err, ErrIncompatibleEmbedding)

	_, err = NewEngine(models["unet"], unetSession(-1), NewStream("s"), NewDeviceMemory(0), nil)
	assert.NoError(t, err)
}

func TestLoadEngine(t *testing.T) {
	dir := t.TempDir()
	models := CreateModels("test", 4, 768)
	loader := func(string) (Session, error) { return vaeDecoderSession(), nil }

	_, err := LoadEngine(EnginePath(dir, "vae"), models["vae"], loader, NewStream("s"), NewDeviceMemory(0), nil)
	assert.ErrorIs(t, err, ErrEngineNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "vae.plan"), []byte("plan"), 0o600))
	engine, err := LoadEngine(EnginePath(dir, "vae"), models["vae"], loader, NewStream("s"), NewDeviceMemory(0), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vae.plan"), engine.Path)

	failing := func(string) (Session, error) { return nil, errors.New("corrupt plan") }
	_, err = LoadEngine(EnginePath(dir, "vae"), models["vae"], failing, NewStream("s"), NewDeviceMemory(0), nil)
	assert.ErrorIs(t, err, ErrEngineLoad)

	mismatched := &fakeSession{}
	_, err = LoadEngine(EnginePath(dir, "vae"), models["vae"], func(string) (Session, error) { return mismatched, nil }, NewStream("s"), NewDeviceMemory(0), nil)
	assert.ErrorIs(t, err, ErrEngineLoad)
	assert.True(t, mismatched.destroyed)

	require.NoError(t, engine.Destroy())
}
