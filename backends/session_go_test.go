//go:build GO || ALL

package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/knights-analytics/sdengine/options"
)

func newGoDoublingSession(t *testing.T) Session {
	t.Helper()
	opts := options.Defaults()
	opts.Backend = "GO"
	session, err := LoadSession(writeGraph(t, doublingGraph(onnxFloat, 1, 3)), opts)
	require.NoError(t, err)
	return session
}

func TestGoSessionMeta(t *testing.T) {
	session := newGoDoublingSession(t)
	defer func() { require.NoError(t, session.Destroy()) }()

	require.Len(t, session.InputsMeta(), 1)
	assert.Equal(t, "x", session.InputsMeta()[0].Name)
	assert.Equal(t, NewShape(1, 3), Shape(session.InputsMeta()[0].Dimensions))
	assert.Equal(t, Float32, session.InputsMeta()[0].DType)
	assert.Equal(t, []string{"y"}, GetNames(session.OutputsMeta()))
}

func TestGoSessionHalfPrecision(t *testing.T) {
	session := newGoDoublingSession(t)
	defer func() { require.NoError(t, session.Destroy()) }()

	input, err := NewFloat32Tensor(NewShape(1, 3), []float32{0.5, -1, 2.25})
	require.NoError(t, err)
	half, err := input.As(Float16)
	require.NoError(t, err)

	// half precision inputs are widened for gonnx
	outputs := map[string]*Tensor{}
	require.NoError(t, session.Run(map[string]*Tensor{"x": half}, outputs))
	assert.Equal(t, Float32, outputs["y"].DType)
	assert.Equal(t, []float32{1, -2, 4.5}, outputs["y"].F32)

	// and narrowed again into a bound half precision output
	bound := NewTensor(Float16, NewShape(1, 3))
	require.NoError(t, session.Run(map[string]*Tensor{"x": half}, map[string]*Tensor{"y": bound}))
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(-2), float16.Fromfloat32(4.5)}, bound.F16)
	// the input is left untouched
	assert.Equal(t, float16.Fromfloat32(0.5), half.F16[0])

	err = session.Run(map[string]*Tensor{"x": half}, map[string]*Tensor{"y": NewTensor(Float32, NewShape(1, 2))})
	require.ErrorIs(t, err, ErrShapeMismatch)
}
