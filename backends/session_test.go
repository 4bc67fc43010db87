package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/knights-analytics/sdengine/options"
)

// onnx TensorProto.DataType values
const (
	onnxFloat   = 1
	onnxFloat16 = 10
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func valueInfo(name string, elemType int32, dims []int64) []byte {
	var shape []byte
	for _, d := range dims {
		shape = appendBytesField(shape, 1, appendVarintField(nil, 1, uint64(d)))
	}
	tensorType := appendVarintField(nil, 1, uint64(elemType))
	tensorType = appendBytesField(tensorType, 2, shape)
	info := appendBytesField(nil, 1, []byte(name))
	return appendBytesField(info, 2, appendBytesField(nil, 1, tensorType))
}

// doublingGraph is an onnx model computing y = x + x for a single tensor x.
func doublingGraph(elemType int32, dims ...int64) []byte {
	var node []byte
	node = appendBytesField(node, 1, []byte("x"))
	node = appendBytesField(node, 1, []byte("x"))
	node = appendBytesField(node, 2, []byte("y"))
	node = appendBytesField(node, 3, []byte("double"))
	node = appendBytesField(node, 4, []byte("Add"))

	var graph []byte
	graph = appendBytesField(graph, 1, node)
	graph = appendBytesField(graph, 2, []byte("double"))
	graph = appendBytesField(graph, 11, valueInfo("x", elemType, dims))
	graph = appendBytesField(graph, 12, valueInfo("y", elemType, dims))

	var model []byte
	model = appendVarintField(model, 1, 7)
	model = appendBytesField(model, 2, []byte("sdengine"))
	model = appendBytesField(model, 7, graph)
	return appendBytesField(model, 8, appendVarintField(nil, 2, 13))
}

func writeGraph(t *testing.T, graph []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "double.onnx")
	require.NoError(t, os.WriteFile(path, graph, 0o600))
	return path
}

func TestLoadSessionErrors(t *testing.T) {
	opts := options.Defaults()
	opts.Backend = "GO"
	_, err := LoadSession(filepath.Join(t.TempDir(), "missing.onnx"), opts)
	require.ErrorContains(t, err, "does not exist")

	opts.Backend = "XLA"
	_, err = LoadSession(writeGraph(t, doublingGraph(onnxFloat, 1, 3)), opts)
	require.ErrorContains(t, err, "not supported")
}

func TestCheckRunInputs(t *testing.T) {
	meta := []InputOutputInfo{{Name: "sample"}, {Name: "timestep"}}
	err := checkRunInputs(meta, map[string]*Tensor{"sample": NewTensor(Float32, NewShape(1))})
	require.ErrorContains(t, err, `missing input "timestep"`)
	assert.NoError(t, checkRunInputs(meta, map[string]*Tensor{
		"sample":   NewTensor(Float32, NewShape(1)),
		"timestep": NewTensor(Float32, NewShape(1)),
	}))
}
