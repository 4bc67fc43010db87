package backends

import (
	"fmt"

	"github.com/x448/float16"
	"gorgonia.org/vecf32"
)

// DType is the element type of a Tensor.
type DType int

const (
	Float32 DType = iota
	Float16
	Int32
	Int64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// Size is the number of bytes taken by one element.
func (d DType) Size() int64 {
	switch d {
	case Float16:
		return 2
	case Int64:
		return 8
	default:
		return 4
	}
}

// Tensor is a dense row-major host tensor. Exactly one of the data slices is populated,
// the one matching DType.
type Tensor struct {
	Shape Shape
	DType DType
	F32   []float32
	F16   []float16.Float16
	I32   []int32
	I64   []int64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(dtype DType, shape Shape) *Tensor {
	t := &Tensor{Shape: shape.Clone(), DType: dtype}
	n := shape.NumElements()
	switch dtype {
	case Float32:
		t.F32 = make([]float32, n)
	case Float16:
		t.F16 = make([]float16.Float16, n)
	case Int32:
		t.I32 = make([]int32, n)
	case Int64:
		t.I64 = make([]int64, n)
	}
	return t
}

// NewFloat32Tensor wraps data without copying.
func NewFloat32Tensor(shape Shape, data []float32) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("%w: shape %s needs %d elements, got %d", ErrInvalidShape, shape, shape.NumElements(), len(data))
	}
	return &Tensor{Shape: shape.Clone(), DType: Float32, F32: data}, nil
}

// NewInt32Tensor wraps data without copying.
func NewInt32Tensor(shape Shape, data []int32) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("%w: shape %s needs %d elements, got %d", ErrInvalidShape, shape, shape.NumElements(), len(data))
	}
	return &Tensor{Shape: shape.Clone(), DType: Int32, I32: data}, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	switch t.DType {
	case Float32:
		return len(t.F32)
	case Float16:
		return len(t.F16)
	case Int32:
		return len(t.I32)
	case Int64:
		return len(t.I64)
	}
	return 0
}

// Bytes returns the size of the tensor data in bytes.
func (t *Tensor) Bytes() int64 {
	return int64(t.Len()) * t.DType.Size()
}

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Shape: t.Shape.Clone(), DType: t.DType}
	switch t.DType {
	case Float32:
		c.F32 = append([]float32(nil), t.F32...)
	case Float16:
		c.F16 = append([]float16.Float16(nil), t.F16...)
	case Int32:
		c.I32 = append([]int32(nil), t.I32...)
	case Int64:
		c.I64 = append([]int64(nil), t.I64...)
	}
	return c
}

// Float32s returns the values as float32. For a Float32 tensor this is the backing slice itself.
func (t *Tensor) Float32s() []float32 {
	switch t.DType {
	case Float32:
		return t.F32
	case Float16:
		out := make([]float32, len(t.F16))
		for i, v := range t.F16 {
			out[i] = v.Float32()
		}
		return out
	case Int32:
		out := make([]float32, len(t.I32))
		for i, v := range t.I32 {
			out[i] = float32(v)
		}
		return out
	case Int64:
		out := make([]float32, len(t.I64))
		for i, v := range t.I64 {
			out[i] = float32(v)
		}
		return out
	}
	return nil
}

func (t *Tensor) int64s() []int64 {
	switch t.DType {
	case Int64:
		return t.I64
	case Int32:
		out := make([]int64, len(t.I32))
		for i, v := range t.I32 {
			out[i] = int64(v)
		}
		return out
	}
	return nil
}

// As converts the tensor to dtype. Converting to the same dtype returns a copy.
// Float values cannot be converted to integer types.
func (t *Tensor) As(dtype DType) (*Tensor, error) {
	if t.DType == dtype {
		return t.Clone(), nil
	}
	out := &Tensor{Shape: t.Shape.Clone(), DType: dtype}
	switch dtype {
	case Float32:
		out.F32 = t.Float32s()
	case Float16:
		src := t.Float32s()
		out.F16 = make([]float16.Float16, len(src))
		for i, v := range src {
			out.F16[i] = float16.Fromfloat32(v)
		}
	case Int64:
		if t.DType != Int32 {
			return nil, fmt.Errorf("cannot convert %s tensor to %s", t.DType, dtype)
		}
		out.I64 = t.int64s()
	case Int32:
		if t.DType != Int64 {
			return nil, fmt.Errorf("cannot convert %s tensor to %s", t.DType, dtype)
		}
		out.I32 = make([]int32, len(t.I64))
		for i, v := range t.I64 {
			out.I32[i] = int32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
	return out, nil
}

// Reshape returns a view of the tensor with a different shape and the same element count.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if shape.NumElements() != t.Len() {
		return nil, fmt.Errorf("%w: cannot reshape %s to %s", ErrInvalidShape, t.Shape, shape)
	}
	v := *t
	v.Shape = shape.Clone()
	return &v, nil
}

// BatchSize is the leading dimension.
func (t *Tensor) BatchSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return int(t.Shape[0])
}

func (t *Tensor) rowLen() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return t.Len() / int(t.Shape[0])
}

// SliceBatch copies rows [start, end) of the leading dimension.
func (t *Tensor) SliceBatch(start, end int) (*Tensor, error) {
	if start < 0 || end > t.BatchSize() || start >= end {
		return nil, fmt.Errorf("%w: batch slice [%d, %d) out of range for shape %s", ErrInvalidShape, start, end, t.Shape)
	}
	row := t.rowLen()
	shape := t.Shape.Clone()
	shape[0] = int64(end - start)
	out := &Tensor{Shape: shape, DType: t.DType}
	switch t.DType {
	case Float32:
		out.F32 = append([]float32(nil), t.F32[start*row:end*row]...)
	case Float16:
		out.F16 = append([]float16.Float16(nil), t.F16[start*row:end*row]...)
	case Int32:
		out.I32 = append([]int32(nil), t.I32[start*row:end*row]...)
	case Int64:
		out.I64 = append([]int64(nil), t.I64[start*row:end*row]...)
	}
	return out, nil
}

// ConcatBatch stacks tensors along the leading dimension. All trailing dimensions and dtypes must match.
func ConcatBatch(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrInvalidShape)
	}
	first := tensors[0]
	shape := first.Shape.Clone()
	shape[0] = 0
	for _, t := range tensors {
		if t.DType != first.DType {
			return nil, fmt.Errorf("cannot concatenate %s with %s", t.DType, first.DType)
		}
		if !t.Shape[1:].Equal(first.Shape[1:]) {
			return nil, fmt.Errorf("%w: cannot concatenate %s with %s", ErrShapeMismatch, t.Shape, first.Shape)
		}
		shape[0] += t.Shape[0]
	}
	out := NewTensor(first.DType, shape)
	offset := 0
	for _, t := range tensors {
		switch t.DType {
		case Float32:
			offset += copy(out.F32[offset:], t.F32)
		case Float16:
			offset += copy(out.F16[offset:], t.F16)
		case Int32:
			offset += copy(out.I32[offset:], t.I32)
		case Int64:
			offset += copy(out.I64[offset:], t.I64)
		}
	}
	return out, nil
}

// Repeat tiles the whole batch n times: [a, b] becomes [a, b, a, b].
func (t *Tensor) Repeat(n int) (*Tensor, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: repeat count %d", ErrInvalidShape, n)
	}
	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i] = t
	}
	return ConcatBatch(parts...)
}

// RepeatEach repeats every batch row n times in place: [a, b] becomes [a, a, b, b].
func (t *Tensor) RepeatEach(n int) (*Tensor, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: repeat count %d", ErrInvalidShape, n)
	}
	parts := make([]*Tensor, 0, t.BatchSize()*n)
	for b := range t.BatchSize() {
		row, err := t.SliceBatch(b, b+1)
		if err != nil {
			return nil, err
		}
		for range n {
			parts = append(parts, row)
		}
	}
	return ConcatBatch(parts...)
}

// Scale multiplies a Float32 tensor by s in place.
func (t *Tensor) Scale(s float32) error {
	if t.DType != Float32 {
		return fmt.Errorf("scale requires a float32 tensor, got %s", t.DType)
	}
	vecf32.Scale(t.F32, s)
	return nil
}

// Add adds other into a Float32 tensor in place.
func (t *Tensor) Add(other *Tensor) error {
	if t.DType != Float32 || other.DType != Float32 {
		return fmt.Errorf("add requires float32 tensors, got %s and %s", t.DType, other.DType)
	}
	if !t.Shape.Equal(other.Shape) {
		return fmt.Errorf("%w: cannot add %s to %s", ErrShapeMismatch, other.Shape, t.Shape)
	}
	vecf32.Add(t.F32, other.F32)
	return nil
}
