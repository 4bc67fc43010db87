package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// goSession runs graphs with the pure Go gonnx runtime. gonnx has no half precision,
// so Float16 values are widened to float32 on the way in and narrowed on the way out.
type goSession struct {
	model   *gonnx.Model
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func createGoSession(onnxBytes []byte) (Session, error) {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputs, outputs := loadInputOutputMetaGo(model)
	return &goSession{model: model, inputs: inputs, outputs: outputs}, nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
			DType:      Float32,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
			DType:      Float32,
		})
	}
	return inputs, outputs
}

func toGoTensor(t *Tensor) tensor.Tensor {
	shape := t.Shape.ValuesInt()
	switch t.DType {
	case Int32:
		return tensor.New(tensor.Of(tensor.Int32), tensor.WithShape(shape...), tensor.WithBacking(append([]int32(nil), t.I32...)))
	case Int64:
		return tensor.New(tensor.Of(tensor.Int64), tensor.WithShape(shape...), tensor.WithBacking(append([]int64(nil), t.I64...)))
	default:
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...), tensor.WithBacking(append([]float32(nil), t.Float32s()...)))
	}
}

func fromGoTensor(name string, t tensor.Tensor) (*Tensor, error) {
	shape := make(Shape, len(t.Shape()))
	for i, d := range t.Shape() {
		shape[i] = int64(d)
	}
	switch data := t.Data().(type) {
	case []float32:
		return &Tensor{Shape: shape, DType: Float32, F32: append([]float32(nil), data...)}, nil
	case []int32:
		return &Tensor{Shape: shape, DType: Int32, I32: append([]int32(nil), data...)}, nil
	case []int64:
		return &Tensor{Shape: shape, DType: Int64, I64: append([]int64(nil), data...)}, nil
	}
	return nil, fmt.Errorf("output %q has unsupported data type %T", name, t.Data())
}

func (s *goSession) InputsMeta() []InputOutputInfo {
	return s.inputs
}

func (s *goSession) OutputsMeta() []InputOutputInfo {
	return s.outputs
}

func (s *goSession) Run(inputs map[string]*Tensor, outputs map[string]*Tensor) error {
	if err := checkRunInputs(s.inputs, inputs); err != nil {
		return err
	}
	inputMap := map[string]tensor.Tensor{}
	for _, meta := range s.inputs {
		inputMap[meta.Name] = toGoTensor(inputs[meta.Name])
	}
	results, err := s.model.Run(inputMap)
	if err != nil {
		return err
	}
	for _, meta := range s.outputs {
		result, ok := results[meta.Name]
		if !ok {
			return fmt.Errorf("output %q was not produced", meta.Name)
		}
		converted, convErr := fromGoTensor(meta.Name, result)
		if convErr != nil {
			return convErr
		}
		bound := outputs[meta.Name]
		if bound == nil {
			outputs[meta.Name] = converted
			continue
		}
		if !bound.Shape.Equal(converted.Shape) {
			return fmt.Errorf("%w: output %q produced %s, bound %s", ErrShapeMismatch, meta.Name, converted.Shape, bound.Shape)
		}
		if err := copyInto(bound, converted); err != nil {
			return fmt.Errorf("output %q: %w", meta.Name, err)
		}
	}
	return nil
}

func (s *goSession) Destroy() error {
	return nil
}

// copyInto writes src into the backing memory of dst, converting the dtype if needed.
func copyInto(dst, src *Tensor) error {
	if src.DType != dst.DType {
		converted, err := src.As(dst.DType)
		if err != nil {
			return err
		}
		src = converted
	}
	switch dst.DType {
	case Float32:
		copy(dst.F32, src.F32)
	case Float16:
		copy(dst.F16, src.F16)
	case Int32:
		copy(dst.I32, src.I32)
	case Int64:
		copy(dst.I64, src.I64)
	}
	return nil
}
