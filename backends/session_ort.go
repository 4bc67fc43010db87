//go:build cgo && (ORT || ALL)

package backends

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/sdengine/options"
)

type ortSession struct {
	session *ort.DynamicAdvancedSession
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func createORTSession(modelBytes []byte, opts *options.Options) (Session, error) {
	sessionOptions, _ := opts.BackendOptions.(*ort.SessionOptions)

	inputs, outputs, err := loadInputOutputMetaORTBytes(modelBytes)
	if err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		modelBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return nil, err
	}
	return &ortSession{session: session, inputs: inputs, outputs: outputs}, nil
}

func loadInputOutputMetaORTBytes(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	convertedInputs, err := convertORTInputOutputs(inputs)
	if err != nil {
		return nil, nil, err
	}
	convertedOutputs, err := convertORTInputOutputs(outputs)
	if err != nil {
		return nil, nil, err
	}
	return convertedInputs, convertedOutputs, nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) ([]InputOutputInfo, error) {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		var dtype DType
		switch inputOutput.DataType {
		case ort.TensorElementDataTypeFloat:
			dtype = Float32
		case ort.TensorElementDataTypeFloat16:
			dtype = Float16
		case ort.TensorElementDataTypeInt32:
			dtype = Int32
		case ort.TensorElementDataTypeInt64:
			dtype = Int64
		default:
			return nil, fmt.Errorf("binding %q has unsupported element type %s", inputOutput.Name, inputOutput.DataType)
		}
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions).Clone(),
			DType:      dtype,
		}
	}
	return inputOutputsStandardised, nil
}

func float16Bytes(data []float16.Float16) []byte {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*2)
}

func toORTValue(t *Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch t.DType {
	case Float32:
		return ort.NewTensor(shape, t.F32)
	case Int32:
		return ort.NewTensor(shape, t.I32)
	case Int64:
		return ort.NewTensor(shape, t.I64)
	case Float16:
		return ort.NewCustomDataTensor(shape, float16Bytes(t.F16), ort.TensorElementDataTypeFloat16)
	}
	return nil, fmt.Errorf("unsupported dtype %s", t.DType)
}

func fromORTValue(value ort.Value, meta InputOutputInfo) (*Tensor, error) {
	switch v := value.(type) {
	case *ort.Tensor[float32]:
		return &Tensor{Shape: Shape(v.GetShape()).Clone(), DType: Float32, F32: append([]float32(nil), v.GetData()...)}, nil
	case *ort.Tensor[int32]:
		return &Tensor{Shape: Shape(v.GetShape()).Clone(), DType: Int32, I32: append([]int32(nil), v.GetData()...)}, nil
	case *ort.Tensor[int64]:
		return &Tensor{Shape: Shape(v.GetShape()).Clone(), DType: Int64, I64: append([]int64(nil), v.GetData()...)}, nil
	case *ort.CustomDataTensor:
		if meta.DType != Float16 {
			return nil, fmt.Errorf("output %q: unexpected custom data tensor", meta.Name)
		}
		raw := v.GetData()
		data := make([]float16.Float16, len(raw)/2)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:]))
		}
		return &Tensor{Shape: Shape(v.GetShape()).Clone(), DType: Float16, F16: data}, nil
	}
	return nil, fmt.Errorf("output %q has unsupported value type %T", meta.Name, value)
}

func (s *ortSession) InputsMeta() []InputOutputInfo {
	return s.inputs
}

func (s *ortSession) OutputsMeta() []InputOutputInfo {
	return s.outputs
}

func (s *ortSession) Run(inputs map[string]*Tensor, outputs map[string]*Tensor) (err error) {
	if err = checkRunInputs(s.inputs, inputs); err != nil {
		return err
	}
	inputValues := make([]ort.Value, len(s.inputs))
	outputValues := make([]ort.Value, len(s.outputs))
	defer func() {
		for _, v := range append(inputValues, outputValues...) {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()

	for i, meta := range s.inputs {
		t := inputs[meta.Name]
		if t.DType != meta.DType {
			converted, convErr := t.As(meta.DType)
			if convErr != nil {
				return fmt.Errorf("input %q: %w", meta.Name, convErr)
			}
			t = converted
		}
		value, valueErr := toORTValue(t)
		if valueErr != nil {
			return fmt.Errorf("input %q: %w", meta.Name, valueErr)
		}
		inputValues[i] = value
	}
	for i, meta := range s.outputs {
		t := outputs[meta.Name]
		if t == nil {
			continue
		}
		if t.DType != meta.DType {
			return fmt.Errorf("output %q is bound as %s, engine produces %s", meta.Name, t.DType, meta.DType)
		}
		value, valueErr := toORTValue(t)
		if valueErr != nil {
			return fmt.Errorf("output %q: %w", meta.Name, valueErr)
		}
		outputValues[i] = value
	}

	if err = s.session.Run(inputValues, outputValues); err != nil {
		return err
	}

	for i, meta := range s.outputs {
		if outputs[meta.Name] != nil {
			continue
		}
		t, convErr := fromORTValue(outputValues[i], meta)
		if convErr != nil {
			return convErr
		}
		outputs[meta.Name] = t
	}
	return nil
}

func (s *ortSession) Destroy() error {
	return s.session.Destroy()
}
