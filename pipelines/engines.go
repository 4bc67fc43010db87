package pipelines

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/sdengine/backends"
)

// TextEncoderEngine runs the compiled CLIP text encoder.
type TextEncoderEngine struct {
	Engine *backends.Engine
}

func (e *TextEncoderEngine) AllocateBuffers(shapes backends.ShapeDict) error {
	return e.Engine.AllocateBuffers(shapes)
}

func (e *TextEncoderEngine) Encode(inputIDs *backends.Tensor) (*backends.Tensor, error) {
	return e.Engine.InferBatched(inputIDs)
}

func (e *TextEncoderEngine) EmbeddingDim() int {
	return e.Engine.Descriptor.EmbeddingDim
}

func (e *TextEncoderEngine) Destroy() error {
	return e.Engine.Destroy()
}

// AutoencoderEngine runs the compiled autoencoder. Encoding and decoding are separate engines with
// independently shaped buffers.
type AutoencoderEngine struct {
	Encoder *backends.Engine
	Decoder *backends.Engine
}

func (e *AutoencoderEngine) AllocateBuffers(encoderShapes, decoderShapes backends.ShapeDict) error {
	if err := e.Encoder.AllocateBuffers(encoderShapes); err != nil {
		return err
	}
	return e.Decoder.AllocateBuffers(decoderShapes)
}

func (e *AutoencoderEngine) Encode(images *backends.Tensor) (*backends.Tensor, error) {
	return e.Encoder.InferBatched(images)
}

// Decode returns the decoder engine's sample output. The engine applies the inverse latent scaling itself.
func (e *AutoencoderEngine) Decode(latents *backends.Tensor) (*backends.Tensor, error) {
	return e.Decoder.InferBatched(latents)
}

func (e *AutoencoderEngine) Destroy() error {
	return errors.Join(e.Encoder.Destroy(), e.Decoder.Destroy())
}

// DenoiserEngine runs the compiled UNet. Inputs must match the bound buffers exactly.
type DenoiserEngine struct {
	Engine *backends.Engine
}

func (e *DenoiserEngine) AllocateBuffers(shapes backends.ShapeDict) error {
	return e.Engine.AllocateBuffers(shapes)
}

func (e *DenoiserEngine) Predict(sample *backends.Tensor, timestep int, encoderHiddenStates *backends.Tensor) (*backends.Tensor, error) {
	t, err := backends.NewFloat32Tensor(backends.NewShape(1), []float32{float32(timestep)})
	if err != nil {
		return nil, err
	}
	outputs, err := e.Engine.Infer(map[string]*backends.Tensor{
		"sample":                sample,
		"timestep":              t,
		"encoder_hidden_states": encoderHiddenStates,
	})
	if err != nil {
		return nil, err
	}
	latent, ok := outputs["latent"]
	if !ok {
		return nil, fmt.Errorf("%s produced no latent output", e.Engine.Name)
	}
	return latent, nil
}

func (e *DenoiserEngine) Destroy() error {
	return e.Engine.Destroy()
}
