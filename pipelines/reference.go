package pipelines

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/sdengine/backends"
)

// ReferenceTextEncoder runs the uncompiled text encoder exported to text_encoder/model.onnx.
type ReferenceTextEncoder struct {
	Session    backends.Session
	HiddenSize int
}

func (r *ReferenceTextEncoder) Encode(inputIDs *backends.Tensor) (*backends.Tensor, error) {
	outputs := map[string]*backends.Tensor{}
	if err := r.Session.Run(map[string]*backends.Tensor{"input_ids": inputIDs}, outputs); err != nil {
		return nil, fmt.Errorf("reference text encoder: %w", err)
	}
	hidden, ok := outputs["last_hidden_state"]
	if !ok {
		return nil, errors.New("reference text encoder produced no last_hidden_state")
	}
	return hidden, nil
}

func (r *ReferenceTextEncoder) EmbeddingDim() int {
	return r.HiddenSize
}

func (r *ReferenceTextEncoder) Destroy() error {
	return r.Session.Destroy()
}

// ReferenceAutoencoder runs the uncompiled vae_encoder and vae_decoder models.
type ReferenceAutoencoder struct {
	EncoderSession backends.Session
	DecoderSession backends.Session
}

func (r *ReferenceAutoencoder) Encode(images *backends.Tensor) (*backends.Tensor, error) {
	outputs := map[string]*backends.Tensor{}
	if err := r.EncoderSession.Run(map[string]*backends.Tensor{"sample": images}, outputs); err != nil {
		return nil, fmt.Errorf("reference autoencoder encode: %w", err)
	}
	latent, ok := outputs["latent_sample"]
	if !ok {
		return nil, errors.New("reference autoencoder produced no latent_sample")
	}
	return latent, nil
}

func (r *ReferenceAutoencoder) Decode(latents *backends.Tensor) (*backends.Tensor, error) {
	outputs := map[string]*backends.Tensor{}
	if err := r.DecoderSession.Run(map[string]*backends.Tensor{"latent_sample": latents}, outputs); err != nil {
		return nil, fmt.Errorf("reference autoencoder decode: %w", err)
	}
	sample, ok := outputs["sample"]
	if !ok {
		return nil, errors.New("reference autoencoder produced no sample")
	}
	return sample, nil
}

func (r *ReferenceAutoencoder) Destroy() error {
	return errors.Join(r.EncoderSession.Destroy(), r.DecoderSession.Destroy())
}
