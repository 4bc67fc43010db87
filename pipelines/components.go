package pipelines

import (
	"github.com/knights-analytics/sdengine/backends"
)

// LatentScaleFactor normalizes autoencoder latents to the scale the denoiser works on.
const LatentScaleFactor float32 = 0.18215

// PromptTokenizer turns prompts into fixed-length token ids, shape (batch, 77) int32.
type PromptTokenizer interface {
	EncodePadded(prompts []string) (*backends.Tensor, error)
	Destroy() error
}

// TextEncoder maps token ids (batch, 77) to embeddings (batch, 77, EmbeddingDim).
type TextEncoder interface {
	Encode(inputIDs *backends.Tensor) (*backends.Tensor, error)
	EmbeddingDim() int
	Destroy() error
}

// Autoencoder maps images in [-1, 1] (batch, 3, H, W) to unscaled latents (batch, 4, H/8, W/8) and back.
type Autoencoder interface {
	Encode(images *backends.Tensor) (*backends.Tensor, error)
	Decode(latents *backends.Tensor) (*backends.Tensor, error)
	Destroy() error
}

// Denoiser predicts the noise in sample at timestep, conditioned on text embeddings.
type Denoiser interface {
	Predict(sample *backends.Tensor, timestep int, encoderHiddenStates *backends.Tensor) (*backends.Tensor, error)
	Destroy() error
}
