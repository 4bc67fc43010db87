package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/knights-analytics/sdengine/backends"
	"github.com/knights-analytics/sdengine/schedulers"
	"github.com/knights-analytics/sdengine/util/imageutil"
	"github.com/knights-analytics/sdengine/util/safeconv"
)

// DiffusionPipeline is the reference text-to-image pipeline. Its stages run whatever
// components it was built with and apply the reference numeric pre- and post-processing.
type DiffusionPipeline struct {
	Tokenizer   PromptTokenizer
	Scheduler   *schedulers.DDPMScheduler
	TextEncoder TextEncoder
	Autoencoder Autoencoder
	Denoiser    Denoiser
	Logger      *zap.Logger
	ID          string
	Name        string
}

// LatentRequest carries the inputs of latent preparation.
type LatentRequest struct {
	Image     *backends.Tensor
	Latents   *backends.Tensor
	Generator *backends.Generator
	Timestep  int
	BatchSize int
	Height    int
	Width     int
	DType     backends.DType
}

// LoadResources has nothing to allocate for reference components.
func (p *DiffusionPipeline) LoadResources(_ *ImageGenerationOptions) error {
	return nil
}

// EncodePrompt returns embeddings for classifier-free guidance, shaped (2 * n, 77, E): the n unconditional
// rows for negativePrompt followed by the n rows for prompt.
func (p *DiffusionPipeline) EncodePrompt(prompt, negativePrompt string, numImagesPerPrompt int) (*backends.Tensor, error) {
	return p.encodePrompt(prompt, negativePrompt, numImagesPerPrompt, false)
}

func (p *DiffusionPipeline) encodePrompt(prompt, negativePrompt string, numImagesPerPrompt int, float16 bool) (*backends.Tensor, error) {
	if numImagesPerPrompt < 1 {
		return nil, fmt.Errorf("%w: images per prompt must be at least 1", ErrInvalidOptions)
	}
	embed := func(text string) (*backends.Tensor, error) {
		ids, err := p.Tokenizer.EncodePadded([]string{text})
		if err != nil {
			return nil, fmt.Errorf("error tokenizing prompt: %w", err)
		}
		embeddings, err := p.TextEncoder.Encode(ids)
		if err != nil {
			return nil, err
		}
		return embeddings.RepeatEach(numImagesPerPrompt)
	}
	cond, err := embed(prompt)
	if err != nil {
		return nil, err
	}
	uncond, err := embed(negativePrompt)
	if err != nil {
		return nil, err
	}
	embeddings, err := backends.ConcatBatch(uncond, cond)
	if err != nil {
		return nil, err
	}
	dtype := backends.Float32
	if float16 {
		dtype = backends.Float16
	}
	return embeddings.As(dtype)
}

// EncodeImage encodes images in [-1, 1] to scaled latents.
func (p *DiffusionPipeline) EncodeImage(images *backends.Tensor) (*backends.Tensor, error) {
	latents, err := p.Autoencoder.Encode(images)
	if err != nil {
		return nil, err
	}
	latents, err = latents.As(backends.Float32)
	if err != nil {
		return nil, err
	}
	if err = latents.Scale(LatentScaleFactor); err != nil {
		return nil, err
	}
	return latents, nil
}

// PrepareLatents returns the initial latents: noise for text-to-image, the noised encoded image for
// image-to-image, or the caller's latents when they are supplied without an image.
func (p *DiffusionPipeline) PrepareLatents(req LatentRequest) (*backends.Tensor, error) {
	shape := backends.NewShape(int64(req.BatchSize), backends.LatentChannels,
		int64(req.Height/backends.LatentScale), int64(req.Width/backends.LatentScale))

	var latents *backends.Tensor
	switch {
	case req.Image != nil:
		images, err := req.Image.As(backends.Float32)
		if err != nil {
			return nil, err
		}
		if images, err = images.Repeat(req.BatchSize); err != nil {
			return nil, err
		}
		initLatents, err := p.EncodeImage(images)
		if err != nil {
			return nil, err
		}
		noise := req.Generator.Randn(initLatents.Shape)
		if latents, err = p.Scheduler.AddNoise(initLatents, noise, req.Timestep); err != nil {
			return nil, err
		}
	case req.Latents != nil:
		if !req.Latents.Shape.Equal(shape) {
			return nil, fmt.Errorf("%w: latents have shape %s, expected %s", backends.ErrShapeMismatch, req.Latents.Shape, shape)
		}
		var err error
		if latents, err = req.Latents.As(backends.Float32); err != nil {
			return nil, err
		}
		if err = latents.Scale(p.Scheduler.InitNoiseSigma()); err != nil {
			return nil, err
		}
	default:
		latents = req.Generator.Randn(shape)
		if err := latents.Scale(p.Scheduler.InitNoiseSigma()); err != nil {
			return nil, err
		}
	}
	return latents.As(req.DType)
}

// DecodeLatents undoes the latent scaling, decodes, and maps the result to [0, 1].
func (p *DiffusionPipeline) DecodeLatents(latents *backends.Tensor) (*backends.Tensor, error) {
	scaled, err := latents.As(backends.Float32)
	if err != nil {
		return nil, err
	}
	if err = scaled.Scale(1 / LatentScaleFactor); err != nil {
		return nil, err
	}
	decoded, err := p.Autoencoder.Decode(scaled)
	if err != nil {
		return nil, err
	}
	if decoded, err = decoded.As(backends.Float32); err != nil {
		return nil, err
	}
	for i, v := range decoded.F32 {
		decoded.F32[i] = min(max(v/2+0.5, 0), 1)
	}
	return decoded, nil
}

// DecodeImages converts (batch, 3, H, W) values in [0, 1] to one image per batch element.
func (p *DiffusionPipeline) DecodeImages(images *backends.Tensor) ([]image.Image, error) {
	return toImages(images, func(v float32) float32 {
		return v * 255
	})
}

// toImages maps each value with scale, then clamps to [0, 255] and rounds half to even.
func toImages(images *backends.Tensor, scale func(float32) float32) ([]image.Image, error) {
	if len(images.Shape) != 4 || images.Shape[1] != backends.ImageChannels {
		return nil, fmt.Errorf("%w: expected (batch, 3, height, width) images, got %s", backends.ErrInvalidShape, images.Shape)
	}
	values := images.Float32s()
	batch, height, width := int(images.Shape[0]), int(images.Shape[2]), int(images.Shape[3])
	plane := height * width
	out := make([]image.Image, batch)
	for b := range batch {
		pixels := make([]uint8, plane*backends.ImageChannels)
		base := b * backends.ImageChannels * plane
		for p := range plane {
			for c := range backends.ImageChannels {
				pixels[p*backends.ImageChannels+c] = safeconv.Float64ToUint8(float64(scale(values[base+c*plane+p])))
			}
		}
		img, err := imageutil.FromHWC(pixels, width, height)
		if err != nil {
			return nil, err
		}
		out[b] = img
	}
	return out, nil
}

// Destroy releases every component.
func (p *DiffusionPipeline) Destroy() error {
	var err error
	if p.Tokenizer != nil {
		err = errors.Join(err, p.Tokenizer.Destroy())
	}
	if p.TextEncoder != nil {
		err = errors.Join(err, p.TextEncoder.Destroy())
	}
	if p.Autoencoder != nil {
		err = errors.Join(err, p.Autoencoder.Destroy())
	}
	if p.Denoiser != nil {
		err = errors.Join(err, p.Denoiser.Destroy())
	}
	return err
}

func (p *DiffusionPipeline) reference() *DiffusionPipeline {
	return p
}

// Generate runs the full reference pipeline.
func (p *DiffusionPipeline) Generate(ctx context.Context, opts ImageGenerationOptions) (*GenerationResult, error) {
	return runGeneration(ctx, p, opts)
}
