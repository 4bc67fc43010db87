package pipelines

import (
	"errors"
	"fmt"
	"image"

	"github.com/knights-analytics/sdengine/backends"
)

var ErrInvalidOptions = errors.New("invalid generation options")

// MultidiffusionOptions configures tiled diffusion. WindowSize and Stride are in latent pixels.
type MultidiffusionOptions struct {
	Enable         bool
	WindowSize     int
	Stride         int
	ViewsBatchSize int
}

// ImageGenerationOptions describes one generation request.
type ImageGenerationOptions struct {
	Image             image.Image
	Latents           *backends.Tensor
	Prompt            string
	NegativePrompt    string
	BatchCount        int
	BatchSize         int
	Height            int
	Width             int
	NumInferenceSteps int
	GuidanceScale     float64
	Strength          float64
	Seed              int64
	Multidiffusion    MultidiffusionOptions
}

// DefaultImageGenerationOptions returns a 512x512 single image request.
func DefaultImageGenerationOptions(prompt string) ImageGenerationOptions {
	return ImageGenerationOptions{
		Prompt:            prompt,
		BatchCount:        1,
		BatchSize:         1,
		Height:            512,
		Width:             512,
		NumInferenceSteps: 50,
		GuidanceScale:     7.5,
		Strength:          0.5,
		Multidiffusion: MultidiffusionOptions{
			WindowSize:     64,
			Stride:         16,
			ViewsBatchSize: 4,
		},
	}
}

// RequestShape is the (batch, height, width) that buffers are sized for.
type RequestShape struct {
	BatchSize int
	Height    int
	Width     int
}

// TileSize is the image edge length of one tiled-diffusion view.
func (m MultidiffusionOptions) TileSize() int {
	return m.WindowSize * backends.LatentScale
}

func (o *ImageGenerationOptions) Validate() error {
	var err error
	if o.BatchSize < 1 {
		err = errors.Join(err, fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidOptions, o.BatchSize))
	}
	if o.BatchCount < 1 {
		err = errors.Join(err, fmt.Errorf("%w: batch count must be at least 1, got %d", ErrInvalidOptions, o.BatchCount))
	}
	if o.Height <= 0 || o.Width <= 0 || o.Height%backends.LatentScale != 0 || o.Width%backends.LatentScale != 0 {
		err = errors.Join(err, fmt.Errorf("%w: image size %dx%d must be a positive multiple of %d",
			ErrInvalidOptions, o.Height, o.Width, backends.LatentScale))
	}
	if o.NumInferenceSteps < 1 {
		err = errors.Join(err, fmt.Errorf("%w: inference steps must be at least 1, got %d", ErrInvalidOptions, o.NumInferenceSteps))
	}
	if o.Image != nil && (o.Strength <= 0 || o.Strength > 1) {
		err = errors.Join(err, fmt.Errorf("%w: strength must be in (0, 1], got %v", ErrInvalidOptions, o.Strength))
	}
	if o.Latents != nil && o.Image == nil {
		want := backends.NewShape(int64(o.BatchSize), backends.LatentChannels,
			int64(o.Height/backends.LatentScale), int64(o.Width/backends.LatentScale))
		if !o.Latents.Shape.Equal(want) {
			err = errors.Join(err, fmt.Errorf("%w: latents have shape %s, expected %s", ErrInvalidOptions, o.Latents.Shape, want))
		}
	}
	if m := o.Multidiffusion; m.Enable {
		if m.WindowSize < 1 || m.Stride < 1 || m.ViewsBatchSize < 1 {
			err = errors.Join(err, fmt.Errorf("%w: multidiffusion window size, stride and views batch size must be positive", ErrInvalidOptions))
		} else if o.Height/backends.LatentScale < m.WindowSize || o.Width/backends.LatentScale < m.WindowSize {
			err = errors.Join(err, fmt.Errorf("%w: image size %dx%d is smaller than the %dpx tile",
				ErrInvalidOptions, o.Height, o.Width, m.TileSize()))
		}
	}
	return err
}
