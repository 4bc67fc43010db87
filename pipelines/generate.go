package pipelines

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/knights-analytics/sdengine/backends"
	"github.com/knights-analytics/sdengine/util/imageutil"
)

// GenerationResult holds the images of every batch of a request, in order.
type GenerationResult struct {
	Images   []image.Image
	Seeds    []int64
	Duration time.Duration
}

// stages is the per-request contract both pipelines expose to the step driver.
type stages interface {
	LoadResources(opts *ImageGenerationOptions) error
	EncodePrompt(prompt, negativePrompt string, numImagesPerPrompt int) (*backends.Tensor, error)
	PrepareLatents(req LatentRequest) (*backends.Tensor, error)
	DecodeLatents(latents *backends.Tensor) (*backends.Tensor, error)
	DecodeImages(images *backends.Tensor) ([]image.Image, error)
	reference() *DiffusionPipeline
}

// runGeneration drives one request: BatchCount batches of BatchSize images, batch i seeded with Seed+i.
// ctx is checked between denoising steps only.
func runGeneration(ctx context.Context, s stages, opts ImageGenerationOptions) (*GenerationResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	p := s.reference()
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	if err := s.LoadResources(&opts); err != nil {
		return nil, err
	}
	embeddings, err := s.EncodePrompt(opts.Prompt, opts.NegativePrompt, opts.BatchSize)
	if err != nil {
		return nil, err
	}

	var timesteps []int
	var initImage *backends.Tensor
	if opts.Image != nil {
		if timesteps, err = p.Scheduler.GetTimesteps(opts.NumInferenceSteps, opts.Strength); err != nil {
			return nil, err
		}
		if len(timesteps) == 0 {
			return nil, fmt.Errorf("%w: strength %v leaves no denoising steps", ErrInvalidOptions, opts.Strength)
		}
		pixels := imageutil.ToCHW([]image.Image{opts.Image}, opts.Width, opts.Height)
		initImage, err = backends.NewFloat32Tensor(
			backends.NewShape(1, backends.ImageChannels, int64(opts.Height), int64(opts.Width)), pixels)
		if err != nil {
			return nil, err
		}
	} else {
		if err = p.Scheduler.SetTimesteps(opts.NumInferenceSteps); err != nil {
			return nil, err
		}
		timesteps = p.Scheduler.Timesteps()
	}

	result := &GenerationResult{}
	for i := range opts.BatchCount {
		seed := opts.Seed + int64(i)
		generator := backends.NewGenerator(seed)
		latents, err := s.PrepareLatents(LatentRequest{
			Image:     initImage,
			Latents:   opts.Latents,
			Generator: generator,
			Timestep:  timesteps[0],
			BatchSize: opts.BatchSize,
			Height:    opts.Height,
			Width:     opts.Width,
			DType:     backends.Float32,
		})
		if err != nil {
			return nil, err
		}

		for step, t := range timesteps {
			if err = ctx.Err(); err != nil {
				return nil, err
			}
			if opts.Multidiffusion.Enable {
				latents, err = tiledStep(p, latents, embeddings, t, generator, &opts)
			} else {
				latents, err = guidedStep(p, latents, embeddings, t, generator, opts.GuidanceScale)
			}
			if err != nil {
				return nil, fmt.Errorf("denoising step %d (timestep %d): %w", step, t, err)
			}
		}

		decoded, err := s.DecodeLatents(latents)
		if err != nil {
			return nil, err
		}
		images, err := s.DecodeImages(decoded)
		if err != nil {
			return nil, err
		}
		result.Images = append(result.Images, images...)
		result.Seeds = append(result.Seeds, seed)
		logger.Debug("batch generated", zap.Int("batch", i), zap.Int64("seed", seed), zap.Int("images", len(images)))
	}
	result.Duration = time.Since(start)
	logger.Info("generation finished",
		zap.Int("images", len(result.Images)),
		zap.Int("steps", len(timesteps)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// guide combines a (2n, ...) denoiser output ordered [uncond, cond] into n guided rows.
func guide(noise *backends.Tensor, scale float64) (*backends.Tensor, error) {
	n := noise.BatchSize() / 2
	uncond, err := noise.SliceBatch(0, n)
	if err != nil {
		return nil, err
	}
	cond, err := noise.SliceBatch(n, 2*n)
	if err != nil {
		return nil, err
	}
	uncond, err = uncond.As(backends.Float32)
	if err != nil {
		return nil, err
	}
	c := cond.Float32s()
	g := float32(scale)
	for i, u := range uncond.F32 {
		uncond.F32[i] = u + g*(c[i]-u)
	}
	return uncond, nil
}

func guidedStep(p *DiffusionPipeline, latents, embeddings *backends.Tensor, t int, generator *backends.Generator, scale float64) (*backends.Tensor, error) {
	sample, err := backends.ConcatBatch(latents, latents)
	if err != nil {
		return nil, err
	}
	noise, err := p.Denoiser.Predict(sample, t, embeddings)
	if err != nil {
		return nil, err
	}
	guided, err := guide(noise, scale)
	if err != nil {
		return nil, err
	}
	return p.Scheduler.Step(guided, t, latents, generator)
}

// view is one tile of the latent canvas, in latent pixels.
type view struct {
	top, left int
}

func tileStarts(size, window, stride int) []int {
	var starts []int
	for s := 0; s+window <= size; s += stride {
		starts = append(starts, s)
	}
	if last := size - window; len(starts) == 0 || starts[len(starts)-1] != last {
		starts = append(starts, last)
	}
	return starts
}

// tileViews covers a latent canvas of height x width with window-sized tiles. The last row and column
// of tiles is aligned to the canvas edge.
func tileViews(height, width, window, stride int) []view {
	var views []view
	for _, top := range tileStarts(height, window, stride) {
		for _, left := range tileStarts(width, window, stride) {
			views = append(views, view{top: top, left: left})
		}
	}
	return views
}

// cropLatent copies the (1, C, window, window) tile of batch row b.
func cropLatent(latents *backends.Tensor, b int, v view, window int) *backends.Tensor {
	channels, height, width := int(latents.Shape[1]), int(latents.Shape[2]), int(latents.Shape[3])
	out := backends.NewTensor(backends.Float32, backends.NewShape(1, int64(channels), int64(window), int64(window)))
	src := latents.Float32s()
	for c := range channels {
		for y := range window {
			from := ((b*channels+c)*height+v.top+y)*width + v.left
			copy(out.F32[(c*window+y)*window:], src[from:from+window])
		}
	}
	return out
}

// tiledStep runs one denoising step over overlapping tiles of each image and averages where tiles overlap.
func tiledStep(p *DiffusionPipeline, latents, embeddings *backends.Tensor, t int, generator *backends.Generator,
	opts *ImageGenerationOptions) (*backends.Tensor, error) {
	m := opts.Multidiffusion
	batch, channels := latents.BatchSize(), int(latents.Shape[1])
	height, width := int(latents.Shape[2]), int(latents.Shape[3])
	views := tileViews(height, width, m.WindowSize, m.Stride)

	value := make([]float32, latents.Len())
	count := make([]float32, latents.Len())
	for b := range batch {
		uncond, err := embeddings.SliceBatch(b, b+1)
		if err != nil {
			return nil, err
		}
		cond, err := embeddings.SliceBatch(batch+b, batch+b+1)
		if err != nil {
			return nil, err
		}
		if uncond, err = uncond.Repeat(m.ViewsBatchSize); err != nil {
			return nil, err
		}
		if cond, err = cond.Repeat(m.ViewsBatchSize); err != nil {
			return nil, err
		}
		viewEmbeddings, err := backends.ConcatBatch(uncond, cond)
		if err != nil {
			return nil, err
		}

		for start := 0; start < len(views); start += m.ViewsBatchSize {
			chunk := views[start:min(start+m.ViewsBatchSize, len(views))]
			tiles := make([]*backends.Tensor, m.ViewsBatchSize)
			for i := range tiles {
				tiles[i] = cropLatent(latents, b, chunk[min(i, len(chunk)-1)], m.WindowSize)
			}
			tileBatch, err := backends.ConcatBatch(tiles...)
			if err != nil {
				return nil, err
			}
			sample, err := backends.ConcatBatch(tileBatch, tileBatch)
			if err != nil {
				return nil, err
			}
			noise, err := p.Denoiser.Predict(sample, t, viewEmbeddings)
			if err != nil {
				return nil, err
			}
			guided, err := guide(noise, opts.GuidanceScale)
			if err != nil {
				return nil, err
			}
			for i, v := range chunk {
				tileNoise, err := guided.SliceBatch(i, i+1)
				if err != nil {
					return nil, err
				}
				denoised, err := p.Scheduler.Step(tileNoise, t, tiles[i], generator)
				if err != nil {
					return nil, err
				}
				for c := range channels {
					for y := range m.WindowSize {
						to := ((b*channels+c)*height+v.top+y)*width + v.left
						row := denoised.F32[(c*m.WindowSize+y)*m.WindowSize:]
						for x := range m.WindowSize {
							value[to+x] += row[x]
							count[to+x]++
						}
					}
				}
			}
		}
	}
	for i := range value {
		value[i] /= count[i]
	}
	return backends.NewFloat32Tensor(latents.Shape.Clone(), value)
}
