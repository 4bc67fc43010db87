package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"runtime/debug"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knights-analytics/sdengine/backends"
	"github.com/knights-analytics/sdengine/options"
	"github.com/knights-analytics/sdengine/schedulers"
)

// PipelineConfig is the construction entry point's arguments.
type PipelineConfig struct {
	// SessionLoader and TokenizerLoader override how engines, reference models and the tokenizer are
	// loaded. By default they use the session's backend.
	SessionLoader   backends.SessionLoader
	TokenizerLoader func(path string) (PromptTokenizer, error)
	ModelID         string
	// ModelPath is the local or s3:// directory holding the reference model. Defaults to ModelID.
	ModelPath        string
	EngineDir        string
	AuthToken        string
	Device           string
	CacheDir         string
	Name             string
	MaxBatchSize     int
	FullAcceleration bool
}

// AcceleratedPipeline is a DiffusionPipeline whose denoiser, and in full acceleration mode also its text
// encoder and autoencoder, are compiled engines sharing one compute stream.
type AcceleratedPipeline struct {
	DiffusionPipeline
	models           map[string]*backends.ModelDescriptor
	stream           *backends.Stream
	memory           *backends.DeviceMemory
	unet             *DenoiserEngine
	clip             *TextEncoderEngine
	vae              *AutoencoderEngine
	Config           PipelineConfig
	FullAcceleration bool
}

// referenceBundle holds the components extracted from the reference model source.
type referenceBundle struct {
	tokenizer    PromptTokenizer
	scheduler    *schedulers.DDPMScheduler
	textEncoder  TextEncoder
	autoencoder  Autoencoder
	embeddingDim int
}

func (b *referenceBundle) destroy() error {
	var err error
	if b.tokenizer != nil {
		err = errors.Join(err, b.tokenizer.Destroy())
	}
	if b.textEncoder != nil {
		err = errors.Join(err, b.textEncoder.Destroy())
	}
	if b.autoencoder != nil {
		err = errors.Join(err, b.autoencoder.Destroy())
	}
	return err
}

func enginePaths(engineDir string, full bool) map[string]string {
	paths := map[string]string{"unet": backends.EnginePath(engineDir, "unet")}
	if full {
		for _, name := range []string{"clip", "vae", "vae_encoder"} {
			paths[name] = backends.EnginePath(engineDir, name)
		}
	}
	return paths
}

// FromPretrained builds a pipeline. Missing engine files fail with ErrEngineNotFound and missing reference
// weights with ErrWeightsNotFound, before anything is loaded. Any later failure releases everything
// acquired so far, the stream included.
func FromPretrained(config PipelineConfig, opts *options.Options) (*AcceleratedPipeline, error) {
	if config.MaxBatchSize < 1 {
		config.MaxBatchSize = 1
	}
	if config.ModelPath == "" {
		config.ModelPath = config.ModelID
	}
	if config.Name == "" {
		config.Name = config.ModelID
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("pipeline", config.Name))
	if config.SessionLoader == nil {
		config.SessionLoader = backends.NewSessionLoader(opts)
	}
	if config.TokenizerLoader == nil {
		config.TokenizerLoader = func(path string) (PromptTokenizer, error) {
			tk, err := backends.LoadTokenizer(path, opts)
			if err != nil {
				return nil, err
			}
			return tk, nil
		}
	}

	files := backends.NewModelFiles(config.ModelPath)
	engines := enginePaths(config.EngineDir, config.FullAcceleration)
	if err := preflight(files, engines, config.FullAcceleration); err != nil {
		return nil, err
	}

	bundle, err := loadReferenceBundle(files, config)
	if err != nil {
		return nil, err
	}
	p := &AcceleratedPipeline{
		DiffusionPipeline: DiffusionPipeline{
			Tokenizer: bundle.tokenizer,
			Scheduler: bundle.scheduler,
			Logger:    logger,
			ID:        config.ModelID,
			Name:      config.Name,
		},
		Config:           config,
		FullAcceleration: config.FullAcceleration,
		memory:           backends.NewDeviceMemory(opts.DeviceMemoryLimit),
	}
	if !config.FullAcceleration {
		p.TextEncoder = bundle.textEncoder
		p.Autoencoder = bundle.autoencoder
	}
	embeddingDim := bundle.embeddingDim
	discardReferenceBundle(&bundle)

	p.models = backends.CreateModels(config.ModelID, config.MaxBatchSize, embeddingDim)
	p.stream = backends.NewStream(uuid.NewString())

	if err = p.loadEngines(engines); err != nil {
		return nil, errors.Join(err, p.Destroy())
	}
	logger.Info("pipeline ready",
		zap.String("mode", p.Mode()),
		zap.String("device", config.Device),
		zap.Int("embeddingDim", embeddingDim),
		zap.Int("maxBatchSize", config.MaxBatchSize),
		zap.Int64("deviceMemoryLimit", p.memory.Limit()))
	return p, nil
}

func preflight(files backends.ModelFiles, engines map[string]string, full bool) error {
	for _, name := range []string{"unet", "clip", "vae", "vae_encoder"} {
		if path, ok := engines[name]; ok {
			if err := backends.RequireFiles(backends.ErrEngineNotFound, path); err != nil {
				return err
			}
		}
	}
	weights := []string{files.Tokenizer, files.SchedulerConfig}
	if !full {
		weights = append(weights, files.TextEncoder, files.TextEncoderConfig, files.VAEEncoder, files.VAEDecoder)
	}
	return backends.RequireFiles(backends.ErrWeightsNotFound, weights...)
}

// loadReferenceBundle always loads the tokenizer and scheduler, and the reference text encoder and
// autoencoder only when they will be used.
func loadReferenceBundle(files backends.ModelFiles, config PipelineConfig) (bundle *referenceBundle, err error) {
	bundle = &referenceBundle{embeddingDim: backends.CompiledEmbedDim}
	defer func() {
		if err != nil {
			err = errors.Join(err, bundle.destroy())
			bundle = nil
		}
	}()

	schedulerConfig, err := schedulers.LoadDDPMConfig(files.SchedulerConfig)
	if err != nil {
		return bundle, err
	}
	if bundle.scheduler, err = schedulers.NewDDPMScheduler(schedulerConfig); err != nil {
		return bundle, err
	}
	tk, err := config.TokenizerLoader(files.Tokenizer)
	if err != nil {
		return bundle, fmt.Errorf("%w: %w", backends.ErrWeightsNotFound, err)
	}
	bundle.tokenizer = tk
	if config.FullAcceleration {
		return bundle, nil
	}

	textConfig, err := backends.LoadTextEncoderConfig(files.TextEncoderConfig)
	if err != nil {
		return bundle, err
	}
	bundle.embeddingDim = textConfig.HiddenSize
	textSession, err := config.SessionLoader(files.TextEncoder)
	if err != nil {
		return bundle, fmt.Errorf("%w: text encoder: %w", backends.ErrWeightsNotFound, err)
	}
	bundle.textEncoder = &ReferenceTextEncoder{Session: textSession, HiddenSize: textConfig.HiddenSize}

	encoderSession, err := config.SessionLoader(files.VAEEncoder)
	if err != nil {
		return bundle, fmt.Errorf("%w: autoencoder: %w", backends.ErrWeightsNotFound, err)
	}
	decoderSession, err := config.SessionLoader(files.VAEDecoder)
	if err != nil {
		return bundle, errors.Join(fmt.Errorf("%w: autoencoder: %w", backends.ErrWeightsNotFound, err), encoderSession.Destroy())
	}
	bundle.autoencoder = &ReferenceAutoencoder{EncoderSession: encoderSession, DecoderSession: decoderSession}
	return bundle, nil
}

// discardReferenceBundle drops the bundle and returns its memory to the system before engine buffers
// are allocated.
func discardReferenceBundle(bundle **referenceBundle) {
	*bundle = nil
	runtime.GC()
	debug.FreeOSMemory()
}

func (p *AcceleratedPipeline) loadEngine(name, path string) (*backends.Engine, error) {
	return backends.LoadEngine(path, p.models[name], p.Config.SessionLoader, p.stream, p.memory, p.Logger)
}

func (p *AcceleratedPipeline) loadEngines(paths map[string]string) error {
	unet, err := p.loadEngine("unet", paths["unet"])
	if err != nil {
		return err
	}
	p.unet = &DenoiserEngine{Engine: unet}
	p.Denoiser = p.unet
	if !p.FullAcceleration {
		return nil
	}

	clip, err := p.loadEngine("clip", paths["clip"])
	if err != nil {
		return err
	}
	p.clip = &TextEncoderEngine{Engine: clip}
	p.TextEncoder = p.clip

	decoder, err := p.loadEngine("vae", paths["vae"])
	if err != nil {
		return err
	}
	encoder, err := p.loadEngine("vae_encoder", paths["vae_encoder"])
	if err != nil {
		return errors.Join(err, decoder.Destroy())
	}
	p.vae = &AutoencoderEngine{Encoder: encoder, Decoder: decoder}
	p.Autoencoder = p.vae
	return nil
}

func (p *AcceleratedPipeline) Mode() string {
	if p.FullAcceleration {
		return "full"
	}
	return "partial"
}

// ResourceShape returns the shape the denoiser buffers are sized for. Tiled diffusion runs the denoiser
// on tiles, so the tile edge and the views batch replace the request's dimensions.
func ResourceShape(opts *ImageGenerationOptions) RequestShape {
	if opts.Multidiffusion.Enable {
		tile := opts.Multidiffusion.TileSize()
		return RequestShape{BatchSize: opts.Multidiffusion.ViewsBatchSize, Height: tile, Width: tile}
	}
	return RequestShape{BatchSize: opts.BatchSize, Height: opts.Height, Width: opts.Width}
}

// checkOpen rejects calls on a destroyed pipeline, whose sessions and tokenizer are already freed.
func (p *AcceleratedPipeline) checkOpen() error {
	if p.stream != nil && p.stream.Released() {
		return fmt.Errorf("%w: pipeline %s has been destroyed", backends.ErrStreamReleased, p.Name)
	}
	return nil
}

// LoadResources sizes the buffers of every active engine for this request. The text encoder and
// autoencoder always work on the whole canvas, so only the denoiser uses the tiled shape and a
// tiled canvas must still fit the autoencoder's profile.
func (p *AcceleratedPipeline) LoadResources(opts *ImageGenerationOptions) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.DiffusionPipeline.LoadResources(opts); err != nil {
		return err
	}
	denoiserShape := ResourceShape(opts)
	shapes, err := p.models["unet"].ShapeDict(denoiserShape.BatchSize, denoiserShape.Height, denoiserShape.Width)
	if err != nil {
		return err
	}
	p.Logger.Debug("allocating denoiser buffers", zap.Any("shape", denoiserShape))
	if err = p.unet.AllocateBuffers(shapes); err != nil {
		return err
	}
	if !p.FullAcceleration {
		return nil
	}

	clipShapes, err := p.models["clip"].ShapeDict(opts.BatchSize, opts.Height, opts.Width)
	if err != nil {
		return err
	}
	if err = p.clip.AllocateBuffers(clipShapes); err != nil {
		return err
	}
	encoderShapes, err := p.models["vae_encoder"].ShapeDict(opts.BatchSize, opts.Height, opts.Width)
	if err != nil {
		return err
	}
	decoderShapes, err := p.models["vae"].ShapeDict(opts.BatchSize, opts.Height, opts.Width)
	if err != nil {
		return err
	}
	return p.vae.AllocateBuffers(encoderShapes, decoderShapes)
}

// EncodePrompt always returns half precision embeddings, the precision of the compiled denoiser's input.
func (p *AcceleratedPipeline) EncodePrompt(prompt, negativePrompt string, numImagesPerPrompt int) (*backends.Tensor, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return p.encodePrompt(prompt, negativePrompt, numImagesPerPrompt, true)
}

// EncodeImage runs the autoencoder encoder and applies the latent scaling.
func (p *AcceleratedPipeline) EncodeImage(images *backends.Tensor) (*backends.Tensor, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	latents, err := p.Autoencoder.Encode(images)
	if err != nil {
		return nil, err
	}
	if err = latents.Scale(LatentScaleFactor); err != nil {
		return nil, err
	}
	return latents, nil
}

// PrepareLatents handles image-to-image in full acceleration mode at full precision and otherwise
// defers to the reference preparation.
func (p *AcceleratedPipeline) PrepareLatents(req LatentRequest) (*backends.Tensor, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	req.DType = backends.Float32
	if req.Image == nil || !p.FullAcceleration {
		return p.DiffusionPipeline.PrepareLatents(req)
	}
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
	return p.Scheduler.AddNoise(initLatents, noise, req.Timestep)
}

// DecodeLatents returns the autoencoder engine's sample output directly in full acceleration mode.
func (p *AcceleratedPipeline) DecodeLatents(latents *backends.Tensor) (*backends.Tensor, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if !p.FullAcceleration {
		return p.DiffusionPipeline.DecodeLatents(latents)
	}
	return p.Autoencoder.Decode(latents)
}

// DecodeImages maps decoded values from [-1, 1] to 8-bit pixels in full acceleration mode.
func (p *AcceleratedPipeline) DecodeImages(images *backends.Tensor) ([]image.Image, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if !p.FullAcceleration {
		return p.DiffusionPipeline.DecodeImages(images)
	}
	return toImages(images, func(v float32) float32 {
		return (v + 1) * 255 / 2
	})
}

func (p *AcceleratedPipeline) GetStats() []backends.EngineStatistics {
	var stats []backends.EngineStatistics
	if p.unet != nil {
		stats = append(stats, p.unet.Engine.GetStatistics())
	}
	if p.clip != nil {
		stats = append(stats, p.clip.Engine.GetStatistics())
	}
	if p.vae != nil {
		stats = append(stats, p.vae.Encoder.GetStatistics(), p.vae.Decoder.GetStatistics())
	}
	return stats
}

// Generate runs a request end to end on the accelerated stages.
func (p *AcceleratedPipeline) Generate(ctx context.Context, opts ImageGenerationOptions) (*GenerationResult, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return runGeneration(ctx, p, opts)
}

// Destroy releases every component and then the stream. Destroying twice fails with ErrStreamReleased.
func (p *AcceleratedPipeline) Destroy() error {
	if p.stream == nil {
		return p.DiffusionPipeline.Destroy()
	}
	if err := p.checkOpen(); err != nil {
		return err
	}
	err := p.DiffusionPipeline.Destroy()
	p.Logger.Debug("releasing stream", zap.String("stream", p.stream.ID))
	return errors.Join(err, p.stream.Release())
}
