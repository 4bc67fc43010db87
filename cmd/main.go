package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/knights-analytics/sdengine"
	"github.com/knights-analytics/sdengine/options"
	"github.com/knights-analytics/sdengine/pipelines"
	"github.com/knights-analytics/sdengine/util/fileutil"
	"github.com/knights-analytics/sdengine/util/imageutil"
)

var modelPath string
var engineDir string
var prompt string
var negativePrompt string
var initImagePath string
var outputPath string
var backend string
var sharedLibraryPath string
var device string
var modelsDir string
var authToken string
var logFile string
var height int
var width int
var batchSize int
var batchCount int
var maxBatchSize int
var steps int
var windowSize int
var stride int
var viewsBatchSize int
var seed int64
var deviceMemoryLimit int64
var guidanceScale float64
var strength float64
var fullAcceleration bool
var tensorRT bool
var tiled bool
var verbose bool

var logFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "log-file",
		Usage:       "Also write JSON logs to this file, rotated at 100MB",
		Destination: &logFile,
	},
	&cli.BoolFlag{
		Name:        "verbose",
		Usage:       "Log at debug level",
		Aliases:     []string{"v"},
		Destination: &verbose,
	},
}

var generateCommand = &cli.Command{
	Name:  "generate",
	Usage: "Generate images from a text prompt with compiled engines",
	Description: `Generate loads the reference model and the compiled engines, runs one request and writes one PNG per image.
				`,
	ArgsUsage: `
				--model: huggingface model id or path to a diffusers onnx export. Ids are looked up in --modelFolder and downloaded there when missing.
				--engines: directory holding unet.plan and, with --full-acceleration, clip.plan, vae.plan and vae_encoder.plan.
				--prompt: the prompt. If omitted, the prompt is read from stdin.
				--onnxruntimeSharedLibrary: directory containing the onnxruntime shared library.
				`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model id or path to the model",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "engines",
			Usage:       "Directory with the compiled engine files",
			Aliases:     []string{"e"},
			Destination: &engineDir,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Usage:       "Text prompt",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "negative-prompt",
			Usage:       "Negative text prompt",
			Destination: &negativePrompt,
		},
		&cli.StringFlag{
			Name:        "init-image",
			Usage:       "Path to an image for image-to-image generation",
			Destination: &initImagePath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Folder where the images are written",
			Aliases:     []string{"o"},
			Destination: &outputPath,
			Value:       ".",
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Runtime backend: ORT or GO",
			Destination: &backend,
			Value:       "ORT",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Directory containing the onnxruntime library",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "Execution device, cpu or cuda[:id]",
			Destination: &device,
			Value:       "cuda:0",
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/sdengine/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Huggingface access token",
			EnvVars:     []string{"HF_TOKEN"},
			Destination: &authToken,
		},
		&cli.IntFlag{Name: "height", Destination: &height, Value: 512},
		&cli.IntFlag{Name: "width", Destination: &width, Value: 512},
		&cli.IntFlag{Name: "batch-size", Aliases: []string{"b"}, Destination: &batchSize, Value: 1},
		&cli.IntFlag{Name: "batch-count", Destination: &batchCount, Value: 1},
		&cli.IntFlag{Name: "max-batch-size", Usage: "Largest batch the engines were built for", Destination: &maxBatchSize, Value: 4},
		&cli.IntFlag{Name: "steps", Destination: &steps, Value: 50},
		&cli.Float64Flag{Name: "guidance", Destination: &guidanceScale, Value: 7.5},
		&cli.Float64Flag{Name: "strength", Destination: &strength, Value: 0.5},
		&cli.Int64Flag{Name: "seed", Destination: &seed},
		&cli.Int64Flag{Name: "device-memory-limit", Usage: "Byte budget for engine buffers, 0 for none", Destination: &deviceMemoryLimit},
		&cli.BoolFlag{Name: "full-acceleration", Usage: "Also run the text encoder and autoencoder as engines", Destination: &fullAcceleration},
		&cli.BoolFlag{Name: "tensorrt", Usage: "Add the TensorRT execution provider", Destination: &tensorRT},
		&cli.BoolFlag{Name: "tiled", Usage: "Denoise overlapping tiles (multidiffusion)", Destination: &tiled},
		&cli.IntFlag{Name: "window-size", Destination: &windowSize, Value: 64},
		&cli.IntFlag{Name: "stride", Destination: &stride, Value: 16},
		&cli.IntFlag{Name: "views-batch-size", Destination: &viewsBatchSize, Value: 4},
	}, logFlags...),
	Action: func(ctx *cli.Context) (err error) {
		logger, err := newLogger(logFile, verbose)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()

		if prompt == "" {
			if prompt, err = readPrompt(os.Stdin); err != nil {
				return err
			}
		}
		if modelsDir == "" {
			userDir, homeErr := os.UserHomeDir()
			if homeErr != nil {
				return homeErr
			}
			modelsDir = fileutil.PathJoinSafe(userDir, "sdengine", "models")
		}

		session, err := newSession(logger)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		if err = fileutil.CreateFile(modelsDir, true); err != nil {
			return err
		}
		pipeline, err := sdengine.NewPipeline(session, pipelines.PipelineConfig{
			ModelID:          modelPath,
			EngineDir:        engineDir,
			AuthToken:        authToken,
			Device:           device,
			CacheDir:         modelsDir,
			Name:             "cliPipeline",
			MaxBatchSize:     maxBatchSize,
			FullAcceleration: fullAcceleration,
		})
		if err != nil {
			return err
		}

		request, err := generationOptions()
		if err != nil {
			return err
		}
		result, err := pipeline.Generate(ctx.Context, request)
		if err != nil {
			return err
		}
		paths, err := writeImages(result, outputPath)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(ctx.App.Writer, p)
		}
		for _, line := range session.GetStats() {
			logger.Debug(line)
		}
		return nil
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download a diffusers onnx export from huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Huggingface model id",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "dest",
			Usage:       "Destination folder",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
			Value:       ".",
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Huggingface access token",
			EnvVars:     []string{"HF_TOKEN"},
			Destination: &authToken,
		},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Destination: &verbose},
	},
	Action: func(ctx *cli.Context) error {
		if strings.Contains(modelPath, ":") {
			return fmt.Errorf("filters with : are currently not supported")
		}
		if err := fileutil.CreateFile(modelsDir, true); err != nil {
			return err
		}
		logger, err := newLogger("", verbose)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()
		downloadOptions := sdengine.NewDownloadOptions()
		downloadOptions.Logger = logger
		downloadOptions.AuthToken = authToken
		downloadOptions.Verbose = verbose
		path, err := sdengine.DownloadModel(modelPath, modelsDir, downloadOptions)
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, path)
		return nil
	},
}

// newLogger logs to stderr, human readable on a terminal and JSON otherwise. With a log file it
// also writes JSON to a rotating file.
func newLogger(logFile string, debug bool) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		level.SetLevel(zap.DebugLevel)
	}
	var consoleEncoder zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		consoleEncoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level)}
	if logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(rotating), level))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

func newSession(logger *zap.Logger) (*sdengine.Session, error) {
	opts := []options.WithOption{
		options.WithLogger(logger),
		options.WithDeviceMemoryLimit(deviceMemoryLimit),
	}
	switch backend {
	case "ORT":
		if sharedLibraryPath != "" {
			opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
		}
		if id, ok := cudaDeviceID(device); ok {
			if tensorRT {
				opts = append(opts, options.WithTensorRT(map[string]string{"device_id": id, "trt_fp16_enable": "1"}))
			}
			opts = append(opts, options.WithCuda(map[string]string{"device_id": id}))
		}
		return sdengine.NewORTSession(opts...)
	case "GO":
		return sdengine.NewGoSession(opts...)
	}
	return nil, fmt.Errorf("backend %s not recognized, use ORT or GO", backend)
}

// cudaDeviceID parses "cuda" or "cuda:<id>".
func cudaDeviceID(device string) (string, bool) {
	name, id, found := strings.Cut(device, ":")
	if name != "cuda" {
		return "", false
	}
	if !found || id == "" {
		return "0", true
	}
	return id, true
}

func generationOptions() (pipelines.ImageGenerationOptions, error) {
	request := pipelines.DefaultImageGenerationOptions(prompt)
	request.NegativePrompt = negativePrompt
	request.Height, request.Width = height, width
	request.BatchSize, request.BatchCount = batchSize, batchCount
	request.NumInferenceSteps = steps
	request.GuidanceScale = guidanceScale
	request.Strength = strength
	request.Seed = seed
	request.Multidiffusion = pipelines.MultidiffusionOptions{
		Enable:         tiled,
		WindowSize:     windowSize,
		Stride:         stride,
		ViewsBatchSize: viewsBatchSize,
	}
	if initImagePath != "" {
		images, err := imageutil.LoadImagesFromPaths([]string{initImagePath})
		if err != nil {
			return request, err
		}
		request.Image = images[0]
	}
	return request, request.Validate()
}

// writeImages saves every image as <uuid>.png under dir and returns the paths.
func writeImages(result *pipelines.GenerationResult, dir string) ([]string, error) {
	if err := fileutil.CreateFile(dir, true); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(result.Images))
	for _, img := range result.Images {
		p := fileutil.PathJoinSafe(dir, uuid.NewString()+".png")
		if err := imageutil.SavePNG(img, p); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func readPrompt(source io.Reader) (string, error) {
	if f, ok := source.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return "", errors.New("a prompt is required: pass --prompt or pipe it on stdin")
	}
	scanner := bufio.NewScanner(source)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	text := strings.TrimSpace(strings.Join(lines, " "))
	if text == "" {
		return "", errors.New("the prompt is empty")
	}
	return text, nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "sdengine",
		Usage:    "Text-to-image generation on compiled engines",
		Commands: []*cli.Command{generateCommand, downloadCommand},
	}
}

func main() {
	// a missing .env file is not an error
	_ = godotenv.Load()
	if err := newApp().RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
