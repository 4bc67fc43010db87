//go:build !NODOWNLOAD

package sdengine

import (
	"fmt"
	"time"

	hfd "github.com/bodaay/HuggingFaceModelDownloader/hfdownloader"
	"go.uber.org/zap"

	"github.com/knights-analytics/sdengine/backends"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	Logger                *zap.Logger
	AuthToken             string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	SkipSha               bool
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Logger = zap.NewNop()
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

var fetchModel = hfd.DownloadModel

// DownloadModel downloads a diffusers ONNX export from huggingface into destination and returns the
// model directory, destination/<org>_<name>. The download is checked for the tokenizer and scheduler
// config that every pipeline needs.
func DownloadModel(modelName string, destination string, options DownloadOptions) (string, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("model", modelName))
	modelPath := CachedModelPath(destination, modelName)
	attempts := max(options.MaxRetries, 1)

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			logger.Warn("download attempt failed", zap.Int("attempt", i), zap.Int("attempts", attempts), zap.Error(err))
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
		}
		err = fetchModel(modelName, false, options.SkipSha, false, destination, options.Branch,
			options.ConcurrentConnections, options.AuthToken, !options.Verbose)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to download %s after %d attempts: %w", modelName, attempts, err)
	}

	files := backends.NewModelFiles(modelPath)
	if err = backends.RequireFiles(backends.ErrWeightsNotFound, files.Tokenizer, files.SchedulerConfig); err != nil {
		return "", fmt.Errorf("%s is not a diffusers onnx export: %w", modelName, err)
	}
	logger.Info("download completed", zap.String("path", modelPath))
	return modelPath, nil
}
