package sdengine

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/knights-analytics/sdengine/backends"
	"github.com/knights-analytics/sdengine/options"
	"github.com/knights-analytics/sdengine/pipelines"
	"github.com/knights-analytics/sdengine/util/fileutil"
)

// Session allows for the creation of new pipelines and holds the pipelines already created.
type Session struct {
	pipelines          map[string]*pipelines.AcceleratedPipeline
	options            *options.Options
	environmentDestroy func() error
	download           func(modelID, destination string, options DownloadOptions) (string, error)
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	// Collect options into a struct, so they can be applied in the correct order later
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		pipelines: map[string]*pipelines.AcceleratedPipeline{},
		options:   parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
		download: DownloadModel,
	}
	return session, nil
}

// Logger returns the session's logger.
func (s *Session) Logger() *zap.Logger {
	return s.options.Logger
}

// NewPipeline creates an accelerated pipeline and stores it in the session, so that all created
// pipelines can be destroyed with session.Destroy() at once.
func NewPipeline(s *Session, config pipelines.PipelineConfig) (*pipelines.AcceleratedPipeline, error) {
	if config.Name == "" {
		return nil, errors.New("a name for the pipeline is required")
	}
	_, getError := GetPipeline(s, config.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return nil, fmt.Errorf("pipeline %s has already been initialised", config.Name)
	} else if !errors.As(getError, &notFoundError) {
		return nil, getError
	}

	modelPath, err := s.ResolveModel(config)
	if err != nil {
		return nil, err
	}
	config.ModelPath = modelPath

	pipeline, err := pipelines.FromPretrained(config, s.options)
	if err != nil {
		return nil, err
	}
	s.pipelines[config.Name] = pipeline
	return pipeline, nil
}

// ResolveModel returns the directory holding the reference model for config. An explicit ModelPath or a
// ModelID naming an existing directory is used as is. Otherwise the model is looked up in the cache
// directory as <org>_<name>, and downloaded there when missing.
func (s *Session) ResolveModel(config pipelines.PipelineConfig) (string, error) {
	if config.ModelPath != "" {
		return config.ModelPath, nil
	}
	if config.ModelID == "" {
		return "", errors.New("a model id or model path is required")
	}
	exists, err := fileutil.FileExists(config.ModelID)
	if err != nil {
		return "", err
	}
	if exists {
		return config.ModelID, nil
	}
	if config.CacheDir == "" {
		return "", fmt.Errorf("%w: %s is not a local model and no cache directory is set", backends.ErrWeightsNotFound, config.ModelID)
	}

	cached := CachedModelPath(config.CacheDir, config.ModelID)
	exists, err = fileutil.FileExists(cached)
	if err != nil {
		return "", err
	}
	if exists {
		s.options.Logger.Debug("using cached model", zap.String("model", config.ModelID), zap.String("path", cached))
		return cached, nil
	}

	downloadOptions := NewDownloadOptions()
	downloadOptions.AuthToken = config.AuthToken
	downloadOptions.Logger = s.options.Logger
	s.options.Logger.Info("downloading model", zap.String("model", config.ModelID), zap.String("destination", config.CacheDir))
	return s.download(config.ModelID, config.CacheDir, downloadOptions)
}

// CachedModelPath is where a model id is stored under a cache directory: the id with "/" replaced by "_".
func CachedModelPath(cacheDir, modelID string) string {
	name, _, _ := strings.Cut(modelID, ":")
	return fileutil.PathJoinSafe(cacheDir, strings.ReplaceAll(name, "/", "_"))
}

// GetPipeline retrieves a pipeline with the given name from the session.
func GetPipeline(s *Session, name string) (*pipelines.AcceleratedPipeline, error) {
	p, ok := s.pipelines[name]
	if !ok {
		return nil, &pipelineNotFoundError{pipelineName: name}
	}
	return p, nil
}

// ClosePipeline destroys the named pipeline and removes it from the session.
func ClosePipeline(s *Session, name string) error {
	p, ok := s.pipelines[name]
	if !ok {
		return nil
	}
	delete(s.pipelines, name)
	return p.Destroy()
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStats returns runtime statistics for every engine of every pipeline: the number of calls, the total
// and average inference time, and how many times buffers were allocated.
func (s *Session) GetStats() []string {
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	slices.Sort(names)

	var stats []string
	for _, name := range names {
		for _, st := range s.pipelines[name].GetStats() {
			stats = append(stats,
				fmt.Sprintf("Statistics for pipeline: %s, engine: %s", name, st.Name),
				fmt.Sprintf("Inference: Total time=%s, Execution count=%d, Average query time=%s, Buffer allocations=%d",
					st.TotalTime, st.ExecutionCount, st.AvgQueryTime, st.Allocations),
			)
		}
	}
	return stats
}

// Destroy deletes the session, the runtime environment and all initialized pipelines, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for name, p := range s.pipelines {
		err = errors.Join(err, p.Destroy())
		delete(s.pipelines, name)
	}
	s.pipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}
	err = errors.Join(err, s.environmentDestroy())
	return err
}
