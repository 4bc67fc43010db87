package backends

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/sdengine/util/fileutil"
)

// ModelFiles lists the files of a reference model directory in the diffusers ONNX export layout.
type ModelFiles struct {
	Root              string
	Tokenizer         string
	SchedulerConfig   string
	TextEncoder       string
	TextEncoderConfig string
	VAEEncoder        string
	VAEDecoder        string
}

func NewModelFiles(root string) ModelFiles {
	return ModelFiles{
		Root:              root,
		Tokenizer:         fileutil.PathJoinSafe(root, "tokenizer", "tokenizer.json"),
		SchedulerConfig:   fileutil.PathJoinSafe(root, "scheduler", "scheduler_config.json"),
		TextEncoder:       fileutil.PathJoinSafe(root, "text_encoder", "model.onnx"),
		TextEncoderConfig: fileutil.PathJoinSafe(root, "text_encoder", "config.json"),
		VAEEncoder:        fileutil.PathJoinSafe(root, "vae_encoder", "model.onnx"),
		VAEDecoder:        fileutil.PathJoinSafe(root, "vae_decoder", "model.onnx"),
	}
}

// EnginePath is the conventional location of a compiled engine: <engineDir>/<name>.plan.
func EnginePath(engineDir, name string) string {
	return fileutil.PathJoinSafe(engineDir, name+".plan")
}

// RequireFiles fails with notFound for the first path that does not exist.
func RequireFiles(notFound error, paths ...string) error {
	for _, path := range paths {
		exists, err := fileutil.FileExists(path)
		if err != nil {
			return fmt.Errorf("error checking for existence of %s: %w", path, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", notFound, path)
		}
	}
	return nil
}

type TextEncoderConfig struct {
	HiddenSize            int `json:"hidden_size"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`
	ProjectionDim         int `json:"projection_dim"`
}

// LoadTextEncoderConfig reads the text encoder's config.json. The embedding dimension of the
// reference text encoder is its hidden_size.
func LoadTextEncoderConfig(path string) (*TextEncoderConfig, error) {
	configBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWeightsNotFound, path, err)
	}
	config := &TextEncoderConfig{}
	if err = jsoniter.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	if config.HiddenSize <= 0 {
		return nil, fmt.Errorf("%w: %s declares hidden_size %d", ErrIncompatibleEmbedding, path, config.HiddenSize)
	}
	return config, nil
}
