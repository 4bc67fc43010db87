package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateModels(t *testing.T) {
	models := CreateModels("runwayml/stable-diffusion-v1-5", 4, 768)
	require.Len(t, models, 4)

	clip, err := models["clip"].ShapeDict(2, 512, 512)
	require.NoError(t, err)
	assert.Equal(t, ShapeDict{
		"input_ids":       NewShape(2, 77),
		"text_embeddings": NewShape(2, 77, 768),
	}, clip)

	unet, err := models["unet"].ShapeDict(2, 512, 768)
	require.NoError(t, err)
	assert.Equal(t, NewShape(4, 4, 64, 96), unet["sample"])
	assert.Equal(t, NewShape(4, 77, 768), unet["encoder_hidden_states"])
	assert.Equal(t, NewShape(1), unet["timestep"])

	vae, err := models["vae"].ShapeDict(1, 256, 256)
	require.NoError(t, err)
	assert.Equal(t, NewShape(1, 4, 32, 32), vae["latent"])
	assert.Equal(t, NewShape(1, 3, 256, 256), vae["images"])

	encoder, err := models["vae_encoder"].ShapeDict(1, 256, 256)
	require.NoError(t, err)
	assert.Equal(t, vae["images"], encoder["images"])
	assert.Equal(t, vae["latent"], encoder["latent"])
}

func TestShapeDictProfile(t *testing.T) {
	unet := CreateModels("m", 4, 768)["unet"]
	for _, dims := range [][3]int{{0, 512, 512}, {5, 512, 512}, {1, 500, 512}, {1, 128, 128}, {1, 512, 1032}} {
		_, err := unet.ShapeDict(dims[0], dims[1], dims[2])
		assert.ErrorIs(t, err, ErrInvalidShape, "%v", dims)
	}
}

func TestShapeDictEqual(t *testing.T) {
	a := ShapeDict{"x": NewShape(1, 2)}
	assert.True(t, a.Equal(ShapeDict{"x": NewShape(1, 2)}))
	assert.False(t, a.Equal(ShapeDict{"x": NewShape(2, 2)}))
	assert.False(t, a.Equal(ShapeDict{"y": NewShape(1, 2)}))
	assert.False(t, a.Equal(nil))
}

func TestLoadTextEncoderConfig(t *testing.T) {
	dir := t.TempDir()
	files := NewModelFiles(dir)
	_, err := LoadTextEncoderConfig(files.TextEncoderConfig)
	assert.ErrorIs(t, err, ErrWeightsNotFound)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "text_encoder"), 0o755))
	require.NoError(t, os.WriteFile(files.TextEncoderConfig, []byte(`{"hidden_size": 1024, "projection_dim": 512}`), 0o600))
	config, err := LoadTextEncoderConfig(files.TextEncoderConfig)
	require.NoError(t, err)
	assert.Equal(t, 1024, config.HiddenSize)

	assert.ErrorIs(t, RequireFiles(ErrWeightsNotFound, files.TextEncoderConfig, files.VAEDecoder), ErrWeightsNotFound)
	assert.NoError(t, RequireFiles(ErrWeightsNotFound, files.TextEncoderConfig))
}
