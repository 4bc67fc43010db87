package pipelines

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knights-analytics/sdengine/backends"
	"github.com/knights-analytics/sdengine/options"
)

type fakeTokenizer struct {
	calls     int
	destroyed bool
}

// EncodePadded writes len(prompt)+1 into every position, so prompts of different length get
// distinguishable embeddings.
func (f *fakeTokenizer) EncodePadded(prompts []string) (*backends.Tensor, error) {
	f.calls++
	ids := make([]int32, 0, len(prompts)*backends.TextMaxLength)
	for _, p := range prompts {
		for range backends.TextMaxLength {
			ids = append(ids, int32(len(p)+1))
		}
	}
	return backends.NewInt32Tensor(backends.NewShape(int64(len(prompts)), backends.TextMaxLength), ids)
}

func (f *fakeTokenizer) Destroy() error {
	f.destroyed = true
	return nil
}

// fakeSession computes its single output from its inputs with fn.
type fakeSession struct {
	fn        func(inputs map[string]*backends.Tensor) *backends.Tensor
	inputs    []backends.InputOutputInfo
	outputs   []backends.InputOutputInfo
	runs      int
	destroyed bool
}

func (f *fakeSession) InputsMeta() []backends.InputOutputInfo  { return f.inputs }
func (f *fakeSession) OutputsMeta() []backends.InputOutputInfo { return f.outputs }

func (f *fakeSession) Run(inputs map[string]*backends.Tensor, outputs map[string]*backends.Tensor) error {
	f.runs++
	for _, m := range f.inputs {
		if _, ok := inputs[m.Name]; !ok {
			return fmt.Errorf("missing input %q", m.Name)
		}
	}
	result := f.fn(inputs)
	name := f.outputs[0].Name
	dst, ok := outputs[name]
	if !ok {
		outputs[name] = result
		return nil
	}
	if !dst.Shape.Equal(result.Shape) {
		return fmt.Errorf("%w: output %s is %s, computed %s", backends.ErrShapeMismatch, name, dst.Shape, result.Shape)
	}
	copy(dst.F32, result.F32)
	return nil
}

func (f *fakeSession) Destroy() error {
	if f.destroyed {
		return errors.New("session destroyed twice")
	}
	f.destroyed = true
	return nil
}

func info(name string, dtype backends.DType, dims ...int64) backends.InputOutputInfo {
	return backends.InputOutputInfo{Name: name, Dimensions: backends.NewShape(dims...), DType: dtype}
}

// textEncoderFn maps every token id to an embedding row filled with id / 2.
func textEncoderFn(input string, dim int) func(map[string]*backends.Tensor) *backends.Tensor {
	return func(inputs map[string]*backends.Tensor) *backends.Tensor {
		ids := inputs[input].Float32s()
		batch := inputs[input].BatchSize()
		out := backends.NewTensor(backends.Float32, backends.NewShape(int64(batch), backends.TextMaxLength, int64(dim)))
		for i, id := range ids {
			for e := range dim {
				out.F32[i*dim+e] = id / 2
			}
		}
		return out
	}
}

// encodeFn samples every 8th pixel: latent[b, c, y, x] = image[b, c % 3, 8y, 8x].
func encodeFn(input string) func(map[string]*backends.Tensor) *backends.Tensor {
	return func(inputs map[string]*backends.Tensor) *backends.Tensor {
		images := inputs[input]
		values := images.Float32s()
		batch, height, width := int(images.Shape[0]), int(images.Shape[2]), int(images.Shape[3])
		h, w := height/backends.LatentScale, width/backends.LatentScale
		out := backends.NewTensor(backends.Float32, backends.NewShape(int64(batch), backends.LatentChannels, int64(h), int64(w)))
		for b := range batch {
			for c := range backends.LatentChannels {
				for y := range h {
					for x := range w {
						src := ((b*backends.ImageChannels+c%backends.ImageChannels)*height+y*backends.LatentScale)*width + x*backends.LatentScale
						out.F32[((b*backends.LatentChannels+c)*h+y)*w+x] = values[src]
					}
				}
			}
		}
		return out
	}
}

// decodeFn upsamples by 8: image[b, c, Y, X] = latent[b, c, Y/8, X/8].
func decodeFn(input string) func(map[string]*backends.Tensor) *backends.Tensor {
	return func(inputs map[string]*backends.Tensor) *backends.Tensor {
		latents := inputs[input]
		values := latents.Float32s()
		batch, h, w := int(latents.Shape[0]), int(latents.Shape[2]), int(latents.Shape[3])
		height, width := h*backends.LatentScale, w*backends.LatentScale
		out := backends.NewTensor(backends.Float32, backends.NewShape(int64(batch), backends.ImageChannels, int64(height), int64(width)))
		for b := range batch {
			for c := range backends.ImageChannels {
				for y := range height {
					for x := range width {
						src := ((b*backends.LatentChannels+c)*h+y/backends.LatentScale)*w + x/backends.LatentScale
						out.F32[((b*backends.ImageChannels+c)*height+y)*width+x] = values[src]
					}
				}
			}
		}
		return out
	}
}

// unetFn predicts a tenth of the sample as noise.
func unetFn(inputs map[string]*backends.Tensor) *backends.Tensor {
	out := inputs["sample"].Clone()
	for i := range out.F32 {
		out.F32[i] *= 0.1
	}
	return out
}

func newUnetSession(embedding int64) *fakeSession {
	return &fakeSession{
		fn: unetFn,
		inputs: []backends.InputOutputInfo{
			info("sample", backends.Float32, -1, 4, -1, -1),
			info("timestep", backends.Float32, 1),
			info("encoder_hidden_states", backends.Float16, -1, 77, embedding),
		},
		outputs: []backends.InputOutputInfo{info("latent", backends.Float32, -1, 4, -1, -1)},
	}
}

// fakeModel holds the sessions handed out by its loader, keyed by file path suffix.
type fakeModel struct {
	sessions  map[string]*fakeSession
	tokenizer *fakeTokenizer
	failOn    string
	modelDir  string
	engineDir string
	loaded    []string
}

func newFakeSessions(hiddenSize int, unetEmbedding int64) map[string]*fakeSession {
	return map[string]*fakeSession{
		"unet.plan": newUnetSession(unetEmbedding),
		"clip.plan": {
			fn:      textEncoderFn("input_ids", backends.CompiledEmbedDim),
			inputs:  []backends.InputOutputInfo{info("input_ids", backends.Int32, -1, 77)},
			outputs: []backends.InputOutputInfo{info("text_embeddings", backends.Float32, -1, 77, backends.CompiledEmbedDim)},
		},
		"vae.plan": {
			fn:      decodeFn("latent"),
			inputs:  []backends.InputOutputInfo{info("latent", backends.Float32, -1, 4, -1, -1)},
			outputs: []backends.InputOutputInfo{info("images", backends.Float32, -1, 3, -1, -1)},
		},
		"vae_encoder.plan": {
			fn:      encodeFn("images"),
			inputs:  []backends.InputOutputInfo{info("images", backends.Float32, -1, 3, -1, -1)},
			outputs: []backends.InputOutputInfo{info("latent", backends.Float32, -1, 4, -1, -1)},
		},
		filepath.Join("text_encoder", "model.onnx"): {
			fn:      textEncoderFn("input_ids", hiddenSize),
			inputs:  []backends.InputOutputInfo{info("input_ids", backends.Int32, -1, 77)},
			outputs: []backends.InputOutputInfo{info("last_hidden_state", backends.Float32, -1, 77, int64(hiddenSize))},
		},
		filepath.Join("vae_encoder", "model.onnx"): {
			fn:      encodeFn("sample"),
			inputs:  []backends.InputOutputInfo{info("sample", backends.Float32, -1, 3, -1, -1)},
			outputs: []backends.InputOutputInfo{info("latent_sample", backends.Float32, -1, 4, -1, -1)},
		},
		filepath.Join("vae_decoder", "model.onnx"): {
			fn:      decodeFn("latent_sample"),
			inputs:  []backends.InputOutputInfo{info("latent_sample", backends.Float32, -1, 4, -1, -1)},
			outputs: []backends.InputOutputInfo{info("sample", backends.Float32, -1, 3, -1, -1)},
		},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newFakeModel lays out a reference model directory and an engine directory on disk.
func newFakeModel(t *testing.T, hiddenSize int) *fakeModel {
	t.Helper()
	root := t.TempDir()
	m := &fakeModel{
		sessions:  newFakeSessions(hiddenSize, -1),
		tokenizer: &fakeTokenizer{},
		modelDir:  filepath.Join(root, "model"),
		engineDir: filepath.Join(root, "engines"),
	}
	writeFile(t, filepath.Join(m.modelDir, "tokenizer", "tokenizer.json"), "{}")
	writeFile(t, filepath.Join(m.modelDir, "scheduler", "scheduler_config.json"), `{"num_train_timesteps": 1000, "beta_schedule": "scaled_linear"}`)
	writeFile(t, filepath.Join(m.modelDir, "text_encoder", "config.json"), fmt.Sprintf(`{"hidden_size": %d}`, hiddenSize))
	for _, f := range []string{"text_encoder", "vae_encoder", "vae_decoder"} {
		writeFile(t, filepath.Join(m.modelDir, f, "model.onnx"), "onnx")
	}
	for _, e := range []string{"unet", "clip", "vae", "vae_encoder"} {
		writeFile(t, filepath.Join(m.engineDir, e+".plan"), "plan")
	}
	return m
}

func (m *fakeModel) load(path string) (backends.Session, error) {
	for suffix, s := range m.sessions {
		if strings.HasSuffix(path, string(filepath.Separator)+suffix) {
			if m.failOn == suffix {
				return nil, fmt.Errorf("cannot deserialize %s", path)
			}
			m.loaded = append(m.loaded, suffix)
			return s, nil
		}
	}
	return nil, fmt.Errorf("unexpected model file %s", path)
}

func (m *fakeModel) config(full bool) PipelineConfig {
	return PipelineConfig{
		ModelID:          "test/sd",
		ModelPath:        m.modelDir,
		EngineDir:        m.engineDir,
		Device:           "cuda",
		MaxBatchSize:     4,
		FullAcceleration: full,
		SessionLoader:    m.load,
		TokenizerLoader: func(string) (PromptTokenizer, error) {
			return m.tokenizer, nil
		},
	}
}

func testOptions(limit int64) *options.Options {
	opts := options.Defaults()
	opts.Backend = "GO"
	opts.Logger = zap.NewNop()
	opts.DeviceMemoryLimit = limit
	return opts
}

func newTestPipeline(t *testing.T, full bool) (*AcceleratedPipeline, *fakeModel) {
	t.Helper()
	m := newFakeModel(t, backends.CompiledEmbedDim)
	p, err := FromPretrained(m.config(full), testOptions(0))
	require.NoError(t, err)
	return p, m
}

func constantTensor(shape backends.Shape, v float32) *backends.Tensor {
	t := backends.NewTensor(backends.Float32, shape)
	for i := range t.F32 {
		t.F32[i] = v
	}
	return t
}
