package backends

import (
	"fmt"
	"slices"
)

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= int(d)
	}
	return n
}

func (s Shape) Clone() Shape {
	return slices.Clone(s)
}

func (s Shape) Equal(o Shape) bool {
	return slices.Equal(s, o)
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Dynamic axes are -1.
	Dimensions Shape
	DType      DType
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

// ShapeDict maps buffer names to the shape they must have for one request.
type ShapeDict map[string]Shape

func (d ShapeDict) Equal(o ShapeDict) bool {
	if len(d) != len(o) {
		return false
	}
	for k, v := range d {
		if !v.Equal(o[k]) {
			return false
		}
	}
	return true
}

// Binding is a named engine input or output.
type Binding struct {
	Name  string
	DType DType
	Input bool
	// Embedding marks bindings whose last axis is the text embedding dimension.
	Embedding bool
}

const (
	TextMaxLength    = 77
	LatentChannels   = 4
	ImageChannels    = 3
	LatentScale      = 8
	MinImageSize     = 256
	MaxImageSize     = 1024
	CompiledEmbedDim = 768
)

// ModelDescriptor computes the buffer shapes a sub-model needs for a (batch, height, width) request.
// It carries no mutable state.
type ModelDescriptor struct {
	shapes       func(d *ModelDescriptor, batch, latentHeight, latentWidth int) ShapeDict
	Name         string
	ModelID      string
	Bindings     []Binding
	MinBatch     int
	MaxBatch     int
	MinImageSize int
	MaxImageSize int
	EmbeddingDim int
}

func (d *ModelDescriptor) Inputs() []Binding {
	var out []Binding
	for _, b := range d.Bindings {
		if b.Input {
			out = append(out, b)
		}
	}
	return out
}

func (d *ModelDescriptor) Outputs() []Binding {
	var out []Binding
	for _, b := range d.Bindings {
		if !b.Input {
			out = append(out, b)
		}
	}
	return out
}

func (d *ModelDescriptor) Binding(name string) (Binding, bool) {
	for _, b := range d.Bindings {
		if b.Name == name {
			return b, true
		}
	}
	return Binding{}, false
}

func (d *ModelDescriptor) checkDims(batch, height, width int) error {
	if batch < d.MinBatch || batch > d.MaxBatch {
		return fmt.Errorf("%w: %s batch size %d not in [%d, %d]", ErrInvalidShape, d.Name, batch, d.MinBatch, d.MaxBatch)
	}
	for _, edge := range []int{height, width} {
		if edge%LatentScale != 0 {
			return fmt.Errorf("%w: %s image size %dx%d must be a multiple of %d", ErrInvalidShape, d.Name, height, width, LatentScale)
		}
		if edge < d.MinImageSize || edge > d.MaxImageSize {
			return fmt.Errorf("%w: %s image size %dx%d not in [%d, %d]", ErrInvalidShape, d.Name, height, width, d.MinImageSize, d.MaxImageSize)
		}
	}
	return nil
}

// ShapeDict returns the buffer shapes for a request, or ErrInvalidShape if the request is outside the profile.
func (d *ModelDescriptor) ShapeDict(batch, height, width int) (ShapeDict, error) {
	if err := d.checkDims(batch, height, width); err != nil {
		return nil, err
	}
	return d.shapes(d, batch, height/LatentScale, width/LatentScale), nil
}

// CheckMeta verifies that an engine exposes every binding of the descriptor, and that static
// embedding axes agree with the descriptor's embedding dimension.
func (d *ModelDescriptor) CheckMeta(inputs, outputs []InputOutputInfo) error {
	for _, b := range d.Bindings {
		meta := outputs
		if b.Input {
			meta = inputs
		}
		idx := slices.IndexFunc(meta, func(m InputOutputInfo) bool { return m.Name == b.Name })
		if idx < 0 {
			return fmt.Errorf("%w: %s engine does not declare binding %q", ErrEngineLoad, d.Name, b.Name)
		}
		dims := meta[idx].Dimensions
		if b.Embedding && len(dims) > 0 {
			if last := dims[len(dims)-1]; last > 0 && int(last) != d.EmbeddingDim {
				return fmt.Errorf("%w: %s binding %q has embedding dimension %d, expected %d",
					ErrIncompatibleEmbedding, d.Name, b.Name, last, d.EmbeddingDim)
			}
		}
	}
	return nil
}

func baseDescriptor(name, modelID string, maxBatchSize, embeddingDim int) *ModelDescriptor {
	return &ModelDescriptor{
		Name:         name,
		ModelID:      modelID,
		MinBatch:     1,
		MaxBatch:     maxBatchSize,
		MinImageSize: MinImageSize,
		MaxImageSize: MaxImageSize,
		EmbeddingDim: embeddingDim,
	}
}

// CreateModels builds the shape registry for all sub-models of a pipeline.
func CreateModels(modelID string, maxBatchSize, embeddingDim int) map[string]*ModelDescriptor {
	clip := baseDescriptor("clip", modelID, maxBatchSize, embeddingDim)
	clip.Bindings = []Binding{
		{Name: "input_ids", DType: Int32, Input: true},
		{Name: "text_embeddings", DType: Float32, Embedding: true},
	}
	clip.shapes = func(d *ModelDescriptor, batch, _, _ int) ShapeDict {
		return ShapeDict{
			"input_ids":       NewShape(int64(batch), TextMaxLength),
			"text_embeddings": NewShape(int64(batch), TextMaxLength, int64(d.EmbeddingDim)),
		}
	}

	// classifier-free guidance doubles the batch
	unet := baseDescriptor("unet", modelID, maxBatchSize, embeddingDim)
	unet.Bindings = []Binding{
		{Name: "sample", DType: Float32, Input: true},
		{Name: "timestep", DType: Float32, Input: true},
		{Name: "encoder_hidden_states", DType: Float16, Input: true, Embedding: true},
		{Name: "latent", DType: Float32},
	}
	unet.shapes = func(d *ModelDescriptor, batch, h, w int) ShapeDict {
		b := int64(2 * batch)
		return ShapeDict{
			"sample":                NewShape(b, LatentChannels, int64(h), int64(w)),
			"timestep":              NewShape(1),
			"encoder_hidden_states": NewShape(b, TextMaxLength, int64(d.EmbeddingDim)),
			"latent":                NewShape(b, LatentChannels, int64(h), int64(w)),
		}
	}

	vae := baseDescriptor("vae", modelID, maxBatchSize, embeddingDim)
	vae.Bindings = []Binding{
		{Name: "latent", DType: Float32, Input: true},
		{Name: "images", DType: Float32},
	}
	vae.shapes = func(_ *ModelDescriptor, batch, h, w int) ShapeDict {
		return ShapeDict{
			"latent": NewShape(int64(batch), LatentChannels, int64(h), int64(w)),
			"images": NewShape(int64(batch), ImageChannels, int64(h*LatentScale), int64(w*LatentScale)),
		}
	}

	vaeEncoder := baseDescriptor("vae_encoder", modelID, maxBatchSize, embeddingDim)
	vaeEncoder.Bindings = []Binding{
		{Name: "images", DType: Float32, Input: true},
		{Name: "latent", DType: Float32},
	}
	vaeEncoder.shapes = func(_ *ModelDescriptor, batch, h, w int) ShapeDict {
		return ShapeDict{
			"images": NewShape(int64(batch), ImageChannels, int64(h*LatentScale), int64(w*LatentScale)),
			"latent": NewShape(int64(batch), LatentChannels, int64(h), int64(w)),
		}
	}

	return map[string]*ModelDescriptor{
		clip.Name:       clip,
		unet.Name:       unet,
		vae.Name:        vae,
		vaeEncoder.Name: vaeEncoder,
	}
}
