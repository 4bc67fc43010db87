package backends

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Generator draws standard normal samples from a seeded source, so the same seed
// always yields the same noise.
type Generator struct {
	normal distuv.Normal
	Seed   int64
}

func NewGenerator(seed int64) *Generator {
	return &Generator{
		Seed: seed,
		normal: distuv.Normal{
			Mu:    0,
			Sigma: 1,
			Src:   rand.NewSource(uint64(seed)),
		},
	}
}

// Randn returns a float32 tensor of the given shape filled with N(0, 1) samples.
func (g *Generator) Randn(shape Shape) *Tensor {
	t := NewTensor(Float32, shape)
	for i := range t.F32 {
		t.F32[i] = float32(g.normal.Rand())
	}
	return t
}
