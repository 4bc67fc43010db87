package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneratorDeterminism(t *testing.T) {
	shape := NewShape(1, 4, 8, 8)
	a := NewGenerator(42).Randn(shape)
	b := NewGenerator(42).Randn(shape)
	c := NewGenerator(7).Randn(shape)
	assert.Equal(t, a.F32, b.F32)
	assert.NotEqual(t, a.F32, c.F32)

	var mean float64
	big := NewGenerator(1).Randn(NewShape(10000))
	for _, v := range big.F32 {
		mean += float64(v)
	}
	assert.InDelta(t, 0, mean/10000, 0.05)
}
