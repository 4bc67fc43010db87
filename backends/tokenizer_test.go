package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPadTokenIDs(t *testing.T) {
	assert.Equal(t, []int32{49406, 320, 49407, 49407, 49407}, PadTokenIDs([]uint32{49406, 320, 49407}, 5))
	assert.Equal(t, []int32{49406, 1, 2, 49407}, PadTokenIDs([]uint32{49406, 1, 2, 3, 4, 49407}, 4))
	assert.Equal(t, []int32{0, 0}, PadTokenIDs(nil, 2))
}
