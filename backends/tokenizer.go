package backends

import (
	"fmt"
	"time"

	"github.com/knights-analytics/sdengine/options"
	"github.com/knights-analytics/sdengine/util/fileutil"
)

// Tokenizer encodes prompts to fixed-length CLIP token ids.
type Tokenizer struct {
	RustTokenizer *RustTokenizer
	GoTokenizer   *GoTokenizer
	Timings       *Timings
	destroy       func() error
	Runtime       string
	MaxLength     int
}

func LoadTokenizer(path string, s *options.Options) (*Tokenizer, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of %s: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: tokenizer %s", ErrWeightsNotFound, path)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	switch s.Backend {
	case "ORT":
		return loadRustTokenizer(tokenizerBytes)
	case "GO":
		return loadGoTokenizer(tokenizerBytes)
	}
	return nil, fmt.Errorf("runtime %s not recognized", s.Backend)
}

func (tk *Tokenizer) encode(input string) ([]uint32, error) {
	switch tk.Runtime {
	case "RUST":
		return encodeRust(tk, input), nil
	case "GO":
		return encodeGo(tk, input)
	}
	return nil, fmt.Errorf("runtime %s not recognized", tk.Runtime)
}

// EncodePadded encodes each input with special tokens and pads or truncates it to MaxLength.
// Truncation keeps the final end-of-text token. Padding repeats the end-of-text token.
func (tk *Tokenizer) EncodePadded(inputs []string) (*Tensor, error) {
	start := time.Now()
	defer tk.Timings.record(start)

	ids := make([]int32, 0, len(inputs)*tk.MaxLength)
	for _, input := range inputs {
		encoded, err := tk.encode(input)
		if err != nil {
			return nil, err
		}
		ids = append(ids, PadTokenIDs(encoded, tk.MaxLength)...)
	}
	return NewInt32Tensor(NewShape(int64(len(inputs)), int64(tk.MaxLength)), ids)
}

// PadTokenIDs fits encoded ids to exactly length entries.
func PadTokenIDs(encoded []uint32, length int) []int32 {
	out := make([]int32, length)
	if len(encoded) == 0 {
		return out
	}
	eos := int32(encoded[len(encoded)-1])
	if len(encoded) > length {
		encoded = append(encoded[:length-1:length-1], encoded[len(encoded)-1])
	}
	for i := range out {
		if i < len(encoded) {
			out[i] = int32(encoded[i])
		} else {
			out[i] = eos
		}
	}
	return out
}

func (tk *Tokenizer) Destroy() error {
	if tk.destroy == nil {
		return nil
	}
	return tk.destroy()
}
