//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{
		Runtime:       "RUST",
		RustTokenizer: &RustTokenizer{Tokenizer: tk},
		Timings:       &Timings{},
		MaxLength:     TextMaxLength,
		destroy: func() error {
			return tk.Close()
		},
	}, nil
}

func encodeRust(tk *Tokenizer, input string) []uint32 {
	ids, _ := tk.RustTokenizer.Tokenizer.Encode(input, true)
	return ids
}
