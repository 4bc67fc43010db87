package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/sdengine/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{
		Runtime:     "GO",
		GoTokenizer: &GoTokenizer{Tokenizer: tk},
		Timings:     &Timings{},
		MaxLength:   TextMaxLength,
	}, nil
}

func encodeGo(tk *Tokenizer, input string) ([]uint32, error) {
	output, err := tk.GoTokenizer.Tokenizer.EncodeSingle(input, true)
	if err != nil {
		return nil, err
	}
	return safeconv.IntSliceToUint32Slice(output.Ids), nil
}
