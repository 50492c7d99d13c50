package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts the tokens a text costs in a prompt.
type Tokenizer interface {
	Count(text string) int
}

type tiktokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// NewTokenizer returns the tiktoken encoding of model, or cl100k_base for
// models tiktoken does not know.
func NewTokenizer(model string) (Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return tiktokenizer{enc: enc}, nil
}

// Estimate approximates token counts at four bytes per token, rounded up.
// It needs no encoding files.
type Estimate struct{}

func (Estimate) Count(text string) int {
	return (len(text) + 3) / 4
}
