package compactor

import (
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates how many model tokens a text occupies.
type TokenCounter interface {
	Count(text string) int
}

// CharCounter estimates one token per four bytes.
type CharCounter struct{}

// Count implements TokenCounter.
func (CharCounter) Count(text string) int { return len(text) / 4 }

// Tiktoken counts with a tiktoken codec, falling back to CharCounter when
// the codec is missing or fails on the input.
type Tiktoken struct {
	codec tokenizer.Codec
}

// NewTiktoken loads the cl100k_base codec. The returned counter is usable
// even when loading failed; err reports why it will fall back.
func NewTiktoken() (*Tiktoken, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return &Tiktoken{}, err
	}
	return &Tiktoken{codec: codec}, nil
}

// Count implements TokenCounter.
func (t *Tiktoken) Count(text string) int {
	if t == nil || t.codec == nil {
		return CharCounter{}.Count(text)
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return CharCounter{}.Count(text)
	}
	return len(ids)
}
