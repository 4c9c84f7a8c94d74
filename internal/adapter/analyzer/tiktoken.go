package analyzer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenEncoder counts tokens with the BPE vocabulary of an OpenAI model.
type TiktokenEncoder struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEncoder loads the vocabulary for model, or cl100k_base when
// the model is unknown to tiktoken. Loading may need network access the
// first time; callers fall back to the heuristic when it fails.
func NewTiktokenEncoder(model string) (*TiktokenEncoder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load tiktoken encoding: %w", err)
		}
	}
	return &TiktokenEncoder{enc: enc}, nil
}

func (e *TiktokenEncoder) Encode(text string) ([]int, error) {
	return e.enc.Encode(text, nil, nil), nil
}
