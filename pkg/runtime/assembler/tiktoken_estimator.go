package assembler

import (
	"fmt"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// NewTikTokenEstimator counts tokens with tiktoken. name is a model
// ("gpt-4o") or an encoding ("cl100k_base", "o200k_base").
func NewTikTokenEstimator(name string) (TokenEstimator, error) {
	name = strings.TrimSpace(name)
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		var encErr error
		if enc, encErr = tiktoken.GetEncoding(name); encErr != nil {
			return nil, fmt.Errorf("tokenizer %q: %w", name, err)
		}
	}
	return func(text string) int {
		if text == "" {
			return 0
		}
		return len(enc.Encode(text, nil, nil))
	}, nil
}
