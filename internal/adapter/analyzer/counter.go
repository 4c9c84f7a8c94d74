package analyzer

import (
	"log/slog"
)

// Encoder is an exact tokenizer for a specific model.
type Encoder interface {
	Encode(text string) ([]int, error)
}

// TokenCounter counts LLM tokens with an exact encoder when one is
// configured and falls back to ~4 characters per token otherwise.
// CountTokens never fails.
type TokenCounter struct {
	encoder Encoder
	logger  *slog.Logger
}

// NewTokenCounter creates a counter. encoder may be nil.
func NewTokenCounter(encoder Encoder, logger *slog.Logger) *TokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCounter{encoder: encoder, logger: logger}
}

// CountTokens returns the token count of text.
func (c *TokenCounter) CountTokens(text string) (n int) {
	if text == "" {
		return 0
	}
	if c == nil || c.encoder == nil {
		return HeuristicTokens(text)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("token encoder panicked, using heuristic", "panic", r)
			n = HeuristicTokens(text)
		}
	}()

	ids, err := c.encoder.Encode(text)
	if err != nil {
		c.logger.Debug("token encoder failed, using heuristic", "error", err)
		return HeuristicTokens(text)
	}
	return len(ids)
}

// HeuristicTokens estimates tokens as ceil(chars/4).
func HeuristicTokens(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
