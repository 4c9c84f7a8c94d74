package port

// Tokenizer splits text into lexical terms for the keyword index.
type Tokenizer interface {
	Tokenize(text string) []string
}

// TokenCounter estimates LLM token usage. Implementations must not fail.
type TokenCounter interface {
	CountTokens(text string) int
}
