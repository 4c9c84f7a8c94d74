package embedding

import (
	"fmt"
	"path/filepath"

	"finrag/config"
	"finrag/internal/adapter/ratelimit"
	"finrag/internal/port"
)

// New builds the embedder selected by cfg. dataDir holds downloaded local
// models.
func New(cfg config.EmbeddingConfig, dataDir string) (port.Embedder, error) {
	limiter := ratelimit.New(cfg.RequestsPerSecond, cfg.Workers)

	switch cfg.Provider {
	case "openai", "deepseek", "jina":
		apiKey := config.APIKey(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("API key not found in environment variable: %s", cfg.APIKeyEnv)
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = BaseURLFor(cfg.Provider)
		}
		return NewOpenAICompatibleEmbedder(apiKey, cfg.Model, baseURL,
			WithBatchSize(cfg.BatchSize),
			WithDimension(cfg.Dimension),
			WithRateLimiter(limiter),
		), nil
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = BaseURLFor("ollama")
		}
		return NewOpenAICompatibleEmbedder("", cfg.Model, baseURL,
			WithBatchSize(cfg.BatchSize),
			WithDimension(cfg.Dimension),
			WithRateLimiter(limiter),
		), nil
	case "hugot":
		model := cfg.Model
		if model == "" {
			model = DefaultHugotModel
		}
		path, err := PrepareModel(model, filepath.Join(dataDir, "models"))
		if err != nil {
			return nil, err
		}
		dim := cfg.Dimension
		if dim == 0 {
			dim = 384
		}
		return NewHugotEmbedder(model, path, dim, cfg.BatchSize)
	case "mock", "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
