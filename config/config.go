package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for finrag.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Retrieve  RetrieveConfig  `yaml:"retrieve"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Memory    MemoryConfig    `yaml:"memory"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig selects where chunks and vectors live.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // "bolt", "memory", "postgres"
	Path       string `yaml:"path"`    // bolt database file
	DSN        string `yaml:"dsn"`     // postgres connection string
	Collection string `yaml:"collection"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider          string  `yaml:"provider"`    // "openai", "deepseek", "jina", "ollama", "hugot", "mock"
	Model             string  `yaml:"model"`       // e.g., "text-embedding-3-small"
	APIKeyEnv         string  `yaml:"api_key_env"` // Environment variable for API key
	BaseURL           string  `yaml:"base_url"`
	Dimension         int     `yaml:"dimension"`
	BatchSize         int     `yaml:"batch_size"`
	Workers           int     `yaml:"workers"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 = unlimited
}

// LLMConfig holds the chat model configuration.
type LLMConfig struct {
	Provider          string        `yaml:"provider"` // "openai", "deepseek", "ollama", "none"
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
}

// RetrieveConfig holds retrieval configuration.
type RetrieveConfig struct {
	TopK            int           `yaml:"top_k"`
	TopKInitial     int           `yaml:"top_k_initial"`
	TopKFinal       int           `yaml:"top_k_final"` // 0 = use the request's top_k
	HybridEnabled   bool          `yaml:"hybrid_enabled"`
	RRFK            int           `yaml:"rrf_k"`
	BM25Weight      float64       `yaml:"bm25_weight"`
	K1              float64       `yaml:"k1"`
	B               float64       `yaml:"b"`
	MMRLambda       float64       `yaml:"mmr_lambda"` // 0 = MMR disabled
	DedupJaccard    float64       `yaml:"dedup_jaccard"`
	ExpandNeighbors int           `yaml:"expand_neighbors"`
	MultiQuery      bool          `yaml:"multi_query"`
	Decompose       bool          `yaml:"decompose"` // retrieve sub-questions of compound questions too
	MaxQueries      int           `yaml:"max_queries"`
	MinScore        float64       `yaml:"min_score"` // Filter results below this score (0 = disabled)
	CacheSize       int           `yaml:"cache_size"` // 0 = cache disabled
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// RerankConfig holds the secondary relevance model configuration.
type RerankConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Provider   string `yaml:"provider"` // "cohere", "overlap"
	Model      string `yaml:"model"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Candidates int    `yaml:"candidates"`
}

// MemoryConfig bounds the conversation history included in prompts.
type MemoryConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxTurns  int  `yaml:"max_turns"`
	MaxTokens int  `yaml:"max_tokens"`
}

// PromptConfig holds prompt assembly configuration.
type PromptConfig struct {
	FewShot            bool `yaml:"few_shot"`
	ContextTokenBudget int  `yaml:"context_token_budget"` // 0 = unbounded
}

// IngestConfig holds ingestion configuration.
type IngestConfig struct {
	Includes     []string `yaml:"includes"`
	Excludes     []string `yaml:"excludes"`
	ChunkTokens  int      `yaml:"chunk_tokens"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	Stemming     bool     `yaml:"stemming"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, pretty
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    "bolt",
			Path:       filepath.Join(".finrag", "finrag.db"),
			Collection: "financial_documents",
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 1536,
			BatchSize: 100,
			Workers:   2,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			Temperature: 0.1,
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
		},
		Retrieve: RetrieveConfig{
			TopK:          5,
			TopKInitial:   20,
			HybridEnabled: true,
			RRFK:          60,
			BM25Weight:    0.5,
			K1:            1.2,
			B:             0.75,
			DedupJaccard:  0.8,
			MaxQueries:    3,
			CacheSize:     128,
			CacheTTL:      5 * time.Minute,
		},
		Rerank: RerankConfig{
			Enabled:    false,
			Provider:   "overlap",
			Model:      "rerank-english-v3.0",
			APIKeyEnv:  "COHERE_API_KEY",
			Candidates: 20,
		},
		Memory: MemoryConfig{
			Enabled:   true,
			MaxTurns:  6,
			MaxTokens: 1000,
		},
		Prompt: PromptConfig{
			FewShot:            false,
			ContextTokenBudget: 3000,
		},
		Ingest: IngestConfig{
			Includes:     []string{"**/*.txt", "**/*.md", "**/*.htm", "**/*.html", "**/*.json"},
			Excludes:     []string{"**/.git/**", "**/.finrag/**", "**/node_modules/**"},
			ChunkTokens:  500,
			ChunkOverlap: 50,
			Stemming:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Backend {
	case "bolt":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the bolt backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres backend")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of bolt, memory, postgres", c.Store.Backend))
	}

	if c.Embedding.Dimension < 0 {
		errs = append(errs, "embedding.dimension must not be negative")
	}
	if c.Embedding.BatchSize < 1 {
		errs = append(errs, "embedding.batch_size must be at least 1")
	}
	if c.Embedding.RequestsPerSecond < 0 {
		errs = append(errs, "embedding.requests_per_second must not be negative")
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, "llm.requests_per_second must not be negative")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be within [0, 2]")
	}
	if c.Retrieve.TopK < 1 {
		errs = append(errs, "retrieve.top_k must be at least 1")
	}
	if c.Retrieve.TopKInitial < c.Retrieve.TopK {
		errs = append(errs, "retrieve.top_k_initial must be at least retrieve.top_k")
	}
	if c.Retrieve.BM25Weight < 0 || c.Retrieve.BM25Weight > 1 {
		errs = append(errs, "retrieve.bm25_weight must be within [0, 1]")
	}
	if c.Retrieve.MMRLambda < 0 || c.Retrieve.MMRLambda > 1 {
		errs = append(errs, "retrieve.mmr_lambda must be within [0, 1]")
	}
	if c.Retrieve.MaxQueries < 1 {
		errs = append(errs, "retrieve.max_queries must be at least 1")
	}
	if c.Memory.MaxTurns < 0 || c.Memory.MaxTokens < 0 {
		errs = append(errs, "memory limits must not be negative")
	}
	if c.Ingest.ChunkTokens < 1 {
		errs = append(errs, "ingest.chunk_tokens must be at least 1")
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkTokens {
		errs = append(errs, "ingest.chunk_overlap must be within [0, chunk_tokens)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for finrag.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "finrag.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".finrag", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// APIKey reads the key named by env, or "" when env is unset.
func APIKey(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

// EnsureDataDir ensures the directory holding path exists.
func EnsureDataDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}
