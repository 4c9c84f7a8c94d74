package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"finrag/config"
	"finrag/internal/adapter/ratelimit"
	"finrag/internal/port"
)

const cohereRerankURL = "https://api.cohere.ai/v1/rerank"

// CohereReranker implements cross-encoder reranking using Cohere's API.
type CohereReranker struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	limiter  *ratelimit.Limiter
}

type cohereRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopN      int      `json:"top_n,omitempty"`
}

type cohereRerankResponse struct {
	Results []cohereRerankResult `json:"results"`
}

type cohereRerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// NewCohereReranker creates a new Cohere reranker. An empty endpoint uses
// the public API.
func NewCohereReranker(apiKey, model, endpoint string, limiter *ratelimit.Limiter) (*CohereReranker, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("cohere reranker needs an API key")
	}
	if model == "" {
		model = "rerank-english-v3.0"
	}
	if endpoint == "" {
		endpoint = cohereRerankURL
	}

	return &CohereReranker{
		apiKey:   apiKey,
		model:    model,
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
	}, nil
}

// Rerank scores documents against query, best first.
func (r *CohereReranker) Rerank(ctx context.Context, query string, documents []string) ([]port.RerankedResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	// Cohere has a limit of 1000 documents per request
	const maxDocs = 1000
	if len(documents) > maxDocs {
		documents = documents[:maxDocs]
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	jsonData, err := json.Marshal(cohereRerankRequest{
		Query:     query,
		Documents: documents,
		Model:     r.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		r.limiter.Backoff(resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank API returned status %d: %s", resp.StatusCode, string(body))
	}

	var rerankResp cohereRerankResponse
	if err := json.Unmarshal(body, &rerankResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]port.RerankedResult, 0, len(rerankResp.Results))
	for _, res := range rerankResp.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, fmt.Errorf("rerank API returned invalid index %d", res.Index)
		}
		results = append(results, port.RerankedResult{
			Index: res.Index,
			Score: res.RelevanceScore,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results, nil
}

func (r *CohereReranker) ModelName() string {
	return r.model
}

// NewReranker builds the reranker selected by cfg, or nil when reranking is
// disabled.
func NewReranker(cfg config.RerankConfig, tokenizer port.Tokenizer) (port.Reranker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Provider {
	case "cohere":
		return NewCohereReranker(config.APIKey(cfg.APIKeyEnv), cfg.Model, "", ratelimit.New(10, 1))
	case "overlap", "":
		return NewSimpleReranker(tokenizer), nil
	default:
		return nil, fmt.Errorf("unknown rerank provider: %s", cfg.Provider)
	}
}

// SimpleReranker scores documents by the share of query terms they contain.
// It needs no external service.
type SimpleReranker struct {
	tokenizer port.Tokenizer
}

func NewSimpleReranker(tokenizer port.Tokenizer) *SimpleReranker {
	return &SimpleReranker{tokenizer: tokenizer}
}

func (r *SimpleReranker) Rerank(ctx context.Context, query string, documents []string) ([]port.RerankedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTerms := termSet(r.tokenizer.Tokenize(query))
	results := make([]port.RerankedResult, len(documents))
	for i, doc := range documents {
		score := 0.0
		if len(queryTerms) > 0 {
			score = termOverlap(queryTerms, termSet(r.tokenizer.Tokenize(doc)))
		}
		results[i] = port.RerankedResult{Index: i, Score: score}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results, nil
}

func (r *SimpleReranker) ModelName() string {
	return "term-overlap"
}

func termSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func termOverlap(queryTerms, docTerms map[string]struct{}) float64 {
	matches := 0
	for term := range queryTerms {
		if _, exists := docTerms[term]; exists {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTerms))
}
