package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"finrag/config"
	"finrag/internal/adapter/cache"
	"finrag/internal/adapter/retriever"
	"finrag/internal/domain"
	"finrag/internal/filter"
	"finrag/internal/port"
)

// Retriever returns the chunks most relevant to a query under a filter.
type Retriever interface {
	Retrieve(ctx context.Context, query string, f domain.Filter, topK int) ([]domain.ScoredChunk, error)
}

// RetrievalReport describes what happened during one retrieval.
type RetrievalReport struct {
	Dense          int
	Lexical        int
	Candidates     int
	LexicalFailed  bool
	Reranked       bool
	RerankFailures int
	Returned       int
	Took           time.Duration
}

// RetrievalOptimizer runs the dense pass and the optional hybrid, rerank,
// diversity and neighbour expansion stages.
type RetrievalOptimizer struct {
	embedder         port.Embedder
	dense            *retriever.DenseRetriever
	lexical          port.LexicalIndex
	fuser            *retriever.RRFFuser
	reranker         port.Reranker
	rerankCandidates int
	diversity        port.DiversityReranker
	expander         *NeighbourExpander
	cfg              config.RetrieveConfig
	logger           *slog.Logger
}

// RetrievalOption configures a RetrievalOptimizer.
type RetrievalOption func(*RetrievalOptimizer)

// WithLexicalIndex enables the hybrid pass when cfg.HybridEnabled is set.
func WithLexicalIndex(idx port.LexicalIndex) RetrievalOption {
	return func(o *RetrievalOptimizer) { o.lexical = idx }
}

// WithReranker rescores the first candidates of the pool; zero means all.
func WithReranker(r port.Reranker, candidates int) RetrievalOption {
	return func(o *RetrievalOptimizer) {
		o.reranker = r
		o.rerankCandidates = candidates
	}
}

func WithDiversity(d port.DiversityReranker) RetrievalOption {
	return func(o *RetrievalOptimizer) { o.diversity = d }
}

func WithNeighbourExpander(e *NeighbourExpander) RetrievalOption {
	return func(o *RetrievalOptimizer) { o.expander = e }
}

func WithLogger(l *slog.Logger) RetrievalOption {
	return func(o *RetrievalOptimizer) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewRetrievalOptimizer(embedder port.Embedder, store port.VectorStore, cfg config.RetrieveConfig, opts ...RetrievalOption) *RetrievalOptimizer {
	o := &RetrievalOptimizer{
		embedder: embedder,
		dense:    retriever.NewDenseRetriever(store),
		fuser:    retriever.NewRRFFuser(cfg.RRFK, cfg.BM25Weight),
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Retrieve implements Retriever.
func (o *RetrievalOptimizer) Retrieve(ctx context.Context, query string, f domain.Filter, topK int) ([]domain.ScoredChunk, error) {
	results, _, err := o.RetrieveWithReport(ctx, query, f, topK)
	return results, err
}

// RetrieveWithReport returns at most topK chunks sorted by score, ties by
// original rank. Embedding and dense search failures abort with a
// *domain.QueryError; the optional stages degrade instead.
func (o *RetrievalOptimizer) RetrieveWithReport(ctx context.Context, query string, f domain.Filter, topK int) ([]domain.ScoredChunk, RetrievalReport, error) {
	var report RetrievalReport
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, report, domain.ErrEmptyQuery
	}
	if err := f.Validate(); err != nil {
		return nil, report, err
	}
	if topK < 1 {
		topK = o.cfg.TopK
	}
	if topK < 1 {
		topK = 5
	}
	where := filter.BuildWhere(f)
	whereDoc := filter.BuildWhereDocument(f)

	vec, err := o.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, report, &domain.QueryError{Stage: domain.StageEmbed, Err: err}
	}

	initial := max(o.cfg.TopKInitial, topK)
	dense, err := o.dense.Search(ctx, vec, initial, where, whereDoc)
	if err != nil {
		return nil, report, &domain.QueryError{Stage: domain.StageSearch, Err: err}
	}
	report.Dense = len(dense)
	candidates := dense

	if o.lexical != nil && o.cfg.HybridEnabled {
		lexical, err := o.lexical.Search(ctx, query, initial, where, whereDoc)
		if err != nil {
			report.LexicalFailed = true
			o.logger.Warn("lexical search failed, using dense results only", "error", err)
		} else {
			report.Lexical = len(lexical)
			candidates = o.fuser.Fuse(dense, lexical)
		}
	}
	report.Candidates = len(candidates)

	if o.reranker != nil && len(candidates) > 0 {
		reranked, err := o.rerank(ctx, query, candidates)
		if err != nil {
			report.RerankFailures++
			o.logger.Warn("rerank failed, keeping retrieval order", "model", o.reranker.ModelName(), "error", err)
		} else {
			report.Reranked = true
			candidates = reranked
		}
	}

	k := topK
	if o.cfg.TopKFinal > 0 && o.cfg.TopKFinal < topK {
		k = o.cfg.TopKFinal
	}

	sortByScore(candidates)
	if o.diversity != nil {
		candidates = o.diversity.Rerank(candidates, k)
	} else if len(candidates) > k {
		candidates = candidates[:k]
	}

	if o.cfg.MinScore > 0 {
		kept := candidates[:0:0]
		for _, c := range candidates {
			if c.Score >= o.cfg.MinScore {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	if o.expander != nil {
		expanded, err := o.expander.Expand(ctx, candidates)
		if err != nil {
			o.logger.Warn("neighbour expansion failed", "error", err)
		} else {
			candidates = expanded
		}
	}

	sortByScore(candidates)
	report.Returned = len(candidates)
	report.Took = time.Since(start)

	o.logger.Debug("retrieval finished",
		"dense", report.Dense,
		"lexical", report.Lexical,
		"candidates", report.Candidates,
		"reranked", report.Reranked,
		"returned", report.Returned,
		"took", report.Took,
	)
	return candidates, report, nil
}

// rerank rescores the head of the pool. Chunks beyond the pool are dropped
// because their scores are not comparable with the reranker's.
func (o *RetrievalOptimizer) rerank(ctx context.Context, query string, candidates []domain.ScoredChunk) ([]domain.ScoredChunk, error) {
	pool := candidates
	if o.rerankCandidates > 0 && len(pool) > o.rerankCandidates {
		pool = pool[:o.rerankCandidates]
	}

	texts := make([]string, len(pool))
	for i, c := range pool {
		texts[i] = c.Chunk.Text
	}

	results, err := o.reranker.Rerank(ctx, query, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRerankFailed, err)
	}

	reranked := make([]domain.ScoredChunk, 0, len(results))
	seen := make(map[int]bool, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(pool) || seen[r.Index] {
			return nil, fmt.Errorf("%w: invalid result index %d", domain.ErrRerankFailed, r.Index)
		}
		seen[r.Index] = true
		sc := pool[r.Index]
		sc.Score = r.Score
		reranked = append(reranked, sc)
	}
	return reranked, nil
}

// sortByScore orders by score descending, ties by original rank.
func sortByScore(chunks []domain.ScoredChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Rank < chunks[j].Rank
	})
}

// CachedOptimizer memoizes retrieval results per query, filter and topK.
type CachedOptimizer struct {
	next  Retriever
	cache *cache.QueryCache
}

func NewCachedOptimizer(next Retriever, c *cache.QueryCache) *CachedOptimizer {
	return &CachedOptimizer{next: next, cache: c}
}

func (c *CachedOptimizer) Retrieve(ctx context.Context, query string, f domain.Filter, topK int) ([]domain.ScoredChunk, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	key := cache.Key(strings.TrimSpace(query), filterKey(f), topK)
	if results, ok := c.cache.Get(key); ok {
		return results, nil
	}

	results, err := c.next.Retrieve(ctx, query, f, topK)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, results)
	return results, nil
}

// Invalidate drops every cached result. Call it after the corpus changes.
func (c *CachedOptimizer) Invalidate() {
	c.cache.Invalidate()
}

func filterKey(f domain.Filter) string {
	data, err := json.Marshal(struct {
		Where    *filter.Clause `json:"where,omitempty"`
		WhereDoc *filter.Clause `json:"where_document,omitempty"`
	}{filter.BuildWhere(f), filter.BuildWhereDocument(f)})
	if err != nil {
		return fmt.Sprintf("%+v", f)
	}
	return string(data)
}

// RetrieveAll runs each query in turn and merges the results, keeping the
// best score per chunk. The first query is the user's own and its failure
// is returned; failures of the variants are logged and skipped.
func RetrieveAll(ctx context.Context, r Retriever, queries []string, f domain.Filter, topK int, logger *slog.Logger) ([]domain.ScoredChunk, error) {
	if logger == nil {
		logger = slog.Default()
	}

	best := make(map[string]domain.ScoredChunk)
	var order []string
	for i, q := range queries {
		results, err := r.Retrieve(ctx, q, f, topK)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			logger.Warn("query variant failed", "query", q, "error", err)
			continue
		}
		for _, sc := range results {
			prev, ok := best[sc.Chunk.ID]
			if !ok {
				order = append(order, sc.Chunk.ID)
			}
			if !ok || sc.Score > prev.Score {
				best[sc.Chunk.ID] = sc
			}
		}
	}

	// Ranks from different variants are not comparable, so ties fall back
	// to the order chunks were first seen in.
	merged := make([]domain.ScoredChunk, 0, len(order))
	for i, id := range order {
		sc := best[id]
		sc.Rank = i
		merged = append(merged, sc)
	}
	sortByScore(merged)
	if topK > 0 && len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}
