package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/config"
	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/cache"
	"finrag/internal/adapter/chunker"
	"finrag/internal/adapter/embedding"
	"finrag/internal/adapter/memstore"
	"finrag/internal/adapter/retriever"
	"finrag/internal/domain"
	"finrag/internal/filter"
	"finrag/internal/port"
)

var testTokenizer = analyzer.NewTokenizer(true)

func filingChunk(ticker string, idx int, text string) domain.Chunk {
	filename := ticker + "_10-K_2023-11-03.txt"
	source := "filings/" + filename
	return domain.Chunk{
		ID:   chunker.ChunkID(source, idx),
		Text: text,
		Metadata: domain.Metadata{
			Source:     source,
			Filename:   filename,
			Ticker:     ticker,
			FormType:   "10-K",
			DocType:    "filing",
			ChunkIndex: idx,
			Date:       "2023-11-03",
		},
		Tokens: testTokenizer.Tokenize(text),
	}
}

// newFinancialCorpus stores 3 AAPL chunks and 10 chunks of other tickers.
func newFinancialCorpus(t *testing.T, embedder port.Embedder) *memstore.MemoryStore {
	t.Helper()
	chunks := []domain.Chunk{
		filingChunk("AAPL", 0, "Apple net sales for iPhone grew 6 percent in fiscal 2023."),
		filingChunk("AAPL", 1, "Apple services revenue reached a record 85 billion dollars."),
		filingChunk("AAPL", 2, "Apple risk factors include supply chain concentration in Asia."),
	}
	others := []string{"MSFT", "GOOG", "AMZN", "TSLA", "META", "NVDA", "JPM", "XOM", "KO", "PFE"}
	for i, ticker := range others {
		chunks = append(chunks, filingChunk(ticker, 0, fmt.Sprintf("%s revenue grew %d percent with strong iPhone competition and services sales.", ticker, i+2)))
	}

	s := memstore.NewMemoryStore()
	_, err := GenerateAndStore(context.Background(), embedder, s, chunks)
	require.NoError(t, err)
	return s
}

func testRetrieveConfig() config.RetrieveConfig {
	cfg := config.DefaultConfig().Retrieve
	cfg.CacheSize = 0
	return cfg
}

func resultIDs(results []domain.ScoredChunk) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Chunk.ID
	}
	return ids
}

func assertSortedByScore(t *testing.T, results []domain.ScoredChunk) {
	t.Helper()
	for i := 1; i < len(results); i++ {
		prev, cur := results[i-1], results[i]
		assert.True(t, prev.Score > cur.Score || (prev.Score == cur.Score && prev.Rank <= cur.Rank),
			"result %d out of order: %v then %v", i, prev.Score, cur.Score)
	}
}

type failingEmbedder struct {
	*embedding.HashEmbedder
}

func (failingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("provider unavailable")
}

type failingVectorStore struct {
	port.VectorStore
}

func (failingVectorStore) QueryByEmbedding(ctx context.Context, vector []float32, n int, where, whereDocument *filter.Clause) (port.QueryResponse, error) {
	return port.QueryResponse{}, errors.New("connection refused")
}

type stubLexical struct {
	results []domain.ScoredChunk
	err     error
}

func (s stubLexical) Search(ctx context.Context, query string, k int, where, whereDocument *filter.Clause) ([]domain.ScoredChunk, error) {
	return s.results, s.err
}

// reversingReranker scores later candidates higher.
type reversingReranker struct {
	err error
}

func (r reversingReranker) Rerank(ctx context.Context, query string, texts []string) ([]port.RerankedResult, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]port.RerankedResult, len(texts))
	for i := range texts {
		out[len(texts)-1-i] = port.RerankedResult{Index: i, Score: float64(i + 1)}
	}
	return out, nil
}

func (reversingReranker) ModelName() string { return "reverse" }

func TestRetrieveFiltersByTicker(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	s := newFinancialCorpus(t, embedder)
	opt := NewRetrievalOptimizer(embedder, s, testRetrieveConfig())

	results, err := opt.Retrieve(context.Background(), "iPhone sales and services revenue", domain.Filter{Ticker: "AAPL"}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 3)
	for _, r := range results {
		assert.Equal(t, "AAPL", r.Chunk.Metadata.Ticker)
	}
	assertSortedByScore(t, results)
}

func TestRetrieveTopK(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	s := newFinancialCorpus(t, embedder)

	opt := NewRetrievalOptimizer(embedder, s, testRetrieveConfig())
	results, err := opt.Retrieve(context.Background(), "revenue grew", domain.Filter{}, 4)
	require.NoError(t, err)
	assert.Len(t, results, 4)

	cfg := testRetrieveConfig()
	cfg.TopKFinal = 2
	opt = NewRetrievalOptimizer(embedder, s, cfg)
	results, err = opt.Retrieve(context.Background(), "revenue grew", domain.Filter{}, 4)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRetrieveValidation(t *testing.T) {
	embedder := embedding.NewHashEmbedder(16)
	opt := NewRetrievalOptimizer(embedder, memstore.NewMemoryStore(), testRetrieveConfig())

	_, err := opt.Retrieve(context.Background(), "   ", domain.Filter{}, 5)
	assert.ErrorIs(t, err, domain.ErrEmptyQuery)

	_, err = opt.Retrieve(context.Background(), "revenue", domain.Filter{DateRange: &domain.DateRange{From: "2023/01/01"}}, 5)
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)

	assert.Zero(t, embedder.Calls())
}

func TestRetrieveEmbedFailure(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	s := newFinancialCorpus(t, embedder)
	opt := NewRetrievalOptimizer(failingEmbedder{embedder}, s, testRetrieveConfig())

	results, err := opt.Retrieve(context.Background(), "revenue", domain.Filter{}, 5)
	require.Error(t, err)
	assert.Nil(t, results)

	var qerr *domain.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, domain.StageEmbed, qerr.Stage)
}

func TestRetrieveSearchFailure(t *testing.T) {
	embedder := embedding.NewHashEmbedder(16)
	opt := NewRetrievalOptimizer(embedder, failingVectorStore{}, testRetrieveConfig())

	_, err := opt.Retrieve(context.Background(), "revenue", domain.Filter{}, 5)
	var qerr *domain.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, domain.StageSearch, qerr.Stage)
}

func TestRetrieveHybridDedupes(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	s := newFinancialCorpus(t, embedder)
	bm25 := retriever.NewBM25Retriever(s, testTokenizer, 1.2, 0.75)
	opt := NewRetrievalOptimizer(embedder, s, testRetrieveConfig(), WithLexicalIndex(bm25))

	results, report, err := opt.RetrieveWithReport(context.Background(), "services revenue", domain.Filter{}, 10)
	require.NoError(t, err)
	assert.Positive(t, report.Dense)
	assert.Positive(t, report.Lexical)
	assert.Less(t, report.Candidates, report.Dense+report.Lexical, "shared chunks should be fused")

	seen := make(map[string]bool)
	for _, r := range results {
		assert.False(t, seen[r.Chunk.ID], "duplicate chunk %s", r.Chunk.ID)
		seen[r.Chunk.ID] = true
	}
	assertSortedByScore(t, results)
}

func TestRetrieveLexicalFailureDegrades(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	s := newFinancialCorpus(t, embedder)

	dense := NewRetrievalOptimizer(embedder, s, testRetrieveConfig())
	want, err := dense.Retrieve(context.Background(), "services revenue", domain.Filter{}, 5)
	require.NoError(t, err)

	opt := NewRetrievalOptimizer(embedder, s, testRetrieveConfig(), WithLexicalIndex(stubLexical{err: errors.New("index corrupt")}))
	got, report, err := opt.RetrieveWithReport(context.Background(), "services revenue", domain.Filter{}, 5)
	require.NoError(t, err)
	assert.True(t, report.LexicalFailed)
	assert.Equal(t, resultIDs(want), resultIDs(got))
}

func TestRetrieveRerank(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	s := newFinancialCorpus(t, embedder)
	ctx := context.Background()

	base := NewRetrievalOptimizer(embedder, s, testRetrieveConfig())
	before, err := base.Retrieve(ctx, "revenue grew", domain.Filter{}, 3)
	require.NoError(t, err)
	require.Len(t, before, 3)

	t.Run("failure keeps retrieval order", func(t *testing.T) {
		opt := NewRetrievalOptimizer(embedder, s, testRetrieveConfig(),
			WithReranker(reversingReranker{err: errors.New("503")}, 0))
		got, report, err := opt.RetrieveWithReport(ctx, "revenue grew", domain.Filter{}, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, report.RerankFailures)
		assert.False(t, report.Reranked)
		assert.Equal(t, resultIDs(before), resultIDs(got))
	})

	t.Run("scores replace retrieval scores", func(t *testing.T) {
		opt := NewRetrievalOptimizer(embedder, s, testRetrieveConfig(),
			WithReranker(reversingReranker{}, 3))
		got, report, err := opt.RetrieveWithReport(ctx, "revenue grew", domain.Filter{}, 3)
		require.NoError(t, err)
		assert.True(t, report.Reranked)
		// The pool is the top three dense hits, now in reverse.
		assert.Equal(t, []string{before[2].Chunk.ID, before[1].Chunk.ID, before[0].Chunk.ID}, resultIDs(got))
		assert.Equal(t, 3.0, got[0].Score)
	})
}

func TestRetrieveMinScore(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	s := newFinancialCorpus(t, embedder)
	cfg := testRetrieveConfig()
	cfg.MinScore = 1.5

	opt := NewRetrievalOptimizer(embedder, s, cfg)
	results, err := opt.Retrieve(context.Background(), "revenue", domain.Filter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveWithDiversity(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	s := memstore.NewMemoryStore()
	dup := "Apple services revenue reached a record 85 billion dollars."
	_, err := GenerateAndStore(context.Background(), embedder, s, []domain.Chunk{
		filingChunk("AAPL", 0, dup),
		filingChunk("AAPL", 5, dup),
		filingChunk("AAPL", 9, "Apple gross margin expanded on services mix."),
	})
	require.NoError(t, err)

	opt := NewRetrievalOptimizer(embedder, s, testRetrieveConfig(),
		WithDiversity(retriever.NewMMRReranker(0.7, 0.8, testTokenizer)))
	results, err := opt.Retrieve(context.Background(), "services revenue record", domain.Filter{}, 3)
	require.NoError(t, err)
	assert.Len(t, results, 2, "the exact duplicate is dropped")
}

func TestNeighbourExpander(t *testing.T) {
	embedder := embedding.NewHashEmbedder(32)
	s := memstore.NewMemoryStore()
	ctx := context.Background()
	_, err := GenerateAndStore(ctx, embedder, s, []domain.Chunk{
		filingChunk("AAPL", 0, "Part one."),
		filingChunk("AAPL", 1, "Part two."),
		filingChunk("AAPL", 2, "Part three."),
		filingChunk("AAPL", 3, "Part four."),
	})
	require.NoError(t, err)

	hit := domain.ScoredChunk{Chunk: filingChunk("AAPL", 1, "Part two."), Score: 0.9}
	other := domain.ScoredChunk{Chunk: filingChunk("AAPL", 3, "Part four."), Score: 0.5, Rank: 1}

	expanded, err := NewNeighbourExpander(s, 1).Expand(ctx, []domain.ScoredChunk{hit, other})
	require.NoError(t, err)
	require.Len(t, expanded, 2)
	assert.Equal(t, "Part one.\nPart two.\nPart three.", expanded[0].Chunk.Text)
	assert.Equal(t, "Part three.\nPart four.", expanded[1].Chunk.Text)
	assert.Equal(t, "Part two.", hit.Chunk.Text, "input is not modified")

	same, err := NewNeighbourExpander(s, 0).Expand(ctx, []domain.ScoredChunk{hit})
	require.NoError(t, err)
	assert.Equal(t, "Part two.", same[0].Chunk.Text)
}

type countingRetriever struct {
	calls   int
	queries []string
	results map[string][]domain.ScoredChunk
	errs    map[string]error
}

func (r *countingRetriever) Retrieve(ctx context.Context, query string, f domain.Filter, topK int) ([]domain.ScoredChunk, error) {
	r.calls++
	r.queries = append(r.queries, query)
	if err := r.errs[query]; err != nil {
		return nil, err
	}
	return r.results[query], nil
}

func TestCachedOptimizer(t *testing.T) {
	next := &countingRetriever{results: map[string][]domain.ScoredChunk{
		"eps": {{Chunk: filingChunk("AAPL", 0, "EPS was 6.13"), Score: 0.8}},
	}}
	cached := NewCachedOptimizer(next, cache.NewQueryCache(10, time.Minute))
	ctx := context.Background()

	first, err := cached.Retrieve(ctx, "eps", domain.Filter{Ticker: "AAPL"}, 5)
	require.NoError(t, err)
	second, err := cached.Retrieve(ctx, "eps", domain.Filter{Ticker: "AAPL"}, 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, next.calls)

	_, err = cached.Retrieve(ctx, "eps", domain.Filter{Ticker: "MSFT"}, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls, "a different filter is a different entry")

	cached.Invalidate()
	_, err = cached.Retrieve(ctx, "eps", domain.Filter{Ticker: "AAPL"}, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)

	_, err = cached.Retrieve(ctx, "eps", domain.Filter{Ticker: "a a"}, 5)
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)
	assert.Equal(t, 3, next.calls)
}

func TestRetrieveAll(t *testing.T) {
	a := filingChunk("AAPL", 0, "a")
	b := filingChunk("AAPL", 1, "b")
	c := filingChunk("AAPL", 2, "c")
	next := &countingRetriever{
		results: map[string][]domain.ScoredChunk{
			"q1": {{Chunk: a, Score: 0.5}, {Chunk: b, Score: 0.4, Rank: 1}},
			"q2": {{Chunk: b, Score: 0.9}, {Chunk: c, Score: 0.1, Rank: 1}},
		},
		errs: map[string]error{"q3": errors.New("timeout")},
	}
	ctx := context.Background()

	merged, err := RetrieveAll(ctx, next, []string{"q1", "q2", "q3"}, domain.Filter{}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, resultIDs(merged))
	assert.Equal(t, 0.9, merged[0].Score)

	_, err = RetrieveAll(ctx, next, []string{"q3", "q1"}, domain.Filter{}, 2, nil)
	assert.Error(t, err)
}

func TestRetrieveAllTiesUseFirstSeenOrder(t *testing.T) {
	a := filingChunk("AAPL", 0, "a")
	c := filingChunk("MSFT", 0, "c")
	next := &countingRetriever{results: map[string][]domain.ScoredChunk{
		"q1": {{Chunk: a, Score: 0.5, Rank: 3}},
		"q2": {{Chunk: c, Score: 0.5, Rank: 0}},
	}}

	merged, err := RetrieveAll(context.Background(), next, []string{"q1", "q2"}, domain.Filter{}, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, resultIDs(merged))
	assert.Equal(t, 0, merged[0].Rank)
	assert.Equal(t, 1, merged[1].Rank)
}
