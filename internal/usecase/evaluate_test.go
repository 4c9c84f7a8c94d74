package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/adapter/embedding"
	"finrag/internal/domain"
)

type fixedRetriever struct {
	results []domain.ScoredChunk
	err     error
}

func (r fixedRetriever) Retrieve(ctx context.Context, query string, f domain.Filter, topK int) ([]domain.ScoredChunk, error) {
	return r.results, r.err
}

func TestEvaluateScoresSources(t *testing.T) {
	r := fixedRetriever{results: []domain.ScoredChunk{
		{Chunk: filingChunk("MSFT", 0, "cloud"), Score: 0.9},
		{Chunk: filingChunk("AAPL", 0, "iphone"), Score: 0.8},
		{Chunk: filingChunk("AAPL", 1, "services"), Score: 0.7},
		{Chunk: filingChunk("TSLA", 0, "cars"), Score: 0.6},
	}}

	report, err := Evaluate(context.Background(), r, []EvalCase{
		{Question: "Apple revenue", Relevant: []string{"AAPL_10-K_2023-11-03.txt"}},
	}, 4, nil)
	require.NoError(t, err)
	require.Len(t, report.Cases, 1)

	res := report.Cases[0]
	assert.Equal(t, "filings/MSFT_10-K_2023-11-03.txt", res.Retrieved[0])
	assert.Equal(t, "AAPL_10-K_2023-11-03.txt", res.Retrieved[1])
	assert.InDelta(t, 0.5, res.Precision, 1e-9)
	assert.InDelta(t, 1.0, res.Recall, 1e-9)
	assert.InDelta(t, 0.5, res.RR, 1e-9)
	assert.Greater(t, res.NDCG, 0.0)
	assert.Less(t, res.NDCG, 1.0)
	assert.Equal(t, 0, report.Failed)
	assert.InDelta(t, res.RR, report.MRR, 1e-9)
}

func TestEvaluateCountsFailures(t *testing.T) {
	cases := []EvalCase{
		{Question: "Apple revenue", Relevant: []string{"AAPL_10-K_2023-11-03.txt"}},
		{Question: "bad filter", Filter: map[string]any{"sector": "tech"}, Relevant: []string{"x"}},
	}

	report, err := Evaluate(context.Background(), fixedRetriever{err: errors.New("store offline")}, cases, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Contains(t, report.Cases[0].Error, "store offline")
	assert.Contains(t, report.Cases[1].Error, "unknown key")
	assert.Zero(t, report.MRR)

	_, err = Evaluate(context.Background(), fixedRetriever{}, nil, 5, nil)
	assert.Error(t, err)
}

func TestEvaluateWithRetrievalOptimizer(t *testing.T) {
	embedder := embedding.NewHashEmbedder(64)
	s := newFinancialCorpus(t, embedder)
	opt := NewRetrievalOptimizer(embedder, s, testRetrieveConfig())

	report, err := Evaluate(context.Background(), opt, []EvalCase{{
		Question: "iPhone sales",
		Filter:   map[string]any{"ticker": "aapl"},
		Relevant: []string{"AAPL_10-K_2023-11-03.txt"},
	}}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed)
	assert.InDelta(t, 1.0, report.MeanPrecision, 1e-9)
	assert.InDelta(t, 1.0, report.MRR, 1e-9)
	assert.InDelta(t, 1.0, report.MeanNDCG, 1e-9)
}
