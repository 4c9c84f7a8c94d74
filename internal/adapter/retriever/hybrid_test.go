package retriever

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/adapter/memstore"
	"finrag/internal/domain"
	"finrag/internal/filter"
)

func scored(id string, score float64, rank int) domain.ScoredChunk {
	return domain.ScoredChunk{Chunk: domain.Chunk{ID: id, Text: "text " + id}, Score: score, Rank: rank}
}

func TestRRFFuseDedupesSharedChunks(t *testing.T) {
	fuser := NewRRFFuser(60, 0.5)

	dense := []domain.ScoredChunk{scored("a", 0.9, 0), scored("b", 0.8, 1), scored("c", 0.7, 2)}
	lexical := []domain.ScoredChunk{scored("b", 7.1, 0), scored("d", 3.2, 1)}
	lexical[0].Chunk.Tokens = []string{"cloud", "revenue"}

	fused := fuser.Fuse(dense, lexical)
	require.Len(t, fused, 4)

	assert.Equal(t, "b", fused[0].Chunk.ID, "chunk found by both passes ranks first")
	assert.InDelta(t, 0.5/62+0.5/61, fused[0].Score, 1e-12)
	assert.Equal(t, 1, fused[0].Rank)
	assert.Equal(t, []string{"cloud", "revenue"}, fused[0].Chunk.Tokens)

	seen := map[string]int{}
	for _, f := range fused {
		seen[f.Chunk.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "chunk %s duplicated", id)
	}
}

func TestRRFFuseTiesKeepRankOrder(t *testing.T) {
	fuser := NewRRFFuser(60, 0.5)

	// Equal weights make dense rank 0 and lexical rank 0 tie exactly.
	fused := fuser.Fuse(
		[]domain.ScoredChunk{scored("dense-top", 0.9, 0)},
		[]domain.ScoredChunk{scored("lex-top", 5, 0)},
	)
	require.Len(t, fused, 2)
	assert.Equal(t, fused[0].Score, fused[1].Score)
	assert.Equal(t, "dense-top", fused[0].Chunk.ID)
	assert.Equal(t, "lex-top", fused[1].Chunk.ID)
}

func TestRRFFuseWeights(t *testing.T) {
	fuser := NewRRFFuser(60, 1.0)
	fused := fuser.Fuse(
		[]domain.ScoredChunk{scored("a", 0.9, 0)},
		[]domain.ScoredChunk{scored("b", 1, 0)},
	)
	require.Len(t, fused, 2)
	assert.Equal(t, "b", fused[0].Chunk.ID)
	assert.Zero(t, fused[1].Score)

	assert.Empty(t, NewRRFFuser(0, -1).Fuse(nil, nil))
}

func TestDenseRetriever(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemoryStore()

	chunks := []domain.Chunk{
		{ID: "a", Text: "apple iphone", Metadata: domain.Metadata{Ticker: "AAPL"}},
		{ID: "b", Text: "microsoft azure", Metadata: domain.Metadata{Ticker: "MSFT"}},
		{ID: "c", Text: "apple services", Metadata: domain.Metadata{Ticker: "AAPL"}},
	}
	vectors := [][]float32{{1, 0}, {0, 1}, {0.8, 0.6}}
	_, err := st.AddDocuments(ctx, chunks, vectors)
	require.NoError(t, err)

	dense := NewDenseRetriever(st)
	results, err := dense.Search(ctx, []float32{1, 0}, 10, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "c", "b"}, ids(results))
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.InDelta(t, 0.8, results[1].Score, 1e-6)
	for i, r := range results {
		assert.Equal(t, i, r.Rank)
	}

	where := filter.BuildWhere(domain.Filter{Ticker: "MSFT"})
	results, err = dense.Search(ctx, []float32{1, 0}, 10, where, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(results))
}
