package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/domain"
	"finrag/internal/filter"
)

func chunk(id, ticker string, tokens ...string) domain.Chunk {
	return domain.Chunk{
		ID:       id,
		Text:     ticker + " quarterly results",
		Metadata: domain.Metadata{Source: ticker + ".txt", Filename: ticker + ".txt", Ticker: ticker},
		Tokens:   tokens,
	}
}

func TestMemoryStore_AddAndQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ids, err := s.AddDocuments(ctx,
		[]domain.Chunk{chunk("a", "AAPL"), chunk("m", "MSFT")},
		[][]float32{{1, 0}, {0, 1}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m"}, ids)

	resp, err := s.QueryByEmbedding(ctx, []float32{0.9, 0.1}, 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m"}, resp.IDs)
	assert.Less(t, resp.Distances[0], resp.Distances[1])

	where := filter.BuildWhere(domain.Filter{Ticker: "MSFT"})
	resp, err = s.QueryByEmbedding(ctx, []float32{0.9, 0.1}, 10, where, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, resp.IDs)

	whereDoc := filter.BuildWhereDocument(domain.Filter{Contains: "AAPL QUARTERLY"})
	resp, err = s.QueryByEmbedding(ctx, []float32{0, 1}, 10, nil, whereDoc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, resp.IDs)
}

func TestMemoryStore_CountMismatch(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.AddDocuments(context.Background(), []domain.Chunk{chunk("a", "AAPL")}, nil)
	require.ErrorIs(t, err, domain.ErrEmbeddingCountMismatch)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.AddDocuments(ctx, []domain.Chunk{chunk("a", "AAPL")}, [][]float32{{1, 0}})
	require.NoError(t, err)

	_, err = s.AddDocuments(ctx, []domain.Chunk{chunk("b", "AAPL")}, [][]float32{{1, 0, 0}})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)

	_, err = s.QueryByEmbedding(ctx, []float32{1}, 1, nil, nil)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestMemoryStore_GetByIDsSkipsUnknown(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.AddDocuments(ctx, []domain.Chunk{chunk("a", "AAPL"), chunk("b", "AAPL")}, [][]float32{{1}, {1}})
	require.NoError(t, err)

	resp, err := s.GetByIDs(ctx, []string{"b", "zzz", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, resp.IDs)
	assert.Equal(t, "AAPL", resp.Metadatas[0][domain.KeyTicker])
}

func TestMemoryStore_PostingsAndStats(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.PutChunks([]domain.Chunk{
		chunk("a", "AAPL", "revenue", "revenue", "iphone"),
		chunk("b", "MSFT", "revenue"),
	}))

	postings, err := s.GetPostings("revenue")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Posting{{ChunkID: "a", TF: 2}, {ChunkID: "b", TF: 1}}, postings)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalChunks)
	assert.InDelta(t, 2.0, stats.AvgChunkLen, 1e-9)

	require.NoError(t, s.PutChunks([]domain.Chunk{chunk("a", "AAPL", "services")}))
	postings, err = s.GetPostings("iphone")
	require.NoError(t, err)
	assert.Empty(t, postings)

	_, err = s.GetChunk("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.DeleteCollection(context.Background()))
	stats, err = s.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalChunks)
}
