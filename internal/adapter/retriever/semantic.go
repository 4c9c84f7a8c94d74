package retriever

import (
	"context"
	"fmt"

	"finrag/internal/domain"
	"finrag/internal/filter"
	"finrag/internal/port"
)

// DenseRetriever runs the vector similarity pass.
type DenseRetriever struct {
	vectorStore port.VectorStore
}

func NewDenseRetriever(vectorStore port.VectorStore) *DenseRetriever {
	return &DenseRetriever{vectorStore: vectorStore}
}

// Search returns the n nearest chunks with Score = 1 - distance and Rank set
// to the store's order.
func (r *DenseRetriever) Search(ctx context.Context, vector []float32, n int, where, whereDocument *filter.Clause) ([]domain.ScoredChunk, error) {
	resp, err := r.vectorStore.QueryByEmbedding(ctx, vector, n, where, whereDocument)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	chunks := resp.Chunks()
	results := make([]domain.ScoredChunk, len(chunks))
	for i, c := range chunks {
		score := 0.0
		if i < len(resp.Distances) {
			score = 1 - resp.Distances[i]
		}
		results[i] = domain.ScoredChunk{Chunk: c, Score: score, Rank: i}
	}
	return results, nil
}
