package port

import (
	"context"

	"finrag/internal/domain"
	"finrag/internal/filter"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// EmbedDocuments returns one vector per input text, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// VectorStore stores chunks with their embeddings and searches them.
type VectorStore interface {
	// AddDocuments stores chunks with their embeddings and returns the ids.
	// len(chunks) must equal len(embeddings).
	AddDocuments(ctx context.Context, chunks []domain.Chunk, embeddings [][]float32) ([]string, error)

	// QueryByEmbedding returns the n nearest chunks that satisfy the clauses.
	QueryByEmbedding(ctx context.Context, vector []float32, n int, where, whereDocument *filter.Clause) (QueryResponse, error)

	// GetByIDs fetches stored chunks. Unknown ids are skipped.
	GetByIDs(ctx context.Context, ids []string) (QueryResponse, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// DeleteCollection removes every chunk and vector.
	DeleteCollection(ctx context.Context) error
}

// QueryResponse holds parallel slices, one entry per returned chunk.
// Distances is empty for GetByIDs.
type QueryResponse struct {
	IDs       []string
	Documents []string
	Metadatas []map[string]string
	Distances []float64
}

// Len returns the number of entries.
func (r QueryResponse) Len() int {
	return len(r.IDs)
}

// Chunks converts the response into domain chunks.
func (r QueryResponse) Chunks() []domain.Chunk {
	chunks := make([]domain.Chunk, len(r.IDs))
	for i, id := range r.IDs {
		chunks[i] = domain.Chunk{ID: id}
		if i < len(r.Documents) {
			chunks[i].Text = r.Documents[i]
		}
		if i < len(r.Metadatas) {
			chunks[i].Metadata = domain.MetadataFromMap(r.Metadatas[i])
		}
	}
	return chunks
}

// LexicalIndex performs keyword retrieval over stored chunks.
type LexicalIndex interface {
	Search(ctx context.Context, query string, k int, where, whereDocument *filter.Clause) ([]domain.ScoredChunk, error)
}
