package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"finrag/internal/domain"
	"finrag/internal/filter"
	"finrag/internal/port"
)

// MemoryStore keeps chunks, vectors and postings in process memory. It
// implements port.VectorStore and serves postings to the BM25 index.
type MemoryStore struct {
	mu          sync.RWMutex
	chunks      map[string]domain.Chunk
	vectors     map[string][]float32
	postings    map[string][]domain.Posting
	totalTokens int
	dimension   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:   make(map[string]domain.Chunk),
		vectors:  make(map[string][]float32),
		postings: make(map[string][]domain.Posting),
	}
}

func (s *MemoryStore) AddDocuments(ctx context.Context, chunks []domain.Chunk, embeddings [][]float32) ([]string, error) {
	if len(chunks) != len(embeddings) {
		return nil, fmt.Errorf("%w: %d chunks, %d embeddings", domain.ErrEmbeddingCountMismatch, len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dimension
	if dim == 0 {
		dim = len(embeddings[0])
	}
	for i, vec := range embeddings {
		if len(vec) != dim {
			return nil, fmt.Errorf("%w: expected %d, got %d at index %d", domain.ErrDimensionMismatch, dim, len(vec), i)
		}
	}
	s.dimension = dim

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		s.putChunk(c)
		s.vectors[c.ID] = embeddings[i]
		ids[i] = c.ID
	}
	return ids, nil
}

// PutChunks stores chunks without vectors, for a keyword-only corpus.
func (s *MemoryStore) PutChunks(chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.putChunk(c)
	}
	return nil
}

func (s *MemoryStore) putChunk(c domain.Chunk) {
	if old, ok := s.chunks[c.ID]; ok {
		s.deletePostings(c.ID, old.Tokens)
		s.totalTokens -= len(old.Tokens)
	}
	s.chunks[c.ID] = c
	s.totalTokens += len(c.Tokens)

	tf := make(map[string]int)
	for _, token := range c.Tokens {
		tf[token]++
	}
	for term, count := range tf {
		s.postings[term] = append(s.postings[term], domain.Posting{ChunkID: c.ID, TF: count})
	}
}

func (s *MemoryStore) deletePostings(chunkID string, terms []string) {
	for _, term := range terms {
		filtered := make([]domain.Posting, 0)
		for _, p := range s.postings[term] {
			if p.ChunkID != chunkID {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			delete(s.postings, term)
		} else {
			s.postings[term] = filtered
		}
	}
}

func (s *MemoryStore) QueryByEmbedding(ctx context.Context, vector []float32, n int, where, whereDocument *filter.Clause) (port.QueryResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.vectors) == 0 || n <= 0 {
		return port.QueryResponse{}, nil
	}
	if len(vector) != s.dimension {
		return port.QueryResponse{}, fmt.Errorf("%w: query has %d, collection has %d", domain.ErrDimensionMismatch, len(vector), s.dimension)
	}

	type scored struct {
		id       string
		distance float64
	}
	candidates := make([]scored, 0, len(s.vectors))
	for id, vec := range s.vectors {
		c := s.chunks[id]
		if !where.Match(c.Metadata.Map()) || !whereDocument.MatchDocument(c.Text) {
			continue
		}
		candidates = append(candidates, scored{id: id, distance: 1 - cosine(vector, vec)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	var resp port.QueryResponse
	for _, c := range candidates {
		chunk := s.chunks[c.id]
		resp.IDs = append(resp.IDs, c.id)
		resp.Documents = append(resp.Documents, chunk.Text)
		resp.Metadatas = append(resp.Metadatas, chunk.Metadata.Map())
		resp.Distances = append(resp.Distances, c.distance)
	}
	return resp, nil
}

func (s *MemoryStore) GetByIDs(ctx context.Context, ids []string) (port.QueryResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var resp port.QueryResponse
	for _, id := range ids {
		chunk, ok := s.chunks[id]
		if !ok {
			continue
		}
		resp.IDs = append(resp.IDs, id)
		resp.Documents = append(resp.Documents, chunk.Text)
		resp.Metadatas = append(resp.Metadatas, chunk.Metadata.Map())
	}
	return resp, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

func (s *MemoryStore) DeleteCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(map[string]domain.Chunk)
	s.vectors = make(map[string][]float32)
	s.postings = make(map[string][]domain.Posting)
	s.totalTokens = 0
	s.dimension = 0
	return nil
}

func (s *MemoryStore) GetChunk(id string) (domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return domain.Chunk{}, fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
	}
	return chunk, nil
}

func (s *MemoryStore) GetPostings(term string) ([]domain.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.postings[term], nil
}

func (s *MemoryStore) GetStats() (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.Stats{TotalChunks: len(s.chunks)}
	if stats.TotalChunks > 0 {
		stats.AvgChunkLen = float64(s.totalTokens) / float64(stats.TotalChunks)
	}
	return stats, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
