package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"finrag/internal/domain"
	"finrag/internal/filter"
	"finrag/internal/port"
)

// BoltVectorStore implements port.VectorStore on top of a BoltStore.
// Search is brute force over an in-memory copy of the vectors.
type BoltVectorStore struct {
	store     *BoltStore
	dimension int
	mu        sync.RWMutex
	vectors   map[string]vectorEntry
}

type vectorEntry struct {
	vector   []float32
	metadata map[string]string
}

// NewBoltVectorStore loads the persisted vectors into memory. A dimension of
// zero is taken from the first stored vector.
func NewBoltVectorStore(store *BoltStore, dimension int) (*BoltVectorStore, error) {
	s := &BoltVectorStore{
		store:     store,
		dimension: dimension,
		vectors:   make(map[string]vectorEntry),
	}
	if err := s.loadVectors(); err != nil {
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	return s, nil
}

func (s *BoltVectorStore) loadVectors() error {
	return s.store.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVectors).ForEach(func(k, v []byte) error {
			var vec []float32
			if err := json.Unmarshal(v, &vec); err != nil {
				return nil // skip corrupted entries
			}
			chunk, ok, err := readChunk(tx, string(k))
			if err != nil || !ok {
				return nil
			}
			if s.dimension == 0 {
				s.dimension = len(vec)
			}
			s.vectors[string(k)] = vectorEntry{vector: vec, metadata: chunk.Metadata.Map()}
			return nil
		})
	})
}

// AddDocuments stores the chunks and their vectors in a single transaction.
// Nothing is written when the counts or dimensions disagree.
func (s *BoltVectorStore) AddDocuments(ctx context.Context, chunks []domain.Chunk, embeddings [][]float32) ([]string, error) {
	if len(chunks) != len(embeddings) {
		return nil, fmt.Errorf("%w: %d chunks, %d embeddings", domain.ErrEmbeddingCountMismatch, len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
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

	ids := make([]string, len(chunks))
	staged := make(map[string]vectorEntry, len(chunks))
	err := s.store.db.Update(func(tx *bbolt.Tx) error {
		vb := tx.Bucket(bucketVectors)
		for i, c := range chunks {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			if err := putChunk(tx, c); err != nil {
				return err
			}
			data, err := json.Marshal(embeddings[i])
			if err != nil {
				return err
			}
			if err := vb.Put([]byte(c.ID), data); err != nil {
				return err
			}
			ids[i] = c.ID
			staged[c.ID] = vectorEntry{vector: embeddings[i], metadata: c.Metadata.Map()}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add documents: %w", err)
	}

	s.dimension = dim
	for id, e := range staged {
		s.vectors[id] = e
	}
	return ids, nil
}

// QueryByEmbedding ranks stored chunks by cosine distance to vector.
// Equal distances are ordered by id so results are reproducible.
func (s *BoltVectorStore) QueryByEmbedding(ctx context.Context, vector []float32, n int, where, whereDocument *filter.Clause) (port.QueryResponse, error) {
	if err := ctx.Err(); err != nil {
		return port.QueryResponse{}, err
	}

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
	for id, entry := range s.vectors {
		if !where.Match(entry.metadata) {
			continue
		}
		candidates = append(candidates, scored{id: id, distance: 1 - cosineSimilarity(vector, entry.vector)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].id < candidates[j].id
	})

	var resp port.QueryResponse
	err := s.store.db.View(func(tx *bbolt.Tx) error {
		for _, c := range candidates {
			if resp.Len() >= n {
				break
			}
			chunk, ok, err := readChunk(tx, c.id)
			if err != nil {
				return err
			}
			if !ok || !whereDocument.MatchDocument(chunk.Text) {
				continue
			}
			resp.IDs = append(resp.IDs, c.id)
			resp.Documents = append(resp.Documents, chunk.Text)
			resp.Metadatas = append(resp.Metadatas, s.vectors[c.id].metadata)
			resp.Distances = append(resp.Distances, c.distance)
		}
		return nil
	})
	return resp, err
}

// GetByIDs returns the stored chunks in the order of ids.
func (s *BoltVectorStore) GetByIDs(ctx context.Context, ids []string) (port.QueryResponse, error) {
	if err := ctx.Err(); err != nil {
		return port.QueryResponse{}, err
	}
	chunks, err := s.store.GetChunks(ids)
	if err != nil {
		return port.QueryResponse{}, err
	}
	var resp port.QueryResponse
	for _, c := range chunks {
		resp.IDs = append(resp.IDs, c.ID)
		resp.Documents = append(resp.Documents, c.Text)
		resp.Metadatas = append(resp.Metadatas, c.Metadata.Map())
	}
	return resp, nil
}

func (s *BoltVectorStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors), nil
}

// DeleteCollection clears chunks, postings and vectors. Schema info and the
// embedding space record are kept.
func (s *BoltVectorStore) DeleteCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Clear(); err != nil {
		return err
	}
	s.vectors = make(map[string]vectorEntry)
	return nil
}

// Dimension returns the collection dimension, zero while empty and unset.
func (s *BoltVectorStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
