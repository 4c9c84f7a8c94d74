package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"finrag/internal/domain"
)

var (
	bucketChunks  = []byte("chunks")
	bucketBlobs   = []byte("blobs")
	bucketTerms   = []byte("terms")
	bucketStats   = []byte("stats")
	bucketVectors = []byte("vectors")
	keyStats      = []byte("corpus_stats")
)

// BoltStore persists chunks, their text, and the lexical postings.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{bucketChunks, bucketBlobs, bucketTerms, bucketStats, bucketVectors}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

type chunkMeta struct {
	Metadata domain.Metadata `json:"metadata"`
	Tokens   []string        `json:"tokens"`
}

// storedStats keeps the token total so the average can be updated
// incrementally.
type storedStats struct {
	TotalChunks int `json:"total_chunks"`
	TotalTokens int `json:"total_tokens"`
}

// putChunk writes a chunk, its text, and its postings inside tx.
// Rewriting an existing id replaces its postings.
func putChunk(tx *bbolt.Tx, chunk domain.Chunk) error {
	chunks := tx.Bucket(bucketChunks)
	if old := chunks.Get([]byte(chunk.ID)); old != nil {
		var prev chunkMeta
		if err := json.Unmarshal(old, &prev); err == nil {
			if err := deletePostings(tx, chunk.ID, prev.Tokens); err != nil {
				return err
			}
			if err := adjustStats(tx, -1, -len(prev.Tokens)); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(chunkMeta{Metadata: chunk.Metadata, Tokens: chunk.Tokens})
	if err != nil {
		return err
	}
	if err := chunks.Put([]byte(chunk.ID), data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketBlobs).Put([]byte(chunk.ID), []byte(chunk.Text)); err != nil {
		return err
	}

	tf := make(map[string]int)
	for _, token := range chunk.Tokens {
		tf[token]++
	}
	for term, count := range tf {
		if err := putPosting(tx, term, chunk.ID, count); err != nil {
			return err
		}
	}

	return adjustStats(tx, 1, len(chunk.Tokens))
}

func putPosting(tx *bbolt.Tx, term, chunkID string, tf int) error {
	b := tx.Bucket(bucketTerms)
	var postings []domain.Posting
	if data := b.Get([]byte(term)); data != nil {
		if err := json.Unmarshal(data, &postings); err != nil {
			return fmt.Errorf("corrupt postings for %q: %w", term, err)
		}
	}

	found := false
	for i := range postings {
		if postings[i].ChunkID == chunkID {
			postings[i].TF = tf
			found = true
			break
		}
	}
	if !found {
		postings = append(postings, domain.Posting{ChunkID: chunkID, TF: tf})
	}
	data, err := json.Marshal(postings)
	if err != nil {
		return err
	}
	return b.Put([]byte(term), data)
}

func deletePostings(tx *bbolt.Tx, chunkID string, terms []string) error {
	b := tx.Bucket(bucketTerms)
	for _, term := range terms {
		data := b.Get([]byte(term))
		if data == nil {
			continue
		}
		var postings []domain.Posting
		if err := json.Unmarshal(data, &postings); err != nil {
			continue
		}

		filtered := make([]domain.Posting, 0, len(postings))
		for _, p := range postings {
			if p.ChunkID != chunkID {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			if err := b.Delete([]byte(term)); err != nil {
				return err
			}
			continue
		}
		data, err := json.Marshal(filtered)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(term), data); err != nil {
			return err
		}
	}
	return nil
}

func adjustStats(tx *bbolt.Tx, chunks, tokens int) error {
	b := tx.Bucket(bucketStats)
	var st storedStats
	if data := b.Get(keyStats); data != nil {
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
	}
	st.TotalChunks += chunks
	st.TotalTokens += tokens
	if st.TotalChunks < 0 {
		st.TotalChunks = 0
	}
	if st.TotalTokens < 0 {
		st.TotalTokens = 0
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return b.Put(keyStats, data)
}

func readChunk(tx *bbolt.Tx, id string) (domain.Chunk, bool, error) {
	data := tx.Bucket(bucketChunks).Get([]byte(id))
	if data == nil {
		return domain.Chunk{}, false, nil
	}
	var meta chunkMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.Chunk{}, false, fmt.Errorf("corrupt chunk %s: %w", id, err)
	}
	text := tx.Bucket(bucketBlobs).Get([]byte(id))
	return domain.Chunk{
		ID:       id,
		Text:     string(text),
		Metadata: meta.Metadata,
		Tokens:   meta.Tokens,
	}, true, nil
}

func (s *BoltStore) GetChunk(id string) (domain.Chunk, error) {
	var chunk domain.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, ok, err := readChunk(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
		}
		chunk = c
		return nil
	})
	return chunk, err
}

// GetChunks returns the chunks that exist, in the order of ids.
func (s *BoltStore) GetChunks(ids []string) ([]domain.Chunk, error) {
	chunks := make([]domain.Chunk, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			c, ok, err := readChunk(tx, id)
			if err != nil {
				return err
			}
			if ok {
				chunks = append(chunks, c)
			}
		}
		return nil
	})
	return chunks, err
}

func (s *BoltStore) GetPostings(term string) ([]domain.Posting, error) {
	var postings []domain.Posting
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTerms).Get([]byte(term))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &postings)
	})
	return postings, err
}

func (s *BoltStore) GetStats() (domain.Stats, error) {
	var st storedStats
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStats).Get(keyStats)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return domain.Stats{}, err
	}
	stats := domain.Stats{TotalChunks: st.TotalChunks}
	if st.TotalChunks > 0 {
		stats.AvgChunkLen = float64(st.TotalTokens) / float64(st.TotalChunks)
	}
	return stats, nil
}

// PutChunks stores chunks without vectors, for a keyword-only corpus.
func (s *BoltStore) PutChunks(chunks []domain.Chunk) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, c := range chunks {
			if err := putChunk(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllTerms lists every indexed term.
func (s *BoltStore) AllTerms() ([]string, error) {
	var terms []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTerms).ForEach(func(k, v []byte) error {
			terms = append(terms, string(k))
			return nil
		})
	})
	return terms, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
