package retriever

import (
	"context"
	"math"
	"sort"

	"finrag/internal/domain"
	"finrag/internal/filter"
	"finrag/internal/port"
)

// PostingSource is the read side of a lexical index. BoltStore and
// MemoryStore both provide it.
type PostingSource interface {
	GetPostings(term string) ([]domain.Posting, error)
	GetStats() (domain.Stats, error)
	GetChunk(id string) (domain.Chunk, error)
}

// BM25Retriever scores chunks with Okapi BM25 over stored postings.
type BM25Retriever struct {
	source    PostingSource
	tokenizer port.Tokenizer
	k1        float64
	b         float64
}

func NewBM25Retriever(source PostingSource, tokenizer port.Tokenizer, k1, b float64) *BM25Retriever {
	if k1 <= 0 {
		k1 = 1.2
	}
	if b < 0 || b > 1 {
		b = 0.75
	}
	return &BM25Retriever{
		source:    source,
		tokenizer: tokenizer,
		k1:        k1,
		b:         b,
	}
}

// Search returns up to k chunks that satisfy the clauses, best first.
// Equal scores are ordered by chunk id and Rank is the result position.
func (r *BM25Retriever) Search(ctx context.Context, query string, k int, where, whereDocument *filter.Clause) ([]domain.ScoredChunk, error) {
	queryTokens := uniqueTokens(r.tokenizer.Tokenize(query))
	if len(queryTokens) == 0 || k <= 0 {
		return nil, nil
	}

	stats, err := r.source.GetStats()
	if err != nil {
		return nil, err
	}
	if stats.TotalChunks == 0 {
		return nil, nil
	}

	chunkScores := make(map[string]float64)
	chunks := make(map[string]domain.Chunk)
	rejected := make(map[string]struct{})

	N := float64(stats.TotalChunks)
	avgDl := stats.AvgChunkLen
	if avgDl == 0 {
		avgDl = 1
	}

	for _, term := range queryTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		postings, err := r.source.GetPostings(term)
		if err != nil {
			return nil, err
		}

		n := float64(len(postings))
		idf := math.Log((N-n+0.5)/(n+0.5) + 1)

		for _, posting := range postings {
			if _, skip := rejected[posting.ChunkID]; skip {
				continue
			}
			chunk, seen := chunks[posting.ChunkID]
			if !seen {
				chunk, err = r.source.GetChunk(posting.ChunkID)
				if err != nil {
					rejected[posting.ChunkID] = struct{}{}
					continue
				}
				if !where.Match(chunk.Metadata.Map()) || !whereDocument.MatchDocument(chunk.Text) {
					rejected[posting.ChunkID] = struct{}{}
					continue
				}
				chunks[posting.ChunkID] = chunk
			}

			dl := float64(len(chunk.Tokens))
			tf := float64(posting.TF)
			chunkScores[posting.ChunkID] += idf * (tf * (r.k1 + 1)) / (tf + r.k1*(1-r.b+r.b*dl/avgDl))
		}
	}

	results := make([]domain.ScoredChunk, 0, len(chunkScores))
	for id, score := range chunkScores {
		results = append(results, domain.ScoredChunk{Chunk: chunks[id], Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i
	}

	return results, nil
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
