package retriever

import (
	"sort"

	"finrag/internal/domain"
)

// RRFFuser merges a dense and a lexical result list with weighted
// Reciprocal Rank Fusion.
type RRFFuser struct {
	rrfK       int     // RRF constant (typically 60)
	bm25Weight float64 // Weight for lexical results (0-1)
}

func NewRRFFuser(rrfK int, bm25Weight float64) *RRFFuser {
	if rrfK <= 0 {
		rrfK = 60
	}
	if bm25Weight < 0 || bm25Weight > 1 {
		bm25Weight = 0.5
	}
	return &RRFFuser{rrfK: rrfK, bm25Weight: bm25Weight}
}

// Fuse scores each chunk as Σ w/(k + rank + 1) over the lists it appears
// in. A chunk found by both passes appears once with the summed score and
// the dense copy, which carries the stored text and metadata. Rank of the
// fused entry is its best rank in either list, with dense ranks first.
func (f *RRFFuser) Fuse(dense, lexical []domain.ScoredChunk) []domain.ScoredChunk {
	type entry struct {
		chunk domain.ScoredChunk
		score float64
		rank  int
	}
	entries := make(map[string]*entry, len(dense)+len(lexical))
	order := make([]string, 0, len(dense)+len(lexical))

	denseWeight := 1.0 - f.bm25Weight
	for rank, result := range dense {
		id := result.Chunk.ID
		if e, ok := entries[id]; ok {
			e.score += denseWeight / float64(f.rrfK+rank+1)
			continue
		}
		entries[id] = &entry{chunk: result, score: denseWeight / float64(f.rrfK+rank+1), rank: rank}
		order = append(order, id)
	}

	for rank, result := range lexical {
		id := result.Chunk.ID
		score := f.bm25Weight / float64(f.rrfK+rank+1)
		if e, ok := entries[id]; ok {
			e.score += score
			if len(e.chunk.Chunk.Tokens) == 0 {
				e.chunk.Chunk.Tokens = result.Chunk.Tokens
			}
			continue
		}
		entries[id] = &entry{chunk: result, score: score, rank: len(dense) + rank}
		order = append(order, id)
	}

	fused := make([]domain.ScoredChunk, 0, len(entries))
	for _, id := range order {
		e := entries[id]
		sc := e.chunk
		sc.Score = e.score
		sc.Rank = e.rank
		fused = append(fused, sc)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].Rank < fused[j].Rank
	})

	return fused
}
