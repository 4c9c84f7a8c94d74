package usecase

import (
	"context"
	"fmt"
	"strings"

	"finrag/internal/adapter/chunker"
	"finrag/internal/domain"
	"finrag/internal/port"
)

// NeighbourExpander enriches each result with the text of the chunks next to
// it in the same source. It never adds results, so the caller's top-k bound
// still holds.
type NeighbourExpander struct {
	store  port.VectorStore
	window int // chunks fetched on each side
}

func NewNeighbourExpander(store port.VectorStore, window int) *NeighbourExpander {
	return &NeighbourExpander{store: store, window: window}
}

// Expand returns a copy of results whose texts include up to window chunks
// before and after each hit. Neighbours that are results in their own right
// are left out to keep the prompt free of duplicates.
func (e *NeighbourExpander) Expand(ctx context.Context, results []domain.ScoredChunk) ([]domain.ScoredChunk, error) {
	if e.window <= 0 || len(results) == 0 {
		return results, nil
	}

	included := make(map[string]bool, len(results))
	for _, r := range results {
		included[r.Chunk.ID] = true
	}

	var ids []string
	wanted := make(map[string]bool)
	for _, r := range results {
		src := r.Chunk.Metadata.Source
		if src == "" {
			continue
		}
		for d := -e.window; d <= e.window; d++ {
			idx := r.Chunk.Metadata.ChunkIndex + d
			if d == 0 || idx < 0 {
				continue
			}
			id := chunker.ChunkID(src, idx)
			if included[id] || wanted[id] {
				continue
			}
			wanted[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return results, nil
	}

	resp, err := e.store.GetByIDs(ctx, ids)
	if err != nil {
		return results, fmt.Errorf("failed to fetch neighbour chunks: %w", err)
	}
	neighbours := make(map[string]domain.Chunk, resp.Len())
	for _, c := range resp.Chunks() {
		neighbours[c.ID] = c
	}

	expanded := make([]domain.ScoredChunk, len(results))
	for i, r := range results {
		expanded[i] = r
		src := r.Chunk.Metadata.Source
		if src == "" {
			continue
		}

		var before, after []string
		for d := e.window; d >= 1; d-- {
			if c, ok := neighbours[chunker.ChunkID(src, r.Chunk.Metadata.ChunkIndex-d)]; ok && r.Chunk.Metadata.ChunkIndex-d >= 0 {
				before = append(before, c.Text)
			}
		}
		for d := 1; d <= e.window; d++ {
			if c, ok := neighbours[chunker.ChunkID(src, r.Chunk.Metadata.ChunkIndex+d)]; ok {
				after = append(after, c.Text)
			}
		}
		if len(before) == 0 && len(after) == 0 {
			continue
		}

		parts := append(before, r.Chunk.Text)
		parts = append(parts, after...)
		expanded[i].Chunk.Text = strings.Join(parts, "\n")
	}
	return expanded, nil
}
