package usecase

import (
	"sort"

	"finrag/internal/domain"
	"finrag/internal/port"
)

// ContextPacker fits retrieved chunks into a prompt token budget.
type ContextPacker struct {
	counter port.TokenCounter
}

func NewContextPacker(counter port.TokenCounter) *ContextPacker {
	return &ContextPacker{counter: counter}
}

// Pack keeps chunks in rank order while they fit in budget, skipping any
// chunk that would overflow it, then groups adjacent chunks of the same
// source so they read in document order. Every kept chunk stays its own
// entry. A budget of zero or less keeps everything.
func (p *ContextPacker) Pack(chunks []domain.ScoredChunk, budget int) []domain.ScoredChunk {
	if len(chunks) == 0 {
		return nil
	}

	selected := make([]domain.ScoredChunk, 0, len(chunks))
	usedTokens := 0

	for _, c := range chunks {
		tokens := p.counter.CountTokens(c.Chunk.Text)
		if budget > 0 && usedTokens+tokens > budget {
			continue
		}
		selected = append(selected, c)
		usedTokens += tokens
	}

	return groupAdjacentChunks(selected)
}

// groupAdjacentChunks places chunks whose ChunkIndex values are consecutive
// within one source next to each other in index order. A run takes the
// position of its best ranked member.
func groupAdjacentChunks(chunks []domain.ScoredChunk) []domain.ScoredChunk {
	if len(chunks) <= 1 {
		return chunks
	}

	type member struct {
		pos   int
		chunk domain.ScoredChunk
	}
	bySource := make(map[string][]member)
	var sources []string
	for i, c := range chunks {
		src := c.Chunk.Metadata.Source
		if _, ok := bySource[src]; !ok {
			sources = append(sources, src)
		}
		bySource[src] = append(bySource[src], member{pos: i, chunk: c})
	}

	type run struct {
		pos    int
		chunks []domain.ScoredChunk
	}
	var runs []run

	for _, src := range sources {
		members := bySource[src]
		if src == "" {
			for _, m := range members {
				runs = append(runs, run{pos: m.pos, chunks: []domain.ScoredChunk{m.chunk}})
			}
			continue
		}
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].chunk.Chunk.Metadata.ChunkIndex < members[j].chunk.Chunk.Metadata.ChunkIndex
		})

		i := 0
		for i < len(members) {
			r := run{pos: members[i].pos, chunks: []domain.ScoredChunk{members[i].chunk}}
			last := members[i].chunk.Chunk.Metadata.ChunkIndex
			j := i + 1
			for j < len(members) && members[j].chunk.Chunk.Metadata.ChunkIndex == last+1 {
				r.chunks = append(r.chunks, members[j].chunk)
				r.pos = min(r.pos, members[j].pos)
				last++
				j++
			}
			runs = append(runs, r)
			i = j
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].pos < runs[j].pos
	})

	result := make([]domain.ScoredChunk, 0, len(chunks))
	for _, r := range runs {
		result = append(result, r.chunks...)
	}
	return result
}
