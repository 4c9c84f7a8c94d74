package retriever

import (
	"strings"

	"finrag/internal/domain"
	"finrag/internal/port"
)

// MMRReranker implements Maximal Marginal Relevance for result diversification.
type MMRReranker struct {
	lambda       float64
	dedupJaccard float64
	tokenizer    port.Tokenizer
}

// NewMMRReranker creates a new MMR reranker. The tokenizer is used for
// chunks that come back from the vector store without lexical tokens; nil
// falls back to lower-cased whitespace splitting.
func NewMMRReranker(lambda, dedupJaccard float64, tokenizer port.Tokenizer) *MMRReranker {
	if lambda <= 0 || lambda > 1 {
		lambda = 0.7
	}
	if dedupJaccard <= 0 || dedupJaccard > 1 {
		dedupJaccard = 1
	}
	return &MMRReranker{
		lambda:       lambda,
		dedupJaccard: dedupJaccard,
		tokenizer:    tokenizer,
	}
}

// Rerank applies MMR to diversify the results.
// MMR(c) = λ * relevance(c) - (1-λ) * max_similarity(c, selected)
func (r *MMRReranker) Rerank(candidates []domain.ScoredChunk, k int) []domain.ScoredChunk {
	if len(candidates) == 0 || k <= 0 {
		return nil
	}

	if k > len(candidates) {
		k = len(candidates)
	}

	// Normalize scores to [0, 1] for fair comparison
	maxScore := candidates[0].Score
	for _, c := range candidates {
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}
	if maxScore == 0 {
		maxScore = 1
	}

	type candidate struct {
		chunk  domain.ScoredChunk
		tokens []string
	}
	remaining := make([]candidate, len(candidates))
	for i, c := range candidates {
		remaining[i] = candidate{chunk: c, tokens: r.tokens(c.Chunk)}
	}
	selected := make([]candidate, 0, k)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestMMR := -1e9

		for i, cand := range remaining {
			relevance := cand.chunk.Score / maxScore

			maxSim := 0.0
			for _, sel := range selected {
				sim := jaccardSimilarity(cand.tokens, sel.tokens)
				if sim > maxSim {
					maxSim = sim
				}
			}

			// Near-duplicates of a selected chunk are never picked
			if len(selected) > 0 && maxSim >= r.dedupJaccard {
				continue
			}

			mmr := r.lambda*relevance - (1-r.lambda)*maxSim
			if mmr > bestMMR {
				bestMMR = mmr
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			break
		}

		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	out := make([]domain.ScoredChunk, len(selected))
	for i, s := range selected {
		out[i] = s.chunk
	}
	return out
}

func (r *MMRReranker) tokens(c domain.Chunk) []string {
	if len(c.Tokens) > 0 {
		return c.Tokens
	}
	if r.tokenizer != nil {
		return r.tokenizer.Tokenize(c.Text)
	}
	return strings.Fields(strings.ToLower(c.Text))
}

// jaccardSimilarity computes the Jaccard similarity between two token sets.
func jaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	setA := termSet(a)
	setB := termSet(b)

	intersection := 0
	for t := range setA {
		if _, exists := setB[t]; exists {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}

// JaccardSimilarity reports the overlap of two token lists in [0, 1].
func JaccardSimilarity(a, b []string) float64 {
	return jaccardSimilarity(a, b)
}
