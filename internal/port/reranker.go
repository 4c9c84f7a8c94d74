package port

import "finrag/internal/domain"

// DiversityReranker reorders candidates to reduce redundancy.
type DiversityReranker interface {
	Rerank(chunks []domain.ScoredChunk, k int) []domain.ScoredChunk
}
