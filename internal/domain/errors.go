package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrEmptyQuery             = errors.New("financial query cannot be empty")
	ErrInvalidFilter          = errors.New("invalid filter")
	ErrEmbeddingCountMismatch = errors.New("embedding count does not match chunk count")
	ErrDimensionMismatch      = errors.New("embedding dimension mismatch")
	ErrEmbeddingSpaceMismatch = errors.New("collection was built with a different embedding model")
	ErrNotFound               = errors.New("not found")
	ErrRerankFailed           = errors.New("rerank failed")
)

// Stage names a step of the query pipeline.
type Stage string

const (
	StageEmbed    Stage = "embed"
	StageSearch   Stage = "search"
	StageGenerate Stage = "generate"
)

// QueryError wraps a collaborator failure with the stage it happened in.
type QueryError struct {
	Stage Stage
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed at %s: %v", e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
