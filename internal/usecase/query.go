package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"finrag/config"
	"finrag/internal/adapter/retriever"
	"finrag/internal/domain"
	"finrag/internal/port"
)

// Answers returned instead of model output.
const (
	NoInformationAnswer = "I could not find information about this in the available financial documents."
	FailureAnswer       = "Sorry, I was unable to answer this question right now. Please try again later."
)

// QueryRequest is one question with its retrieval scope.
type QueryRequest struct {
	Question string
	TopK     int // 0 uses the configured default
	Filter   domain.Filter
	History  []domain.Turn
}

// QuerySystem answers questions over the indexed documents.
type QuerySystem struct {
	retriever    Retriever
	refiner      *retriever.QueryRefiner
	prompts      *PromptEngineer
	conversation *ConversationContext
	llm          port.LLM
	cfg          config.RetrieveConfig
	logger       *slog.Logger
}

func NewQuerySystem(
	r Retriever,
	refiner *retriever.QueryRefiner,
	prompts *PromptEngineer,
	conversation *ConversationContext,
	llm port.LLM,
	cfg config.RetrieveConfig,
	logger *slog.Logger,
) *QuerySystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuerySystem{
		retriever:    r,
		refiner:      refiner,
		prompts:      prompts,
		conversation: conversation,
		llm:          llm,
		cfg:          cfg,
		logger:       logger,
	}
}

// Query validates the request, then runs refine, retrieve, prompt and
// generate. Only validation errors are returned; collaborator failures are
// reported through QueryResult.Error with a safe answer.
func (q *QuerySystem) Query(ctx context.Context, req QueryRequest) (domain.QueryResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return domain.QueryResult{}, domain.ErrEmptyQuery
	}
	if err := req.Filter.Validate(); err != nil {
		return domain.QueryResult{}, err
	}
	topK := req.TopK
	if topK < 1 {
		topK = q.cfg.TopK
	}
	if topK < 1 {
		topK = 5
	}

	start := time.Now()
	logger := q.logger.With("request_id", uuid.NewString())

	history, _ := q.conversation.Build(req.History, question)

	refined, err := q.refiner.Refine(question)
	if err != nil {
		return domain.QueryResult{}, err
	}

	queries := []string{refined}
	if q.cfg.MultiQuery {
		queries, err = q.refiner.MultiQueries(ctx, refined, q.cfg.MaxQueries)
		if err != nil {
			return domain.QueryResult{}, err
		}
	}
	if q.cfg.Decompose {
		queries = q.withSubQuestions(ctx, logger, queries, question)
	}
	logger.Debug("query refined", "refined", refined, "variants", len(queries))

	chunks, err := RetrieveAll(ctx, q.retriever, queries, req.Filter, topK, logger)
	if err != nil {
		var qerr *domain.QueryError
		if !errors.As(err, &qerr) {
			qerr = &domain.QueryError{Stage: domain.StageSearch, Err: err}
		}
		logger.Error("retrieval failed", "stage", qerr.Stage, "error", qerr.Err)
		return failedResult(qerr, FailureAnswer), nil
	}

	prompt, used, err := q.prompts.Build(question, chunks, history)
	if err != nil {
		qerr := &domain.QueryError{Stage: domain.StageGenerate, Err: err}
		logger.Error("prompt assembly failed", "error", err)
		return failedResult(qerr, FailureAnswer), nil
	}

	answer, err := q.llm.Invoke(ctx, prompt)
	if err != nil {
		qerr := &domain.QueryError{Stage: domain.StageGenerate, Err: err}
		logger.Error("generation failed", "model", q.llm.ModelName(), "error", err)
		fallback := FailureAnswer
		if len(used) == 0 {
			fallback = NoInformationAnswer
		}
		return failedResult(qerr, fallback), nil
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = NoInformationAnswer
	}

	// Sources[i] is the chunk rendered as [Source i+1].
	sources := make([]domain.Source, len(used))
	for i, c := range used {
		sources[i] = domain.SourceFromChunk(c)
	}

	logger.Info("query answered",
		"retrieved", len(chunks),
		"chunks", len(used),
		"history", history != "",
		"took", time.Since(start),
	)
	return domain.QueryResult{
		Answer:     answer,
		Sources:    sources,
		ChunksUsed: len(used),
	}, nil
}

// withSubQuestions appends the refined sub-questions of a compound question
// to queries, skipping case-insensitive duplicates. The total never exceeds
// MaxQueries.
func (q *QuerySystem) withSubQuestions(ctx context.Context, logger *slog.Logger, queries []string, question string) []string {
	limit := max(q.cfg.MaxQueries, 1)
	subs, err := q.refiner.Decompose(ctx, question)
	if err != nil {
		logger.Warn("query decomposition failed", "error", err)
		return queries
	}
	if len(subs) < 2 {
		return queries
	}

	seen := make(map[string]bool, len(queries)+len(subs))
	for _, existing := range queries {
		seen[strings.ToLower(existing)] = true
	}
	for _, sub := range subs {
		if len(queries) >= limit {
			break
		}
		refined, err := q.refiner.Refine(sub)
		if err != nil {
			continue
		}
		if key := strings.ToLower(refined); !seen[key] {
			seen[key] = true
			queries = append(queries, refined)
		}
	}
	return queries
}

func failedResult(err *domain.QueryError, answer string) domain.QueryResult {
	return domain.QueryResult{
		Answer:  answer,
		Sources: []domain.Source{},
		Error:   err.Error(),
	}
}
