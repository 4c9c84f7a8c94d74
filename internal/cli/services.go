package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"finrag/config"
	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/cache"
	"finrag/internal/adapter/chunker"
	"finrag/internal/adapter/embedding"
	"finrag/internal/adapter/fs"
	"finrag/internal/adapter/llm"
	"finrag/internal/adapter/memstore"
	"finrag/internal/adapter/ratelimit"
	"finrag/internal/adapter/retriever"
	"finrag/internal/adapter/store"
	"finrag/internal/domain"
	"finrag/internal/port"
	"finrag/internal/usecase"
)

// services holds the adapters one command run needs, built from config.
type services struct {
	cfg       *config.Config
	logger    *slog.Logger
	embedder  port.Embedder
	store     port.VectorStore
	lexical   port.LexicalIndex
	tokenizer *analyzer.Tokenizer
	counter   *analyzer.TokenCounter

	bolt *store.BoltStore
	pg   *store.PostgresStore

	cached  *usecase.CachedOptimizer
	closers []func() error
}

func (s *services) storePath() string {
	if filepath.IsAbs(s.cfg.Store.Path) {
		return s.cfg.Store.Path
	}
	return filepath.Join(GetRootDir(), s.cfg.Store.Path)
}

func openServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	s := &services{
		cfg:       cfg,
		logger:    logger,
		tokenizer: analyzer.NewTokenizer(cfg.Ingest.Stemming),
	}
	s.counter = newTokenCounter(cfg.LLM.Model, logger)

	embedder, err := embedding.New(cfg.Embedding, filepath.Dir(s.storePath()))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	s.embedder = embedder
	if c, ok := embedder.(io.Closer); ok {
		s.closers = append(s.closers, c.Close)
	}

	switch cfg.Store.Backend {
	case "bolt":
		path := s.storePath()
		if err := config.EnsureDataDir(path); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		st, err := store.NewBoltStore(path)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		s.closers = append(s.closers, st.Close)

		migration, err := st.CheckMigration(cfg)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to check migration: %w", err)
		}
		if migration.NeedsRebuild {
			logger.Warn("store format changed, clearing collection", "reason", migration.Reason)
			if err := st.Clear(); err != nil {
				s.close()
				return nil, fmt.Errorf("failed to clear store: %w", err)
			}
		}
		if migration.NeedsRebuild || migration.NeedsMigration {
			if err := st.Migrate(cfg); err != nil {
				s.close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}

		vs, err := store.NewBoltVectorStore(st, embedder.Dimension())
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
		s.bolt = st
		s.store = vs
		s.lexical = retriever.NewBM25Retriever(st, s.tokenizer, cfg.Retrieve.K1, cfg.Retrieve.B)

	case "memory":
		ms := memstore.NewMemoryStore()
		s.store = ms
		s.lexical = retriever.NewBM25Retriever(ms, s.tokenizer, cfg.Retrieve.K1, cfg.Retrieve.B)

	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Store.DSN, cfg.Store.Collection, embedder.Dimension())
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, pg.Close)
		s.pg = pg
		s.store = pg
		s.lexical = pg

	default:
		s.close()
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}

	return s, nil
}

func newTokenCounter(model string, logger *slog.Logger) *analyzer.TokenCounter {
	enc, err := analyzer.NewTiktokenEncoder(model)
	if err != nil {
		logger.Debug("exact token counting unavailable, estimating", "error", err)
		return analyzer.NewTokenCounter(nil, logger)
	}
	return analyzer.NewTokenCounter(enc, logger)
}

func (s *services) space() store.EmbeddingSpace {
	return store.EmbeddingSpace{
		Provider:  s.cfg.Embedding.Provider,
		Model:     s.embedder.ModelName(),
		Dimension: s.embedder.Dimension(),
	}
}

// guardSpace records the embedding space on first write and rejects a
// different one afterwards.
func (s *services) guardSpace(ctx context.Context) error {
	switch {
	case s.bolt != nil:
		return s.bolt.GuardEmbeddingSpace(s.space())
	case s.pg != nil:
		return s.pg.GuardEmbeddingSpace(ctx, s.space())
	}
	return nil
}

// checkSpace rejects queries embedded with a model other than the one the
// collection was built with. It never records anything.
func (s *services) checkSpace(ctx context.Context) error {
	switch {
	case s.bolt != nil:
		have, err := s.bolt.EmbeddingSpace()
		if err != nil || have == nil {
			return err
		}
		if want := s.space(); *have != want {
			return fmt.Errorf("%w: stored %s/%s (%d), configured %s/%s (%d)",
				domain.ErrEmbeddingSpaceMismatch, have.Provider, have.Model, have.Dimension,
				want.Provider, want.Model, want.Dimension)
		}
	case s.pg != nil:
		return s.pg.GuardEmbeddingSpace(ctx, s.space())
	}
	return nil
}

func (s *services) ingester(progress func(done, total int)) *usecase.Ingester {
	ic := s.cfg.Ingest
	opts := []usecase.IngestOption{
		usecase.WithSpaceGuard(s.guardSpace),
		usecase.WithIngestLogger(s.logger),
		usecase.WithChangeHook(func() {
			if s.cached != nil {
				s.cached.Invalidate()
			}
		}),
	}
	if progress != nil {
		opts = append(opts, usecase.WithProgress(progress))
	}
	return usecase.NewIngester(
		fs.NewWalker(ic.Includes, ic.Excludes),
		chunker.NewTextChunker(ic.ChunkTokens, ic.ChunkOverlap, s.counter, s.tokenizer),
		s.embedder,
		s.store,
		s.cfg.Embedding.BatchSize,
		s.cfg.Embedding.Workers,
		opts...,
	)
}

// retriever builds the retrieval pipeline, cached when cache_size is set.
func (s *services) retriever() (usecase.Retriever, error) {
	rc := s.cfg.Retrieve
	opts := []usecase.RetrievalOption{
		usecase.WithLexicalIndex(s.lexical),
		usecase.WithLogger(s.logger),
	}

	reranker, err := retriever.NewReranker(s.cfg.Rerank, s.tokenizer)
	if err != nil {
		return nil, fmt.Errorf("failed to create reranker: %w", err)
	}
	if reranker != nil {
		opts = append(opts, usecase.WithReranker(reranker, s.cfg.Rerank.Candidates))
	}
	if rc.MMRLambda > 0 {
		opts = append(opts, usecase.WithDiversity(retriever.NewMMRReranker(rc.MMRLambda, rc.DedupJaccard, s.tokenizer)))
	}
	if rc.ExpandNeighbors > 0 {
		opts = append(opts, usecase.WithNeighbourExpander(usecase.NewNeighbourExpander(s.store, rc.ExpandNeighbors)))
	}

	optimizer := usecase.NewRetrievalOptimizer(s.embedder, s.store, rc, opts...)
	if rc.CacheSize <= 0 {
		return optimizer, nil
	}
	s.cached = usecase.NewCachedOptimizer(optimizer, cache.NewQueryCache(rc.CacheSize, rc.CacheTTL))
	return s.cached, nil
}

func (s *services) llm() (port.LLM, error) {
	client, err := llm.NewClient(s.cfg.LLM, ratelimit.New(s.cfg.LLM.RequestsPerSecond, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return client, nil
}

func (s *services) promptEngineer() (*usecase.PromptEngineer, error) {
	return usecase.NewPromptEngineer(s.cfg.Prompt, s.counter)
}

func (s *services) conversation() *usecase.ConversationContext {
	return usecase.NewConversationContext(s.cfg.Memory, s.counter)
}

// querySystem wires the full question answering pipeline.
func (s *services) querySystem(ctx context.Context) (*usecase.QuerySystem, error) {
	if err := s.checkSpace(ctx); err != nil {
		return nil, err
	}
	r, err := s.retriever()
	if err != nil {
		return nil, err
	}
	model, err := s.llm()
	if err != nil {
		return nil, err
	}
	prompts, err := s.promptEngineer()
	if err != nil {
		return nil, err
	}
	return usecase.NewQuerySystem(
		r,
		retriever.NewQueryRefiner(model, s.logger),
		prompts,
		s.conversation(),
		model,
		s.cfg.Retrieve,
		s.logger,
	), nil
}

func (s *services) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
