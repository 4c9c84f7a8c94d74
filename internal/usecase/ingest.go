package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"finrag/internal/adapter/chunker"
	"finrag/internal/adapter/fs"
	"finrag/internal/domain"
	"finrag/internal/port"
)

// Ingester walks a directory of financial documents, chunks them and stores
// the chunks with their embeddings.
type Ingester struct {
	walker    *fs.Walker
	chunker   *chunker.TextChunker
	embedder  port.Embedder
	store     port.VectorStore
	batchSize int
	workers   int

	guard    func(ctx context.Context) error
	onChange func()
	progress func(done, total int)
	logger   *slog.Logger
}

// IngestOption configures an Ingester.
type IngestOption func(*Ingester)

// WithSpaceGuard runs guard once before the first write. It is where the
// store records or checks the embedding model of the collection.
func WithSpaceGuard(guard func(ctx context.Context) error) IngestOption {
	return func(u *Ingester) { u.guard = guard }
}

// WithChangeHook is called after chunks were written, typically to drop
// cached retrieval results.
func WithChangeHook(fn func()) IngestOption {
	return func(u *Ingester) { u.onChange = fn }
}

// WithProgress reports stored chunks against the total after every batch.
func WithProgress(fn func(done, total int)) IngestOption {
	return func(u *Ingester) { u.progress = fn }
}

func WithIngestLogger(l *slog.Logger) IngestOption {
	return func(u *Ingester) {
		if l != nil {
			u.logger = l
		}
	}
}

func NewIngester(
	walker *fs.Walker,
	chunker *chunker.TextChunker,
	embedder port.Embedder,
	store port.VectorStore,
	batchSize, workers int,
	opts ...IngestOption,
) *Ingester {
	if batchSize < 1 {
		batchSize = 100
	}
	if workers < 1 {
		workers = 1
	}
	u := &Ingester{
		walker:    walker,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		batchSize: batchSize,
		workers:   workers,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	FilesIndexed  int
	FilesSkipped  int
	ChunksCreated int
	Errors        []string
	Took          time.Duration
}

// Ingest indexes every matching file under root. Unreadable files are
// recorded in the result and skipped; embedding or store failures abort.
func (u *Ingester) Ingest(ctx context.Context, root string) (*IngestResult, error) {
	start := time.Now()
	result := &IngestResult{}

	files, err := u.walker.Walk(root)
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	var chunks []domain.Chunk
	for _, file := range files {
		fileChunks, err := u.chunkFile(file)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to index %s: %v", file.RelPath, err))
			continue
		}
		if len(fileChunks) == 0 {
			result.FilesSkipped++
			continue
		}
		chunks = append(chunks, fileChunks...)
		result.FilesIndexed++
	}
	u.logger.Info("documents chunked", "files", result.FilesIndexed, "skipped", result.FilesSkipped, "chunks", len(chunks))

	if len(chunks) == 0 {
		result.Took = time.Since(start)
		return result, nil
	}

	if u.guard != nil {
		if err := u.guard(ctx); err != nil {
			return nil, err
		}
	}

	stored, err := u.storeChunks(ctx, chunks)
	result.ChunksCreated = stored
	if stored > 0 && u.onChange != nil {
		u.onChange()
	}
	if err != nil {
		return nil, err
	}

	result.Took = time.Since(start)
	u.logger.Info("ingestion finished", "chunks", stored, "took", result.Took)
	return result, nil
}

func (u *Ingester) chunkFile(file fs.FileInfo) ([]domain.Chunk, error) {
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	text, err := chunker.ExtractText(file.Path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}
	return u.chunker.Chunk(fs.ParseMetadata(file), text), nil
}

// storeChunks embeds and stores chunks in batches, at most workers batches
// in flight. It returns how many chunks were written.
func (u *Ingester) storeChunks(ctx context.Context, chunks []domain.Chunk) (int, error) {
	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.workers)

	for i := 0; i < len(chunks); i += u.batchSize {
		batch := chunks[i:min(i+u.batchSize, len(chunks))]
		g.Go(func() error {
			if _, err := GenerateAndStore(gctx, u.embedder, u.store, batch); err != nil {
				return err
			}
			mu.Lock()
			done += len(batch)
			if u.progress != nil {
				u.progress(done, len(chunks))
			}
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	return done, err
}

// GenerateAndStore embeds the chunk texts and stores them. A provider that
// returns a different number of vectors than texts fails the batch before
// anything is written.
func GenerateAndStore(ctx context.Context, embedder port.Embedder, store port.VectorStore, chunks []domain.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	embeddings, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("%w: %d chunks, %d embeddings", domain.ErrEmbeddingCountMismatch, len(chunks), len(embeddings))
	}

	ids, err := store.AddDocuments(ctx, chunks, embeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to store chunks: %w", err)
	}
	return ids, nil
}
