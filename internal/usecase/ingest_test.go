package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/config"
	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/chunker"
	"finrag/internal/adapter/embedding"
	"finrag/internal/adapter/fs"
	"finrag/internal/adapter/memstore"
	"finrag/internal/domain"
	"finrag/internal/port"
)

func writeCorpus(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"filings/AAPL_10-K_2023-11-03.txt": "Apple net sales were 383 billion dollars.\nServices revenue reached a record.",
		"news/TSLA_2024-01-02.html":        "<html><body><h1>Tesla deliveries</h1><p>Tesla delivered 484,507 vehicles.</p></body></html>",
		"notes/empty.txt":                  "",
		"notes/ignored.csv":                "a,b,c",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func newTestIngester(embedder port.Embedder, store port.VectorStore, opts ...IngestOption) *Ingester {
	cfg := config.DefaultConfig().Ingest
	counter := analyzer.NewTokenCounter(nil, nil)
	return NewIngester(
		fs.NewWalker(cfg.Includes, cfg.Excludes),
		chunker.NewTextChunker(cfg.ChunkTokens, cfg.ChunkOverlap, counter, analyzer.NewTokenizer(cfg.Stemming)),
		embedder,
		store,
		1, 2,
		opts...,
	)
}

func TestIngest(t *testing.T) {
	root := writeCorpus(t)
	s := memstore.NewMemoryStore()
	ctx := context.Background()

	var guarded, changed int
	var lastDone, lastTotal int
	ingester := newTestIngester(embedding.NewHashEmbedder(32), s,
		WithSpaceGuard(func(context.Context) error { guarded++; return nil }),
		WithChangeHook(func() { changed++ }),
		WithProgress(func(done, total int) { lastDone, lastTotal = done, total }),
	)

	result, err := ingester.Ingest(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesIndexed)
	assert.Equal(t, 1, result.FilesSkipped)
	assert.Equal(t, 2, result.ChunksCreated)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, guarded)
	assert.Equal(t, 1, changed)
	assert.Equal(t, 2, lastDone)
	assert.Equal(t, 2, lastTotal)

	c, err := s.GetChunk(chunker.ChunkID("filings/AAPL_10-K_2023-11-03.txt", 0))
	require.NoError(t, err)
	assert.Equal(t, "AAPL", c.Metadata.Ticker)
	assert.Equal(t, "10-K", c.Metadata.FormType)
	assert.Equal(t, "2023-11-03", c.Metadata.Date)
	assert.Equal(t, "filing", c.Metadata.DocType)
	assert.NotEmpty(t, c.Tokens)

	news, err := s.GetChunk(chunker.ChunkID("news/TSLA_2024-01-02.html", 0))
	require.NoError(t, err)
	assert.NotContains(t, news.Text, "<p>")
	assert.Contains(t, news.Text, "Tesla delivered 484,507 vehicles.")

	// Chunk ids are deterministic, so a second run replaces instead of
	// duplicating.
	_, err = ingester.Ingest(ctx, root)
	require.NoError(t, err)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIngestGuardFailure(t *testing.T) {
	root := writeCorpus(t)
	s := memstore.NewMemoryStore()
	changed := false

	ingester := newTestIngester(embedding.NewHashEmbedder(32), s,
		WithSpaceGuard(func(context.Context) error { return domain.ErrEmbeddingSpaceMismatch }),
		WithChangeHook(func() { changed = true }),
	)
	_, err := ingester.Ingest(context.Background(), root)
	require.ErrorIs(t, err, domain.ErrEmbeddingSpaceMismatch)
	assert.False(t, changed)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestMissingRoot(t *testing.T) {
	ingester := newTestIngester(embedding.NewHashEmbedder(32), memstore.NewMemoryStore())
	_, err := ingester.Ingest(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// shortEmbedder drops the last vector of every batch.
type shortEmbedder struct {
	*embedding.HashEmbedder
}

func (e shortEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.HashEmbedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	return vecs[:len(vecs)-1], nil
}

type brokenEmbedder struct {
	*embedding.HashEmbedder
}

func (brokenEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("quota exceeded")
}

func TestGenerateAndStore(t *testing.T) {
	ctx := context.Background()
	chunks := []domain.Chunk{
		filingChunk("AAPL", 0, "Apple revenue."),
		filingChunk("AAPL", 1, "Apple margins."),
	}

	t.Run("stores every chunk", func(t *testing.T) {
		s := memstore.NewMemoryStore()
		ids, err := GenerateAndStore(ctx, embedding.NewHashEmbedder(16), s, chunks)
		require.NoError(t, err)
		assert.Equal(t, []string{chunks[0].ID, chunks[1].ID}, ids)
	})

	t.Run("count mismatch writes nothing", func(t *testing.T) {
		s := memstore.NewMemoryStore()
		_, err := GenerateAndStore(ctx, shortEmbedder{embedding.NewHashEmbedder(16)}, s, chunks)
		require.ErrorIs(t, err, domain.ErrEmbeddingCountMismatch)
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("provider failure", func(t *testing.T) {
		s := memstore.NewMemoryStore()
		_, err := GenerateAndStore(ctx, brokenEmbedder{embedding.NewHashEmbedder(16)}, s, chunks)
		assert.Error(t, err)
	})

	t.Run("empty batch", func(t *testing.T) {
		ids, err := GenerateAndStore(ctx, embedding.NewHashEmbedder(16), memstore.NewMemoryStore(), nil)
		require.NoError(t, err)
		assert.Nil(t, ids)
	})
}
