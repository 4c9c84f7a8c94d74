package embedding

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knights-analytics/hugot"
)

const DefaultHugotModel = "sentence-transformers/all-MiniLM-L6-v2"

// HugotEmbedder runs a sentence-transformer locally through a hugot
// feature-extraction pipeline.
type HugotEmbedder struct {
	mu        sync.Mutex
	session   *hugot.Session
	run       func(texts []string) ([][]float32, error)
	model     string
	dimension int
	batchSize int
}

// PrepareModel downloads model into modelDir unless it is already there and
// returns the local path.
func PrepareModel(model, modelDir string) (string, error) {
	modelPath := filepath.Join(modelDir, strings.ReplaceAll(model, "/", "_"))
	if _, err := os.Stat(modelPath); err == nil {
		return modelPath, nil
	}
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}
	options := hugot.NewDownloadOptions()
	options.OnnxFilePath = "onnx/model.onnx"
	path, err := hugot.DownloadModel(model, modelDir, options)
	if err != nil {
		return "", fmt.Errorf("failed to download model %s: %w", model, err)
	}
	return path, nil
}

// NewHugotEmbedder loads the model at modelPath. dimension must match the
// model output, 384 for all-MiniLM-L6-v2.
func NewHugotEmbedder(model, modelPath string, dimension, batchSize int) (*HugotEmbedder, error) {
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "finrag-embedder",
	})
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create embedding pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create embedding pipeline: %w", err)
	}

	if batchSize <= 0 {
		batchSize = 32
	}
	run := func(texts []string) ([][]float32, error) {
		result, err := pipeline.RunPipeline(texts)
		if err != nil {
			return nil, err
		}
		return result.Embeddings, nil
	}

	return &HugotEmbedder{
		session:   session,
		run:       run,
		model:     model,
		dimension: dimension,
		batchSize: batchSize,
	}, nil
}

func (e *HugotEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		embeddings, err := e.run(texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(embeddings) != end-i {
			return nil, fmt.Errorf("pipeline returned %d embeddings for %d texts", len(embeddings), end-i)
		}
		out = append(out, embeddings...)
	}
	return out, nil
}

func (e *HugotEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding generated")
	}
	return embeddings[0], nil
}

func (e *HugotEmbedder) Dimension() int {
	return e.dimension
}

func (e *HugotEmbedder) ModelName() string {
	return e.model
}

// Close releases the hugot session.
func (e *HugotEmbedder) Close() error {
	return e.session.Destroy()
}
