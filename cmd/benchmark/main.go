package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"finrag/config"
	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/chunker"
	"finrag/internal/adapter/embedding"
	"finrag/internal/adapter/fs"
	"finrag/internal/adapter/memstore"
	"finrag/internal/adapter/retriever"
	"finrag/internal/logger"
	"finrag/internal/usecase"
)

func main() {
	configDir := flag.String("config", ".", "Directory holding finrag.yaml")
	corpus := flag.String("corpus", "", "Document directory to ingest")
	golden := flag.String("golden", "", "YAML file of golden questions")
	topK := flag.Int("k", 5, "Number of results per question")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	flag.Parse()

	if *corpus == "" || *golden == "" {
		fmt.Println("Usage: go run ./cmd/benchmark -corpus ./filings -golden golden.yaml")
		fmt.Println("\nGolden file:")
		fmt.Println("  - question: \"What was Apple's iPhone revenue?\"")
		fmt.Println("    filter: {ticker: AAPL}")
		fmt.Println("    relevant: [AAPL_10-K_2023-11-03.txt]")
		fmt.Println("\nReports precision@k, recall@k, MRR and nDCG over retrieved sources.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *configDir, *corpus, *golden, *topK, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configDir, corpus, golden string, topK int, asJSON bool) error {
	cfg, err := config.LoadFromDir(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log, closeLog, err := logger.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	cases, err := loadGolden(golden)
	if err != nil {
		return err
	}

	embedder, err := embedding.New(cfg.Embedding, configDir)
	if err != nil {
		return fmt.Errorf("embedder init failed: %w", err)
	}
	if c, ok := embedder.(io.Closer); ok {
		defer c.Close()
	}

	tokenizer := analyzer.NewTokenizer(cfg.Ingest.Stemming)
	counter := analyzer.NewTokenCounter(nil, log)
	st := memstore.NewMemoryStore()

	ingester := usecase.NewIngester(
		fs.NewWalker(cfg.Ingest.Includes, cfg.Ingest.Excludes),
		chunker.NewTextChunker(cfg.Ingest.ChunkTokens, cfg.Ingest.ChunkOverlap, counter, tokenizer),
		embedder,
		st,
		cfg.Embedding.BatchSize,
		cfg.Embedding.Workers,
		usecase.WithIngestLogger(log),
	)
	ingested, err := ingester.Ingest(ctx, corpus)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	opts := []usecase.RetrievalOption{
		usecase.WithLexicalIndex(retriever.NewBM25Retriever(st, tokenizer, cfg.Retrieve.K1, cfg.Retrieve.B)),
		usecase.WithLogger(log),
	}
	reranker, err := retriever.NewReranker(cfg.Rerank, tokenizer)
	if err != nil {
		return fmt.Errorf("reranker init failed: %w", err)
	}
	if reranker != nil {
		opts = append(opts, usecase.WithReranker(reranker, cfg.Rerank.Candidates))
	}
	if cfg.Retrieve.MMRLambda > 0 {
		opts = append(opts, usecase.WithDiversity(retriever.NewMMRReranker(cfg.Retrieve.MMRLambda, cfg.Retrieve.DedupJaccard, tokenizer)))
	}
	opt := usecase.NewRetrievalOptimizer(embedder, st, cfg.Retrieve, opts...)

	report, err := usecase.Evaluate(ctx, opt, cases, topK, log)
	if err != nil {
		return err
	}

	if asJSON {
		output, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(output))
		return nil
	}
	printReport(cfg, ingested, report, topK)
	return nil
}

func loadGolden(path string) ([]usecase.EvalCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading golden file: %w", err)
	}
	var cases []usecase.EvalCase
	if err := yaml.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("parsing golden file: %w", err)
	}
	for i := range cases {
		for k, v := range cases[i].Filter {
			// unquoted YAML dates decode as timestamps
			if ts, ok := v.(time.Time); ok {
				cases[i].Filter[k] = ts.Format("2006-01-02")
			}
		}
	}
	return cases, nil
}

func printReport(cfg *config.Config, ingested *usecase.IngestResult, report *usecase.EvalReport, topK int) {
	fmt.Println("RETRIEVAL BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Model: %s (%s)\n", cfg.Embedding.Model, cfg.Embedding.Provider)
	fmt.Printf("Corpus: %d files, %d chunks\n", ingested.FilesIndexed, ingested.ChunksCreated)
	fmt.Printf("Hybrid: %v  Rerank: %s  k=%d\n\n", cfg.Retrieve.HybridEnabled, cfg.Rerank.Provider, topK)

	for i, c := range report.Cases {
		status := "OK"
		if c.Error != "" {
			status = "FAIL"
		} else if c.RR == 0 {
			status = "MISS"
		}
		fmt.Printf("%d. [%s] %s\n", i+1, status, c.Question)
		if c.Error != "" {
			fmt.Printf("   error: %s\n\n", c.Error)
			continue
		}
		fmt.Printf("   P@k %.2f  R@k %.2f  RR %.2f  nDCG %.2f  (%s)\n\n",
			c.Precision, c.Recall, c.RR, c.NDCG, c.Took.Round(time.Millisecond))
	}

	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("QUALITY METRICS (%d questions, %d failed):\n", len(report.Cases), report.Failed)
	fmt.Printf("  Mean precision@%d: %.3f\n", topK, report.MeanPrecision)
	fmt.Printf("  Mean recall@%d:    %.3f\n", topK, report.MeanRecall)
	fmt.Printf("  MRR:               %.3f\n", report.MRR)
	fmt.Printf("  Mean nDCG:         %.3f\n", report.MeanNDCG)

	switch {
	case report.MRR > 0.7:
		fmt.Println("  Status: GOOD - answers are usually ranked first")
	case report.MRR > 0.4:
		fmt.Println("  Status: OK - answers are retrieved but ranked low")
	default:
		fmt.Println("  Status: POOR - check chunking, embeddings or filters")
	}
}
