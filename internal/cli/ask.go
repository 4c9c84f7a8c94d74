package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"finrag/internal/domain"
	"finrag/internal/usecase"
)

var (
	askQuestion string
	askTopK     int
	askJSON     bool
	askHistory  string
	askCorpus   string
	askFilter   filterFlags
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Answer a question from the ingested documents",
	Long: `Retrieve the most relevant chunks for a question and have the language
model answer it, citing its sources.

Examples:
  finrag ask -q "What was Apple's gross margin in fiscal 2023?" --ticker AAPL
  finrag ask -q "How did the Fed describe inflation?" --type macro --from 2023-06-01
  finrag ask -q "And in the prior year?" --history chat.json --json`,
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&askQuestion, "question", "q", "", "question to answer (required)")
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "number of chunks to use (default from config)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output as JSON")
	askCmd.Flags().StringVar(&askHistory, "history", "", `JSON file with earlier turns: [{"role":"user","content":"..."}]`)
	askCmd.Flags().StringVar(&askCorpus, "corpus", "", "ingest this path before answering")
	askFilter.register(askCmd)
	askCmd.MarkFlagRequired("question")
}

func runAsk(cmd *cobra.Command, args []string) error {
	f, err := askFilter.build()
	if err != nil {
		return err
	}
	history, err := loadHistory(askHistory)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := prepareServices(ctx, askCorpus)
	if err != nil {
		return err
	}
	defer svc.close()

	qs, err := svc.querySystem(ctx)
	if err != nil {
		return err
	}

	result, err := qs.Query(ctx, usecase.QueryRequest{
		Question: askQuestion,
		TopK:     askTopK,
		Filter:   f,
		History:  history,
	})
	if err != nil {
		return err
	}

	if askJSON {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Println(result.Answer)
	if result.Error != "" {
		fmt.Fprintln(os.Stderr, color.RedString("\nError: %s", result.Error))
	}
	if len(result.Sources) > 0 {
		fmt.Printf("\n%s\n", color.CyanString("Sources (%d chunks):", result.ChunksUsed))
		for i, src := range result.Sources {
			fmt.Printf("  [%d] %s %s\n", i+1, sourceLabel(src), color.WhiteString("(score: %.3f)", src.Score))
		}
	}
	return nil
}

// prepareServices opens the configured store and, when corpus is set,
// ingests it first.
func prepareServices(ctx context.Context, corpus string) (*services, error) {
	svc, err := openServices(ctx, GetConfig(), appLog)
	if err != nil {
		return nil, err
	}
	if corpus == "" {
		return svc, nil
	}
	result, err := svc.ingester(nil).Ingest(ctx, corpus)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("ingestion failed: %w", err)
	}
	appLog.Info("corpus ingested", "path", corpus, "files", result.FilesIndexed, "chunks", result.ChunksCreated)
	return svc, nil
}

func loadHistory(path string) ([]domain.Turn, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var turns []domain.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	return turns, nil
}

func sourceLabel(src domain.Source) string {
	label := src.Filename
	if label == "" {
		label = src.Source
	}
	if src.Ticker != "" {
		label = src.Ticker + " " + label
	}
	return fmt.Sprintf("%s#%d", label, src.ChunkIndex)
}
