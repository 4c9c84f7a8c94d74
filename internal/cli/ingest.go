package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var ingestReset bool

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Chunk, embed and store financial documents",
	Long: `Ingest text, markdown, HTML and JSON documents under a directory.

Ticker, form type and date are read from file names such as
AAPL_10-K_2023-11-03.htm; the document type comes from the folder
(filings, news, transcripts, macro, commentary).

Examples:
  finrag ingest ./data            # Ingest a directory
  finrag ingest ./data --reset    # Drop the collection first, e.g. after changing the embedding model`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().BoolVar(&ingestReset, "reset", false, "delete the collection and its embedding model record before ingesting")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := GetRootDir()
	if len(args) > 0 {
		var err error
		path, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}

	ctx := cmd.Context()
	svc, err := openServices(ctx, GetConfig(), appLog)
	if err != nil {
		return err
	}
	defer svc.close()

	if ingestReset {
		if err := svc.store.DeleteCollection(ctx); err != nil {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
		if svc.bolt != nil {
			if err := svc.bolt.ResetEmbeddingSpace(); err != nil {
				return fmt.Errorf("failed to reset embedding model record: %w", err)
			}
		}
		fmt.Println("Collection cleared.")
	}

	fmt.Printf("Scanning %s...\n", path)

	var (
		bar       *progressbar.ProgressBar
		barMu     sync.Mutex
		startTime time.Time
	)
	progress := func(done, total int) {
		barMu.Lock()
		defer barMu.Unlock()

		if bar == nil {
			startTime = time.Now()
			bar = progressbar.NewOptions(total,
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Embedding[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Println()
				}),
			)
		}

		bar.Set(done)

		if done > 0 {
			elapsed := time.Since(startTime)
			rate := float64(done) / elapsed.Seconds()
			if rate > 0 {
				eta := time.Duration(float64(total-done)/rate) * time.Second
				bar.Describe(fmt.Sprintf("[cyan]Embedding[reset] ETA: %s", formatDuration(eta)))
			}
		}
	}

	result, err := svc.ingester(progress).Ingest(ctx, path)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	count, err := svc.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count chunks: %w", err)
	}

	fmt.Printf("\n%s\n", color.GreenString("Ingestion complete:"))
	fmt.Printf("  Files indexed:  %d\n", result.FilesIndexed)
	fmt.Printf("  Files skipped:  %d (no text)\n", result.FilesSkipped)
	fmt.Printf("  Chunks stored:  %d\n", result.ChunksCreated)
	fmt.Printf("  Collection:     %d chunks\n", count)
	fmt.Printf("  Took:           %s\n", formatDuration(result.Took))

	if len(result.Errors) > 0 {
		fmt.Printf("\n%s\n", color.YellowString("Warnings:"))
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}

	if svc.cfg.Store.Backend == "memory" {
		fmt.Println(color.YellowString("\nThe memory backend keeps nothing after exit; use --corpus with ask or search instead."))
	}
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
