package cli

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show collection statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
}

type collectionStats struct {
	Backend        string  `json:"backend"`
	Chunks         int     `json:"chunks"`
	AvgChunkTokens float64 `json:"avg_chunk_tokens,omitempty"`
	Terms          int     `json:"terms,omitempty"`
	SchemaVersion  int     `json:"schema_version,omitempty"`
	Provider       string  `json:"embedding_provider,omitempty"`
	Model          string  `json:"embedding_model,omitempty"`
	Dimension      int     `json:"embedding_dimension,omitempty"`
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := openServices(ctx, GetConfig(), appLog)
	if err != nil {
		return err
	}
	defer svc.close()

	stats := collectionStats{Backend: svc.cfg.Store.Backend}
	if stats.Chunks, err = svc.store.Count(ctx); err != nil {
		return fmt.Errorf("failed to count chunks: %w", err)
	}

	if svc.bolt != nil {
		lexical, err := svc.bolt.GetStats()
		if err != nil {
			return err
		}
		stats.AvgChunkTokens = lexical.AvgChunkLen

		terms, err := svc.bolt.AllTerms()
		if err != nil {
			return err
		}
		stats.Terms = len(terms)

		info, err := svc.bolt.GetSchemaInfo()
		if err != nil {
			return err
		}
		stats.SchemaVersion = info.Version

		space, err := svc.bolt.EmbeddingSpace()
		if err != nil {
			return err
		}
		if space != nil {
			stats.Provider, stats.Model, stats.Dimension = space.Provider, space.Model, space.Dimension
		}
	}

	if statsJSON {
		output, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Println(color.GreenString("Collection %s", svc.cfg.Store.Collection))
	fmt.Printf("  Backend:          %s\n", stats.Backend)
	fmt.Printf("  Chunks:           %d\n", stats.Chunks)
	if svc.bolt != nil {
		fmt.Printf("  Avg chunk tokens: %.1f\n", stats.AvgChunkTokens)
		fmt.Printf("  Lexical terms:    %d\n", stats.Terms)
		fmt.Printf("  Schema version:   %d\n", stats.SchemaVersion)
		fmt.Printf("  Store path:       %s\n", svc.storePath())
	}
	if stats.Model != "" {
		fmt.Printf("  Embedding model:  %s/%s (%d)\n", stats.Provider, stats.Model, stats.Dimension)
	}
	return nil
}
