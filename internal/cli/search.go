package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"finrag/internal/adapter/retriever"
	"finrag/internal/domain"
	"finrag/internal/usecase"
)

var (
	searchQuery  string
	searchTopK   int
	searchJSON   bool
	searchRaw    bool
	searchCorpus string
	searchFilter filterFlags
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Show the chunks retrieved for a query",
	Long: `Run retrieval only: refine the query, search, fuse, rerank and print the
chunks with their scores. No language model is called.

Examples:
  finrag search -q "share repurchase program" --ticker MSFT
  finrag search -q "EPS guidance" --form 8-K --top-k 10 --json`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "search query (required)")
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of results (default from config)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output as JSON")
	searchCmd.Flags().BoolVar(&searchRaw, "raw", false, "search the query as typed, without financial term expansion")
	searchCmd.Flags().StringVar(&searchCorpus, "corpus", "", "ingest this path before searching")
	searchFilter.register(searchCmd)
	searchCmd.MarkFlagRequired("query")
}

// searchResult is the JSON form of one retrieved chunk.
type searchResult struct {
	domain.Source
	Text string `json:"text"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	f, err := searchFilter.build()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := prepareServices(ctx, searchCorpus)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.checkSpace(ctx); err != nil {
		return err
	}

	query := searchQuery
	if !searchRaw {
		query, err = retriever.NewQueryRefiner(nil, svc.logger).Refine(searchQuery)
		if err != nil {
			return err
		}
	}

	topK := svc.cfg.Retrieve.TopK
	if searchTopK > 0 {
		topK = searchTopK
	}

	r, err := svc.retriever()
	if err != nil {
		return err
	}

	var (
		chunks []domain.ScoredChunk
		report *usecase.RetrievalReport
	)
	if opt, ok := r.(*usecase.RetrievalOptimizer); ok {
		var rep usecase.RetrievalReport
		chunks, rep, err = opt.RetrieveWithReport(ctx, query, f, topK)
		report = &rep
	} else {
		chunks, err = r.Retrieve(ctx, query, f, topK)
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		results := make([]searchResult, len(chunks))
		for i, c := range chunks {
			results[i] = searchResult{Source: domain.SourceFromChunk(c), Text: c.Chunk.Text}
		}
		output, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if len(chunks) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d results for: %s\n", len(chunks), query)
	if report != nil {
		fmt.Println(color.WhiteString("dense %d, lexical %d, candidates %d, reranked %v, took %s",
			report.Dense, report.Lexical, report.Candidates, report.Reranked, report.Took.Round(time.Millisecond)))
	}
	fmt.Println()

	for i, c := range chunks {
		header := fmt.Sprintf("--- [%d] %s (score: %.4f) ---", i+1, sourceLabel(domain.SourceFromChunk(c)), c.Score)
		fmt.Println(color.CyanString(header))
		text := strings.TrimSpace(c.Chunk.Text)
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Println(text)
		fmt.Println()
	}
	return nil
}
