package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"finrag/internal/adapter/retriever"
)

var (
	promptQuestion string
	promptTopK     int
	promptHistory  string
	promptCorpus   string
	promptTemplate bool
	promptFilter   filterFlags
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Print the prompt that would be sent to the language model",
	Long: `Retrieve context for a question and print the assembled prompt without
calling the language model, for use with an external model or for debugging.

Examples:
  finrag prompt -q "What are Tesla's main risk factors?" --ticker TSLA
  finrag prompt --template`,
	RunE: runPrompt,
}

func init() {
	rootCmd.AddCommand(promptCmd)
	promptCmd.Flags().StringVarP(&promptQuestion, "question", "q", "", "question to build the prompt for")
	promptCmd.Flags().IntVarP(&promptTopK, "top-k", "k", 0, "number of chunks to include (default from config)")
	promptCmd.Flags().StringVar(&promptHistory, "history", "", "JSON file with earlier turns")
	promptCmd.Flags().StringVar(&promptCorpus, "corpus", "", "ingest this path before retrieving")
	promptCmd.Flags().BoolVar(&promptTemplate, "template", false, "print the raw prompt template and exit")
	promptFilter.register(promptCmd)
}

func runPrompt(cmd *cobra.Command, args []string) error {
	if promptTemplate {
		svc := &services{cfg: GetConfig()}
		svc.counter = newTokenCounter(svc.cfg.LLM.Model, appLog)
		pe, err := svc.promptEngineer()
		if err != nil {
			return err
		}
		fmt.Print(pe.Template())
		return nil
	}
	if promptQuestion == "" {
		return fmt.Errorf("--question is required unless --template is set")
	}

	f, err := promptFilter.build()
	if err != nil {
		return err
	}
	turns, err := loadHistory(promptHistory)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := prepareServices(ctx, promptCorpus)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.checkSpace(ctx); err != nil {
		return err
	}

	refined, err := retriever.NewQueryRefiner(nil, svc.logger).Refine(promptQuestion)
	if err != nil {
		return err
	}
	topK := svc.cfg.Retrieve.TopK
	if promptTopK > 0 {
		topK = promptTopK
	}

	r, err := svc.retriever()
	if err != nil {
		return err
	}
	chunks, err := r.Retrieve(ctx, refined, f, topK)
	if err != nil {
		return fmt.Errorf("retrieval failed: %w", err)
	}

	pe, err := svc.promptEngineer()
	if err != nil {
		return err
	}
	history, _ := svc.conversation().Build(turns, promptQuestion)
	prompt, used, err := pe.Build(promptQuestion, chunks, history)
	if err != nil {
		return err
	}

	fmt.Print(prompt)
	fmt.Printf("\n# %d of %d chunks, ~%d tokens\n", len(used), len(chunks), svc.counter.CountTokens(prompt))
	return nil
}
