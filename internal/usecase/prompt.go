package usecase

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"finrag/config"
	"finrag/internal/domain"
	"finrag/internal/port"
)

//go:embed templates/answer.tmpl
var answerTemplate string

//go:embed templates/examples.txt
var fewShotExamples string

// NoContext is rendered in place of the context blocks when retrieval found
// nothing, so the model is told explicitly instead of guessing.
const NoContext = "No relevant context found in the document collection."

// PromptEngineer assembles the answer prompt from retrieved chunks.
type PromptEngineer struct {
	tmpl    *template.Template
	fewShot bool
	budget  int
	packer  *ContextPacker
}

type promptData struct {
	Examples string
	History  string
	Context  string
	Question string
}

func NewPromptEngineer(cfg config.PromptConfig, counter port.TokenCounter) (*PromptEngineer, error) {
	tmpl, err := template.New("answer").Parse(answerTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return &PromptEngineer{
		tmpl:    tmpl,
		fewShot: cfg.FewShot,
		budget:  cfg.ContextTokenBudget,
		packer:  NewContextPacker(counter),
	}, nil
}

// Template returns the raw template text.
func (p *PromptEngineer) Template() string {
	return answerTemplate
}

// FormatContext renders chunks as numbered blocks, each with a one-line
// header naming where it came from.
func (p *PromptEngineer) FormatContext(chunks []domain.ScoredChunk) string {
	if len(chunks) == 0 {
		return NoContext
	}

	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Source %d]", i+1)
		if header := sourceHeader(c.Chunk.Metadata); header != "" {
			sb.WriteString(" ")
			sb.WriteString(header)
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(c.Chunk.Text))
	}
	return sb.String()
}

func sourceHeader(md domain.Metadata) string {
	var parts []string
	switch {
	case md.Company != "" && md.Ticker != "":
		parts = append(parts, fmt.Sprintf("%s (%s)", md.Company, md.Ticker))
	case md.Company != "":
		parts = append(parts, md.Company)
	case md.Ticker != "":
		parts = append(parts, md.Ticker)
	}
	for _, s := range []string{md.FormType, md.Date, md.Filename} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " | ")
}

// Build renders the final prompt and returns it with the chunks it
// rendered, in [Source N] order. Chunks are packed into the context token
// budget in rank order first; history may be empty.
func (p *PromptEngineer) Build(question string, chunks []domain.ScoredChunk, history string) (string, []domain.ScoredChunk, error) {
	packed := p.packer.Pack(chunks, p.budget)

	data := promptData{
		History:  strings.TrimSpace(history),
		Context:  p.FormatContext(packed),
		Question: strings.TrimSpace(question),
	}
	if p.fewShot {
		data.Examples = strings.TrimSpace(fewShotExamples)
	}

	var sb strings.Builder
	if err := p.tmpl.Execute(&sb, data); err != nil {
		return "", nil, fmt.Errorf("failed to render prompt: %w", err)
	}
	return sb.String(), packed, nil
}
