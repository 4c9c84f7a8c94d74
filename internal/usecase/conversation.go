package usecase

import (
	"fmt"
	"strings"

	"finrag/config"
	"finrag/internal/domain"
	"finrag/internal/port"
)

// ConversationContext renders the recent conversation for the prompt,
// bounded by turn count and token cost. Limits of zero mean unbounded.
type ConversationContext struct {
	enabled   bool
	maxTurns  int
	maxTokens int
	counter   port.TokenCounter
}

func NewConversationContext(cfg config.MemoryConfig, counter port.TokenCounter) *ConversationContext {
	return &ConversationContext{
		enabled:   cfg.Enabled,
		maxTurns:  cfg.MaxTurns,
		maxTokens: cfg.MaxTokens,
		counter:   counter,
	}
}

// Build returns the history block and true, or "" and false when there is
// nothing worth including. A user turn repeating the question is dropped
// and turns are never split.
func (c *ConversationContext) Build(history []domain.Turn, question string) (string, bool) {
	if !c.enabled || len(history) == 0 {
		return "", false
	}

	question = strings.TrimSpace(question)
	turns := make([]domain.Turn, 0, len(history))
	for _, t := range history {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		if t.Role == domain.RoleUser && content == question {
			continue
		}
		turns = append(turns, domain.Turn{Role: t.Role, Content: content})
	}

	if c.maxTurns > 0 && len(turns) > c.maxTurns {
		turns = turns[len(turns)-c.maxTurns:]
	}

	lines := make([]string, 0, len(turns))
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		line := fmt.Sprintf("- %s: %s", turns[i].Role.Label(), turns[i].Content)
		cost := c.counter.CountTokens(line)
		if c.maxTokens > 0 && used+cost > c.maxTokens {
			break
		}
		used += cost
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return "", false
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n"), true
}
