package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"finrag/config"
	"finrag/internal/adapter/analyzer"
	"finrag/internal/domain"
)

func TestConversationContextBuild(t *testing.T) {
	counter := analyzer.NewTokenCounter(nil, nil)
	history := []domain.Turn{
		{Role: domain.RoleUser, Content: "What was Apple's revenue in 2023?"},
		{Role: domain.RoleAssistant, Content: "Apple reported 383 billion dollars."},
		{Role: domain.RoleUser, Content: "  "},
		{Role: domain.RoleUser, Content: "How about margins?"},
	}

	tests := []struct {
		name     string
		cfg      config.MemoryConfig
		history  []domain.Turn
		question string
		want     string
		ok       bool
	}{
		{
			name:     "disabled",
			cfg:      config.MemoryConfig{Enabled: false},
			history:  history,
			question: "Next?",
		},
		{
			name:     "empty history",
			cfg:      config.MemoryConfig{Enabled: true},
			question: "Next?",
		},
		{
			name:     "only the current question",
			cfg:      config.MemoryConfig{Enabled: true},
			history:  []domain.Turn{{Role: domain.RoleUser, Content: "How about margins?"}},
			question: " How about margins? ",
		},
		{
			name:     "chronological and without the current question",
			cfg:      config.MemoryConfig{Enabled: true},
			history:  history,
			question: "How about margins?",
			want:     "- User: What was Apple's revenue in 2023?\n- Assistant: Apple reported 383 billion dollars.",
			ok:       true,
		},
		{
			name:     "turn limit keeps the most recent",
			cfg:      config.MemoryConfig{Enabled: true, MaxTurns: 1},
			history:  history,
			question: "How about margins?",
			want:     "- Assistant: Apple reported 383 billion dollars.",
			ok:       true,
		},
		{
			// The assistant line costs 12 tokens, the user line 11.
			name:     "token limit never splits a turn",
			cfg:      config.MemoryConfig{Enabled: true, MaxTokens: 20},
			history:  history,
			question: "How about margins?",
			want:     "- Assistant: Apple reported 383 billion dollars.",
			ok:       true,
		},
		{
			name:     "token limit below one turn",
			cfg:      config.MemoryConfig{Enabled: true, MaxTokens: 3},
			history:  history,
			question: "How about margins?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NewConversationContext(tt.cfg, counter).Build(tt.history, tt.question)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
