package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.LLMConfig{Provider: "custom", BaseURL: srv.URL, Model: "test-model", Temperature: 0.2}, nil)
	require.NoError(t, err)
	return c
}

func TestClient_Invoke(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, 0.2, req.Temperature)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Revenue was $383.3B."}}]}`))
	})

	out, err := c.Invoke(context.Background(), "What was Apple's revenue?")
	require.NoError(t, err)
	assert.Equal(t, "Revenue was $383.3B.", out)
	assert.Equal(t, 1, c.Stats().TotalCalls)
	assert.Equal(t, "test-model", c.ModelName())
}

func TestClient_GenerateWithSystem(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	})

	out, err := c.GenerateWithSystem(context.Background(), "be brief", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"api error", http.StatusBadRequest, `{"error":{"message":"bad model"}}`, "bad model"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no response"},
		{"server error", http.StatusBadGateway, `<html>`, "502"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := c.Invoke(context.Background(), "q")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient(config.LLMConfig{Provider: "mystery"}, nil)
	assert.Error(t, err)

	t.Setenv("FINRAG_TEST_LLM_KEY", "")
	_, err = NewClient(config.LLMConfig{Provider: "openai", APIKeyEnv: "FINRAG_TEST_LLM_KEY"}, nil)
	assert.Error(t, err)

	c, err := NewClient(config.LLMConfig{Provider: "ollama", Model: "llama3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "llama3", c.ModelName())
}
