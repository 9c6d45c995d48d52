package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/models"
)

func newTestOllama(t *testing.T, endpoint string) *OllamaAdapter {
	t.Helper()
	t.Setenv("TEST_OLLAMA_ENDPOINT", endpoint)
	return NewOllamaAdapter(config.ProviderConfig{
		Name:          "ollama",
		CredentialEnv: "TEST_OLLAMA_ENDPOINT",
		Timeout:       5 * time.Second,
	}, testLogger())
}

func TestOllamaStreamParsesNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		fmt.Fprintln(w, `{"message":{"content":"Amor "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"fati."},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true,"prompt_eval_count":9,"eval_count":4}`)
	}))
	defer server.Close()

	adapter := newTestOllama(t, server.URL)

	stream, err := adapter.CreateChatStream(context.Background(), ChatRequest{
		Model:    "llama3.1",
		Messages: []models.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Amor fati.", collect(stream))
	assert.NoError(t, stream.Err())
	assert.Equal(t, models.TokenUsage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13}, stream.Usage())
}

func TestOllamaMidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model not loaded"}`)
	}))
	defer server.Close()

	adapter := newTestOllama(t, server.URL)

	stream, err := adapter.CreateChatStream(context.Background(), ChatRequest{Model: "llama3.1"})
	require.NoError(t, err)

	assert.Equal(t, "partial", collect(stream))

	var streamErr *StreamError
	require.ErrorAs(t, stream.Err(), &streamErr)
	assert.Equal(t, "ollama", streamErr.Provider)
	assert.Equal(t, "model not loaded", streamErr.Message)
}

func TestOllamaUnconfigured(t *testing.T) {
	// A base URL in the config file is not a credential; with the env
	// var absent the adapter must never be attempted.
	adapter := NewOllamaAdapter(config.ProviderConfig{
		Name:          "ollama",
		BaseURL:       "http://localhost:11434",
		CredentialEnv: "TEST_OLLAMA_ENDPOINT_ABSENT",
	}, testLogger())

	assert.False(t, adapter.Configured())

	_, err := adapter.CreateChatStream(context.Background(), ChatRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	health := adapter.CheckHealth(context.Background())
	assert.Equal(t, models.StatusUnavailable, health.Status)
}
