package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/models"
)

// OllamaAdapter speaks the Ollama chat API. Its streaming framing is
// newline-delimited JSON objects with a done flag on the final object;
// there is no sentinel line.
type OllamaAdapter struct {
	name       string
	endpoint   string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewOllamaAdapter creates an adapter for a local Ollama endpoint. The
// credential env var carries the endpoint URL; absence means the
// provider is never attempted. BaseURL is deliberately not a fallback:
// an endpoint configured only in the file would make the provider
// eligible with the env var absent.
func NewOllamaAdapter(cfg config.ProviderConfig, logger *logrus.Logger) *OllamaAdapter {
	return &OllamaAdapter{
		name:     cfg.Name,
		endpoint: strings.TrimSuffix(os.Getenv(cfg.CredentialEnv), "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (a *OllamaAdapter) Name() string { return a.name }

func (a *OllamaAdapter) Configured() bool { return a.endpoint != "" }

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (a *OllamaAdapter) CreateChatStream(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	body := map[string]interface{}{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
		"options": map[string]interface{}{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		body["options"].(map[string]interface{})["num_predict"] = req.MaxTokens
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream open failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("stream open failed with status %d: %s", resp.StatusCode, string(raw))
	}

	stream := NewChatStream()
	go a.readStream(ctx, resp.Body, stream)
	return stream, nil
}

func (a *OllamaAdapter) readStream(ctx context.Context, body io.ReadCloser, stream *ChatStream) {
	defer body.Close()

	var usage models.TokenUsage
	decoder := json.NewDecoder(body)

	for {
		var chunk ollamaChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				stream.Finish(nil, usage)
				return
			}
			if ctx.Err() != nil {
				stream.Finish(ctx.Err(), usage)
				return
			}
			stream.Finish(fmt.Errorf("stream read failed: %w", err), usage)
			return
		}

		if chunk.Error != "" {
			stream.Finish(&StreamError{Provider: a.name, Message: chunk.Error}, usage)
			return
		}
		if chunk.Message.Content != "" {
			if !stream.Send(ctx, chunk.Message.Content) {
				stream.Finish(ctx.Err(), usage)
				return
			}
		}
		if chunk.Done {
			usage = models.TokenUsage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			stream.Finish(nil, usage)
			return
		}
	}
}

// CreateEmbedding calls the embed endpoint
func (a *OllamaAdapter) CreateEmbedding(ctx context.Context, model string, input []string) (*EmbeddingResult, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	jsonData, err := json.Marshal(map[string]interface{}{
		"model": model,
		"input": input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/api/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding request failed with status %d: %s", resp.StatusCode, string(raw))
	}

	var result struct {
		Model      string      `json:"model"`
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	out := &EmbeddingResult{Model: result.Model, Embeddings: result.Embeddings}
	if len(out.Embeddings) > 0 {
		out.Dimensions = len(out.Embeddings[0])
	}
	return out, nil
}

// CheckHealth performs a latency-timed tags listing
func (a *OllamaAdapter) CheckHealth(ctx context.Context) models.ProviderHealth {
	health := models.ProviderHealth{
		ProviderID: a.name,
		CheckedAt:  time.Now().UTC(),
	}
	if !a.Configured() {
		health.Status = models.StatusUnavailable
		health.Error = ErrNotConfigured.Error()
		return health
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/api/tags", nil)
	if err != nil {
		health.Status = models.StatusUnavailable
		health.Error = err.Error()
		return health
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	health.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		health.Status = models.StatusUnavailable
		health.Error = err.Error()
		return health
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusOK {
		health.Status = models.StatusHealthy
	} else if resp.StatusCode >= 500 {
		health.Status = models.StatusDegraded
		health.Error = fmt.Sprintf("status %d", resp.StatusCode)
	} else {
		health.Status = models.StatusUnavailable
		health.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return health
}
