package provider

import (
	"bufio"
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

// OpenAIAdapter speaks the OpenAI-compatible chat completions API with
// SSE framing: one "data: {json}" line per delta, terminated by the
// "data: [DONE]" sentinel.
type OpenAIAdapter struct {
	name        string
	baseURL     string
	apiKey      string
	healthModel string
	httpClient  *http.Client
	logger      *logrus.Logger
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible endpoint.
// The credential is read once from the configured environment variable.
func NewOpenAIAdapter(cfg config.ProviderConfig, logger *logrus.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		name:        cfg.Name,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      os.Getenv(cfg.CredentialEnv),
		healthModel: cfg.HealthModel,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) Configured() bool { return a.apiKey != "" }

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CreateChatStream opens the streaming connection and starts a producer
// goroutine that parses SSE lines into deltas.
func (a *OpenAIAdapter) CreateChatStream(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	body := map[string]interface{}{
		"model":       req.Model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
		"stream":      true,
		"stream_options": map[string]bool{
			"include_usage": true,
		},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

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

func (a *OpenAIAdapter) readStream(ctx context.Context, body io.ReadCloser, stream *ChatStream) {
	defer body.Close()

	var usage models.TokenUsage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			stream.Finish(nil, usage)
			return
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			a.logger.WithError(err).WithField("provider", a.name).Warn("Skipping unparseable stream chunk")
			continue
		}

		if chunk.Error != nil {
			stream.Finish(&StreamError{Provider: a.name, Message: chunk.Error.Message}, usage)
			return
		}
		if chunk.Usage != nil {
			usage = models.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !stream.Send(ctx, chunk.Choices[0].Delta.Content) {
				stream.Finish(ctx.Err(), usage)
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			stream.Finish(ctx.Err(), usage)
			return
		}
		stream.Finish(fmt.Errorf("stream read failed: %w", err), usage)
		return
	}
	// Upstream closed without the sentinel; treat as clean end
	stream.Finish(nil, usage)
}

// CreateEmbedding calls the embeddings endpoint
func (a *OpenAIAdapter) CreateEmbedding(ctx context.Context, model string, input []string) (*EmbeddingResult, error) {
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

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
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	out := &EmbeddingResult{Model: result.Model}
	for _, d := range result.Data {
		out.Embeddings = append(out.Embeddings, d.Embedding)
	}
	if len(out.Embeddings) > 0 {
		out.Dimensions = len(out.Embeddings[0])
	}
	return out, nil
}

// CheckHealth performs a latency-timed models listing
func (a *OpenAIAdapter) CheckHealth(ctx context.Context) models.ProviderHealth {
	health := models.ProviderHealth{
		ProviderID: a.name,
		CheckedAt:  time.Now().UTC(),
	}
	if !a.Configured() {
		health.Status = models.StatusUnavailable
		health.Error = ErrNotConfigured.Error()
		return health
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		health.Status = models.StatusUnavailable
		health.Error = err.Error()
		return health
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

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

	switch {
	case resp.StatusCode == http.StatusOK:
		health.Status = models.StatusHealthy
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// Responding but throttled or unstable
		health.Status = models.StatusDegraded
		health.Error = fmt.Sprintf("status %d", resp.StatusCode)
	default:
		health.Status = models.StatusUnavailable
		health.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return health
}
