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

const anthropicVersion = "2023-06-01"

// AnthropicAdapter speaks the Anthropic messages API. Its SSE framing is
// event-typed: "event: <type>" followed by a "data: {json}" payload, with
// message_stop terminating the stream.
type AnthropicAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewAnthropicAdapter(cfg config.ProviderConfig, logger *logrus.Logger) *AnthropicAdapter {
	return &AnthropicAdapter{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  os.Getenv(cfg.CredentialEnv),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (a *AnthropicAdapter) Name() string { return a.name }

func (a *AnthropicAdapter) Configured() bool { return a.apiKey != "" }

// CreateChatStream opens the streaming connection. System messages are
// lifted into the top-level system field as the messages API requires.
func (a *AnthropicAdapter) CreateChatStream(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	var system strings.Builder
	chat := make([]models.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
			continue
		}
		chat = append(chat, msg)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024 // required by the messages API
	}
	body := map[string]interface{}{
		"model":       req.Model,
		"messages":    chat,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
		"stream":      true,
	}
	if system.Len() > 0 {
		body["system"] = system.String()
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
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

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *AnthropicAdapter) readStream(ctx context.Context, body io.ReadCloser, stream *ChatStream) {
	defer body.Close()

	var usage models.TokenUsage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		// Event-name lines carry no payload; the data line's own type
		// field is authoritative
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			a.logger.WithError(err).WithField("provider", a.name).Warn("Skipping unparseable stream event")
			continue
		}

		switch ev.Type {
		case "message_start":
			usage.PromptTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Text != "" {
				if !stream.Send(ctx, ev.Delta.Text) {
					stream.Finish(ctx.Err(), usage)
					return
				}
			}
		case "message_delta":
			usage.CompletionTokens = ev.Usage.OutputTokens
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		case "error":
			stream.Finish(&StreamError{Provider: a.name, Message: ev.Error.Message}, usage)
			return
		case "message_stop":
			stream.Finish(nil, usage)
			return
		}
		// ping and content_block_start/stop are ignored
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			stream.Finish(ctx.Err(), usage)
			return
		}
		stream.Finish(fmt.Errorf("stream read failed: %w", err), usage)
		return
	}
	stream.Finish(nil, usage)
}

// CreateEmbedding is unsupported; the messages API has no embeddings endpoint
func (a *AnthropicAdapter) CreateEmbedding(ctx context.Context, model string, input []string) (*EmbeddingResult, error) {
	return nil, ErrEmbeddingsUnsupported
}

// CheckHealth performs a latency-timed models listing
func (a *AnthropicAdapter) CheckHealth(ctx context.Context) models.ProviderHealth {
	health := models.ProviderHealth{
		ProviderID: a.name,
		CheckedAt:  time.Now().UTC(),
	}
	if !a.Configured() {
		health.Status = models.StatusUnavailable
		health.Error = ErrNotConfigured.Error()
		return health
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		health.Status = models.StatusUnavailable
		health.Error = err.Error()
		return health
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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
		health.Status = models.StatusDegraded
		health.Error = fmt.Sprintf("status %d", resp.StatusCode)
	default:
		health.Status = models.StatusUnavailable
		health.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return health
}
