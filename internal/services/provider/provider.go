package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stoa-app/coach-engine/internal/models"
)

// ErrNotConfigured is returned before any network call when a provider's
// credential (or endpoint) is absent. The registry treats it as permanent
// unavailability, not a transient failure.
var ErrNotConfigured = errors.New("provider not configured")

// ErrEmbeddingsUnsupported is returned by adapters whose upstream has no
// embeddings endpoint.
var ErrEmbeddingsUnsupported = errors.New("provider does not support embeddings")

// StreamError is a provider-reported error embedded mid-stream, after
// streaming has already begun. It is never retried.
type StreamError struct {
	Provider string
	Message  string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("provider %s stream error: %s", e.Provider, e.Message)
}

// ChatRequest is the uniform request passed to every adapter
type ChatRequest struct {
	Messages    []models.Message
	Model       string
	Temperature float64
	MaxTokens   int
}

// EmbeddingResult is the uniform embedding response
type EmbeddingResult struct {
	Embeddings [][]float64
	Dimensions int
	Model      string
}

// Adapter is the uniform contract each upstream provider implements.
// Each concrete adapter translates its provider's wire framing into
// plain text deltas on a ChatStream.
type Adapter interface {
	Name() string
	Configured() bool
	CreateChatStream(ctx context.Context, req ChatRequest) (*ChatStream, error)
	CreateEmbedding(ctx context.Context, model string, input []string) (*EmbeddingResult, error)
	CheckHealth(ctx context.Context) models.ProviderHealth
}

// ChatStream carries text deltas from an adapter's producer goroutine to
// the consumer. Deltas arrive strictly in provider order. Err and Usage
// are valid only after the delta channel has closed.
type ChatStream struct {
	deltas chan string

	mu    sync.Mutex
	err   error
	usage models.TokenUsage
}

// NewChatStream creates an empty stream for a producer to feed.
// Exported so Adapter implementations outside this package can build one.
func NewChatStream() *ChatStream {
	return &ChatStream{
		deltas: make(chan string, 16),
	}
}

// Deltas returns the channel of text deltas. It is closed when the
// stream ends, whether cleanly or with an error.
func (s *ChatStream) Deltas() <-chan string {
	return s.deltas
}

// Err reports how the stream ended. Valid after Deltas is closed.
func (s *ChatStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Usage returns provider-reported token counts, resolved only once the
// stream naturally ends. Zero-valued if the provider reported none.
func (s *ChatStream) Usage() models.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Send forwards one delta to the consumer. Returns false when the
// context is cancelled, which tells the producer to stop reading.
func (s *ChatStream) Send(ctx context.Context, delta string) bool {
	select {
	case s.deltas <- delta:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish records the terminal state and closes the delta channel.
// Must be called exactly once by the producer.
func (s *ChatStream) Finish(err error, usage models.TokenUsage) {
	s.mu.Lock()
	s.err = err
	s.usage = usage
	s.mu.Unlock()
	close(s.deltas)
}
