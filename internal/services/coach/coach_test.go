package coach

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/i18n"
	"github.com/stoa-app/coach-engine/internal/middleware"
	"github.com/stoa-app/coach-engine/internal/models"
	"github.com/stoa-app/coach-engine/internal/persona"
	"github.com/stoa-app/coach-engine/internal/services/access"
	"github.com/stoa-app/coach-engine/internal/services/cache"
	"github.com/stoa-app/coach-engine/internal/services/prompt"
	"github.com/stoa-app/coach-engine/internal/services/provider"
	"github.com/stoa-app/coach-engine/internal/services/ratelimit"
	"github.com/stoa-app/coach-engine/internal/services/storage"
)

type scriptedAdapter struct {
	name      string
	deltas    []string
	openErr   error
	streamErr error
	usage     models.TokenUsage
	lastReq   provider.ChatRequest
}

func (f *scriptedAdapter) Name() string     { return f.name }
func (f *scriptedAdapter) Configured() bool { return true }

func (f *scriptedAdapter) CreateChatStream(ctx context.Context, req provider.ChatRequest) (*provider.ChatStream, error) {
	f.lastReq = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	stream := provider.NewChatStream()
	go func() {
		for _, d := range f.deltas {
			if !stream.Send(ctx, d) {
				stream.Finish(ctx.Err(), f.usage)
				return
			}
		}
		stream.Finish(f.streamErr, f.usage)
	}()
	return stream, nil
}

func (f *scriptedAdapter) CreateEmbedding(ctx context.Context, model string, input []string) (*provider.EmbeddingResult, error) {
	return nil, provider.ErrEmbeddingsUnsupported
}

func (f *scriptedAdapter) CheckHealth(ctx context.Context) models.ProviderHealth {
	return models.ProviderHealth{ProviderID: f.name, Status: models.StatusHealthy, CheckedAt: time.Now().UTC()}
}

type fakeRetriever struct {
	chunks []models.KnowledgeChunk
	err    error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ int) ([]models.KnowledgeChunk, error) {
	return f.chunks, f.err
}

type failingStore struct {
	Store
	saveErr error
}

func (f *failingStore) SaveAssistantMessage(ctx context.Context, msg *models.AssistantMessage) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Store.SaveAssistantMessage(ctx, msg)
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) emit(ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) types() []string {
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) last() Event {
	return r.events[len(r.events)-1]
}

type fixture struct {
	svc     *Service
	store   *storage.Manager
	adapter *scriptedAdapter
}

func testConfig() *config.Config {
	return &config.Config{
		Models: config.ModelsConfig{
			Default: "coach-standard",
			Catalog: []config.ModelInfo{
				{ID: "coach-standard", Name: "gpt-test", Provider: "openai", Tier: "free", MaxTokens: 512, Temperature: 0.7, DailyLimit: 3},
			},
		},
		Storage: config.StorageConfig{Type: "memory"},
		Coach: config.CoachConfig{
			DefaultPersona:  "marcus",
			MaxHistoryTurns: 20,
			KnowledgeLimit:  3,
		},
		I18n: config.I18nConfig{DefaultLanguage: "en"},
	}
}

func newFixture(t *testing.T, adapter *scriptedAdapter, retriever *fakeRetriever, coachStore Store) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cfg := testConfig()

	manager, err := storage.NewManager(cfg, logger)
	require.NoError(t, err)
	if coachStore == nil {
		coachStore = manager
	}

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	require.NoError(t, err)

	registry := provider.NewRegistry(
		[]provider.Candidate{{Adapter: adapter, Priority: 1}},
		30*time.Second, logger,
	)

	catalog := access.NewCatalog(cfg.Models)
	svc := NewService(
		cfg,
		persona.NewStore(),
		access.NewService(catalog, manager, logger),
		ratelimit.NewService(manager, logger),
		retriever,
		cache.NewCache(cfg, logger),
		prompt.NewBuilder(cfg.Coach.MaxHistoryTurns),
		registry,
		coachStore,
		localizer,
		middleware.NewMetrics(),
		logger,
	)
	return &fixture{svc: svc, store: manager, adapter: adapter}
}

func groundedChunks() []models.KnowledgeChunk {
	return []models.KnowledgeChunk{
		{ID: "meditations-1", Work: "Meditations", Section: "Book 2", Content: "Begin the morning..."},
	}
}

func TestRespondHappyPath(t *testing.T) {
	adapter := &scriptedAdapter{
		name:   "openai",
		deltas: []string{"Focus on what ", "you control. ", "[[meditations-1]]"},
		usage:  models.TokenUsage{PromptTokens: 40, CompletionTokens: 9, TotalTokens: 49},
	}
	f := newFixture(t, adapter, &fakeRetriever{chunks: groundedChunks()}, nil)
	rec := &eventRecorder{}

	err := f.svc.Respond(context.Background(), Request{
		UserID:  "u1",
		Message: "I feel stuck.",
	}, rec.emit)
	require.NoError(t, err)

	require.Equal(t, []string{"start", "chunk", "chunk", "chunk", "complete"}, rec.types())

	start := rec.events[0].Data.(StartData)
	assert.Equal(t, "marcus", start.PersonaID)
	assert.Equal(t, "coach-standard", start.Model)
	assert.Equal(t, "openai", start.Provider)
	assert.NotEmpty(t, start.ConversationID)
	assert.NotEmpty(t, start.MessageID)

	complete := rec.last().Data.(CompleteData)
	assert.Equal(t, start.MessageID, complete.MessageID)
	assert.Equal(t, "Focus on what you control.", complete.Content)
	require.Len(t, complete.Citations, 1)
	assert.Equal(t, "meditations-1", complete.Citations[0].ID)
	assert.Equal(t, 49, complete.Tokens.TotalTokens)
	assert.Equal(t, 2, complete.MessagesRemaining)

	// The reply is durable
	msg, err := f.store.GetAssistantMessage(context.Background(), complete.MessageID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, complete.Content, msg.Content)
	assert.NotEmpty(t, msg.ContentHTML)

	// History carries both turns, sanitized
	history, err := f.store.GetHistory(context.Background(), start.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "I feel stuck.", history[0].Content)
	assert.Equal(t, complete.Content, history[1].Content)

	// Usage counted exactly once
	day := time.Now().UTC().Format("2006-01-02")
	usage, err := f.store.GetModelUsage(context.Background(), "u1", "coach-standard", day)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.MessageCount)

	// The upstream model name, not the catalog id, goes on the wire
	assert.Equal(t, "gpt-test", adapter.lastReq.Model)
}

func TestRespondRateLimited(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", deltas: []string{"x"}}
	f := newFixture(t, adapter, &fakeRetriever{}, nil)
	ctx := context.Background()

	day := time.Now().UTC().Format("2006-01-02")
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.IncrementModelUsage(ctx, "u1", "coach-standard", day, false))
	}

	rec := &eventRecorder{}
	err := f.svc.Respond(ctx, Request{UserID: "u1", Message: "hello"}, rec.emit)
	require.NoError(t, err)

	require.Equal(t, []string{"error"}, rec.types())
	data := rec.last().Data.(ErrorData)
	assert.Equal(t, "rate_limited", data.Code)
	require.NotNil(t, data.ResetTime)
	assert.Empty(t, adapter.lastReq.Model, "provider must not be called for a denied request")
}

func TestRespondUnknownPersona(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{name: "openai"}, &fakeRetriever{}, nil)
	rec := &eventRecorder{}

	err := f.svc.Respond(context.Background(), Request{UserID: "u1", PersonaID: "diogenes", Message: "hi"}, rec.emit)
	require.NoError(t, err)

	require.Equal(t, []string{"error"}, rec.types())
	assert.Equal(t, "unknown_persona", rec.last().Data.(ErrorData).Code)
}

func TestRespondUnknownModel(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{name: "openai"}, &fakeRetriever{}, nil)
	rec := &eventRecorder{}

	err := f.svc.Respond(context.Background(), Request{UserID: "u1", Model: "no-such-model", Message: "hi"}, rec.emit)
	require.NoError(t, err)

	require.Equal(t, []string{"error"}, rec.types())
	assert.Equal(t, "unknown_model", rec.last().Data.(ErrorData).Code)
}

func TestRespondProviderExhausted(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", openErr: errors.New("connection refused")}
	f := newFixture(t, adapter, &fakeRetriever{}, nil)
	rec := &eventRecorder{}

	err := f.svc.Respond(context.Background(), Request{UserID: "u1", Message: "hi"}, rec.emit)
	require.NoError(t, err)

	require.Equal(t, []string{"error"}, rec.types())
	assert.Equal(t, "provider_unavailable", rec.last().Data.(ErrorData).Code)
}

func TestRespondMidStreamFailureConsumesNoAllowance(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "openai",
		deltas:    []string{"partial "},
		streamErr: &provider.StreamError{Provider: "openai", Message: "overloaded"},
	}
	f := newFixture(t, adapter, &fakeRetriever{}, nil)
	rec := &eventRecorder{}
	ctx := context.Background()

	err := f.svc.Respond(ctx, Request{UserID: "u1", Message: "hi"}, rec.emit)
	require.NoError(t, err)

	require.Equal(t, []string{"start", "chunk", "error"}, rec.types())
	assert.Equal(t, "generation_failed", rec.last().Data.(ErrorData).Code)

	day := time.Now().UTC().Format("2006-01-02")
	usage, err := f.store.GetModelUsage(ctx, "u1", "coach-standard", day)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.MessageCount, "failed generations never consume allowance")
}

func TestRespondPersistenceFailure(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", deltas: []string{"done"}}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cfg := testConfig()
	manager, err := storage.NewManager(cfg, logger)
	require.NoError(t, err)

	f := newFixture(t, adapter, &fakeRetriever{}, &failingStore{Store: manager, saveErr: errors.New("disk full")})
	rec := &eventRecorder{}
	ctx := context.Background()

	err = f.svc.Respond(ctx, Request{UserID: "u1", Message: "hi"}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, "error", rec.last().Type)
	assert.Equal(t, "persistence_failed", rec.last().Data.(ErrorData).Code)

	day := time.Now().UTC().Format("2006-01-02")
	usage, err := f.store.GetModelUsage(ctx, "u1", "coach-standard", day)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.MessageCount, "usage counts only after the reply is durable")
}

func TestRespondRetrievalFailureIsFailOpen(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", deltas: []string{"ungrounded counsel"}}
	f := newFixture(t, adapter, &fakeRetriever{err: errors.New("corpus offline")}, nil)
	rec := &eventRecorder{}

	err := f.svc.Respond(context.Background(), Request{UserID: "u1", Message: "hi"}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, "complete", rec.last().Type)
	complete := rec.last().Data.(CompleteData)
	assert.Equal(t, "ungrounded counsel", complete.Content)
	assert.Empty(t, complete.Citations)
}

func TestRespondReusesConversationID(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", deltas: []string{"first"}}
	f := newFixture(t, adapter, &fakeRetriever{}, nil)
	ctx := context.Background()

	rec := &eventRecorder{}
	require.NoError(t, f.svc.Respond(ctx, Request{UserID: "u1", Message: "one"}, rec.emit))
	conv := rec.events[0].Data.(StartData).ConversationID

	adapter.deltas = []string{"second"}
	rec2 := &eventRecorder{}
	require.NoError(t, f.svc.Respond(ctx, Request{UserID: "u1", ConversationID: conv, Message: "two"}, rec2.emit))
	assert.Equal(t, conv, rec2.events[0].Data.(StartData).ConversationID)

	history, err := f.store.GetHistory(ctx, conv, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "two", history[2].Content)

	// The prior turn reached the second prompt
	found := false
	for _, m := range adapter.lastReq.Messages {
		if m.Role == "assistant" && m.Content == "first" {
			found = true
		}
	}
	assert.True(t, found, "history must flow into the next prompt")
}
