package coach

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/i18n"
	"github.com/stoa-app/coach-engine/internal/middleware"
	"github.com/stoa-app/coach-engine/internal/models"
	"github.com/stoa-app/coach-engine/internal/persona"
	"github.com/stoa-app/coach-engine/internal/services/access"
	"github.com/stoa-app/coach-engine/internal/services/cache"
	"github.com/stoa-app/coach-engine/internal/services/citation"
	"github.com/stoa-app/coach-engine/internal/services/knowledge"
	"github.com/stoa-app/coach-engine/internal/services/prompt"
	"github.com/stoa-app/coach-engine/internal/services/provider"
	"github.com/stoa-app/coach-engine/internal/services/ratelimit"
	"github.com/stoa-app/coach-engine/pkg/markdown"
)

// Store is the persistence surface one coaching turn touches
type Store interface {
	GetHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	AppendHistory(ctx context.Context, conversationID string, msgs ...models.Message) error
	SaveAssistantMessage(ctx context.Context, msg *models.AssistantMessage) error
}

// Event is one item on the response stream
type Event struct {
	Type string      // start | chunk | complete | error
	Data interface{} // one of the *Data payloads below
}

// Emitter delivers one event to the client. A non-nil return means the
// client is gone and generation should stop.
type Emitter func(Event) error

// StartData opens a response stream
type StartData struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	PersonaID      string `json:"persona_id"`
	Model          string `json:"model"`
	Provider       string `json:"provider"`
	FallbackUsed   bool   `json:"fallback_used,omitempty"`
}

// ChunkData carries one text delta and a running token estimate
type ChunkData struct {
	Delta  string `json:"delta"`
	Tokens int    `json:"tokens"`
}

// CompleteData closes a successful response stream
type CompleteData struct {
	ConversationID    string             `json:"conversation_id"`
	MessageID         string             `json:"message_id"`
	Content           string             `json:"content"`
	ContentHTML       string             `json:"content_html,omitempty"`
	Citations         []models.Citation  `json:"citations,omitempty"`
	Tokens            models.TokenUsage  `json:"tokens"`
	MessagesRemaining int                `json:"messages_remaining"`
	ResetTime         *time.Time         `json:"reset_time,omitempty"`
}

// ErrorData closes a failed response stream. Message is localized and
// user-safe; raw provider errors only reach the logs.
type ErrorData struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	ResetTime *time.Time `json:"reset_time,omitempty"`
}

// Request is one coaching turn
type Request struct {
	UserID         string
	ConversationID string
	PersonaID      string
	Message        string
	Model          string // explicit model request, optional
	Language       string
	UserContext    models.UserContext
}

// Service orchestrates one coaching turn end to end: gate, retrieve,
// prompt, stream, resolve citations, persist, count usage.
type Service struct {
	cfg       *config.Config
	personas  *persona.Store
	access    *access.Service
	ratelimit *ratelimit.Service
	retriever knowledge.Retriever
	retCache  cache.Service
	prompts   *prompt.Builder
	registry  *provider.Registry
	citations *citation.Resolver
	store     Store
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger
}

func NewService(
	cfg *config.Config,
	personas *persona.Store,
	accessSvc *access.Service,
	ratelimitSvc *ratelimit.Service,
	retriever knowledge.Retriever,
	retCache cache.Service,
	prompts *prompt.Builder,
	registry *provider.Registry,
	store Store,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		personas:  personas,
		access:    accessSvc,
		ratelimit: ratelimitSvc,
		retriever: retriever,
		retCache:  retCache,
		prompts:   prompts,
		registry:  registry,
		citations: citation.NewResolver(),
		store:     store,
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
	}
}

// Respond handles one coaching turn, emitting events until the stream is
// closed by a complete or error event. The returned error reports
// transport problems only; domain failures are delivered as error events.
func (s *Service) Respond(ctx context.Context, req Request, emit Emitter) error {
	started := time.Now()
	log := s.logger.WithFields(logrus.Fields{
		"user_id": req.UserID,
		"persona": req.PersonaID,
	})

	status := "error"
	defer func() {
		s.metrics.RecordCoachRequest(req.PersonaID, status, time.Since(started))
	}()

	// Persona
	if req.PersonaID == "" {
		req.PersonaID = s.cfg.Coach.DefaultPersona
	}
	p, err := s.personas.Get(req.PersonaID)
	if err != nil {
		return s.emitError(emit, req.Language, "unknown_persona", i18n.MsgUnknownPersona, nil)
	}

	// Model selection and access
	resolution, err := s.access.Resolve(ctx, req.UserID, req.Model, p.ID)
	if err != nil {
		switch {
		case errors.Is(err, access.ErrUnknownModel):
			return s.emitError(emit, req.Language, "unknown_model", i18n.MsgUnknownModel, nil)
		case errors.Is(err, access.ErrNoAccess):
			s.metrics.RecordAccessDenial(req.Model)
			return s.emitError(emit, req.Language, "no_access", i18n.MsgNoAccess, nil)
		default:
			log.WithError(err).Error("Model resolution failed")
			return s.emitError(emit, req.Language, "generation_failed", i18n.MsgGenerationFailed, nil)
		}
	}
	model := resolution.Model

	// Daily limit
	limit, err := s.ratelimit.Check(ctx, req.UserID, model, resolution.Access)
	if err != nil {
		log.WithError(err).Error("Rate limit check failed")
		return s.emitError(emit, req.Language, "generation_failed", i18n.MsgGenerationFailed, nil)
	}
	if !limit.Allowed {
		s.metrics.RecordRateLimitDenial(model.ID)
		return s.emitError(emit, req.Language, "rate_limited", i18n.MsgRateLimited, limit.ResetTime)
	}

	// Conversation identity
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	messageID := uuid.NewString()
	log = log.WithField("conversation_id", conversationID)

	history, err := s.store.GetHistory(ctx, conversationID, s.cfg.Coach.MaxHistoryTurns)
	if err != nil {
		// History is additive context; a read failure degrades, not aborts
		log.WithError(err).Warn("History read failed, continuing without history")
		history = nil
	}

	chunks := s.retrieve(ctx, req.Message, log)

	messages := s.prompts.Build(p, req.Message, history, chunks, req.UserContext)

	// Provider selection and streaming
	temperature := model.Temperature
	if temperature == 0 {
		temperature = p.DefaultTemperature
	}
	sel, err := s.registry.Select(ctx, provider.ChatRequest{
		Messages:    messages,
		Model:       model.Name,
		Temperature: temperature,
		MaxTokens:   model.MaxTokens,
	})
	if err != nil {
		log.WithError(err).Error("No provider available")
		return s.emitError(emit, req.Language, "provider_unavailable", i18n.MsgProviderUnavailable, nil)
	}
	if sel.FallbackUsed {
		s.metrics.RecordProviderFallback(sel.ProviderID)
	}

	if err := emit(Event{Type: "start", Data: StartData{
		ConversationID: conversationID,
		MessageID:      messageID,
		PersonaID:      p.ID,
		Model:          model.ID,
		Provider:       sel.ProviderID,
		FallbackUsed:   sel.FallbackUsed,
	}}); err != nil {
		return err
	}

	s.metrics.StreamStarted()
	defer s.metrics.StreamFinished()

	streamStarted := time.Now()
	var accumulated []byte
	for delta := range sel.Stream.Deltas() {
		accumulated = append(accumulated, delta...)
		if err := emit(Event{Type: "chunk", Data: ChunkData{
			Delta:  delta,
			Tokens: estimateTokens(string(accumulated)),
		}}); err != nil {
			// Client disconnected; stop consuming and let ctx cancellation
			// unwind the producer
			return err
		}
	}

	streamErr := sel.Stream.Err()
	s.registry.RecordStreamResult(sel.ProviderID, streamErr)
	if streamErr != nil {
		s.metrics.RecordProviderStream(sel.ProviderID, "error", time.Since(streamStarted))
		log.WithError(streamErr).WithField("provider", sel.ProviderID).Error("Stream failed")
		return s.emitError(emit, req.Language, "generation_failed", i18n.MsgGenerationFailed, nil)
	}
	s.metrics.RecordProviderStream(sel.ProviderID, "success", time.Since(streamStarted))

	// Finalize: citations, persistence, usage
	resolved := s.citations.Resolve(string(accumulated), chunks)

	usage := sel.Stream.Usage()
	if usage.TotalTokens == 0 {
		usage.CompletionTokens = estimateTokens(resolved.Sanitized)
		usage.TotalTokens = usage.CompletionTokens
	}

	msg := &models.AssistantMessage{
		ID:             messageID,
		ConversationID: conversationID,
		PersonaID:      p.ID,
		Content:        resolved.Sanitized,
		ContentHTML:    markdown.ToWebHTML(resolved.Sanitized),
		Citations:      resolved.Citations,
		Tokens:         usage.TotalTokens,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveAssistantMessage(ctx, msg); err != nil {
		log.WithError(err).Error("Assistant message persistence failed")
		return s.emitError(emit, req.Language, "persistence_failed", i18n.MsgPersistenceFailed, nil)
	}

	if err := s.store.AppendHistory(ctx, conversationID,
		models.Message{Role: "user", Content: req.Message},
		models.Message{Role: "assistant", Content: resolved.Sanitized},
	); err != nil {
		log.WithError(err).Warn("History append failed")
	}

	// Usage counts only after the reply is durable, so failed turns never
	// consume allowance
	if err := s.ratelimit.RecordUsage(ctx, req.UserID, model.ID, resolution.Access == models.AccessTrial); err != nil {
		log.WithError(err).Warn("Usage recording failed")
	}

	remaining := limit.MessagesRemaining
	if remaining > 0 {
		remaining--
	}

	status = "success"
	log.WithFields(logrus.Fields{
		"message_id": messageID,
		"provider":   sel.ProviderID,
		"tokens":     usage.TotalTokens,
		"citations":  len(resolved.Citations),
		"duration":   time.Since(started),
	}).Info("Coach response delivered")

	return emit(Event{Type: "complete", Data: CompleteData{
		ConversationID:    conversationID,
		MessageID:         messageID,
		Content:           resolved.Sanitized,
		ContentHTML:       msg.ContentHTML,
		Citations:         resolved.Citations,
		Tokens:            usage,
		MessagesRemaining: remaining,
		ResetTime:         limit.ResetTime,
	}})
}

// retrieve is fail-open: a retrieval problem means an ungrounded reply,
// never a failed one.
func (s *Service) retrieve(ctx context.Context, query string, log *logrus.Entry) []models.KnowledgeChunk {
	if s.retriever == nil {
		return nil
	}
	limit := s.cfg.Coach.KnowledgeLimit

	if cached, found := s.retCache.Get(ctx, query, limit); found {
		s.metrics.RecordRetrievalCacheHit()
		return cached
	}
	s.metrics.RecordRetrievalCacheMiss()

	chunks, err := s.retriever.Retrieve(ctx, query, limit)
	if err != nil {
		log.WithError(err).Warn("Knowledge retrieval failed, continuing without passages")
		return nil
	}

	if err := s.retCache.Set(ctx, query, limit, chunks); err != nil {
		log.WithError(err).Debug("Retrieval cache write failed")
	}
	return chunks
}

func (s *Service) emitError(emit Emitter, lang, code, messageID string, resetTime *time.Time) error {
	return emit(Event{Type: "error", Data: ErrorData{
		Code:      code,
		Message:   s.localizer.Get(lang, messageID, nil),
		ResetTime: resetTime,
	}})
}

// estimateTokens approximates token count when the provider reported
// none. Four characters per token is close enough for display purposes.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
