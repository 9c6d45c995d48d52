package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/i18n"
	"github.com/stoa-app/coach-engine/internal/middleware"
	"github.com/stoa-app/coach-engine/internal/models"
	"github.com/stoa-app/coach-engine/internal/services/coach"
	"github.com/stoa-app/coach-engine/internal/services/provider"
)

// Handler wires the HTTP surface to the coach service
type Handler struct {
	coach     *coach.Service
	registry  *provider.Registry
	limiter   middleware.RateLimiter
	localizer *i18n.Localizer
	logger    *logrus.Logger
}

func NewHandler(
	coachSvc *coach.Service,
	registry *provider.Registry,
	limiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		coach:     coachSvc,
		registry:  registry,
		limiter:   limiter,
		localizer: localizer,
		logger:    logger,
	}
}

// Router builds the API routes
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/coach/chat", h.Chat).Methods(http.MethodPost)
	api.HandleFunc("/providers/health", h.ProvidersHealth).Methods(http.MethodGet)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	return r
}

type chatRequest struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Message        string             `json:"message"`
	Persona        string             `json:"persona,omitempty"`
	Model          string             `json:"model,omitempty"`
	UserContext    models.UserContext `json:"user_context,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Chat handles POST /api/v1/coach/chat and streams the response as SSE
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	lang := requestLanguage(r)

	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	if !h.limiter.Allow(userID) {
		h.writeError(w, http.StatusTooManyRequests, h.localizer.Get(lang, i18n.MsgRateLimited, nil))
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, h.localizer.Get(lang, i18n.MsgInvalidRequest, nil))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, http.StatusBadRequest, h.localizer.Get(lang, i18n.MsgInvalidRequest, nil))
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	err = h.coach.Respond(r.Context(), coach.Request{
		UserID:         userID,
		ConversationID: req.ConversationID,
		PersonaID:      req.Persona,
		Message:        req.Message,
		Model:          req.Model,
		Language:       lang,
		UserContext:    req.UserContext,
	}, sse.Emit)
	if err != nil {
		// The SSE stream is already open; nothing more can reach the client
		h.logger.WithError(err).WithField("user_id", userID).Warn("Chat stream aborted")
	}
}

// ProvidersHealth handles GET /api/v1/providers/health. It reports
// credential presence, never credential values.
func (h *Handler) ProvidersHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Providers    []provider.ProviderStatus  `json:"providers"`
		LastSelected *provider.SelectionSummary `json:"last_selected,omitempty"`
		Credentials  map[string]string          `json:"credentials"`
	}{
		Providers:    h.registry.Snapshot(),
		LastSelected: h.registry.LastSelected(),
		Credentials:  h.registry.ConfiguredMap(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Health is the liveness endpoint
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}

func requestLanguage(r *http.Request) string {
	if lang := r.URL.Query().Get("lang"); lang != "" {
		return lang
	}
	accept := r.Header.Get("Accept-Language")
	if accept == "" {
		return ""
	}
	// First tag wins; quality factors are ignored
	tag := strings.SplitN(accept, ",", 2)[0]
	tag = strings.SplitN(tag, ";", 2)[0]
	return strings.TrimSpace(strings.SplitN(tag, "-", 2)[0])
}
