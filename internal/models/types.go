package models

import (
	"time"
)

// Message represents a single conversation turn
type Message struct {
	Role    string `json:"role"` // user | assistant | system
	Content string `json:"content"`
}

// KnowledgeChunk is a retrieved passage of source text used to ground
// a response. Supplied by the retrieval layer; read-only afterwards.
type KnowledgeChunk struct {
	ID        string            `json:"id"`
	Work      string            `json:"work"`
	Author    string            `json:"author"`
	Tradition string            `json:"tradition"`
	Section   string            `json:"section"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Score     float64           `json:"score,omitempty"`
}

// Citation is derived from inline markers in a completed response.
// It is persisted alongside the message, never independently.
type Citation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Reference string `json:"reference,omitempty"`
	URL       string `json:"url,omitempty"`
}

// HealthStatus classifies a provider's most recent health check
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusUnavailable HealthStatus = "unavailable"
)

// ProviderHealth is the single mutable record kept per provider.
// It is overwritten on each check, never appended.
type ProviderHealth struct {
	ProviderID string       `json:"provider_id"`
	Status     HealthStatus `json:"status"`
	LatencyMs  int64        `json:"latency_ms"`
	Error      string       `json:"error,omitempty"`
	CheckedAt  time.Time    `json:"checked_at"`
}

// ModelUsage tracks per-user-per-model consumption. Daily counters reset
// on a UTC calendar-date boundary; the trial counter never resets.
type ModelUsage struct {
	UserID            string    `json:"user_id"`
	ModelID           string    `json:"model_id"`
	MessageCount      int       `json:"message_count"`
	TrialMessagesUsed int       `json:"trial_messages_used"`
	FirstUsedAt       time.Time `json:"first_used_at"`
	LastResetAt       time.Time `json:"last_reset_at"`
}

// Entitlement grants a user ongoing access to a premium model.
// Written by the billing collaborator; read-only here.
type Entitlement struct {
	UserID    string     `json:"user_id"`
	ProductID string     `json:"product_id"`
	ModelID   string     `json:"model_id"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AccessLevel classifies how a user may use a resolved model
type AccessLevel string

const (
	AccessFree  AccessLevel = "free"
	AccessTrial AccessLevel = "trial"
	AccessPaid  AccessLevel = "paid"
)

// RateLimitResult is the per-request quota decision.
// MessagesRemaining is -1 exclusively for unlimited (paid) access.
type RateLimitResult struct {
	Allowed           bool       `json:"allowed"`
	MessagesRemaining int        `json:"messages_remaining"`
	ResetTime         *time.Time `json:"reset_time,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

// UserContext is the summary of a user's state supplied by the
// profile/journal collaborator for prompt assembly.
type UserContext struct {
	PreferredVirtue   string   `json:"preferred_virtue,omitempty"`
	PreferredPersona  string   `json:"preferred_persona,omitempty"`
	RecentReflections []string `json:"recent_reflections,omitempty"`
	ActivePractices   []string `json:"active_practices,omitempty"`
}

// UserPreferences holds model selection preferences per user
type UserPreferences struct {
	UserID           string            `json:"user_id"`
	DefaultModel     string            `json:"default_model,omitempty"`
	PersonaOverrides map[string]string `json:"persona_overrides,omitempty"` // personaID -> modelID
}

// AssistantMessage is the durable record of a generated coach reply
type AssistantMessage struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	PersonaID      string     `json:"persona_id"`
	Content        string     `json:"content"` // sanitized markdown
	ContentHTML    string     `json:"content_html,omitempty"`
	Citations      []Citation `json:"citations,omitempty"`
	Tokens         int        `json:"tokens"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TokenUsage is the provider-reported token accounting for one stream.
// Available only after the stream has naturally ended.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
