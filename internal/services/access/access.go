package access

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/models"
)

// ErrUnknownModel is returned when an explicitly requested model does
// not exist or is disabled.
var ErrUnknownModel = errors.New("unknown or disabled model")

// ErrNoAccess is returned for a premium model with neither an active
// entitlement nor remaining trial allowance.
var ErrNoAccess = errors.New("no access to premium model")

// Store is the persistence surface the selection service reads
type Store interface {
	GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error)
	GetEntitlement(ctx context.Context, userID, modelID string) (*models.Entitlement, error)
	GetModelUsage(ctx context.Context, userID, modelID, day string) (*models.ModelUsage, error)
}

// Resolution is the outcome of resolving the effective model for a request
type Resolution struct {
	Model          config.ModelInfo
	Access         models.AccessLevel
	TrialRemaining int // meaningful only when Access is trial
}

// Catalog is the model configuration lookup
type Catalog struct {
	byID map[string]config.ModelInfo
	def  string
}

// NewCatalog indexes the configured model catalog
func NewCatalog(cfg config.ModelsConfig) *Catalog {
	c := &Catalog{
		byID: make(map[string]config.ModelInfo, len(cfg.Catalog)),
		def:  cfg.Default,
	}
	for _, m := range cfg.Catalog {
		c.byID[m.ID] = m
	}
	return c
}

// Get returns an enabled model by id
func (c *Catalog) Get(id string) (config.ModelInfo, bool) {
	m, ok := c.byID[id]
	if !ok || m.Disabled {
		return config.ModelInfo{}, false
	}
	return m, true
}

// Default returns the system fallback model
func (c *Catalog) Default() config.ModelInfo {
	m, _ := c.Get(c.def)
	return m
}

// Service resolves the effective model per request and classifies the
// user's access to it.
type Service struct {
	catalog *Catalog
	store   Store
	logger  *logrus.Logger
	now     func() time.Time
}

// NewService creates a model selection service
func NewService(catalog *Catalog, store Store, logger *logrus.Logger) *Service {
	return &Service{
		catalog: catalog,
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Resolve applies the precedence explicit request > persona override >
// user default > system default, then classifies access. Premium models
// require an active entitlement or remaining trial allowance.
func (s *Service) Resolve(ctx context.Context, userID, requestedModel, personaID string) (*Resolution, error) {
	model, err := s.resolveModel(ctx, userID, requestedModel, personaID)
	if err != nil {
		return nil, err
	}

	if model.Tier != "premium" {
		return &Resolution{Model: model, Access: models.AccessFree}, nil
	}

	ent, err := s.store.GetEntitlement(ctx, userID, model.ID)
	if err != nil {
		return nil, err
	}
	if ent != nil && ent.Active && (ent.ExpiresAt == nil || ent.ExpiresAt.After(s.now())) {
		return &Resolution{Model: model, Access: models.AccessPaid}, nil
	}

	remaining, err := s.trialRemaining(ctx, userID, model)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"model":   model.ID,
		}).Info("Premium access denied")
		return nil, ErrNoAccess
	}

	return &Resolution{Model: model, Access: models.AccessTrial, TrialRemaining: remaining}, nil
}

func (s *Service) resolveModel(ctx context.Context, userID, requestedModel, personaID string) (config.ModelInfo, error) {
	// An explicit request must name a real, enabled model
	if requestedModel != "" {
		model, ok := s.catalog.Get(requestedModel)
		if !ok {
			return config.ModelInfo{}, ErrUnknownModel
		}
		return model, nil
	}

	prefs, err := s.store.GetUserPreferences(ctx, userID)
	if err != nil {
		return config.ModelInfo{}, err
	}
	if prefs != nil {
		// Stale preferences pointing at removed models fall through
		if override := prefs.PersonaOverrides[personaID]; override != "" {
			if model, ok := s.catalog.Get(override); ok {
				return model, nil
			}
		}
		if prefs.DefaultModel != "" {
			if model, ok := s.catalog.Get(prefs.DefaultModel); ok {
				return model, nil
			}
		}
	}

	model := s.catalog.Default()
	if model.ID == "" {
		return config.ModelInfo{}, ErrUnknownModel
	}
	return model, nil
}

// trialRemaining computes allowance minus use, expired by the trial
// window measured from first use.
func (s *Service) trialRemaining(ctx context.Context, userID string, model config.ModelInfo) (int, error) {
	if model.TrialMessages <= 0 {
		return 0, nil
	}

	day := s.now().Format("2006-01-02")
	usage, err := s.store.GetModelUsage(ctx, userID, model.ID, day)
	if err != nil {
		return 0, err
	}

	if model.TrialWindowDays > 0 && !usage.FirstUsedAt.IsZero() {
		expiry := usage.FirstUsedAt.AddDate(0, 0, model.TrialWindowDays)
		if s.now().After(expiry) {
			return 0, nil
		}
	}

	return model.TrialMessages - usage.TrialMessagesUsed, nil
}
