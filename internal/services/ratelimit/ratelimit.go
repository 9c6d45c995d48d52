package ratelimit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/models"
)

// Store is the usage-counter surface the limiter needs
type Store interface {
	GetModelUsage(ctx context.Context, userID, modelID, day string) (*models.ModelUsage, error)
	IncrementModelUsage(ctx context.Context, userID, modelID, day string, trial bool) error
}

// Service enforces per-user per-model daily message caps. Days are UTC
// calendar dates, so the window resets at midnight UTC regardless of
// the user's timezone.
type Service struct {
	store  Store
	logger *logrus.Logger
	now    func() time.Time
}

func NewService(store Store, logger *logrus.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Check reports whether the user may send one more message to the model
// today. Paid users are never capped; MessagesRemaining is -1 for them.
// A denial carries the next UTC midnight as the reset time.
func (s *Service) Check(ctx context.Context, userID string, model config.ModelInfo, access models.AccessLevel) (*models.RateLimitResult, error) {
	if access == models.AccessPaid {
		return &models.RateLimitResult{Allowed: true, MessagesRemaining: -1}, nil
	}
	if model.DailyLimit <= 0 {
		return &models.RateLimitResult{Allowed: true, MessagesRemaining: -1}, nil
	}

	now := s.now()
	usage, err := s.store.GetModelUsage(ctx, userID, model.ID, now.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}

	remaining := model.DailyLimit - usage.MessageCount
	if remaining <= 0 {
		reset := nextUTCMidnight(now)
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"model":   model.ID,
			"used":    usage.MessageCount,
			"limit":   model.DailyLimit,
		}).Info("Daily message limit reached")
		return &models.RateLimitResult{
			Allowed:           false,
			MessagesRemaining: 0,
			ResetTime:         &reset,
			Reason:            "daily limit reached",
		}, nil
	}

	return &models.RateLimitResult{Allowed: true, MessagesRemaining: remaining}, nil
}

// RecordUsage counts one delivered message against today's window.
// Called only after the assistant message has been persisted, so failed
// generations never consume allowance.
func (s *Service) RecordUsage(ctx context.Context, userID, modelID string, trial bool) error {
	day := s.now().Format("2006-01-02")
	return s.store.IncrementModelUsage(ctx, userID, modelID, day, trial)
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
