package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/models"
)

// MemoryStorage implements storage using in-memory caches. Counter
// read-modify-writes are serialized by a mutex, mirroring the atomic
// INCR the redis backend gets for free.
type MemoryStorage struct {
	mu           sync.Mutex
	counters     map[string]int
	firstUse     map[string]time.Time
	entitlements *cache.Cache
	prefs        *cache.Cache
	history      *cache.Cache
	messages     *cache.Cache
	logger       *logrus.Logger
}

func NewMemoryStorage(cfg *config.Config, logger *logrus.Logger) *MemoryStorage {
	exp := cfg.Storage.Memory.DefaultExpiration
	cleanup := cfg.Storage.Memory.CleanupInterval
	if exp == 0 {
		exp = cache.NoExpiration
	}
	if cleanup == 0 {
		cleanup = 10 * time.Minute
	}

	return &MemoryStorage{
		counters:     make(map[string]int),
		firstUse:     make(map[string]time.Time),
		entitlements: cache.New(cache.NoExpiration, cleanup),
		prefs:        cache.New(cache.NoExpiration, cleanup),
		history:      cache.New(exp, cleanup),
		messages:     cache.New(cache.NoExpiration, cleanup),
		logger:       logger,
	}
}

func (m *MemoryStorage) GetModelUsage(ctx context.Context, userID, modelID, day string) (*models.ModelUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := &models.ModelUsage{
		UserID:            userID,
		ModelID:           modelID,
		MessageCount:      m.counters[dailyUsageKey(userID, modelID, day)],
		TrialMessagesUsed: m.counters[trialUsageKey(userID, modelID)],
		FirstUsedAt:       m.firstUse[firstUseKey(userID, modelID)],
	}
	if t, err := time.Parse("2006-01-02", day); err == nil {
		usage.LastResetAt = t
	}
	return usage, nil
}

func (m *MemoryStorage) IncrementModelUsage(ctx context.Context, userID, modelID, day string, trial bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[dailyUsageKey(userID, modelID, day)]++
	if trial {
		m.counters[trialUsageKey(userID, modelID)]++
	}
	fk := firstUseKey(userID, modelID)
	if _, exists := m.firstUse[fk]; !exists {
		m.firstUse[fk] = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStorage) GetEntitlement(ctx context.Context, userID, modelID string) (*models.Entitlement, error) {
	key := fmt.Sprintf("entitlement:%s:%s", userID, modelID)
	if val, found := m.entitlements.Get(key); found {
		return val.(*models.Entitlement), nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveEntitlement(ctx context.Context, ent *models.Entitlement) error {
	key := fmt.Sprintf("entitlement:%s:%s", ent.UserID, ent.ModelID)
	m.entitlements.Set(key, ent, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	if val, found := m.prefs.Get(userID); found {
		return val.(*models.UserPreferences), nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveUserPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	m.prefs.Set(prefs.UserID, prefs, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) GetHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	val, found := m.history.Get(conversationID)
	if !found {
		return nil, nil
	}
	msgs := val.([]models.Message)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MemoryStorage) AppendHistory(ctx context.Context, conversationID string, msgs ...models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing []models.Message
	if val, found := m.history.Get(conversationID); found {
		existing = val.([]models.Message)
	}
	existing = append(existing, msgs...)
	if len(existing) > historyCap {
		existing = existing[len(existing)-historyCap:]
	}
	m.history.SetDefault(conversationID, existing)
	return nil
}

func (m *MemoryStorage) SaveAssistantMessage(ctx context.Context, msg *models.AssistantMessage) error {
	m.messages.Set(msg.ID, msg, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) GetAssistantMessage(ctx context.Context, messageID string) (*models.AssistantMessage, error) {
	if val, found := m.messages.Get(messageID); found {
		return val.(*models.AssistantMessage), nil
	}
	return nil, nil
}
