package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/models"
)

// historyCap bounds how many turns are retained per conversation
const historyCap = 200

// Storage defines the persistence operations the coach engine needs.
// Usage counters are keyed by (user, model, UTC day) so that the
// increment is atomic in the backend and the daily reset is implicit.
type Storage interface {
	// Usage operations. day is a UTC date string (2006-01-02).
	GetModelUsage(ctx context.Context, userID, modelID, day string) (*models.ModelUsage, error)
	IncrementModelUsage(ctx context.Context, userID, modelID, day string, trial bool) error

	// Entitlement operations (written by the billing collaborator)
	GetEntitlement(ctx context.Context, userID, modelID string) (*models.Entitlement, error)
	SaveEntitlement(ctx context.Context, ent *models.Entitlement) error

	// User preference operations
	GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error)
	SaveUserPreferences(ctx context.Context, prefs *models.UserPreferences) error

	// Conversation history operations
	GetHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	AppendHistory(ctx context.Context, conversationID string, msgs ...models.Message) error

	// Assistant message persistence
	SaveAssistantMessage(ctx context.Context, msg *models.AssistantMessage) error
	GetAssistantMessage(ctx context.Context, messageID string) (*models.AssistantMessage, error)
}

// Manager wraps the configured storage backend
type Manager struct {
	storage Storage
	logger  *logrus.Logger
}

// NewManager creates a storage manager for the configured backend
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	var storage Storage

	switch cfg.Storage.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	case "memory":
		storage = NewMemoryStorage(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return &Manager{storage: storage, logger: logger}, nil
}

func (m *Manager) GetModelUsage(ctx context.Context, userID, modelID, day string) (*models.ModelUsage, error) {
	return m.storage.GetModelUsage(ctx, userID, modelID, day)
}

func (m *Manager) IncrementModelUsage(ctx context.Context, userID, modelID, day string, trial bool) error {
	return m.storage.IncrementModelUsage(ctx, userID, modelID, day, trial)
}

func (m *Manager) GetEntitlement(ctx context.Context, userID, modelID string) (*models.Entitlement, error) {
	return m.storage.GetEntitlement(ctx, userID, modelID)
}

func (m *Manager) SaveEntitlement(ctx context.Context, ent *models.Entitlement) error {
	return m.storage.SaveEntitlement(ctx, ent)
}

func (m *Manager) GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	return m.storage.GetUserPreferences(ctx, userID)
}

func (m *Manager) SaveUserPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	return m.storage.SaveUserPreferences(ctx, prefs)
}

func (m *Manager) GetHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	return m.storage.GetHistory(ctx, conversationID, limit)
}

func (m *Manager) AppendHistory(ctx context.Context, conversationID string, msgs ...models.Message) error {
	return m.storage.AppendHistory(ctx, conversationID, msgs...)
}

func (m *Manager) SaveAssistantMessage(ctx context.Context, msg *models.AssistantMessage) error {
	return m.storage.SaveAssistantMessage(ctx, msg)
}

func (m *Manager) GetAssistantMessage(ctx context.Context, messageID string) (*models.AssistantMessage, error) {
	return m.storage.GetAssistantMessage(ctx, messageID)
}

// RedisStorage implements storage using Redis. Counter increments use
// INCR so concurrent requests from the same user never lose updates.
type RedisStorage struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.Config, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{client: client, logger: logger}, nil
}

func dailyUsageKey(userID, modelID, day string) string {
	return fmt.Sprintf("usage:%s:%s:%s", userID, modelID, day)
}

func trialUsageKey(userID, modelID string) string {
	return fmt.Sprintf("usage_trial:%s:%s", userID, modelID)
}

func firstUseKey(userID, modelID string) string {
	return fmt.Sprintf("usage_first:%s:%s", userID, modelID)
}

func (r *RedisStorage) GetModelUsage(ctx context.Context, userID, modelID, day string) (*models.ModelUsage, error) {
	usage := &models.ModelUsage{UserID: userID, ModelID: modelID}

	daily, err := r.client.Get(ctx, dailyUsageKey(userID, modelID, day)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if err == nil {
		usage.MessageCount, _ = strconv.Atoi(daily)
	}

	trial, err := r.client.Get(ctx, trialUsageKey(userID, modelID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if err == nil {
		usage.TrialMessagesUsed, _ = strconv.Atoi(trial)
	}

	first, err := r.client.Get(ctx, firstUseKey(userID, modelID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if err == nil {
		if t, parseErr := time.Parse(time.RFC3339, first); parseErr == nil {
			usage.FirstUsedAt = t
		}
	}

	if t, parseErr := time.Parse("2006-01-02", day); parseErr == nil {
		usage.LastResetAt = t
	}
	return usage, nil
}

func (r *RedisStorage) IncrementModelUsage(ctx context.Context, userID, modelID, day string, trial bool) error {
	key := dailyUsageKey(userID, modelID, day)
	if err := r.client.Incr(ctx, key).Err(); err != nil {
		return err
	}
	// Day-scoped keys expire on their own once the window is stale
	if err := r.client.Expire(ctx, key, 48*time.Hour).Err(); err != nil {
		return err
	}

	if err := r.client.SetNX(ctx, firstUseKey(userID, modelID), time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return err
	}

	if trial {
		if err := r.client.Incr(ctx, trialUsageKey(userID, modelID)).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStorage) GetEntitlement(ctx context.Context, userID, modelID string) (*models.Entitlement, error) {
	key := fmt.Sprintf("entitlement:%s:%s", userID, modelID)
	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ent models.Entitlement
	if err := json.Unmarshal([]byte(data), &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (r *RedisStorage) SaveEntitlement(ctx context.Context, ent *models.Entitlement) error {
	key := fmt.Sprintf("entitlement:%s:%s", ent.UserID, ent.ModelID)
	data, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, 0).Err()
}

func (r *RedisStorage) GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	key := fmt.Sprintf("prefs:%s", userID)
	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var prefs models.UserPreferences
	if err := json.Unmarshal([]byte(data), &prefs); err != nil {
		return nil, err
	}
	return &prefs, nil
}

func (r *RedisStorage) SaveUserPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	key := fmt.Sprintf("prefs:%s", prefs.UserID)
	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, 0).Err()
}

func (r *RedisStorage) GetHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	key := fmt.Sprintf("history:%s", conversationID)
	raw, err := r.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			r.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Skipping corrupt history entry")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *RedisStorage) AppendHistory(ctx context.Context, conversationID string, msgs ...models.Message) error {
	key := fmt.Sprintf("history:%s", conversationID)
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := r.client.RPush(ctx, key, data).Err(); err != nil {
			return err
		}
	}
	if err := r.client.LTrim(ctx, key, -historyCap, -1).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, 30*24*time.Hour).Err()
}

func (r *RedisStorage) SaveAssistantMessage(ctx context.Context, msg *models.AssistantMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("message:%s", msg.ID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return err
	}
	return r.client.RPush(ctx, fmt.Sprintf("conversation_messages:%s", msg.ConversationID), msg.ID).Err()
}

func (r *RedisStorage) GetAssistantMessage(ctx context.Context, messageID string) (*models.AssistantMessage, error) {
	data, err := r.client.Get(ctx, fmt.Sprintf("message:%s", messageID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg models.AssistantMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
