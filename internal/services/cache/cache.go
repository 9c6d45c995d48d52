package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/models"
)

// Service caches knowledge retrieval results. Responses themselves are
// never cached; retrieval over a static corpus is, since identical
// queries rank identically until the corpus reloads.
type Service interface {
	Get(ctx context.Context, query string, limit int) ([]models.KnowledgeChunk, bool)
	Set(ctx context.Context, query string, limit int, chunks []models.KnowledgeChunk) error
	Clear(ctx context.Context) error
}

type retrievalEntry struct {
	chunks    []models.KnowledgeChunk
	createdAt time.Time
}

// Cache implements the retrieval cache
type Cache struct {
	enabled bool
	cache   *cache.Cache
	logger  *logrus.Logger
	maxSize int
}

// NewCache creates a retrieval cache from configuration
func NewCache(cfg *config.Config, logger *logrus.Logger) Service {
	if !cfg.Cache.Enabled {
		return &Cache{enabled: false}
	}

	return &Cache{
		enabled: true,
		cache:   cache.New(cfg.Cache.TTL, cfg.Cache.TTL*2),
		logger:  logger,
		maxSize: cfg.Cache.MaxSize,
	}
}

// Get returns a cached retrieval result
func (c *Cache) Get(ctx context.Context, query string, limit int) ([]models.KnowledgeChunk, bool) {
	if !c.enabled {
		return nil, false
	}

	key := generateKey(query, limit)
	if val, found := c.cache.Get(key); found {
		entry := val.(*retrievalEntry)
		c.logger.WithFields(logrus.Fields{
			"query": query,
			"age":   time.Since(entry.createdAt),
		}).Debug("Retrieval cache hit")
		return entry.chunks, true
	}

	return nil, false
}

// Set stores a retrieval result
func (c *Cache) Set(ctx context.Context, query string, limit int, chunks []models.KnowledgeChunk) error {
	if !c.enabled {
		return nil
	}

	if c.cache.ItemCount() >= c.maxSize {
		c.logger.Warn("Retrieval cache size limit reached, clearing expired entries")
		c.cache.DeleteExpired()
	}

	c.cache.SetDefault(generateKey(query, limit), &retrievalEntry{
		chunks:    chunks,
		createdAt: time.Now(),
	})
	return nil
}

// Clear removes all cached entries, e.g. after a corpus reload
func (c *Cache) Clear(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	c.cache.Flush()
	c.logger.Info("Retrieval cache cleared")
	return nil
}

func generateKey(query string, limit int) string {
	data := fmt.Sprintf("%d:%s", limit, query)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
