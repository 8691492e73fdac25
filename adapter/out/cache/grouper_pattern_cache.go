package cache

import (
	"context"
	"fmt"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/pkg/cache"

	"github.com/google/uuid"
)

const defaultPatternTTL = 30 * time.Minute

// PatternCache caches a user's active learning patterns as one JSON value.
type PatternCache struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

// NewPatternCache creates a new PatternCache. A zero ttl uses 30 minutes.
func NewPatternCache(c *cache.RedisCache, ttl time.Duration) *PatternCache {
	if ttl <= 0 {
		ttl = defaultPatternTTL
	}
	return &PatternCache{cache: c, ttl: ttl}
}

var _ out.PatternCache = (*PatternCache)(nil)

func (c *PatternCache) key(userID uuid.UUID) string {
	return c.cache.Key("patterns", userID.String())
}

func (c *PatternCache) GetPatterns(ctx context.Context, userID uuid.UUID) ([]*domain.LearningPattern, bool, error) {
	var patterns []*domain.LearningPattern
	ok, err := c.cache.GetJSON(ctx, c.key(userID), &patterns)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached patterns: %w", err)
	}
	return patterns, ok, nil
}

func (c *PatternCache) SetPatterns(ctx context.Context, userID uuid.UUID, patterns []*domain.LearningPattern) error {
	if patterns == nil {
		// cache the empty result too, a nil slice would encode as null
		patterns = []*domain.LearningPattern{}
	}
	return c.cache.SetJSON(ctx, c.key(userID), patterns, c.ttl)
}

func (c *PatternCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	return c.cache.Delete(ctx, c.key(userID))
}
