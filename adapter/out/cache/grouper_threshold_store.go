// Package cache holds the Redis-backed stores shared between processes.
package cache

import (
	"context"
	"fmt"
	"strconv"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/pkg/cache"
	"grouper_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	thresholdKey     = "thresholds"
	thresholdChannel = "thresholds:updated"
)

var thresholdFields = []string{
	"auto_grouping",
	"high_confidence",
	"low_confidence",
	"manual_review",
	"project_creation",
}

// ThresholdStore keeps the threshold table in a Redis hash and announces
// changes on a pub/sub channel.
type ThresholdStore struct {
	cache *cache.RedisCache
}

// NewThresholdStore creates a new ThresholdStore.
func NewThresholdStore(c *cache.RedisCache) *ThresholdStore {
	return &ThresholdStore{cache: c}
}

var _ out.ThresholdStore = (*ThresholdStore)(nil)

// Load returns the stored table, or nil when nothing has been saved yet.
func (s *ThresholdStore) Load(ctx context.Context) (*domain.Thresholds, error) {
	values, err := s.cache.Client().HMGet(ctx, s.cache.Key(thresholdKey), thresholdFields...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read thresholds: %w", err)
	}

	parsed := make([]float64, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// partially written or never written
			return nil, nil
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid stored %s %q: %w", thresholdFields[i], str, err)
		}
		parsed[i] = f
	}

	t := domain.Thresholds{
		AutoGrouping:    parsed[0],
		HighConfidence:  parsed[1],
		LowConfidence:   parsed[2],
		ManualReview:    parsed[3],
		ProjectCreation: parsed[4],
	}
	return &t, nil
}

// Save writes t and publishes it in one transaction.
func (s *ThresholdStore) Save(ctx context.Context, t domain.Thresholds) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}

	client := s.cache.Client()
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.cache.Key(thresholdKey), map[string]any{
			"auto_grouping":    formatFloat(t.AutoGrouping),
			"high_confidence":  formatFloat(t.HighConfidence),
			"low_confidence":   formatFloat(t.LowConfidence),
			"manual_review":    formatFloat(t.ManualReview),
			"project_creation": formatFloat(t.ProjectCreation),
		})
		pipe.Publish(ctx, s.cache.Key(thresholdChannel), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save thresholds: %w", err)
	}
	return nil
}

// Subscribe invokes fn for every published table until ctx ends.
func (s *ThresholdStore) Subscribe(ctx context.Context, fn func(domain.Thresholds)) error {
	sub := s.cache.Client().Subscribe(ctx, s.cache.Key(thresholdChannel))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to thresholds: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var t domain.Thresholds
			if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
				logger.WithError(err).Warn("dropping malformed threshold update")
				continue
			}
			fn(t)
		}
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
