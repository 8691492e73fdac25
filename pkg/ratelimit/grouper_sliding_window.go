// Package ratelimit provides a Redis backed sliding window limiter shared by
// every API replica.
package ratelimit

import (
	"context"
	"time"

	"grouper_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims the sorted set to the window, then admits the request
// if the count is below the limit. A rejection returns the negative wait in
// milliseconds until the oldest entry leaves the window.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
	local count = redis.call('ZCARD', key)
	if count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window_ms * 2)
		return 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		return -(tonumber(oldest[2]) + window_ms - now)
	end
	return 0
`)

// SlidingWindowLimiter admits at most limit requests per key in any window.
type SlidingWindowLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSlidingWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:  client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records one request for key. When it is rejected the returned
// duration is the wait until a slot frees. Redis failures admit the request.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l == nil || l.redis == nil {
		return true, 0
	}

	now := l.now()
	result, err := slidingWindow.Run(ctx, l.redis, []string{l.key(key)},
		now.UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		uuid.NewString(),
	).Int64()
	if err != nil {
		logger.WithError(err).Warn("rate limit check failed, allowing request")
		return true, 0
	}

	switch {
	case result == 1:
		return true, 0
	case result < 0:
		return false, time.Duration(-result) * time.Millisecond
	default:
		return false, l.window
	}
}

// Reset forgets every request recorded for key.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	return l.redis.Del(ctx, l.key(key)).Err()
}

func (l *SlidingWindowLimiter) key(id string) string {
	return l.prefix + ":ratelimit:" + id
}
