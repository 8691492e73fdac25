package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) *SlidingWindowLimiter {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	return NewSlidingWindowLimiter(client, "test:"+uuid.NewString(), limit, window)
}

func TestSlidingWindowLimiter(t *testing.T) {
	l := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, wait := l.Allow(ctx, "user-1")
		assert.True(t, ok, "request %d", i)
		assert.Zero(t, wait)
	}

	ok, wait := l.Allow(ctx, "user-1")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)

	ok, _ = l.Allow(ctx, "user-2")
	assert.True(t, ok, "keys are independent")

	require.NoError(t, l.Reset(ctx, "user-1"))
	ok, _ = l.Allow(ctx, "user-1")
	assert.True(t, ok)
}

func TestSlidingWindowLimiterWindowSlides(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()
	base := time.Now()

	l.now = func() time.Time { return base }
	ok, _ := l.Allow(ctx, "k")
	require.True(t, ok)

	l.now = func() time.Time { return base.Add(30 * time.Second) }
	ok, wait := l.Allow(ctx, "k")
	assert.False(t, ok)
	assert.InDelta(t, float64(30*time.Second), float64(wait), float64(time.Second))

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	ok, _ = l.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestSlidingWindowLimiterWithoutRedis(t *testing.T) {
	var nilLimiter *SlidingWindowLimiter
	ok, wait := nilLimiter.Allow(context.Background(), "k")
	assert.True(t, ok)
	assert.Zero(t, wait)

	l := NewSlidingWindowLimiter(nil, "p", 1, time.Second)
	ok, _ = l.Allow(context.Background(), "k")
	assert.True(t, ok)
	assert.NoError(t, l.Reset(context.Background(), "k"))
}
