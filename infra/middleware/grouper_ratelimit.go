package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"grouper_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// RateLimiter is a fixed-window limiter keyed by user, falling back to IP.
// It guards the endpoints that fan out to the language model.
type RateLimiter struct {
	counts *gocache.Cache
	limit  int
	window time.Duration
	now    func() time.Time
	shared SharedLimiter
}

// SharedLimiter is a limit enforced across replicas, consulted after the
// local window admits a request.
type SharedLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// WithShared adds a cross-replica limit.
func (rl *RateLimiter) WithShared(l SharedLimiter) *RateLimiter {
	rl.shared = l
	return rl
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts: gocache.New(window, 2*window),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow counts one request for id and reports whether it fits the window,
// together with the remaining budget and the window reset time.
func (rl *RateLimiter) Allow(id string) (bool, int, time.Time) {
	now := rl.now()
	slot := now.UnixNano() / int64(rl.window)
	reset := time.Unix(0, (slot+1)*int64(rl.window))
	key := fmt.Sprintf("%s:%d", id, slot)

	// Add fails when the window already has a counter.
	_ = rl.counts.Add(key, 0, rl.window)
	n, err := rl.counts.IncrementInt(key, 1)
	if err != nil {
		rl.counts.Set(key, 1, rl.window)
		n = 1
	}
	remaining := rl.limit - n
	if remaining < 0 {
		remaining = 0
	}
	return n <= rl.limit, remaining, reset
}

func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.IP()
		if uid, ok := c.Locals("user_id").(uuid.UUID); ok {
			id = uid.String()
		}

		ok, remaining, reset := rl.Allow(id)
		c.Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !ok {
			return apperr.RateLimited("api", reset.Sub(rl.now()), nil)
		}
		if rl.shared != nil {
			if ok, wait := rl.shared.Allow(c.UserContext(), id); !ok {
				return apperr.RateLimited("api", wait, nil)
			}
		}
		return c.Next()
	}
}

// SecurityHeaders adds the standard hardening headers to all responses.
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		return c.Next()
	}
}
