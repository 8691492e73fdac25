package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// RetryPolicy configures exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// Backoff returns the delay before the given retry (1-based): base * 2^(n-1) plus jitter.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.BaseDelay << (retry - 1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return d
}

// RetryAfterError lets an error dictate the wait before the next attempt.
type RetryAfterError interface {
	RetryAfterDelay() time.Duration
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || retryable == nil || !retryable(err) {
			return err
		}

		wait := p.Backoff(attempt)
		var ra RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfterDelay() > wait {
			wait = ra.RetryAfterDelay()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// IsTimeout reports network timeouts and deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTransientStatus reports HTTP statuses worth retrying.
func IsTransientStatus(status int) bool {
	return status == 429 || status == 408 || status >= 500
}
