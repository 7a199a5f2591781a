// Package ratelimit implements fixed-window, per-minute counters kept in the
// shared key-value store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scoreguard/internal/kv"
)

const keyPrefix = "score:rl:v1:"

// Buckets used by the HTTP endpoints
const (
	BucketSessionIP     = "session_ip"
	BucketSessionHandle = "session_handle"
	BucketSubmitIP      = "submit_ip"
	BucketSubmitHandle  = "submit_handle"
)

// Limiter counts calls per (bucket, key, UTC minute)
type Limiter struct {
	store      kv.Store
	counterTTL time.Duration
	enabled    bool
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the clock used to pick the minute window
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Disabled makes every call allowed without touching the store
func Disabled() Option {
	return func(l *Limiter) { l.enabled = false }
}

// NewLimiter creates a limiter. counterTTL should exceed one minute so a
// counter outlives its window despite clock skew.
func NewLimiter(store kv.Store, counterTTL time.Duration, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		counterTTL: counterTTL,
		enabled:    true,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the counter key for bucket and key at t
func Key(bucket, key string, t time.Time) string {
	minute := t.UTC().Unix() / 60
	return fmt.Sprintf("%s%s:%s:%d", keyPrefix, bucket, key, minute)
}

// Allow increments the counter for the current minute and reports whether
// the post-increment count is within maxPerMinute. Store failures are
// returned to the caller and never treated as allowed.
func (l *Limiter) Allow(ctx context.Context, bucket, key string, maxPerMinute int) (bool, error) {
	if !l.enabled {
		return true, nil
	}

	counterKey := Key(bucket, key, l.now())
	count, err := l.store.Incr(ctx, counterKey)
	if err != nil {
		return false, fmt.Errorf("incrementing rate counter: %w", err)
	}

	// On the first increment, set the expiry so the counter evicts itself
	if count == 1 {
		if err := l.store.Expire(ctx, counterKey, l.counterTTL); err != nil {
			return false, fmt.Errorf("expiring rate counter: %w", err)
		}
	}

	if count > int64(maxPerMinute) {
		l.logger.Debug("rate limit exceeded",
			"bucket", bucket,
			"count", count,
			"limit", maxPerMinute,
		)
		return false, nil
	}
	return true, nil
}
