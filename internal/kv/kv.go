// Package kv defines the storage capability shared by every backend. Callers
// depend on Store only and never on a concrete client.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnexpectedReply is returned when a backend answers with a value of the
// wrong shape for the command issued.
var ErrUnexpectedReply = errors.New("kv: unexpected reply")

// ScoredMember is a sorted-set member with its score
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the uniform key-value capability the core runs against.
//
// Missing keys are reported through the boolean results rather than errors;
// an error always means the backend could not answer.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key does not exist and reports whether it
	// did. This is the single conditional write used for anti-replay.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ZAddGT adds member or raises its score; a lower score never replaces
	// a higher one.
	ZAddGT(ctx context.Context, key, member string, score float64) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	// ZRevRank returns the 0-based rank of member in descending order.
	ZRevRank(ctx context.Context, key, member string) (int64, bool, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	ZCard(ctx context.Context, key string) (int64, error)

	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LRem removes the first occurrence of each value from the list at key
	// and returns how many were removed. Elements appended concurrently are
	// never touched.
	LRem(ctx context.Context, key string, values ...string) (int64, error)
}

// TTLSeconds rounds ttl up to whole seconds, the resolution every backend
// accepts for expirations.
func TTLSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
