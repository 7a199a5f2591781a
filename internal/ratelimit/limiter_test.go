package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/scoreguard/internal/kv/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestLimiter(t *testing.T) (*Limiter, *memstore.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)}
	store := memstore.New(memstore.WithClock(clock.Now))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLimiter(store, 70*time.Second, logger, WithClock(clock.Now)), store, clock
}

func TestAllowUpToCeiling(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, BucketSubmitIP, "10.0.0.1", 3)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
	}

	ok, err := l.Allow(ctx, BucketSubmitIP, "10.0.0.1", 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextMinuteResets(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Allow(ctx, BucketSubmitHandle, "pilot", 1)
		require.NoError(t, err)
	}
	ok, err := l.Allow(ctx, BucketSubmitHandle, "pilot", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.t = clock.t.Add(time.Minute)
	ok, err = l.Allow(ctx, BucketSubmitHandle, "pilot", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBucketsAndKeysAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	ok, err := l.Allow(ctx, BucketSessionIP, "a", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, BucketSessionHandle, "a", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, BucketSessionIP, "b", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFirstIncrementSetsExpiry(t *testing.T) {
	l, store, clock := newTestLimiter(t)

	_, err := l.Allow(context.Background(), BucketSessionIP, "10.0.0.9", 5)
	require.NoError(t, err)

	ttl := store.TTL(Key(BucketSessionIP, "10.0.0.9", clock.t))
	assert.Equal(t, 70*time.Second, ttl)
}

func TestStoreFailureIsNotAllowed(t *testing.T) {
	l, store, _ := newTestLimiter(t)
	store.FailWith(errors.New("connection refused"))

	ok, err := l.Allow(context.Background(), BucketSubmitIP, "10.0.0.1", 10)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestDisabledAlwaysAllows(t *testing.T) {
	store := memstore.New()
	store.FailWith(errors.New("unreachable"))
	l := NewLimiter(store, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)), Disabled())

	ok, err := l.Allow(context.Background(), BucketSubmitIP, "x", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyUsesUTCMinute(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	at := time.Date(2026, 3, 1, 15, 0, 59, 0, loc)
	assert.Equal(t, Key("b", "k", at), Key("b", "k", at.UTC()))
	assert.Equal(t, "score:rl:v1:b:k:"+"29540520", Key("b", "k", time.Unix(29540520*60, 0)))
}
