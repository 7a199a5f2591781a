package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scoreguard/internal/kv/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, New(), "test")
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 1500*time.Millisecond))
	assert.Equal(t, 2*time.Second, s.TTL("k"))

	now = now.Add(1999 * time.Millisecond)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Millisecond)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	won, err := s.SetNX(ctx, "k", "again", time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "expired keys free the slot")
}

func TestIncrKeepsTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := s.Incr(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, s.Expire(ctx, "c", 70*time.Second))
	_, err = s.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 70*time.Second, s.TTL("c"))
}

func TestWrongType(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.ZAddGT(ctx, "z", "m", 1))

	_, _, err := s.Get(ctx, "z")
	assert.ErrorIs(t, err, ErrWrongType)
	_, err = s.RPush(ctx, "z", "x")
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestFailWith(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.FailWith(boom)
	assert.ErrorIs(t, s.Ping(context.Background()), boom)

	s.FailWith(nil)
	assert.NoError(t, s.Ping(context.Background()))
}
