package redisstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/kv/kvtest"
	"github.com/stretchr/testify/require"
)

// Set SCOREGUARD_TEST_REDIS_ADDR to run against a real server.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("SCOREGUARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SCOREGUARD_TEST_REDIS_ADDR not set")
	}

	store, err := New(context.Background(), &config.RedisConfig{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	store := newTestStore(t)
	prefix := "scoreguard-test:" + uuid.NewString()
	t.Cleanup(func() {
		for _, key := range kvtest.Keys(prefix) {
			_ = store.Del(context.Background(), key)
		}
	})

	kvtest.Run(t, store, prefix)
}
