package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv/memstore"
	"github.com/scoreguard/internal/leaderboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	mu      sync.Mutex
	batches [][]domain.PlayerBest
	stored  []domain.PlayerBest
	err     error
}

func (m *fakeMirror) BatchUpsertBest(_ context.Context, bests []domain.PlayerBest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, bests)
	return nil
}

func (m *fakeMirror) ListBest(context.Context) ([]domain.PlayerBest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stored, m.err
}

func (m *fakeMirror) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newBoard() leaderboard.Board {
	return leaderboard.NewRankedSet(memstore.New(), 20, discard)
}

func TestSyncToDatabaseBatches(t *testing.T) {
	board := newBoard()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := board.Upsert(ctx, fmt.Sprintf("p%d", i), int64(i*10))
		require.NoError(t, err)
	}

	mirror := &fakeMirror{}
	w := NewSyncWorker(board, mirror, &config.SyncConfig{BatchSize: 3}, discard)

	synced, err := w.SyncToDatabase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, synced)
	require.Len(t, mirror.batches, 3)
	assert.Len(t, mirror.batches[0], 3)
	assert.Len(t, mirror.batches[2], 1)
	assert.Equal(t, "p6", mirror.batches[0][0].Handle)
	assert.Equal(t, int64(60), mirror.batches[0][0].Score)
}

func TestSyncToDatabaseError(t *testing.T) {
	board := newBoard()
	_, err := board.Upsert(context.Background(), "alice", 5)
	require.NoError(t, err)

	mirror := &fakeMirror{err: errors.New("db down")}
	w := NewSyncWorker(board, mirror, &config.SyncConfig{BatchSize: 10}, discard)

	_, err = w.SyncToDatabase(context.Background())
	assert.Error(t, err)
}

func TestSyncFromDatabaseRestoresEmptyBoard(t *testing.T) {
	board := newBoard()
	mirror := &fakeMirror{stored: []domain.PlayerBest{
		{Handle: "alice", Score: 90},
		{Handle: "bob", Score: 90},
		{Handle: "carol", Score: 10},
	}}
	w := NewSyncWorker(board, mirror, &config.SyncConfig{}, discard)

	restored, err := w.SyncFromDatabase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, restored)

	top, err := board.Top(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []domain.LeaderboardEntry{
		{Rank: 1, Handle: "alice", Score: 90},
		{Rank: 2, Handle: "bob", Score: 90},
		{Rank: 3, Handle: "carol", Score: 10},
	}, top)
}

func TestSyncFromDatabaseSkipsPopulatedBoard(t *testing.T) {
	board := newBoard()
	_, err := board.Upsert(context.Background(), "live", 1)
	require.NoError(t, err)

	mirror := &fakeMirror{stored: []domain.PlayerBest{{Handle: "old", Score: 100}}}
	w := NewSyncWorker(board, mirror, &config.SyncConfig{}, discard)

	restored, err := w.SyncFromDatabase(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restored)

	_, err = board.Player(context.Background(), "old")
	assert.True(t, domain.IsNotFoundError(err))
}

func TestStartStop(t *testing.T) {
	board := newBoard()
	_, err := board.Upsert(context.Background(), "alice", 5)
	require.NoError(t, err)

	mirror := &fakeMirror{}
	w := NewSyncWorker(board, mirror, &config.SyncConfig{Interval: 10 * time.Millisecond, BatchSize: 10}, discard)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	assert.Eventually(t, func() bool { return mirror.batchCount() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}
