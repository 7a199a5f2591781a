package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func boards(store *memstore.Store, capacity int) map[string]Board {
	return map[string]Board{
		"ranked_set":  NewRankedSet(store, 20, discard),
		"append_list": NewAppendList(store, 20, capacity, discard),
	}
}

func forEachStrategy(t *testing.T, capacity int, fn func(t *testing.T, store *memstore.Store, b Board)) {
	for _, name := range []string{"ranked_set", "append_list"} {
		t.Run(name, func(t *testing.T) {
			store := memstore.New()
			fn(t, store, boards(store, capacity)[name])
		})
	}
}

func TestTopBreaksTiesByArrival(t *testing.T) {
	forEachStrategy(t, 2000, func(t *testing.T, _ *memstore.Store, b Board) {
		ctx := context.Background()
		for i, score := range []int64{10, 40, 40, 25} {
			_, err := b.Upsert(ctx, fmt.Sprintf("player%d", i), score)
			require.NoError(t, err)
		}

		top, err := b.Top(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []domain.LeaderboardEntry{
			{Rank: 1, Handle: "player1", Score: 40},
			{Rank: 2, Handle: "player2", Score: 40},
			{Rank: 3, Handle: "player3", Score: 25},
		}, top)
	})
}

func TestUpsertNeverLowersBest(t *testing.T) {
	forEachStrategy(t, 2000, func(t *testing.T, _ *memstore.Store, b Board) {
		ctx := context.Background()

		res, err := b.Upsert(ctx, "alice", 50)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Rank)
		assert.Equal(t, int64(50), res.BestScore)

		res, err = b.Upsert(ctx, "alice", 20)
		require.NoError(t, err)
		assert.Equal(t, int64(50), res.BestScore)

		entry, err := b.Player(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(50), entry.Score)
		assert.Equal(t, int64(1), entry.Rank)

		res, err = b.Upsert(ctx, "alice", 70)
		require.NoError(t, err)
		assert.Equal(t, int64(70), res.BestScore)
	})
}

func TestRankedSetUpsertReturnsBestRank(t *testing.T) {
	store := memstore.New()
	b := NewRankedSet(store, 20, discard)
	ctx := context.Background()

	_, err := b.Upsert(ctx, "alice", 30)
	require.NoError(t, err)
	_, err = b.Upsert(ctx, "bob", 20)
	require.NoError(t, err)

	res, err := b.Upsert(ctx, "bob", 5)
	require.NoError(t, err)
	assert.Equal(t, domain.UpsertResult{Rank: 2, BestScore: 20}, res)

	res, err = b.Upsert(ctx, "bob", 30)
	require.NoError(t, err)
	assert.Equal(t, domain.UpsertResult{Rank: 2, BestScore: 30}, res, "equal score ranks after the earlier arrival")

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestAppendListUpsertReturnsRunRank(t *testing.T) {
	store := memstore.New()
	b := NewAppendList(store, 20, 2000, discard)
	ctx := context.Background()

	_, err := b.Upsert(ctx, "alice", 30)
	require.NoError(t, err)
	_, err = b.Upsert(ctx, "bob", 20)
	require.NoError(t, err)

	res, err := b.Upsert(ctx, "bob", 5)
	require.NoError(t, err)
	assert.Equal(t, domain.UpsertResult{Rank: 3, BestScore: 20}, res)

	top, err := b.Top(ctx, 20)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "bob", top[2].Handle)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestAppendListCap(t *testing.T) {
	store := memstore.New()
	b := NewAppendList(store, 20, 5, discard)
	ctx := context.Background()

	_, err := b.Upsert(ctx, "alice", 100)
	require.NoError(t, err)
	for i := int64(1); i <= 7; i++ {
		_, err := b.Upsert(ctx, "alice", i)
		require.NoError(t, err)
	}

	runs, err := store.LRange(ctx, RunsKey, 0, -1)
	require.NoError(t, err)
	assert.Len(t, runs, 5)

	top, err := b.Top(ctx, 20)
	require.NoError(t, err)
	scores := make([]int64, len(top))
	for i, e := range top {
		scores[i] = e.Score
	}
	assert.Equal(t, []int64{100, 7, 6, 5, 4}, scores)

	res, err := b.Upsert(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.UpsertResult{Rank: 6, BestScore: 100}, res, "rank is computed before the list is trimmed")
}

func TestAppendListTrimKeepsEveryBest(t *testing.T) {
	store := memstore.New()
	b := NewAppendList(store, 20, 2, discard)
	ctx := context.Background()

	res, err := b.Upsert(ctx, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, domain.UpsertResult{Rank: 1, BestScore: 5}, res)
	for _, run := range []struct {
		handle string
		score  int64
	}{{"bob", 50}, {"carol", 60}} {
		_, err := b.Upsert(ctx, run.handle, run.score)
		require.NoError(t, err)
	}

	res, err = b.Upsert(ctx, "alice", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.UpsertResult{Rank: 4, BestScore: 5}, res)

	entry, err := b.Player(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaderboardEntry{Rank: 3, Handle: "alice", Score: 5}, entry)

	runs, err := store.LRange(ctx, RunsKey, 0, -1)
	require.NoError(t, err)
	assert.Len(t, runs, 3, "one best run per handle survives the cap")
}

// pausingStore runs between once, right after the next list read
type pausingStore struct {
	*memstore.Store
	between func()
}

func (s *pausingStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := s.Store.LRange(ctx, key, start, stop)
	if fn := s.between; fn != nil {
		s.between = nil
		fn()
	}
	return values, err
}

func TestAppendListTrimKeepsConcurrentRuns(t *testing.T) {
	store := &pausingStore{Store: memstore.New()}
	b := NewAppendList(store, 20, 2, discard)
	ctx := context.Background()

	_, err := b.Upsert(ctx, "alice", 30)
	require.NoError(t, err)
	_, err = b.Upsert(ctx, "p2", 20)
	require.NoError(t, err)

	// bob's submit completes while alice's is between its read and its trim
	var bob domain.UpsertResult
	store.between = func() {
		var err error
		bob, err = b.Upsert(ctx, "bob", 999)
		require.NoError(t, err)
	}
	_, err = b.Upsert(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, domain.UpsertResult{Rank: 1, BestScore: 999}, bob)

	entry, err := b.Player(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaderboardEntry{Rank: 1, Handle: "bob", Score: 999}, entry)

	top, err := b.Top(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, []domain.LeaderboardEntry{
		{Rank: 1, Handle: "bob", Score: 999},
		{Rank: 2, Handle: "alice", Score: 30},
		{Rank: 3, Handle: "p2", Score: 20},
	}, top)
}

func TestTopClampsLimit(t *testing.T) {
	forEachStrategy(t, 2000, func(t *testing.T, _ *memstore.Store, b Board) {
		ctx := context.Background()
		for i := 0; i < 25; i++ {
			_, err := b.Upsert(ctx, fmt.Sprintf("p%02d", i), int64(i))
			require.NoError(t, err)
		}

		top, err := b.Top(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, top, 1)

		top, err = b.Top(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, top, 20)
		assert.Equal(t, int64(24), top[0].Score)
	})
}

func TestPlayerNotFound(t *testing.T) {
	forEachStrategy(t, 2000, func(t *testing.T, _ *memstore.Store, b Board) {
		_, err := b.Player(context.Background(), "ghost")
		assert.True(t, domain.IsNotFoundError(err))
	})
}

func TestBestPages(t *testing.T) {
	forEachStrategy(t, 2000, func(t *testing.T, _ *memstore.Store, b Board) {
		ctx := context.Background()
		for i, score := range []int64{5, 9, 7, 9, 1} {
			_, err := b.Upsert(ctx, fmt.Sprintf("p%d", i%4), score)
			require.NoError(t, err)
		}

		page, err := b.Best(ctx, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, []domain.LeaderboardEntry{
			{Rank: 1, Handle: "p1", Score: 9},
			{Rank: 2, Handle: "p3", Score: 9},
		}, page)

		page, err = b.Best(ctx, 2, 10)
		require.NoError(t, err)
		assert.Equal(t, []domain.LeaderboardEntry{
			{Rank: 3, Handle: "p2", Score: 7},
			{Rank: 4, Handle: "p0", Score: 5},
		}, page)

		page, err = b.Best(ctx, 10, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

func TestStoreFailure(t *testing.T) {
	forEachStrategy(t, 2000, func(t *testing.T, store *memstore.Store, b Board) {
		store.FailWith(errors.New("down"))
		_, err := b.Upsert(context.Background(), "alice", 1)
		assert.Error(t, err)
		_, err = b.Top(context.Background(), 5)
		assert.Error(t, err)
	})
}

func TestCompositeOrdering(t *testing.T) {
	assert.Greater(t, composite(41, 900), composite(40, 1))
	assert.Greater(t, composite(40, 1), composite(40, 2))
	assert.Equal(t, int64(10000), scoreOf(composite(10000, 123456789)))
	assert.Equal(t, int64(0), scoreOf(composite(0, 1)))
}

func TestNewSelectsStrategy(t *testing.T) {
	store := memstore.New()

	b, err := New(store, config.LeaderboardConfig{Strategy: config.StrategyAppendList, MaxLimit: 20, AppendListCap: 10}, discard)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyAppendList, b.Strategy())

	b, err = New(store, config.LeaderboardConfig{Strategy: config.StrategyRankedSet, MaxLimit: 20}, discard)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyRankedSet, b.Strategy())

	_, err = New(store, config.LeaderboardConfig{Strategy: "linked_list"}, discard)
	assert.Error(t, err)
}

func TestProfiles(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memstore.New(memstore.WithClock(func() time.Time { return now }))
	profiles := NewProfiles(store, 30*24*time.Hour)
	ctx := context.Background()

	_, err := profiles.Get(ctx, "alice")
	assert.True(t, domain.IsNotFoundError(err))

	p, err := profiles.Record(ctx, "alice", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Runs)
	assert.Equal(t, int64(40), p.BestScore)

	p, err = profiles.Record(ctx, "alice", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Runs)
	assert.Equal(t, int64(40), p.BestScore)

	got, err := profiles.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, p.Runs, got.Runs)
	assert.Equal(t, 30*24*time.Hour, store.TTL(ProfileKey("alice")))
}
