// Package kvtest holds behaviour checks every kv.Store backend must pass.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scoreguard/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store. Keys are namespaced under prefix so a shared server
// can be used; callers clean up afterwards if they need to.
func Run(t *testing.T, store kv.Store, prefix string) {
	t.Helper()
	ctx := context.Background()
	key := func(name string) string { return fmt.Sprintf("%s:%s", prefix, name) }

	t.Run("get set", func(t *testing.T) {
		_, ok, err := store.Get(ctx, key("missing"))
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.Set(ctx, key("str"), "value", time.Minute))
		v, ok, err := store.Get(ctx, key("str"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "value", v)

		exists, err := store.Exists(ctx, key("str"))
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, store.Del(ctx, key("str")))
		exists, err = store.Exists(ctx, key("str"))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("setnx single winner", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := store.SetNX(ctx, key("marker"), "1", time.Minute)
				assert.NoError(t, err)
				if won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("incr", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			n, err := store.Incr(ctx, key("counter"))
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		require.NoError(t, store.Expire(ctx, key("counter"), time.Minute))
	})

	t.Run("sorted set only rises", func(t *testing.T) {
		board := key("board")
		require.NoError(t, store.ZAddGT(ctx, board, "alice", 10))
		require.NoError(t, store.ZAddGT(ctx, board, "bob", 30))
		require.NoError(t, store.ZAddGT(ctx, board, "alice", 5))
		require.NoError(t, store.ZAddGT(ctx, board, "carol", 20))

		score, ok, err := store.ZScore(ctx, board, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, float64(10), score)

		rank, ok, err := store.ZRevRank(ctx, board, "carol")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), rank)

		_, ok, err = store.ZRevRank(ctx, board, "nobody")
		require.NoError(t, err)
		assert.False(t, ok)

		members, err := store.ZRevRangeWithScores(ctx, board, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, []kv.ScoredMember{{Member: "bob", Score: 30}, {Member: "carol", Score: 20}}, members)

		n, err := store.ZCard(ctx, board)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("list", func(t *testing.T) {
		list := key("list")
		n, err := store.RPush(ctx, list, "a", "b", "c")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		values, err := store.LRange(ctx, list, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, values)

		removed, err := store.LRem(ctx, list, "b", "missing")
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		values, err = store.LRange(ctx, list, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, values)

		_, err = store.RPush(ctx, list, "a")
		require.NoError(t, err)
		removed, err = store.LRem(ctx, list, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		values, err = store.LRange(ctx, list, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a"}, values, "only the first occurrence goes")

		removed, err = store.LRem(ctx, list, "c", "a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)
		values, err = store.LRange(ctx, list, 0, -1)
		require.NoError(t, err)
		assert.Empty(t, values)
	})
}

// Keys returns every key Run may create under prefix
func Keys(prefix string) []string {
	names := []string{"missing", "str", "marker", "counter", "board", "list"}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = fmt.Sprintf("%s:%s", prefix, n)
	}
	return keys
}
