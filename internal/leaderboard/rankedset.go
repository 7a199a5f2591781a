package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv"
)

// seqBits is the room reserved below the score for the arrival sequence.
// Scores top out near 2^14, so the composite stays exact in a float64.
const seqBits = 36

const seqSpan = int64(1) << seqBits

// composite packs score and arrival order into one sorted-set score. Earlier
// arrivals get a larger remainder and so rank higher among equal scores.
func composite(score, seq int64) float64 {
	return float64(score*seqSpan + (seqSpan - 1 - seq%seqSpan))
}

func scoreOf(c float64) int64 {
	return int64(math.Floor(c / float64(seqSpan)))
}

// RankedSet keeps each handle's best score in one sorted set
type RankedSet struct {
	store    kv.Store
	maxLimit int
	logger   *slog.Logger
}

var _ Board = (*RankedSet)(nil)

// NewRankedSet creates a sorted-set board
func NewRankedSet(store kv.Store, maxLimit int, logger *slog.Logger) *RankedSet {
	return &RankedSet{store: store, maxLimit: maxLimit, logger: logger}
}

// Strategy implements Board
func (b *RankedSet) Strategy() domain.LeaderboardStrategy {
	return domain.StrategyRankedSet
}

// Upsert raises the handle's best if score beats it. The rank returned is
// that of the handle's best score after the write.
func (b *RankedSet) Upsert(ctx context.Context, handle string, score int64) (domain.UpsertResult, error) {
	seq, err := b.store.Incr(ctx, SeqKey)
	if err != nil {
		return domain.UpsertResult{}, fmt.Errorf("allocating arrival sequence: %w", err)
	}

	if err := b.store.ZAddGT(ctx, BoardKey, handle, composite(score, seq)); err != nil {
		return domain.UpsertResult{}, fmt.Errorf("updating best score: %w", err)
	}

	entry, err := b.Player(ctx, handle)
	if err != nil {
		return domain.UpsertResult{}, err
	}

	b.logger.Debug("ranked set upsert",
		"handle", handle,
		"score", score,
		"best", entry.Score,
		"rank", entry.Rank,
	)
	return domain.UpsertResult{Rank: entry.Rank, BestScore: entry.Score}, nil
}

// Top returns the highest best scores, one per handle
func (b *RankedSet) Top(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	return b.Best(ctx, 0, ClampLimit(limit, b.maxLimit))
}

// Player returns the ranked entry of handle
func (b *RankedSet) Player(ctx context.Context, handle string) (domain.LeaderboardEntry, error) {
	c, found, err := b.store.ZScore(ctx, BoardKey, handle)
	if err != nil {
		return domain.LeaderboardEntry{}, fmt.Errorf("reading best score: %w", err)
	}
	if !found {
		return domain.LeaderboardEntry{}, domain.ErrNotFound
	}

	rank, found, err := b.store.ZRevRank(ctx, BoardKey, handle)
	if err != nil {
		return domain.LeaderboardEntry{}, fmt.Errorf("reading rank: %w", err)
	}
	if !found {
		return domain.LeaderboardEntry{}, domain.ErrNotFound
	}

	return domain.LeaderboardEntry{Rank: rank + 1, Handle: handle, Score: scoreOf(c)}, nil
}

// Best pages through the sorted set
func (b *RankedSet) Best(ctx context.Context, offset, limit int) ([]domain.LeaderboardEntry, error) {
	if limit < 1 {
		return []domain.LeaderboardEntry{}, nil
	}
	start := int64(max(offset, 0))
	members, err := b.store.ZRevRangeWithScores(ctx, BoardKey, start, start+int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("reading leaderboard: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(members))
	for i, m := range members {
		entries[i] = domain.LeaderboardEntry{
			Rank:   start + int64(i) + 1,
			Handle: m.Member,
			Score:  scoreOf(m.Score),
		}
	}
	return entries, nil
}

// Count returns the number of handles on the board
func (b *RankedSet) Count(ctx context.Context) (int64, error) {
	n, err := b.store.ZCard(ctx, BoardKey)
	if err != nil {
		return 0, fmt.Errorf("counting leaderboard: %w", err)
	}
	return n, nil
}
