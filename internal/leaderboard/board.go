// Package leaderboard keeps the global ranking of accepted scores.
//
// Two persistence strategies are provided. RankedSet keeps one sorted-set
// member per handle and answers rank lookups in O(log n). AppendList keeps a
// capped list of every accepted run and sorts it on each operation, which
// needs nothing beyond list commands from the backend but costs O(n log n)
// per call. In both, rank 1 is the highest score and equal scores rank by
// arrival order.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv"
)

// Key names
const (
	BoardKey = "scoreboard:global:v1"
	RunsKey  = "scoreboard:runs:v1"
	SeqKey   = "scoreboard:seq:v1"
)

// Board is the leaderboard capability used by the service
type Board interface {
	// Upsert records score for handle and returns its rank and best score.
	Upsert(ctx context.Context, handle string, score int64) (domain.UpsertResult, error)
	// Top returns at most limit entries, limit clamped to [1, max].
	Top(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	// Player returns the ranked best entry of handle or domain.ErrNotFound.
	Player(ctx context.Context, handle string) (domain.LeaderboardEntry, error)
	// Best pages through the best entry of every handle in rank order.
	Best(ctx context.Context, offset, limit int) ([]domain.LeaderboardEntry, error)
	// Count returns the number of distinct handles on the board.
	Count(ctx context.Context) (int64, error)
	Strategy() domain.LeaderboardStrategy
}

// New builds the board selected by cfg.Strategy
func New(store kv.Store, cfg config.LeaderboardConfig, logger *slog.Logger) (Board, error) {
	switch cfg.Strategy {
	case config.StrategyRankedSet, "":
		return NewRankedSet(store, cfg.MaxLimit, logger), nil
	case config.StrategyAppendList:
		return NewAppendList(store, cfg.MaxLimit, cfg.AppendListCap, logger), nil
	default:
		return nil, fmt.Errorf("unknown leaderboard strategy %q", cfg.Strategy)
	}
}

// ClampLimit bounds a requested limit to [1, maxLimit]
func ClampLimit(limit, maxLimit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
