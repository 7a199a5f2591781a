package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv"
)

type runRecord struct {
	Handle string `json:"h"`
	Score  int64  `json:"s"`
	Seq    int64  `json:"q"`

	raw string
}

// AppendList keeps accepted runs in a capped list. The cap bounds the runs
// kept beyond each handle's best; a handle's best run is never trimmed, so
// the stored best only rises.
type AppendList struct {
	store    kv.Store
	maxLimit int
	cap      int
	logger   *slog.Logger
}

var _ Board = (*AppendList)(nil)

// NewAppendList creates a list board holding at most capacity runs
func NewAppendList(store kv.Store, maxLimit, capacity int, logger *slog.Logger) *AppendList {
	return &AppendList{store: store, maxLimit: maxLimit, cap: capacity, logger: logger}
}

// Strategy implements Board
func (b *AppendList) Strategy() domain.LeaderboardStrategy {
	return domain.StrategyAppendList
}

// load reads and sorts every record: score descending, then arrival
func (b *AppendList) load(ctx context.Context) ([]runRecord, error) {
	raw, err := b.store.LRange(ctx, RunsKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading runs: %w", err)
	}

	records := make([]runRecord, 0, len(raw))
	for _, item := range raw {
		var r runRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			b.logger.Warn("skipping malformed run record", "error", err)
			continue
		}
		r.raw = item
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].Seq < records[j].Seq
	})
	return records, nil
}

// Upsert appends the run and returns the rank of this run among all
// records, with the handle's best score. Once the list outgrows its cap the
// lowest runs that are nobody's best are removed one by one, so runs
// appended concurrently are left alone.
func (b *AppendList) Upsert(ctx context.Context, handle string, score int64) (domain.UpsertResult, error) {
	seq, err := b.store.Incr(ctx, SeqKey)
	if err != nil {
		return domain.UpsertResult{}, fmt.Errorf("allocating arrival sequence: %w", err)
	}

	data, err := json.Marshal(runRecord{Handle: handle, Score: score, Seq: seq})
	if err != nil {
		return domain.UpsertResult{}, fmt.Errorf("marshaling run: %w", err)
	}
	if _, err := b.store.RPush(ctx, RunsKey, string(data)); err != nil {
		return domain.UpsertResult{}, fmt.Errorf("appending run: %w", err)
	}

	records, err := b.load(ctx)
	if err != nil {
		return domain.UpsertResult{}, err
	}

	result := domain.UpsertResult{BestScore: score}
	for i, r := range records {
		if r.Seq == seq {
			result.Rank = int64(i) + 1
		}
		if r.Handle == handle && r.Score > result.BestScore {
			result.BestScore = r.Score
		}
	}

	if drop := overflow(records, b.cap); len(drop) > 0 {
		if _, err := b.store.LRem(ctx, RunsKey, drop...); err != nil {
			b.logger.Error("failed to trim run list", "error", err)
		}
	}

	return result, nil
}

// overflow returns the stored form of every sorted record past capacity
// that is not its handle's best run
func overflow(records []runRecord, capacity int) []string {
	if capacity <= 0 || len(records) <= capacity {
		return nil
	}
	seen := make(map[string]struct{}, len(records))
	var drop []string
	for i, r := range records {
		_, beaten := seen[r.Handle]
		seen[r.Handle] = struct{}{}
		if i >= capacity && beaten {
			drop = append(drop, r.raw)
		}
	}
	return drop
}

// Top returns the highest raw runs; a handle may appear more than once
func (b *AppendList) Top(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	limit = ClampLimit(limit, b.maxLimit)
	records, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) > limit {
		records = records[:limit]
	}

	entries := make([]domain.LeaderboardEntry, len(records))
	for i, r := range records {
		entries[i] = domain.LeaderboardEntry{Rank: int64(i) + 1, Handle: r.Handle, Score: r.Score}
	}
	return entries, nil
}

// Player returns the handle's best run and its rank among all runs
func (b *AppendList) Player(ctx context.Context, handle string) (domain.LeaderboardEntry, error) {
	records, err := b.load(ctx)
	if err != nil {
		return domain.LeaderboardEntry{}, err
	}
	for i, r := range records {
		if r.Handle == handle {
			return domain.LeaderboardEntry{Rank: int64(i) + 1, Handle: handle, Score: r.Score}, nil
		}
	}
	return domain.LeaderboardEntry{}, domain.ErrNotFound
}

// bestPerHandle keeps the first, and so best, run of each handle
func bestPerHandle(records []runRecord) []domain.LeaderboardEntry {
	seen := make(map[string]struct{}, len(records))
	entries := make([]domain.LeaderboardEntry, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.Handle]; ok {
			continue
		}
		seen[r.Handle] = struct{}{}
		entries = append(entries, domain.LeaderboardEntry{
			Rank:   int64(len(entries)) + 1,
			Handle: r.Handle,
			Score:  r.Score,
		})
	}
	return entries
}

// Best pages through the best run of each handle
func (b *AppendList) Best(ctx context.Context, offset, limit int) ([]domain.LeaderboardEntry, error) {
	records, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	entries := bestPerHandle(records)
	offset = max(offset, 0)
	if offset >= len(entries) || limit < 1 {
		return []domain.LeaderboardEntry{}, nil
	}
	end := min(offset+limit, len(entries))
	return entries[offset:end], nil
}

// Count returns the number of distinct handles in the list
func (b *AppendList) Count(ctx context.Context) (int64, error) {
	records, err := b.load(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(bestPerHandle(records))), nil
}
