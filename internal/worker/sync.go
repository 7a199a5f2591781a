package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/leaderboard"
)

// Mirror is the durable copy of best scores
type Mirror interface {
	BatchUpsertBest(ctx context.Context, bests []domain.PlayerBest) error
	ListBest(ctx context.Context) ([]domain.PlayerBest, error)
}

// SyncWorker mirrors the leaderboard into the durable store and restores it
// from there after the key-value store has lost its data
type SyncWorker struct {
	board   leaderboard.Board
	mirror  Mirror
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	board leaderboard.Board,
	mirror Mirror,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		board:  board,
		mirror: mirror,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single mirror cycle and logs the outcome
func (w *SyncWorker) RunOnce(ctx context.Context) {
	startTime := time.Now()
	count, err := w.SyncToDatabase(ctx)
	if err != nil {
		w.logger.Error("sync cycle failed", "error", err, "synced", count)
		return
	}
	w.logger.Info("sync cycle completed",
		"duration", time.Since(startTime),
		"synced", count,
	)
}

// SyncToDatabase copies every handle's best score into the mirror in
// batches and returns how many were written
func (w *SyncWorker) SyncToDatabase(ctx context.Context) (int, error) {
	batchSize := w.config.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	now := time.Now().UTC()
	synced := 0
	for offset := 0; ; offset += batchSize {
		entries, err := w.board.Best(ctx, offset, batchSize)
		if err != nil {
			return synced, fmt.Errorf("reading leaderboard page at %d: %w", offset, err)
		}
		if len(entries) == 0 {
			return synced, nil
		}

		bests := make([]domain.PlayerBest, len(entries))
		for i, e := range entries {
			bests[i] = domain.PlayerBest{Handle: e.Handle, Score: e.Score, UpdatedAt: now}
		}
		if err := w.mirror.BatchUpsertBest(ctx, bests); err != nil {
			return synced, fmt.Errorf("writing mirror batch: %w", err)
		}
		synced += len(bests)

		if len(entries) < batchSize {
			return synced, nil
		}
	}
}

// SyncFromDatabase replays mirrored best scores into an empty leaderboard.
// A board that already holds entries is left alone.
func (w *SyncWorker) SyncFromDatabase(ctx context.Context) (int, error) {
	count, err := w.board.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting leaderboard: %w", err)
	}
	if count > 0 {
		w.logger.Debug("leaderboard already populated, skipping restore", "players", count)
		return 0, nil
	}

	bests, err := w.mirror.ListBest(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, b := range bests {
		if _, err := w.board.Upsert(ctx, b.Handle, b.Score); err != nil {
			return restored, fmt.Errorf("restoring %s: %w", b.Handle, err)
		}
		restored++
	}

	w.logger.Info("restored leaderboard from database", "players", restored)
	return restored, nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
