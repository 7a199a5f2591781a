package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
)

// Repository keeps the durable audit of accepted runs and a mirror of each
// handle's best score
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accepted_runs (
			session_id VARCHAR(64) PRIMARY KEY,
			handle VARCHAR(64) NOT NULL,
			score BIGINT NOT NULL,
			coins BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL,
			rank BIGINT NOT NULL,
			best_score BIGINT NOT NULL,
			accepted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS player_best (
			handle VARCHAR(64) PRIMARY KEY,
			score BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accepted_runs_handle ON accepted_runs(handle, accepted_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_player_best_score ON player_best(score DESC, updated_at ASC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const upsertBestQuery = `
	INSERT INTO player_best (handle, score, updated_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (handle)
	DO UPDATE SET
		score = GREATEST(player_best.score, EXCLUDED.score),
		updated_at = CASE
			WHEN EXCLUDED.score > player_best.score THEN EXCLUDED.updated_at
			ELSE player_best.updated_at
		END
`

// RecordRun stores an accepted run and raises the handle's best in one
// transaction. Recording the same session twice is a no-op.
func (r *Repository) RecordRun(ctx context.Context, run domain.RunAccepted) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO accepted_runs (session_id, handle, score, coins, duration_ms, rank, best_score, accepted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (session_id) DO NOTHING
		`,
			run.SessionID,
			run.Handle,
			run.Score,
			run.Coins,
			run.DurationMs,
			run.Rank,
			run.BestScore,
			run.AcceptedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, upsertBestQuery, run.Handle, run.BestScore, run.AcceptedAt); err != nil {
			return fmt.Errorf("upserting best score: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// BatchUpsertBest raises the stored best of every given handle
func (r *Repository) BatchUpsertBest(ctx context.Context, bests []domain.PlayerBest) error {
	if len(bests) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, b := range bests {
		updatedAt := b.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		batch.Queue(upsertBestQuery, b.Handle, b.Score, updatedAt)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range bests {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch upserting best scores: %w", err)
		}
	}
	return nil
}

// ListBest returns every stored best, highest first and earliest first among
// equal scores
func (r *Repository) ListBest(ctx context.Context) ([]domain.PlayerBest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT handle, score, updated_at
		FROM player_best
		ORDER BY score DESC, updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing best scores: %w", err)
	}
	defer rows.Close()

	var bests []domain.PlayerBest
	for rows.Next() {
		var b domain.PlayerBest
		if err := rows.Scan(&b.Handle, &b.Score, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning best score: %w", err)
		}
		bests = append(bests, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating best scores: %w", err)
	}
	return bests, nil
}
