// Package redisstore implements kv.Store over the Redis protocol.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/kv"
)

// Store provides Redis-backed key-value operations
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// New creates a new Redis store and checks connectivity
func New(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client redis.UniversalClient, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the string at key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores value at key with an optional TTL
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only when key is absent
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setting %s if absent: %w", key, err)
	}
	return ok, nil
}

// Del removes key
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("checking existence of %s: %w", key, err)
	}
	return n > 0, nil
}

// Incr increments the counter at key
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	return n, nil
}

// Expire sets a TTL on key
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expiring %s: %w", key, err)
	}
	return nil
}

// ZAddGT adds member or raises its score, never lowering it
func (s *Store) ZAddGT(ctx context.Context, key, member string, score float64) error {
	err := s.client.ZAddGT(ctx, key, redis.Z{
		Score:  score,
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("setting score: %w", err)
	}
	return nil
}

// ZScore returns the score of member
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("getting score: %w", err)
	}
	return score, true, nil
}

// ZRevRank returns the 0-indexed descending rank of member
func (s *Store) ZRevRank(ctx context.Context, key, member string) (int64, bool, error) {
	rank, err := s.client.ZRevRank(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("getting rank: %w", err)
	}
	return rank, true, nil
}

// ZRevRangeWithScores returns members within a rank range (0-indexed)
func (s *Store) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.ScoredMember, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("getting range: %w", err)
	}

	members := make([]kv.ScoredMember, len(results))
	for i, result := range results {
		member, ok := result.Member.(string)
		if !ok {
			return nil, fmt.Errorf("%w: member of type %T", kv.ErrUnexpectedReply, result.Member)
		}
		members[i] = kv.ScoredMember{Member: member, Score: result.Score}
	}
	return members, nil
}

// ZCard returns the number of members in the sorted set
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// RPush appends values to a list
func (s *Store) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.client.RPush(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("appending to %s: %w", key, err)
	}
	return n, nil
}

// LRange returns list elements between start and stop
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("reading list %s: %w", key, err)
	}
	return values, nil
}

// LRem issues one LREM per value inside a MULTI/EXEC transaction
func (s *Store) LRem(ctx context.Context, key string, values ...string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	cmds := make([]*redis.IntCmd, len(values))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, v := range values {
			cmds[i] = pipe.LRem(ctx, key, 1, v)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("removing from list %s: %w", key, err)
	}
	var removed int64
	for _, cmd := range cmds {
		removed += cmd.Val()
	}
	return removed, nil
}
