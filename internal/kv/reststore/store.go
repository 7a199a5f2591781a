// Package reststore implements kv.Store against a Redis-compatible REST
// endpoint. Each command is POSTed as a JSON array of strings and answered
// with {"result": ...} or {"error": "..."}; transactions go to /multi-exec.
package reststore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/kv"
	"github.com/tidwall/gjson"
)

// ErrCommandFailed wraps an error reply from the store
var ErrCommandFailed = errors.New("rest store: command failed")

const maxReplyBytes = 8 << 20

// Store speaks the REST command protocol
type Store struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// New creates a REST store client. It does not contact the server.
func New(cfg *config.RESTConfig, logger *slog.Logger) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		logger:     logger,
	}
}

func (s *Store) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	if !gjson.ValidBytes(reply) {
		return nil, fmt.Errorf("%w: status %d, non-JSON body", kv.ErrUnexpectedReply, resp.StatusCode)
	}
	if e := gjson.GetBytes(reply, "error"); e.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrCommandFailed, e.String())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", kv.ErrUnexpectedReply, resp.StatusCode)
	}
	return reply, nil
}

// do runs a single command and returns its result
func (s *Store) do(ctx context.Context, args ...string) (gjson.Result, error) {
	reply, err := s.post(ctx, "", args)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", args[0], err)
	}
	return gjson.GetBytes(reply, "result"), nil
}

// exec runs commands as one transaction
func (s *Store) exec(ctx context.Context, commands [][]string) ([]gjson.Result, error) {
	reply, err := s.post(ctx, "/multi-exec", commands)
	if err != nil {
		return nil, fmt.Errorf("multi-exec: %w", err)
	}
	results := gjson.ParseBytes(reply).Array()
	for i, r := range results {
		if e := r.Get("error"); e.Exists() {
			return nil, fmt.Errorf("multi-exec command %d: %w: %s", i, ErrCommandFailed, e.String())
		}
	}
	return results, nil
}

func intResult(cmd string, r gjson.Result) (int64, error) {
	if r.Type != gjson.Number {
		return 0, fmt.Errorf("%s: %w: %s", cmd, kv.ErrUnexpectedReply, r.Raw)
	}
	return r.Int(), nil
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// Ping checks the store answers
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.do(ctx, "PING")
	return err
}

// Close releases idle connections
func (s *Store) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

// Get returns the string at key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	r, err := s.do(ctx, "GET", key)
	if err != nil {
		return "", false, err
	}
	if r.Type == gjson.Null || !r.Exists() {
		return "", false, nil
	}
	return r.String(), true, nil
}

// Set stores value at key with an optional TTL
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	args := []string{"SET", key, value}
	if ttl > 0 {
		args = append(args, "EX", strconv.FormatInt(kv.TTLSeconds(ttl), 10))
	}
	_, err := s.do(ctx, args...)
	return err
}

// SetNX stores value only if key is absent
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	args := []string{"SET", key, value, "NX"}
	if ttl > 0 {
		args = append(args, "EX", strconv.FormatInt(kv.TTLSeconds(ttl), 10))
	}
	r, err := s.do(ctx, args...)
	if err != nil {
		return false, err
	}
	return r.Type == gjson.String && r.String() == "OK", nil
}

// Del removes key
func (s *Store) Del(ctx context.Context, key string) error {
	_, err := s.do(ctx, "DEL", key)
	return err
}

// Exists reports whether key is present
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	r, err := s.do(ctx, "EXISTS", key)
	if err != nil {
		return false, err
	}
	n, err := intResult("EXISTS", r)
	return n > 0, err
}

// Incr increments the counter at key
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	r, err := s.do(ctx, "INCR", key)
	if err != nil {
		return 0, err
	}
	return intResult("INCR", r)
}

// Expire sets a TTL on key
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.do(ctx, "EXPIRE", key, strconv.FormatInt(kv.TTLSeconds(ttl), 10))
	return err
}

// ZAddGT adds member or raises its score
func (s *Store) ZAddGT(ctx context.Context, key, member string, score float64) error {
	_, err := s.do(ctx, "ZADD", key, "GT", formatScore(score), member)
	return err
}

// ZScore returns the score of member
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	r, err := s.do(ctx, "ZSCORE", key, member)
	if err != nil {
		return 0, false, err
	}
	if r.Type == gjson.Null || !r.Exists() {
		return 0, false, nil
	}
	score, err := strconv.ParseFloat(r.String(), 64)
	if err != nil {
		return 0, false, fmt.Errorf("ZSCORE: %w: %s", kv.ErrUnexpectedReply, r.Raw)
	}
	return score, true, nil
}

// ZRevRank returns the 0-based descending rank of member
func (s *Store) ZRevRank(ctx context.Context, key, member string) (int64, bool, error) {
	r, err := s.do(ctx, "ZREVRANK", key, member)
	if err != nil {
		return 0, false, err
	}
	if r.Type == gjson.Null || !r.Exists() {
		return 0, false, nil
	}
	rank, err := intResult("ZREVRANK", r)
	return rank, err == nil, err
}

// ZRevRangeWithScores returns members in descending order with scores
func (s *Store) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.ScoredMember, error) {
	r, err := s.do(ctx, "ZREVRANGE", key, strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10), "WITHSCORES")
	if err != nil {
		return nil, err
	}
	flat := r.Array()
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("ZREVRANGE: %w: odd reply length %d", kv.ErrUnexpectedReply, len(flat))
	}

	members := make([]kv.ScoredMember, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		score, err := strconv.ParseFloat(flat[i+1].String(), 64)
		if err != nil {
			return nil, fmt.Errorf("ZREVRANGE: %w: score %s", kv.ErrUnexpectedReply, flat[i+1].Raw)
		}
		members = append(members, kv.ScoredMember{Member: flat[i].String(), Score: score})
	}
	return members, nil
}

// ZCard returns the number of members in the sorted set
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	r, err := s.do(ctx, "ZCARD", key)
	if err != nil {
		return 0, err
	}
	return intResult("ZCARD", r)
}

// RPush appends values to a list
func (s *Store) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	r, err := s.do(ctx, append([]string{"RPUSH", key}, values...)...)
	if err != nil {
		return 0, err
	}
	return intResult("RPUSH", r)
}

// LRange returns list elements between start and stop
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	r, err := s.do(ctx, "LRANGE", key, strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10))
	if err != nil {
		return nil, err
	}
	items := r.Array()
	values := make([]string, len(items))
	for i, item := range items {
		values[i] = item.String()
	}
	return values, nil
}

// LRem sends one LREM per value in a single transaction
func (s *Store) LRem(ctx context.Context, key string, values ...string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	commands := make([][]string, len(values))
	for i, v := range values {
		commands[i] = []string{"LREM", key, "1", v}
	}
	results, err := s.exec(ctx, commands)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, r := range results {
		n, err := intResult("LREM", r.Get("result"))
		if err != nil {
			return 0, err
		}
		removed += n
	}
	return removed, nil
}
