// Package memstore is an in-process kv.Store for local development and tests.
// It mirrors the command semantics of the networked backends, including key
// expiry and sorted-set ordering, but nothing survives a restart.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/scoreguard/internal/kv"
)

// ErrWrongType mirrors the WRONGTYPE reply of a real server.
var ErrWrongType = errors.New("memstore: operation against a key holding the wrong kind of value")

type entry struct {
	str      *string
	zset     map[string]float64
	list     []string
	expireAt time.Time
}

// Store is a mutex-guarded map of typed values
type Store struct {
	mu    sync.Mutex
	data  map[string]*entry
	now   func() time.Time
	fault error
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used for expirations
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]*entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ kv.Store = (*Store)(nil)

// FailWith makes every subsequent call return err until called with nil.
// It lets callers exercise their storage-failure paths.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

// TTL returns the remaining lifetime of key, or zero when it has none.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil || e.expireAt.IsZero() {
		return 0
	}
	return e.expireAt.Sub(s.now())
}

// lookup returns the live entry for key, evicting it if expired. Callers
// hold s.mu.
func (s *Store) lookup(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) begin() (func(), error) {
	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return nil, err
	}
	return s.mu.Unlock, nil
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(time.Duration(kv.TTLSeconds(ttl)) * time.Second)
}

// Ping reports the injected fault, if any
func (s *Store) Ping(ctx context.Context) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	unlock()
	return nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

// Get returns the string stored at key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	unlock, err := s.begin()
	if err != nil {
		return "", false, err
	}
	defer unlock()

	e := s.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.str == nil {
		return "", false, ErrWrongType
	}
	return *e.str, true, nil
}

// Set stores value at key, replacing any previous value and TTL
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	defer unlock()

	v := value
	s.data[key] = &entry{str: &v, expireAt: s.expiry(ttl)}
	return nil
}

// SetNX stores value only if key is absent
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	unlock, err := s.begin()
	if err != nil {
		return false, err
	}
	defer unlock()

	if s.lookup(key) != nil {
		return false, nil
	}
	v := value
	s.data[key] = &entry{str: &v, expireAt: s.expiry(ttl)}
	return true, nil
}

// Del removes key
func (s *Store) Del(ctx context.Context, key string) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	defer unlock()

	delete(s.data, key)
	return nil
}

// Exists reports whether key holds a live value
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	unlock, err := s.begin()
	if err != nil {
		return false, err
	}
	defer unlock()

	return s.lookup(key) != nil, nil
}

// Incr increments the integer at key, creating it at zero first
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	unlock, err := s.begin()
	if err != nil {
		return 0, err
	}
	defer unlock()

	e := s.lookup(key)
	if e == nil {
		zero := "0"
		e = &entry{str: &zero}
		s.data[key] = e
	}
	if e.str == nil {
		return 0, ErrWrongType
	}
	n, err := strconv.ParseInt(*e.str, 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	n++
	v := strconv.FormatInt(n, 10)
	e.str = &v
	return n, nil
}

// Expire sets a TTL on an existing key
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	defer unlock()

	if e := s.lookup(key); e != nil {
		e.expireAt = s.expiry(ttl)
	}
	return nil
}

func (s *Store) zset(key string, create bool) (map[string]float64, error) {
	e := s.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{zset: make(map[string]float64)}
		s.data[key] = e
	}
	if e.zset == nil {
		return nil, ErrWrongType
	}
	return e.zset, nil
}

// ZAddGT adds member or raises its score
func (s *Store) ZAddGT(ctx context.Context, key, member string, score float64) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	defer unlock()

	z, err := s.zset(key, true)
	if err != nil {
		return err
	}
	if cur, ok := z[member]; !ok || score > cur {
		z[member] = score
	}
	return nil
}

// ZScore returns the score of member
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	unlock, err := s.begin()
	if err != nil {
		return 0, false, err
	}
	defer unlock()

	z, err := s.zset(key, false)
	if err != nil {
		return 0, false, err
	}
	score, ok := z[member]
	return score, ok, nil
}

// descending orders members the way ZREVRANGE does: score descending, ties
// by member in reverse lexicographic order.
func descending(z map[string]float64) []kv.ScoredMember {
	members := make([]kv.ScoredMember, 0, len(z))
	for m, sc := range z {
		members = append(members, kv.ScoredMember{Member: m, Score: sc})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score > members[j].Score
		}
		return members[i].Member > members[j].Member
	})
	return members
}

// ZRevRank returns the 0-based descending rank of member
func (s *Store) ZRevRank(ctx context.Context, key, member string) (int64, bool, error) {
	unlock, err := s.begin()
	if err != nil {
		return 0, false, err
	}
	defer unlock()

	z, err := s.zset(key, false)
	if err != nil {
		return 0, false, err
	}
	if _, ok := z[member]; !ok {
		return 0, false, nil
	}
	for i, m := range descending(z) {
		if m.Member == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

// ZRevRangeWithScores returns members between start and stop (inclusive,
// negative indexes count from the end) in descending order
func (s *Store) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.ScoredMember, error) {
	unlock, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	z, err := s.zset(key, false)
	if err != nil {
		return nil, err
	}
	all := descending(z)
	lo, hi, ok := bounds(int64(len(all)), start, stop)
	if !ok {
		return []kv.ScoredMember{}, nil
	}
	return all[lo : hi+1], nil
}

// ZCard returns the number of members in the sorted set
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	unlock, err := s.begin()
	if err != nil {
		return 0, err
	}
	defer unlock()

	z, err := s.zset(key, false)
	if err != nil {
		return 0, err
	}
	return int64(len(z)), nil
}

func (s *Store) listEntry(key string, create bool) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{list: []string{}}
		s.data[key] = e
	}
	if e.list == nil {
		return nil, ErrWrongType
	}
	return e, nil
}

// RPush appends values to the list at key and returns its new length
func (s *Store) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	unlock, err := s.begin()
	if err != nil {
		return 0, err
	}
	defer unlock()

	e, err := s.listEntry(key, true)
	if err != nil {
		return 0, err
	}
	e.list = append(e.list, values...)
	return int64(len(e.list)), nil
}

// LRange returns list elements between start and stop inclusive
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	unlock, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.listEntry(key, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return []string{}, nil
	}
	lo, hi, ok := bounds(int64(len(e.list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, e.list[lo:hi+1])
	return out, nil
}

// LRem removes the first occurrence of each value. An emptied list is
// deleted, as Redis does.
func (s *Store) LRem(ctx context.Context, key string, values ...string) (int64, error) {
	unlock, err := s.begin()
	if err != nil {
		return 0, err
	}
	defer unlock()

	e, err := s.listEntry(key, false)
	if err != nil || e == nil {
		return 0, err
	}
	var removed int64
	for _, v := range values {
		for i, item := range e.list {
			if item == v {
				e.list = append(e.list[:i], e.list[i+1:]...)
				removed++
				break
			}
		}
	}
	if len(e.list) == 0 {
		delete(s.data, key)
	}
	return removed, nil
}

// bounds resolves Redis-style inclusive range indexes against length n.
func bounds(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}
