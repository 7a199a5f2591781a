package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv/memstore"
	"github.com/scoreguard/internal/leaderboard"
	"github.com/scoreguard/internal/metrics"
	"github.com/scoreguard/internal/ratelimit"
	"github.com/scoreguard/internal/session"
	"github.com/scoreguard/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu   sync.Mutex
	runs []domain.RunAccepted
	err  error
}

func (f *fakeRecorder) RecordRun(_ context.Context, run domain.RunAccepted) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return f.err
}

type fakePublisher struct {
	runs []domain.RunAccepted
	err  error
}

func (f *fakePublisher) PublishRunAccepted(_ context.Context, run domain.RunAccepted) error {
	f.runs = append(f.runs, run)
	return f.err
}

type fakeHub struct {
	tops    [][]domain.LeaderboardEntry
	totals  []int64
	players []domain.LeaderboardEntry
}

func (f *fakeHub) BroadcastLeaderboardUpdate(entries []domain.LeaderboardEntry, total int64) {
	f.tops = append(f.tops, entries)
	f.totals = append(f.totals, total)
}

func (f *fakeHub) BroadcastPlayerUpdate(entry domain.LeaderboardEntry) {
	f.players = append(f.players, entry)
}

type fixture struct {
	store    *memstore.Store
	svc      *ScoreService
	profiles *leaderboard.Profiles
	metrics  *metrics.Registry
}

func newFixture(t *testing.T, limits config.RateLimitConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	signer, err := signing.New("service-secret")
	require.NoError(t, err)

	handles := session.HandleRule{MinLength: 3, MaxLength: 24}
	lbCfg := config.LeaderboardConfig{Strategy: config.StrategyRankedSet, DefaultLimit: 5, MaxLimit: 20}
	board, err := leaderboard.New(store, lbCfg, logger)
	require.NoError(t, err)

	var opts []ratelimit.Option
	if !limits.Enabled {
		opts = append(opts, ratelimit.Disabled())
	}
	profiles := leaderboard.NewProfiles(store, time.Hour)
	reg := metrics.NewRegistry(prometheus.NewRegistry())

	svc := NewScoreService(Deps{
		Store:    store,
		Issuer:   session.NewIssuer(store, signer, handles, 4*time.Minute, 5*time.Minute, logger),
		Consumer: session.NewConsumer(store, signer, handles, 10*time.Minute, logger),
		Handles:  handles,
		Limiter:  ratelimit.NewLimiter(store, 70*time.Second, logger, opts...),
		Board:    board,
		Profiles: profiles,
		Metrics:  reg,
	}, limits, lbCfg, logger)

	return &fixture{store: store, svc: svc, profiles: profiles, metrics: reg}
}

func ramp(n int, start, step int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)*step
	}
	return out
}

func runJSON(t *testing.T, score int) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"durationMs":     30000,
		"score":          score,
		"coins":          1,
		"nearMisses":     1,
		"flaps":          4,
		"passEvents":     ramp(score-1, 2500, 900),
		"coinEvents":     []int64{},
		"nearMissEvents": []int64{4000},
		"flapEvents":     ramp(4, 100, 1000),
	})
	require.NoError(t, err)
	return raw
}

func (f *fixture) play(t *testing.T, handle string, score int) (domain.UpsertResult, error) {
	t.Helper()
	signed, err := f.svc.CreateSession(context.Background(), handle, "10.0.0.1")
	require.NoError(t, err)
	raw, err := json.Marshal(signed)
	require.NoError(t, err)

	return f.svc.Submit(context.Background(), Submission{
		Handle:    handle,
		Session:   raw,
		Telemetry: runJSON(t, score),
		ClientIP:  "10.0.0.1",
	})
}

func counterValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func requireReason(t *testing.T, err error, want domain.Reason) {
	t.Helper()
	rej, ok := domain.AsRejection(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	assert.Equal(t, want, rej.Reason)
}

func TestSubmitAcceptsAndRecordsProfile(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	result, err := f.play(t, "Alice", 8)
	require.NoError(t, err)
	assert.Equal(t, domain.UpsertResult{Rank: 1, BestScore: 8}, result)

	_, err = f.play(t, "alice", 3)
	require.NoError(t, err)

	profile, err := f.profiles.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(8), profile.BestScore)
	assert.Equal(t, int64(2), profile.Runs)

	assert.Equal(t, float64(2), counterValue(t, f.metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeAccepted, "")))
	assert.Equal(t, float64(2), counterValue(t, f.metrics.SessionsIssued))
}

func TestSubmitRejectsImplausibleTelemetry(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	signed, err := f.svc.CreateSession(context.Background(), "alice", "10.0.0.1")
	require.NoError(t, err)
	raw, err := json.Marshal(signed)
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), Submission{
		Handle:    "alice",
		Session:   raw,
		Telemetry: json.RawMessage(`{"durationMs": 1000}`),
		ClientIP:  "10.0.0.1",
	})
	requireReason(t, err, domain.ReasonInvalidDuration)

	top, err := f.svc.Top(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, top)
	assert.Equal(t, float64(1), counterValue(t,
		f.metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeRejected, string(domain.ReasonInvalidDuration))))
}

func TestSubmitInvalidHandleBeforeRateLimit(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{Enabled: true, SessionIP: 5, SessionHandle: 5, SubmitIP: 0, SubmitHandle: 5})

	_, err := f.svc.Submit(context.Background(), Submission{Handle: "!", ClientIP: "10.0.0.1"})
	requireReason(t, err, domain.ReasonInvalidHandle)

	_, err = f.svc.Submit(context.Background(), Submission{Handle: "alice", ClientIP: "10.0.0.1"})
	requireReason(t, err, domain.ReasonRateLimited)
}

func TestCreateSessionIPLimitBeforeHandleCheck(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{Enabled: true, SessionIP: 1, SessionHandle: 5, SubmitIP: 5, SubmitHandle: 5})

	_, err := f.svc.CreateSession(context.Background(), "alice", "10.0.0.9")
	require.NoError(t, err)

	_, err = f.svc.CreateSession(context.Background(), "!", "10.0.0.9")
	requireReason(t, err, domain.ReasonRateLimited)
	assert.Equal(t, float64(1), counterValue(t, f.metrics.RateLimitedTotal.WithLabelValues(ratelimit.BucketSessionIP)))
}

func TestCreateSessionHandleLimit(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{Enabled: true, SessionIP: 10, SessionHandle: 1, SubmitIP: 5, SubmitHandle: 5})

	_, err := f.svc.CreateSession(context.Background(), "alice", "10.0.0.1")
	require.NoError(t, err)
	_, err = f.svc.CreateSession(context.Background(), "ALICE", "10.0.0.2")
	requireReason(t, err, domain.ReasonRateLimited)

	_, err = f.svc.CreateSession(context.Background(), "bob", "10.0.0.1")
	assert.NoError(t, err)
}

func TestLimiterFailureIsHard(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{Enabled: true, SessionIP: 10, SessionHandle: 10, SubmitIP: 10, SubmitHandle: 10})
	f.store.FailWith(errors.New("timeout"))

	_, err := f.svc.CreateSession(context.Background(), "alice", "10.0.0.1")
	require.Error(t, err)
	_, isRejection := domain.AsRejection(err)
	assert.False(t, isRejection)
}

func TestFanOutBroadcastsLocally(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	hub := &fakeHub{}
	rec := &fakeRecorder{}
	f.svc.SetHub(hub)
	f.svc.SetRecorder(rec)

	_, err := f.play(t, "alice", 6)
	require.NoError(t, err)
	_, err = f.play(t, "bob", 9)
	require.NoError(t, err)

	require.Len(t, rec.runs, 2)
	assert.Equal(t, "bob", rec.runs[1].Handle)
	assert.Equal(t, int64(9), rec.runs[1].Score)
	assert.Equal(t, int64(1), rec.runs[1].Coins)
	assert.Equal(t, int64(30000), rec.runs[1].DurationMs)
	assert.NotEmpty(t, rec.runs[1].SessionID)

	require.Len(t, hub.tops, 2)
	assert.Equal(t, []domain.LeaderboardEntry{
		{Rank: 1, Handle: "bob", Score: 9},
		{Rank: 2, Handle: "alice", Score: 6},
	}, hub.tops[1])
	assert.Equal(t, int64(2), hub.totals[1])
	assert.Equal(t, domain.LeaderboardEntry{Rank: 1, Handle: "bob", Score: 9}, hub.players[1])
}

func TestFanOutPublishesInsteadOfBroadcasting(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	hub := &fakeHub{}
	pub := &fakePublisher{err: errors.New("broker down")}
	f.svc.SetHub(hub)
	f.svc.SetPublisher(pub)
	f.svc.SetRecorder(&fakeRecorder{err: errors.New("db down")})

	result, err := f.play(t, "alice", 4)
	require.NoError(t, err, "fan-out failures never fail the submission")
	assert.Equal(t, int64(4), result.BestScore)

	require.Len(t, pub.runs, 1)
	assert.Empty(t, hub.tops)
}

func TestPlayer(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	_, err := f.svc.Player(context.Background(), "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.play(t, "alice", 5)
	require.NoError(t, err)

	entry, err := f.svc.Player(context.Background(), " Alice ")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaderboardEntry{Rank: 1, Handle: "alice", Score: 5}, entry)

	_, err = f.svc.Player(context.Background(), "?")
	requireReason(t, err, domain.ReasonInvalidHandle)
}

func TestTopWrapsStoreErrors(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	f.store.FailWith(errors.New("down"))

	_, err := f.svc.Top(context.Background(), 5)
	require.Error(t, err)
	assert.Error(t, f.svc.Ready(context.Background()))
}

func TestStandingsAndCanonicalHandle(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	_, err := f.play(t, "alice", 6)
	require.NoError(t, err)
	_, err = f.play(t, "bob", 9)
	require.NoError(t, err)

	entries, total, err := f.svc.Standings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, []domain.LeaderboardEntry{
		{Rank: 1, Handle: "bob", Score: 9},
		{Rank: 2, Handle: "alice", Score: 6},
	}, entries)

	handle, err := f.svc.CanonicalHandle("  Bob ")
	require.NoError(t, err)
	assert.Equal(t, "bob", handle)
	_, err = f.svc.CanonicalHandle("b!")
	requireReason(t, err, domain.ReasonInvalidHandle)

	f.store.FailWith(errors.New("down"))
	_, _, err = f.svc.Standings(context.Background())
	assert.Error(t, err)
}
