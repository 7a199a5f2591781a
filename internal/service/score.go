package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv"
	"github.com/scoreguard/internal/leaderboard"
	"github.com/scoreguard/internal/metrics"
	"github.com/scoreguard/internal/ratelimit"
	"github.com/scoreguard/internal/session"
	"github.com/scoreguard/internal/telemetry"
)

// Recorder keeps a durable audit of accepted runs
type Recorder interface {
	RecordRun(ctx context.Context, run domain.RunAccepted) error
}

// Publisher fans accepted runs out to other instances
type Publisher interface {
	PublishRunAccepted(ctx context.Context, run domain.RunAccepted) error
}

// Broadcaster pushes live updates to connected clients
type Broadcaster interface {
	BroadcastLeaderboardUpdate(entries []domain.LeaderboardEntry, totalPlayers int64)
	BroadcastPlayerUpdate(entry domain.LeaderboardEntry)
}

// Submission is one run reported by a client
type Submission struct {
	Handle    string
	Session   json.RawMessage
	Telemetry json.RawMessage
	ClientIP  string
}

// ScoreService runs the session, submission and ranking flows
type ScoreService struct {
	store    kv.Store
	issuer   *session.Issuer
	consumer *session.Consumer
	handles  session.HandleRule
	limiter  *ratelimit.Limiter
	limits   config.RateLimitConfig
	board    leaderboard.Board
	profiles *leaderboard.Profiles
	config   config.LeaderboardConfig
	metrics  *metrics.Registry
	logger   *slog.Logger

	recorder  Recorder
	publisher Publisher
	hub       Broadcaster
}

// Deps groups the collaborators of a ScoreService
type Deps struct {
	Store    kv.Store
	Issuer   *session.Issuer
	Consumer *session.Consumer
	Handles  session.HandleRule
	Limiter  *ratelimit.Limiter
	Board    leaderboard.Board
	Profiles *leaderboard.Profiles
	Metrics  *metrics.Registry
}

// NewScoreService creates a new score service
func NewScoreService(deps Deps, limits config.RateLimitConfig, cfg config.LeaderboardConfig, logger *slog.Logger) *ScoreService {
	return &ScoreService{
		store:    deps.Store,
		issuer:   deps.Issuer,
		consumer: deps.Consumer,
		handles:  deps.Handles,
		limiter:  deps.Limiter,
		limits:   limits,
		board:    deps.Board,
		profiles: deps.Profiles,
		config:   cfg,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// SetHub sets the live update hub
func (s *ScoreService) SetHub(hub Broadcaster) {
	s.hub = hub
}

// SetRecorder sets the durable run audit
func (s *ScoreService) SetRecorder(recorder Recorder) {
	s.recorder = recorder
}

// SetPublisher sets the cross-instance publisher. When set, live updates
// are left to whoever consumes the published events.
func (s *ScoreService) SetPublisher(publisher Publisher) {
	s.publisher = publisher
}

func (s *ScoreService) allow(ctx context.Context, bucket, key string, limit int) error {
	ok, err := s.limiter.Allow(ctx, bucket, key, limit)
	if err != nil {
		s.metrics.StoreErrorsTotal.WithLabelValues("rate_limit").Inc()
		return err
	}
	if !ok {
		s.metrics.RateLimitedTotal.WithLabelValues(bucket).Inc()
		return domain.Reject(domain.ReasonRateLimited)
	}
	return nil
}

// CreateSession issues a play session after the per-IP and per-handle
// limits pass. The handle limit is checked before anything is stored.
func (s *ScoreService) CreateSession(ctx context.Context, handleInput, clientIP string) (domain.SignedSession, error) {
	if err := s.allow(ctx, ratelimit.BucketSessionIP, clientIP, s.limits.SessionIP); err != nil {
		return domain.SignedSession{}, err
	}

	handle, err := s.handles.Sanitize(handleInput)
	if err != nil {
		return domain.SignedSession{}, err
	}
	if err := s.allow(ctx, ratelimit.BucketSessionHandle, handle, s.limits.SessionHandle); err != nil {
		return domain.SignedSession{}, err
	}

	signed, _, err := s.issuer.Create(ctx, handle)
	if err != nil {
		if _, ok := domain.AsRejection(err); !ok {
			s.metrics.StoreErrorsTotal.WithLabelValues("create_session").Inc()
		}
		return domain.SignedSession{}, err
	}

	s.metrics.SessionsIssued.Inc()
	return signed, nil
}

// Submit validates a run and records it. Rejections come back as
// *domain.Rejection; any other error is a storage fault.
func (s *ScoreService) Submit(ctx context.Context, sub Submission) (domain.UpsertResult, error) {
	result, err := s.submit(ctx, sub)
	switch rej, ok := domain.AsRejection(err); {
	case err == nil:
		s.metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeAccepted, "").Inc()
	case ok:
		s.metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeRejected, string(rej.Reason)).Inc()
		s.logger.Info("submission rejected", "reason", rej.Reason, "client_ip", sub.ClientIP)
	default:
		s.metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeError, string(domain.ReasonInternalError)).Inc()
	}
	return result, err
}

func (s *ScoreService) submit(ctx context.Context, sub Submission) (domain.UpsertResult, error) {
	handle, err := s.handles.Sanitize(sub.Handle)
	if err != nil {
		return domain.UpsertResult{}, err
	}

	if err := s.allow(ctx, ratelimit.BucketSubmitIP, sub.ClientIP, s.limits.SubmitIP); err != nil {
		return domain.UpsertResult{}, err
	}
	if err := s.allow(ctx, ratelimit.BucketSubmitHandle, handle, s.limits.SubmitHandle); err != nil {
		return domain.UpsertResult{}, err
	}

	played, err := s.consumer.Consume(ctx, handle, sub.Session)
	if err != nil {
		if _, ok := domain.AsRejection(err); !ok {
			s.metrics.StoreErrorsTotal.WithLabelValues("consume_session").Inc()
		}
		return domain.UpsertResult{}, err
	}

	run, err := telemetry.Verify(sub.Telemetry)
	if err != nil {
		return domain.UpsertResult{}, err
	}

	start := time.Now()
	result, err := s.board.Upsert(ctx, played.Handle, run.Score)
	s.metrics.UpsertDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.StoreErrorsTotal.WithLabelValues("upsert").Inc()
		return domain.UpsertResult{}, fmt.Errorf("updating leaderboard: %w", err)
	}
	s.metrics.AcceptedScore.Observe(float64(run.Score))

	if _, err := s.profiles.Record(ctx, played.Handle, result.BestScore); err != nil {
		s.logger.Warn("failed to update player profile", "handle", played.Handle, "error", err)
	}

	s.fanOut(ctx, domain.RunAccepted{
		SessionID:  played.SessionID,
		Handle:     played.Handle,
		Score:      run.Score,
		Coins:      run.Coins,
		DurationMs: run.DurationMs,
		Rank:       result.Rank,
		BestScore:  result.BestScore,
		AcceptedAt: time.Now().UTC(),
	})

	s.logger.Info("run accepted",
		"handle", played.Handle,
		"score", run.Score,
		"rank", result.Rank,
		"best", result.BestScore,
	)
	return result, nil
}

// fanOut records and announces an accepted run. Failures are logged and
// never fail the submission.
func (s *ScoreService) fanOut(ctx context.Context, run domain.RunAccepted) {
	if s.recorder != nil {
		if err := s.recorder.RecordRun(ctx, run); err != nil {
			s.logger.Warn("failed to record accepted run", "session_id", run.SessionID, "error", err)
		}
	}

	if s.publisher != nil {
		if err := s.publisher.PublishRunAccepted(ctx, run); err != nil {
			s.logger.Warn("failed to publish accepted run", "session_id", run.SessionID, "error", err)
		}
		return
	}
	s.Broadcast(ctx, run)
}

// Broadcast pushes the current top entries and the player's entry to the
// live hub. It is also the sink for runs arriving from other instances.
func (s *ScoreService) Broadcast(ctx context.Context, run domain.RunAccepted) {
	if s.hub == nil {
		return
	}

	entries, total, err := s.Standings(ctx)
	if err != nil {
		s.logger.Warn("failed to load standings for broadcast", "error", err)
		return
	}

	s.hub.BroadcastLeaderboardUpdate(entries, total)
	s.hub.BroadcastPlayerUpdate(domain.LeaderboardEntry{
		Rank:   run.Rank,
		Handle: run.Handle,
		Score:  run.BestScore,
	})
}

// Standings returns the default-sized top of the board and the number of
// ranked players. A failed count is logged and reported as zero.
func (s *ScoreService) Standings(ctx context.Context) ([]domain.LeaderboardEntry, int64, error) {
	entries, err := s.board.Top(ctx, s.config.DefaultLimit)
	if err != nil {
		s.metrics.StoreErrorsTotal.WithLabelValues("top").Inc()
		return nil, 0, fmt.Errorf("getting top entries: %w", err)
	}
	total, err := s.board.Count(ctx)
	if err != nil {
		s.logger.Warn("failed to count players", "error", err)
		total = 0
	}
	return entries, total, nil
}

// CanonicalHandle sanitizes input into the form runs are ranked under
func (s *ScoreService) CanonicalHandle(input string) (string, error) {
	return s.handles.Sanitize(input)
}

// Top returns the top entries. The caller decides how to degrade on error.
func (s *ScoreService) Top(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	entries, err := s.board.Top(ctx, leaderboard.ClampLimit(limit, s.config.MaxLimit))
	if err != nil {
		s.metrics.StoreErrorsTotal.WithLabelValues("top").Inc()
		return nil, fmt.Errorf("getting top entries: %w", err)
	}
	return entries, nil
}

// Player returns the ranked best entry for a handle
func (s *ScoreService) Player(ctx context.Context, handleInput string) (domain.LeaderboardEntry, error) {
	handle, err := s.handles.Sanitize(handleInput)
	if err != nil {
		return domain.LeaderboardEntry{}, err
	}

	entry, err := s.board.Player(ctx, handle)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.LeaderboardEntry{}, err
		}
		s.metrics.StoreErrorsTotal.WithLabelValues("player").Inc()
		return domain.LeaderboardEntry{}, fmt.Errorf("getting player rank: %w", err)
	}
	return entry, nil
}

// Ready checks the backing store answers
func (s *ScoreService) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}
