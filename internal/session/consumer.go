package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv"
	"github.com/scoreguard/internal/signing"
	"github.com/tidwall/gjson"
)

// Consumer authenticates submitted sessions and burns them on first use
type Consumer struct {
	store     kv.Store
	signer    *signing.Signer
	handles   HandleRule
	markerTTL time.Duration
	opts      options
	logger    *slog.Logger
}

// NewConsumer creates a consumer. markerTTL must outlive the session TTL so a
// replay after the record has expired still reads as reused.
func NewConsumer(store kv.Store, signer *signing.Signer, handles HandleRule, markerTTL time.Duration, logger *slog.Logger, opts ...Option) *Consumer {
	return &Consumer{
		store:     store,
		signer:    signer,
		handles:   handles,
		markerTTL: markerTTL,
		opts:      buildOptions(opts),
		logger:    logger,
	}
}

// Consume validates payload against handleInput and marks the session used.
// It returns the stored session, a *domain.Rejection, or a storage error.
//
// The used marker is claimed with a single conditional write, so of several
// concurrent submissions for one session at most one succeeds.
func (c *Consumer) Consume(ctx context.Context, handleInput string, payload json.RawMessage) (domain.PlaySession, error) {
	handle, err := c.handles.Sanitize(handleInput)
	if err != nil {
		return domain.PlaySession{}, err
	}

	signed, ok := parseSigned(payload)
	if !ok {
		return domain.PlaySession{}, domain.Reject(domain.ReasonInvalidSession)
	}

	if signed.ExpiresAt <= c.opts.now().UnixMilli() {
		return domain.PlaySession{}, domain.Reject(domain.ReasonSessionExpired)
	}

	fields := signing.Fields{
		SessionID: signed.SessionID,
		Seed:      signed.Seed,
		IssuedAt:  signed.IssuedAt,
		ExpiresAt: signed.ExpiresAt,
		Nonce:     signed.Nonce,
	}
	if !c.signer.Verify(fields, handle, signed.Signature) {
		return domain.PlaySession{}, domain.Reject(domain.ReasonInvalidSignature)
	}

	used, err := c.store.Exists(ctx, UsedKey(signed.SessionID))
	if err != nil {
		return domain.PlaySession{}, fmt.Errorf("checking used marker: %w", err)
	}
	if used {
		return domain.PlaySession{}, domain.Reject(domain.ReasonSessionReused)
	}

	data, found, err := c.store.Get(ctx, SessionKey(signed.SessionID))
	if err != nil {
		return domain.PlaySession{}, fmt.Errorf("loading session: %w", err)
	}
	if !found {
		return domain.PlaySession{}, domain.Reject(domain.ReasonSessionMissing)
	}

	var stored domain.PlaySession
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return domain.PlaySession{}, fmt.Errorf("decoding stored session: %w", err)
	}
	if stored.Handle != handle || stored.Nonce != signed.Nonce || stored.Seed != signed.Seed {
		return domain.PlaySession{}, domain.Reject(domain.ReasonSessionBindingFailed)
	}

	claimed, err := c.store.SetNX(ctx, UsedKey(signed.SessionID), "1", c.markerTTL)
	if err != nil {
		return domain.PlaySession{}, fmt.Errorf("writing used marker: %w", err)
	}
	if !claimed {
		return domain.PlaySession{}, domain.Reject(domain.ReasonSessionReused)
	}

	if err := c.store.Del(ctx, SessionKey(signed.SessionID)); err != nil {
		// The marker already blocks reuse; the record expires on its own.
		c.logger.Warn("failed to delete consumed session",
			"session_id", signed.SessionID,
			"error", err,
		)
	}

	return stored, nil
}

// parseSigned checks presence and integer-ness of every signed field
func parseSigned(payload json.RawMessage) (domain.SignedSession, bool) {
	if !gjson.ValidBytes(payload) {
		return domain.SignedSession{}, false
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return domain.SignedSession{}, false
	}

	var s domain.SignedSession
	var ok bool
	if s.SessionID, ok = nonEmptyString(root.Get("sessionId")); !ok {
		return s, false
	}
	if s.Nonce, ok = nonEmptyString(root.Get("nonce")); !ok {
		return s, false
	}
	if s.Signature, ok = nonEmptyString(root.Get("signature")); !ok {
		return s, false
	}
	if s.Seed, ok = integer(root.Get("seed")); !ok {
		return s, false
	}
	if s.IssuedAt, ok = integer(root.Get("issuedAt")); !ok {
		return s, false
	}
	if s.ExpiresAt, ok = integer(root.Get("expiresAt")); !ok {
		return s, false
	}
	return s, true
}

func nonEmptyString(r gjson.Result) (string, bool) {
	if r.Type != gjson.String || r.Str == "" {
		return "", false
	}
	return r.Str, true
}

func integer(r gjson.Result) (int64, bool) {
	if r.Type != gjson.Number || r.Num != math.Trunc(r.Num) || math.Abs(r.Num) > 1<<53 {
		return 0, false
	}
	return r.Int(), true
}
