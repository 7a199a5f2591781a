// Package session issues signed single-use play sessions and consumes them
// exactly once when a run is submitted.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv"
	"github.com/scoreguard/internal/signing"
)

const (
	sessionKeyPrefix = "score:session:v1:"
	usedKeyPrefix    = "score:used:v1:"
)

// SessionKey is where the authoritative copy of a session lives
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// UsedKey is the anti-replay marker for a consumed session
func UsedKey(sessionID string) string {
	return usedKeyPrefix + sessionID
}

// Option configures an Issuer or Consumer
type Option func(*options)

type options struct {
	now  func() time.Time
	seed func() int64
}

func buildOptions(opts []Option) options {
	o := options{
		now:  time.Now,
		seed: func() int64 { return int64(rand.Int32N(math.MaxInt32)) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the clock used for issuance and expiry checks
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSeedSource overrides the gameplay seed generator
func WithSeedSource(seed func() int64) Option {
	return func(o *options) { o.seed = seed }
}

// Issuer creates signed play sessions
type Issuer struct {
	store    kv.Store
	signer   *signing.Signer
	handles  HandleRule
	lifetime time.Duration
	ttl      time.Duration
	opts     options
	logger   *slog.Logger
}

// NewIssuer creates an issuer. lifetime is how long the client may play;
// ttl is how long the server keeps the record and must not be shorter.
func NewIssuer(store kv.Store, signer *signing.Signer, handles HandleRule, lifetime, ttl time.Duration, logger *slog.Logger, opts ...Option) *Issuer {
	return &Issuer{
		store:    store,
		signer:   signer,
		handles:  handles,
		lifetime: lifetime,
		ttl:      ttl,
		opts:     buildOptions(opts),
		logger:   logger,
	}
}

// Create issues a session bound to the sanitized handle. The unsigned record
// is persisted under the session id; the signature is only returned.
func (i *Issuer) Create(ctx context.Context, handleInput string) (domain.SignedSession, string, error) {
	handle, err := i.handles.Sanitize(handleInput)
	if err != nil {
		return domain.SignedSession{}, "", err
	}

	issuedAt := i.opts.now()
	record := domain.PlaySession{
		SessionID: uuid.NewString(),
		Handle:    handle,
		Seed:      i.opts.seed(),
		IssuedAt:  issuedAt.UnixMilli(),
		ExpiresAt: issuedAt.Add(i.lifetime).UnixMilli(),
		Nonce:     strings.ReplaceAll(uuid.NewString(), "-", ""),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return domain.SignedSession{}, "", fmt.Errorf("marshaling session: %w", err)
	}
	if err := i.store.Set(ctx, SessionKey(record.SessionID), string(data), i.ttl); err != nil {
		return domain.SignedSession{}, "", fmt.Errorf("storing session: %w", err)
	}

	fields := fieldsOf(record)
	signed := domain.SignedSession{
		SessionID: record.SessionID,
		Seed:      record.Seed,
		IssuedAt:  record.IssuedAt,
		ExpiresAt: record.ExpiresAt,
		Nonce:     record.Nonce,
		Signature: i.signer.Sign(fields, handle),
	}

	i.logger.Debug("session issued", "session_id", record.SessionID, "handle", handle)
	return signed, handle, nil
}

func fieldsOf(s domain.PlaySession) signing.Fields {
	return signing.Fields{
		SessionID: s.SessionID,
		Seed:      s.Seed,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
		Nonce:     s.Nonce,
	}
}
