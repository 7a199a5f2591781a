package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/kv"
)

const profileKeyPrefix = "score:profile:v1:"

// ProfileKey returns the profile key for handle
func ProfileKey(handle string) string {
	return profileKeyPrefix + handle
}

// Profiles stores a per-handle summary that expires after a quiet period
type Profiles struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewProfiles creates a profile store whose records live for ttl after the
// last accepted run
func NewProfiles(store kv.Store, ttl time.Duration) *Profiles {
	return &Profiles{store: store, ttl: ttl, now: time.Now}
}

// Get returns the profile of handle, or domain.ErrNotFound
func (p *Profiles) Get(ctx context.Context, handle string) (domain.PlayerProfile, error) {
	data, found, err := p.store.Get(ctx, ProfileKey(handle))
	if err != nil {
		return domain.PlayerProfile{}, fmt.Errorf("reading profile: %w", err)
	}
	if !found {
		return domain.PlayerProfile{}, domain.ErrNotFound
	}
	var profile domain.PlayerProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return domain.PlayerProfile{}, fmt.Errorf("decoding profile: %w", err)
	}
	return profile, nil
}

// Record counts one more run for handle and refreshes its best score and
// expiry. Concurrent runs for the same handle may undercount.
func (p *Profiles) Record(ctx context.Context, handle string, bestScore int64) (domain.PlayerProfile, error) {
	profile, err := p.Get(ctx, handle)
	if err != nil && !domain.IsNotFoundError(err) {
		return domain.PlayerProfile{}, err
	}

	profile.Handle = handle
	profile.Runs++
	profile.BestScore = max(profile.BestScore, bestScore)
	profile.UpdatedAt = p.now().UTC()

	data, err := json.Marshal(profile)
	if err != nil {
		return domain.PlayerProfile{}, fmt.Errorf("marshaling profile: %w", err)
	}
	if err := p.store.Set(ctx, ProfileKey(handle), string(data), p.ttl); err != nil {
		return domain.PlayerProfile{}, fmt.Errorf("writing profile: %w", err)
	}
	return profile, nil
}
