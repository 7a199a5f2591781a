package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrNotFound          = errors.New("not found")
	ErrMissingSigningKey = errors.New("missing score signing secret")
)

// Reason is a machine-readable rejection code returned to clients.
type Reason string

// Input validation and session protocol reasons.
const (
	ReasonInvalidHandle        Reason = "invalid_handle"
	ReasonInvalidSession       Reason = "invalid_session"
	ReasonSessionExpired       Reason = "session_expired"
	ReasonInvalidSignature     Reason = "invalid_signature"
	ReasonSessionMissing       Reason = "session_missing"
	ReasonSessionBindingFailed Reason = "session_binding_failed"
	ReasonSessionReused        Reason = "session_reused"
)

// Telemetry reasons, one per validation rule.
const (
	ReasonInvalidPayload    Reason = "invalid_payload"
	ReasonInvalidDuration   Reason = "invalid_duration"
	ReasonInvalidScore      Reason = "invalid_score"
	ReasonInvalidCoins      Reason = "invalid_coins"
	ReasonInvalidNearMiss   Reason = "invalid_near_miss"
	ReasonInvalidFlaps      Reason = "invalid_flaps"
	ReasonInvalidPassEvents Reason = "invalid_pass_events"
	ReasonInvalidCoinEvents Reason = "invalid_coin_events"
	ReasonInvalidNearEvents Reason = "invalid_near_events"
	ReasonInvalidFlapEvents Reason = "invalid_flap_events"
	ReasonFlapMismatch      Reason = "flap_mismatch"
	ReasonNearMissMismatch  Reason = "near_miss_mismatch"
	ReasonScoreMismatch     Reason = "score_mismatch"
	ReasonCoinMismatch      Reason = "coin_mismatch"
	ReasonNearMissOverflow  Reason = "near_miss_overflow"
	ReasonCoinOverflow      Reason = "coin_overflow"
	ReasonPassRateViolation Reason = "pass_rate_violation"
)

// Transport level reasons.
const (
	ReasonRateLimited      Reason = "rate_limited"
	ReasonMethodNotAllowed Reason = "method_not_allowed"
	ReasonInternalError    Reason = "internal_error"
	ReasonNotFound         Reason = "not_found"
)

// Rejection is an expected refusal of client input. It is returned as an
// error so callers can tell it apart from storage faults with errors.As.
type Rejection struct {
	Reason Reason
}

// Reject builds a rejection for the given reason.
func Reject(reason Reason) *Rejection {
	return &Rejection{Reason: reason}
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected: %s", r.Reason)
}

// AsRejection reports whether err carries a rejection and returns it.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}
