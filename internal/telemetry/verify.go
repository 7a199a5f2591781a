// Package telemetry checks a reported run for internal consistency and
// physical plausibility. It performs no I/O.
package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/scoreguard/internal/domain"
)

// Bounds on a reported run
const (
	MinDurationMs    = 15_000
	MaxDurationMs    = 6 * 60_000
	MaxCounter       = 10_000
	MinFlaps         = 1
	MaxFlaps         = 20_000
	MaxEventsPerKind = 1500

	// WarmupMs is the lead-in before the first obstacle can be passed.
	WarmupMs = 2_200
	// MinPassIntervalMs is the shortest possible spacing between passes.
	MinPassIntervalMs = 820
)

// MaxPasses is the most obstacle passes a run of durationMs can contain.
func MaxPasses(durationMs int64) int64 {
	return max(0, durationMs-WarmupMs)/MinPassIntervalMs + 2
}

type fields map[string]json.RawMessage

// integer reads a scalar that must hold an integral value. Numeric strings
// are accepted the same way as numbers.
func (f fields) integer(name string) (int64, bool) {
	raw, ok := f[name]
	if !ok {
		return 0, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		raw = bytes.TrimSpace([]byte(s))
	}
	return parseIntegral(string(raw))
}

func parseIntegral(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// events reads a timestamp array. Every element must be a JSON number
// holding an integer in [0, durationMs], in non-decreasing order.
func (f fields) events(name string, durationMs int64) ([]int64, bool) {
	raw, ok := f[name]
	if !ok {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}
	if len(items) > MaxEventsPerKind {
		return nil, false
	}

	out := make([]int64, 0, len(items))
	prev := int64(-1)
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || !(item[0] == '-' || (item[0] >= '0' && item[0] <= '9')) {
			return nil, false
		}
		v, ok := parseIntegral(string(item))
		if !ok || v < 0 || v > durationMs || v < prev {
			return nil, false
		}
		prev = v
		out = append(out, v)
	}
	return out, true
}

// Verify validates a raw telemetry object and returns the clean run, or a
// *domain.Rejection naming the first rule that failed.
func Verify(raw json.RawMessage) (domain.Telemetry, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidPayload)
	}

	durationMs, ok := f.integer("durationMs")
	if !ok || durationMs < MinDurationMs || durationMs > MaxDurationMs {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidDuration)
	}
	score, ok := f.integer("score")
	if !ok || score < 0 || score > MaxCounter {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidScore)
	}
	coins, ok := f.integer("coins")
	if !ok || coins < 0 || coins > MaxCounter {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidCoins)
	}
	nearMisses, ok := f.integer("nearMisses")
	if !ok || nearMisses < 0 || nearMisses > MaxCounter {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidNearMiss)
	}
	flaps, ok := f.integer("flaps")
	if !ok || flaps < MinFlaps || flaps > MaxFlaps {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidFlaps)
	}

	passEvents, ok := f.events("passEvents", durationMs)
	if !ok {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidPassEvents)
	}
	coinEvents, ok := f.events("coinEvents", durationMs)
	if !ok {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidCoinEvents)
	}
	nearMissEvents, ok := f.events("nearMissEvents", durationMs)
	if !ok {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidNearEvents)
	}
	flapEvents, ok := f.events("flapEvents", durationMs)
	if !ok {
		return domain.Telemetry{}, domain.Reject(domain.ReasonInvalidFlapEvents)
	}

	t := domain.Telemetry{
		DurationMs:     durationMs,
		Score:          score,
		Coins:          coins,
		NearMisses:     nearMisses,
		Flaps:          flaps,
		PassEvents:     passEvents,
		CoinEvents:     coinEvents,
		NearMissEvents: nearMissEvents,
		FlapEvents:     flapEvents,
	}
	if err := Check(t); err != nil {
		return domain.Telemetry{}, err
	}
	return t, nil
}

// Check applies the cross-field rules to an already structurally valid run.
// A near miss is worth one point and one coin, and neither a near miss nor
// a coin can happen without a pass.
func Check(t domain.Telemetry) error {
	passes := int64(len(t.PassEvents))
	directCoins := int64(len(t.CoinEvents))

	switch {
	case int64(len(t.FlapEvents)) != t.Flaps:
		return domain.Reject(domain.ReasonFlapMismatch)
	case int64(len(t.NearMissEvents)) != t.NearMisses:
		return domain.Reject(domain.ReasonNearMissMismatch)
	case t.Score != passes+t.NearMisses:
		return domain.Reject(domain.ReasonScoreMismatch)
	case t.Coins != directCoins+t.NearMisses:
		return domain.Reject(domain.ReasonCoinMismatch)
	case t.NearMisses > passes:
		return domain.Reject(domain.ReasonNearMissOverflow)
	case directCoins > passes:
		return domain.Reject(domain.ReasonCoinOverflow)
	case passes > MaxPasses(t.DurationMs):
		return domain.Reject(domain.ReasonPassRateViolation)
	}
	return nil
}
