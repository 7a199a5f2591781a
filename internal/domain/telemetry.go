package domain

// Telemetry is a verified run summary. Event slices hold millisecond offsets
// from the start of the run.
type Telemetry struct {
	DurationMs     int64   `json:"durationMs"`
	Score          int64   `json:"score"`
	Coins          int64   `json:"coins"`
	NearMisses     int64   `json:"nearMisses"`
	Flaps          int64   `json:"flaps"`
	PassEvents     []int64 `json:"passEvents"`
	CoinEvents     []int64 `json:"coinEvents"`
	NearMissEvents []int64 `json:"nearMissEvents"`
	FlapEvents     []int64 `json:"flapEvents"`
}
