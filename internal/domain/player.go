package domain

import "time"

// PlayerProfile is a lightweight per-handle record refreshed on every
// accepted run.
type PlayerProfile struct {
	Handle    string    `json:"handle"`
	BestScore int64     `json:"bestScore"`
	Runs      int64     `json:"runs"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlayerBest is a durable best-score row used for mirroring and recovery
type PlayerBest struct {
	Handle    string    `json:"handle"`
	Score     int64     `json:"score"`
	UpdatedAt time.Time `json:"updatedAt"`
}
