package domain

import (
	"time"
)

// LeaderboardStrategy selects how leaderboard records are persisted
type LeaderboardStrategy string

const (
	// StrategyRankedSet keeps one entry per handle in a sorted set.
	StrategyRankedSet LeaderboardStrategy = "ranked_set"
	// StrategyAppendList keeps a capped list of every accepted run.
	StrategyAppendList LeaderboardStrategy = "append_list"
)

// LeaderboardEntry represents a single ranked entry
type LeaderboardEntry struct {
	Rank   int64  `json:"rank"`
	Handle string `json:"handle"`
	Score  int64  `json:"score"`
}

// UpsertResult is returned after a score is recorded
type UpsertResult struct {
	Rank      int64 `json:"rank"`
	BestScore int64 `json:"bestScore"`
}

// RunAccepted is emitted once per accepted submission
type RunAccepted struct {
	SessionID  string    `json:"sessionId"`
	Handle     string    `json:"handle"`
	Score      int64     `json:"score"`
	Coins      int64     `json:"coins"`
	DurationMs int64     `json:"durationMs"`
	Rank       int64     `json:"rank"`
	BestScore  int64     `json:"bestScore"`
	AcceptedAt time.Time `json:"acceptedAt"`
}
