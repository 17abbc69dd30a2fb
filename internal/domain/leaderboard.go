package domain

import (
	"time"
)

const (
	// MaxRankingSize is the number of entries retained per chart
	MaxRankingSize = 100

	// NotRanked is reported when a candidate did not make the cut
	NotRanked = -1

	// AppliedRecordsWindow is how many recent record IDs a leaderboard
	// remembers to recognise a replayed merge
	AppliedRecordsWindow = 512
)

// RankEntry is a single retained entry in a chart's leaderboard
type RankEntry struct {
	Nickname  string    `json:"nickname"`
	Score     int64     `json:"score"`
	Accuracy  float64   `json:"accuracy"`
	MaxCombo  int64     `json:"maxCombo"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChartLeaderboard is the cached top-N document for one chart
type ChartLeaderboard struct {
	ChartID         string      `json:"chartId"`
	Top             []RankEntry `json:"top"`
	SubmissionCount int64       `json:"submissionCount"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	Version         int64       `json:"version"`
	// AppliedRecords holds the most recent merged record IDs, oldest first
	AppliedRecords []string `json:"appliedRecords,omitempty"`
}

// RankingView is the read-side response for a chart
type RankingView struct {
	ChartID string      `json:"chartId"`
	Top     []RankEntry `json:"top"`
}
