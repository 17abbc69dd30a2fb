package domain

import (
	"time"
)

// RawSubmission is an unvalidated score payload. Fields are left untyped so
// the validator can report wrong types instead of failing the decode.
type RawSubmission struct {
	Nickname any `json:"nickname"`
	ChartID  any `json:"chartId"`
	Score    any `json:"score"`
	Accuracy any `json:"accuracy"`
	MaxCombo any `json:"maxCombo"`
	ClientAt any `json:"clientAt,omitempty"`
}

// Candidate is a submission that passed validation
type Candidate struct {
	Nickname string
	ChartID  string
	Score    int64
	Accuracy float64
	MaxCombo int64
	// ClientAt is nil when the client did not report a timestamp
	ClientAt *time.Time
}

// CallerMeta is transport-derived information about who submitted a score
type CallerMeta struct {
	IP        string
	UserAgent string
}

// ScoreRecord is an immutable ledger record of an accepted submission
type ScoreRecord struct {
	ID              string    `json:"id"`
	Nickname        string    `json:"nickname"`
	ChartID         string    `json:"chartId"`
	Score           int64     `json:"score"`
	Accuracy        float64   `json:"accuracy"`
	MaxCombo        int64     `json:"maxCombo"`
	ClientAt        time.Time `json:"clientAt"`
	ServerCreatedAt time.Time `json:"serverCreatedAt"`
	IntegrityHash   string    `json:"-"`
	UserAgent       string    `json:"-"`
}

// Entry returns the leaderboard entry this record competes with
func (r *ScoreRecord) Entry() RankEntry {
	return RankEntry{
		Nickname:  r.Nickname,
		Score:     r.Score,
		Accuracy:  r.Accuracy,
		MaxCombo:  r.MaxCombo,
		CreatedAt: r.ServerCreatedAt,
	}
}

// SubmitResult is returned to a caller after a score was accepted
type SubmitResult struct {
	RecordID string `json:"recordId"`
	// Rank is nil when the leaderboard update did not complete
	Rank           *int `json:"rank,omitempty"`
	RankingPending bool `json:"rankingPending,omitempty"`
}

// PendingMerge is a ledgered entry whose leaderboard update has not completed
type PendingMerge struct {
	RecordID string    `json:"recordId"`
	ChartID  string    `json:"chartId"`
	Entry    RankEntry `json:"entry"`
	Attempts int       `json:"attempts"`
}

// IngestMessage is a score submission delivered through the message queue
type IngestMessage struct {
	RawSubmission
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}
