package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/domain"
)

// UpdateFunc computes the next leaderboard document from the current one.
// current is nil when the chart has no leaderboard yet.
type UpdateFunc func(current *domain.ChartLeaderboard) (*domain.ChartLeaderboard, error)

// Store is an optimistic per-chart document store
type Store interface {
	// Get returns the chart's leaderboard, or nil if none exists
	Get(ctx context.Context, chartID string) (*domain.ChartLeaderboard, error)

	// Transact makes one attempt at an atomic read-modify-write of the chart's
	// leaderboard. It returns domain.ErrConflict when another writer
	// committed between the read and the write.
	Transact(ctx context.Context, chartID string, fn UpdateFunc) error
}

// Merger applies accepted entries to chart leaderboards
type Merger struct {
	store       Store
	maxSize     int
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewMerger creates a new Merger
func NewMerger(store Store, cfg *config.RankingConfig, logger *slog.Logger) *Merger {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Merger{
		store:       store,
		maxSize:     cfg.MaxSize,
		maxAttempts: maxAttempts,
		backoff:     cfg.RetryBackoff,
		now:         time.Now,
		logger:      logger,
	}
}

// Apply merges the entry of ledger record recordID into the chart's
// leaderboard and returns its rank. Write conflicts are retried with backoff;
// any other error is returned immediately.
//
// Applying a record that is still within the chart's applied-records window
// leaves SubmissionCount unchanged, so a retried merge whose first commit
// did succeed is not counted twice.
func (m *Merger) Apply(ctx context.Context, chartID, recordID string, entry domain.RankEntry) (int, error) {
	for attempt := 1; ; attempt++ {
		var rank int
		err := m.store.Transact(ctx, chartID, func(current *domain.ChartLeaderboard) (*domain.ChartLeaderboard, error) {
			var next *domain.ChartLeaderboard
			next, rank = m.next(chartID, recordID, current, entry)
			return next, nil
		})
		if err == nil {
			return rank, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.NotRanked, err
		}
		if attempt >= m.maxAttempts {
			return domain.NotRanked, fmt.Errorf("merging into chart %s after %d attempts: %w", chartID, attempt, err)
		}

		m.logger.Debug("leaderboard write conflict, retrying",
			"chart_id", chartID,
			"attempt", attempt,
		)
		if err := m.wait(ctx, attempt); err != nil {
			return domain.NotRanked, fmt.Errorf("waiting to retry merge: %w", err)
		}
	}
}

// next builds the document that replaces current
func (m *Merger) next(chartID, recordID string, current *domain.ChartLeaderboard, entry domain.RankEntry) (*domain.ChartLeaderboard, int) {
	if current == nil {
		current = &domain.ChartLeaderboard{ChartID: chartID}
	}

	top, rank := Merge(current.Top, entry, m.maxSize)
	next := &domain.ChartLeaderboard{
		ChartID:         chartID,
		Top:             top,
		SubmissionCount: current.SubmissionCount,
		UpdatedAt:       m.now(),
		Version:         current.Version + 1,
		AppliedRecords:  current.AppliedRecords,
	}

	if recordID != "" && slices.Contains(current.AppliedRecords, recordID) {
		m.logger.Debug("record already merged, not counting again", "chart_id", chartID, "record_id", recordID)
		return next, rank
	}

	next.SubmissionCount++
	if recordID != "" {
		next.AppliedRecords = appendWindow(current.AppliedRecords, recordID, domain.AppliedRecordsWindow)
	}
	return next, rank
}

// appendWindow returns ids plus id, keeping only the newest size entries
func appendWindow(ids []string, id string, size int) []string {
	out := make([]string, 0, min(len(ids)+1, size))
	if drop := len(ids) + 1 - size; drop > 0 {
		ids = ids[drop:]
	}
	out = append(out, ids...)
	return append(out, id)
}

// wait sleeps for an exponentially growing, jittered interval
func (m *Merger) wait(ctx context.Context, attempt int) error {
	if m.backoff <= 0 {
		return ctx.Err()
	}
	shift := min(attempt-1, 5)
	delay := m.backoff<<shift + rand.N(m.backoff)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
