// Package ledger records every accepted submission as an immutable record.
package ledger

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/rhythm-ranking/internal/domain"
)

// Appender durably stores a ledger record
type Appender interface {
	Append(ctx context.Context, rec *domain.ScoreRecord) error
}

// Writer stamps accepted candidates with server-side metadata and appends them
type Writer struct {
	appender Appender
	clock    *Clock
	newID    func() string
	logger   *slog.Logger
}

// NewWriter creates a new ledger Writer
func NewWriter(appender Appender, clock *Clock, logger *slog.Logger) *Writer {
	return &Writer{
		appender: appender,
		clock:    clock,
		newID:    func() string { return uuid.NewString() },
		logger:   logger,
	}
}

// Write appends a record for the candidate and returns it. A failed append
// is reported as a *domain.StoreError for the ledger store.
func (w *Writer) Write(ctx context.Context, c *domain.Candidate, meta domain.CallerMeta) (*domain.ScoreRecord, error) {
	now := w.clock.Now()

	clientAt := now
	if c.ClientAt != nil {
		clientAt = *c.ClientAt
	}

	rec := &domain.ScoreRecord{
		ID:              w.newID(),
		Nickname:        c.Nickname,
		ChartID:         c.ChartID,
		Score:           c.Score,
		Accuracy:        c.Accuracy,
		MaxCombo:        c.MaxCombo,
		ClientAt:        clientAt,
		ServerCreatedAt: now,
		IntegrityHash:   IntegrityHash(meta.IP, meta.UserAgent),
		UserAgent:       meta.UserAgent,
	}

	if err := w.appender.Append(ctx, rec); err != nil {
		return nil, &domain.StoreError{Store: domain.StoreLedger, Err: err}
	}

	w.logger.Debug("submission ledgered",
		"record_id", rec.ID,
		"chart_id", rec.ChartID,
		"nickname", rec.Nickname,
		"score", rec.Score,
	)
	return rec, nil
}

// IntegrityHash is a one-way digest of the caller's address and agent,
// used to spot abuse patterns without storing a usable identity.
func IntegrityHash(ip, userAgent string) string {
	sum := blake2b.Sum256([]byte(ip + userAgent))
	return hex.EncodeToString(sum[:])
}

// Clock hands out server timestamps that never go backwards within a process.
// Timestamps are truncated to microseconds, the precision of the ledger.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock creates a Clock backed by time.Now
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the current time, or the previous value if the wall clock stepped back
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
