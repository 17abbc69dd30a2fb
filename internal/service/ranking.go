package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/domain"
	"github.com/rhythm-ranking/internal/ranking"
)

// pendingPushTimeout bounds queueing a failed merge after the request is gone
const pendingPushTimeout = 2 * time.Second

// Validator checks raw submissions
type Validator interface {
	Validate(raw domain.RawSubmission) (*domain.Candidate, error)
}

// LedgerWriter appends accepted submissions to the ledger
type LedgerWriter interface {
	Write(ctx context.Context, c *domain.Candidate, meta domain.CallerMeta) (*domain.ScoreRecord, error)
}

// Merger applies ledgered entries to chart leaderboards
type Merger interface {
	Apply(ctx context.Context, chartID, recordID string, entry domain.RankEntry) (int, error)
}

// ChartReader reads cached chart leaderboards
type ChartReader interface {
	Get(ctx context.Context, chartID string) (*domain.ChartLeaderboard, error)
}

// PendingQueue holds merges to retry later
type PendingQueue interface {
	Push(ctx context.Context, pending domain.PendingMerge) error
}

// Broadcaster pushes ranking changes to live subscribers. Documents may be
// handed over out of order; the broadcaster orders them by Version.
type Broadcaster interface {
	BroadcastRanking(doc *domain.ChartLeaderboard)
}

// RankingService provides the submission and query operations
type RankingService struct {
	validator Validator
	ledger    LedgerWriter
	merger    Merger
	charts    ChartReader
	pending   PendingQueue
	hub       Broadcaster
	config    *config.RankingConfig
	logger    *slog.Logger
}

// NewRankingService creates a new ranking service
func NewRankingService(
	validator Validator,
	ledger LedgerWriter,
	merger Merger,
	charts ChartReader,
	pending PendingQueue,
	cfg *config.RankingConfig,
	logger *slog.Logger,
) *RankingService {
	return &RankingService{
		validator: validator,
		ledger:    ledger,
		merger:    merger,
		charts:    charts,
		pending:   pending,
		config:    cfg,
		logger:    logger,
	}
}

// SetHub sets the broadcaster notified after a ranked submission
func (s *RankingService) SetHub(hub Broadcaster) {
	s.hub = hub
}

// Submit validates a submission, appends it to the ledger and merges it into
// the chart's leaderboard.
//
// Validation errors are returned before anything is persisted. Once the
// ledger append succeeds the submission is never rolled back: a failed merge
// yields a result with RankingPending set and the merge is queued for retry.
func (s *RankingService) Submit(ctx context.Context, raw domain.RawSubmission, meta domain.CallerMeta) (*domain.SubmitResult, error) {
	candidate, err := s.validator.Validate(raw)
	if err != nil {
		return nil, err
	}

	rec, err := s.ledger.Write(ctx, candidate, meta)
	if err != nil {
		s.logger.Error("ledger append failed",
			"stage", domain.StoreLedger,
			"chart_id", candidate.ChartID,
			"error", err,
		)
		return nil, fmt.Errorf("writing ledger: %w", err)
	}

	entry := rec.Entry()
	rank, err := s.merger.Apply(ctx, rec.ChartID, rec.ID, entry)
	if err != nil {
		s.logger.Error("leaderboard update failed",
			"stage", domain.StoreLeaderboard,
			"record_id", rec.ID,
			"chart_id", rec.ChartID,
			"conflict", errors.Is(err, domain.ErrConflict),
			"error", err,
		)
		s.enqueue(rec.ID, rec.ChartID, entry)
		return &domain.SubmitResult{RecordID: rec.ID, RankingPending: true}, nil
	}

	if rank != domain.NotRanked {
		s.broadcast(ctx, rec.ChartID)
	}

	return &domain.SubmitResult{RecordID: rec.ID, Rank: &rank}, nil
}

// Reapply retries the merge of an already ledgered entry. A merge that did
// commit before its caller saw an error is not counted again.
func (s *RankingService) Reapply(ctx context.Context, pending domain.PendingMerge) (int, error) {
	rank, err := s.merger.Apply(ctx, pending.ChartID, pending.RecordID, pending.Entry)
	if err != nil {
		return domain.NotRanked, err
	}
	if rank != domain.NotRanked {
		s.broadcast(ctx, pending.ChartID)
	}
	return rank, nil
}

// GetTop returns up to limit leading entries of a chart's leaderboard.
// A chart without submissions yields an empty slice.
func (s *RankingService) GetTop(ctx context.Context, chartID string, limit int) ([]domain.RankEntry, error) {
	if chartID == "" {
		return nil, domain.ErrInvalidRequest
	}
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}

	doc, err := s.charts.Get(ctx, chartID)
	if err != nil {
		return nil, fmt.Errorf("getting chart leaderboard: %w", err)
	}
	if doc == nil {
		return []domain.RankEntry{}, nil
	}

	return ranking.Limit(doc.Top, limit), nil
}

// enqueue records a merge for the retry worker. It runs detached from the
// request context so a cancelled request still leaves a retry behind.
func (s *RankingService) enqueue(recordID, chartID string, entry domain.RankEntry) {
	if s.pending == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pendingPushTimeout)
	defer cancel()

	pm := domain.PendingMerge{RecordID: recordID, ChartID: chartID, Entry: entry}
	if err := s.pending.Push(ctx, pm); err != nil {
		s.logger.Error("failed to queue pending merge",
			"stage", domain.StoreLeaderboard,
			"record_id", recordID,
			"chart_id", chartID,
			"error", err,
		)
	}
}

func (s *RankingService) broadcast(ctx context.Context, chartID string) {
	if s.hub == nil {
		return
	}
	doc, err := s.charts.Get(ctx, chartID)
	if err != nil || doc == nil {
		s.logger.Warn("failed to load ranking for broadcast", "chart_id", chartID, "error", err)
		return
	}
	s.hub.BroadcastRanking(doc)
}
