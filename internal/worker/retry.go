package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/domain"
)

// PendingQueue holds ledgered entries whose leaderboard update failed
type PendingQueue interface {
	Push(ctx context.Context, pending domain.PendingMerge) error
	Pop(ctx context.Context, n int) ([]domain.PendingMerge, error)
	Len(ctx context.Context) (int64, error)
}

// Reapplier merges an already ledgered entry into its chart's leaderboard
type Reapplier interface {
	Reapply(ctx context.Context, pending domain.PendingMerge) (int, error)
}

// RetryWorker periodically drains the pending queue so that accepted
// submissions eventually reach the leaderboard
type RetryWorker struct {
	queue   PendingQueue
	ranking Reapplier
	config  *config.RetryConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(queue PendingQueue, ranking Reapplier, cfg *config.RetryConfig, logger *slog.Logger) *RetryWorker {
	return &RetryWorker{
		queue:   queue,
		ranking: ranking,
		config:  cfg,
		logger:  logger,
	}
}

// Start begins the background retry loop
func (w *RetryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	w.logger.Info("retry worker started", "interval", w.config.Interval, "batch_size", w.config.BatchSize)

	go w.run(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop stops the background retry loop and waits for the current cycle
func (w *RetryWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.logger.Info("retry worker stopped")
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *RetryWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *RetryWorker) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce retries one batch of pending merges. Failed merges go back on the
// queue until they have been attempted MaxAttempts times.
func (w *RetryWorker) RunOnce(ctx context.Context) {
	merges, err := w.queue.Pop(ctx, w.batchSize())
	if err != nil {
		w.logger.Error("failed to read pending merges", "stage", domain.StoreLeaderboard, "error", err)
		return
	}
	if len(merges) == 0 {
		return
	}

	startTime := time.Now()
	applied, requeued, dropped := 0, 0, 0

	for _, pm := range merges {
		_, err := w.ranking.Reapply(ctx, pm)
		if err == nil {
			applied++
			continue
		}

		pm.Attempts++
		if pm.Attempts >= w.config.MaxAttempts {
			w.logger.Error("giving up on pending merge",
				"record_id", pm.RecordID,
				"chart_id", pm.ChartID,
				"attempts", pm.Attempts,
				"error", err,
			)
			dropped++
			continue
		}
		w.logger.Warn("pending merge failed, requeueing",
			"record_id", pm.RecordID,
			"chart_id", pm.ChartID,
			"attempts", pm.Attempts,
			"error", err,
		)

		if err := w.queue.Push(ctx, pm); err != nil {
			w.logger.Error("failed to requeue pending merge",
				"record_id", pm.RecordID,
				"chart_id", pm.ChartID,
				"error", err,
			)
			dropped++
			continue
		}
		requeued++
	}

	depth, err := w.queue.Len(ctx)
	if err != nil {
		w.logger.Warn("failed to read pending queue depth", "error", err)
		depth = -1
	}

	w.logger.Info("retry cycle completed",
		"duration", time.Since(startTime),
		"applied", applied,
		"requeued", requeued,
		"dropped", dropped,
		"queue_depth", depth,
	)
}

func (w *RetryWorker) batchSize() int {
	if w.config.BatchSize <= 0 {
		return 100
	}
	return w.config.BatchSize
}
