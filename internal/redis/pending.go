package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rhythm-ranking/internal/domain"
)

// PendingQueue holds ledgered entries whose leaderboard merge has not completed
type PendingQueue struct {
	client *redis.Client
	logger *slog.Logger
}

// NewPendingQueue creates a new PendingQueue
func NewPendingQueue(client *redis.Client, logger *slog.Logger) *PendingQueue {
	return &PendingQueue{
		client: client,
		logger: logger,
	}
}

// Push appends a pending merge to the tail of the queue
func (q *PendingQueue) Push(ctx context.Context, pending domain.PendingMerge) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encoding pending merge: %w", err)
	}
	if err := q.client.RPush(ctx, pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("pushing pending merge: %w", err)
	}
	return nil
}

// Pop removes up to n pending merges from the head of the queue
func (q *PendingQueue) Pop(ctx context.Context, n int) ([]domain.PendingMerge, error) {
	values, err := q.client.LPopCount(ctx, pendingKey, n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("popping pending merges: %w", err)
	}

	merges := make([]domain.PendingMerge, 0, len(values))
	for _, v := range values {
		var pm domain.PendingMerge
		if err := json.Unmarshal([]byte(v), &pm); err != nil {
			q.logger.Warn("dropping malformed pending merge", "error", err)
			continue
		}
		merges = append(merges, pm)
	}
	return merges, nil
}

// Len returns the number of queued merges
func (q *PendingQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting pending length: %w", err)
	}
	return n, nil
}
