package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rhythm-ranking/internal/domain"
	"github.com/rhythm-ranking/internal/ranking"
)

// ChartStore keeps one JSON leaderboard document per chart and updates it
// with WATCH/MULTI/EXEC optimistic transactions
type ChartStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewChartStore creates a new ChartStore
func NewChartStore(client *redis.Client, logger *slog.Logger) *ChartStore {
	return &ChartStore{
		client: client,
		logger: logger,
	}
}

var _ ranking.Store = (*ChartStore)(nil)

// Get returns a chart's leaderboard, or nil if the chart has none
func (s *ChartStore) Get(ctx context.Context, chartID string) (*domain.ChartLeaderboard, error) {
	data, err := s.client.Get(ctx, chartKey(chartID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &domain.StoreError{Store: domain.StoreLeaderboard, Err: fmt.Errorf("getting chart: %w", err)}
	}

	doc, err := decodeChart(data)
	if err != nil {
		return nil, &domain.StoreError{Store: domain.StoreLeaderboard, Err: err}
	}
	return doc, nil
}

// Transact makes one optimistic read-modify-write attempt on a chart.
// The WATCH on the chart key fences the write: if another client modified
// the key after it was read, EXEC is discarded and domain.ErrConflict is
// returned.
func (s *ChartStore) Transact(ctx context.Context, chartID string, fn ranking.UpdateFunc) error {
	key := chartKey(chartID)
	var fnErr error

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current *domain.ChartLeaderboard
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("reading chart: %w", err)
		default:
			if current, err = decodeChart(data); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding chart: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case fnErr != nil:
		return fnErr
	case errors.Is(err, redis.TxFailedErr):
		return domain.ErrConflict
	default:
		return &domain.StoreError{Store: domain.StoreLeaderboard, Err: err}
	}
}

func decodeChart(data []byte) (*domain.ChartLeaderboard, error) {
	var doc domain.ChartLeaderboard
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding chart: %w", err)
	}
	return &doc, nil
}
