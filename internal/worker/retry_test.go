package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/domain"
	"github.com/rhythm-ranking/internal/redis"
)

type MockReapplier struct {
	mock.Mock
}

func (m *MockReapplier) Reapply(ctx context.Context, pending domain.PendingMerge) (int, error) {
	args := m.Called(ctx, pending)
	return args.Int(0), args.Error(1)
}

func newQueue(t *testing.T) *redis.PendingQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redis.NewPendingQueue(client, discardLogger())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pendingMerge(id string, attempts int) domain.PendingMerge {
	return domain.PendingMerge{
		RecordID: id,
		ChartID:  "song-1",
		Entry: domain.RankEntry{
			Nickname:  "Ace",
			Score:     1000,
			CreatedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		},
		Attempts: attempts,
	}
}

func TestRetryWorker_RunOnce(t *testing.T) {
	queue := newQueue(t)
	reapplier := new(MockReapplier)
	ctx := context.Background()
	cfg := &config.RetryConfig{Interval: time.Minute, BatchSize: 10, MaxAttempts: 3}
	var logs bytes.Buffer
	w := NewRetryWorker(queue, reapplier, cfg, slog.New(slog.NewJSONHandler(&logs, nil)))

	require.NoError(t, queue.Push(ctx, pendingMerge("ok", 0)))
	require.NoError(t, queue.Push(ctx, pendingMerge("retry", 0)))
	require.NoError(t, queue.Push(ctx, pendingMerge("last", 2)))

	storeDown := &domain.StoreError{Store: domain.StoreLeaderboard, Err: errors.New("timeout")}
	reapplier.On("Reapply", mock.Anything, pendingMerge("ok", 0)).Return(1, nil)
	reapplier.On("Reapply", mock.Anything, pendingMerge("retry", 0)).Return(domain.NotRanked, storeDown)
	reapplier.On("Reapply", mock.Anything, pendingMerge("last", 2)).Return(domain.NotRanked, storeDown)

	w.RunOnce(ctx)

	reapplier.AssertExpectations(t)
	assert.Contains(t, logs.String(), `"msg":"retry cycle completed"`)
	assert.Contains(t, logs.String(), `"queue_depth":1`)
	left, err := queue.Pop(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1, "only the merge below the attempt limit is requeued")
	assert.Equal(t, "retry", left[0].RecordID)
	assert.Equal(t, 1, left[0].Attempts)
}

func TestRetryWorker_RunOnceEmptyQueue(t *testing.T) {
	queue := newQueue(t)
	reapplier := new(MockReapplier)
	w := NewRetryWorker(queue, reapplier, &config.RetryConfig{Interval: time.Minute, MaxAttempts: 3}, discardLogger())

	w.RunOnce(context.Background())

	reapplier.AssertNotCalled(t, "Reapply", mock.Anything, mock.Anything)
}

func TestRetryWorker_StartStop(t *testing.T) {
	queue := newQueue(t)
	reapplier := new(MockReapplier)
	ctx := context.Background()
	w := NewRetryWorker(queue, reapplier, &config.RetryConfig{Interval: 10 * time.Millisecond, BatchSize: 5, MaxAttempts: 3}, discardLogger())

	require.NoError(t, queue.Push(ctx, pendingMerge("bg", 0)))
	applied := make(chan struct{})
	reapplier.On("Reapply", mock.Anything, pendingMerge("bg", 0)).
		Run(func(mock.Arguments) { close(applied) }).
		Return(2, nil).Once()

	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("pending merge was not retried")
	}

	require.NoError(t, w.Stop())
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}
