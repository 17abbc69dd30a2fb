package ranking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/domain"
)

// memStore is an optimistic in-memory Store. The version read before fn runs
// acts as the fencing token checked at commit.
type memStore struct {
	mu        sync.Mutex
	docs      map[string]*domain.ChartLeaderboard
	versions  map[string]int64
	conflicts int
	failWith  error
	attempts  int
}

func newMemStore() *memStore {
	return &memStore{
		docs:     make(map[string]*domain.ChartLeaderboard),
		versions: make(map[string]int64),
	}
}

func cloneDoc(doc *domain.ChartLeaderboard) *domain.ChartLeaderboard {
	if doc == nil {
		return nil
	}
	c := *doc
	c.Top = slices.Clone(doc.Top)
	c.AppliedRecords = slices.Clone(doc.AppliedRecords)
	return &c
}

func (s *memStore) Get(_ context.Context, chartID string) (*domain.ChartLeaderboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDoc(s.docs[chartID]), nil
}

func (s *memStore) Transact(_ context.Context, chartID string, fn UpdateFunc) error {
	s.mu.Lock()
	s.attempts++
	if s.failWith != nil {
		s.mu.Unlock()
		return s.failWith
	}
	current := cloneDoc(s.docs[chartID])
	token := s.versions[chartID]
	s.mu.Unlock()

	next, err := fn(current)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return domain.ErrConflict
	}
	if s.versions[chartID] != token {
		return domain.ErrConflict
	}
	s.docs[chartID] = cloneDoc(next)
	s.versions[chartID]++
	return nil
}

func newTestMerger(store Store, maxAttempts int) *Merger {
	return NewMerger(store, &config.RankingConfig{
		MaxSize:      domain.MaxRankingSize,
		MaxAttempts:  maxAttempts,
		RetryBackoff: 100 * time.Microsecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMerger_CreatesLeaderboard(t *testing.T) {
	store := newMemStore()
	m := newTestMerger(store, 3)

	rank, err := m.Apply(context.Background(), "chart-1", "", entry("Ace", 500, 0))

	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	doc, err := store.Get(context.Background(), "chart-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "chart-1", doc.ChartID)
	assert.Equal(t, int64(1), doc.SubmissionCount)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, []string{"Ace"}, nicknames(doc.Top))
	assert.False(t, doc.UpdatedAt.IsZero())
}

func TestMerger_CountsEverySubmission(t *testing.T) {
	store := newMemStore()
	m := newTestMerger(store, 3)
	ctx := context.Background()

	_, err := m.Apply(ctx, "chart-1", "rec-1", entry("A", 900, 0))
	require.NoError(t, err)
	_, err = m.Apply(ctx, "chart-1", "rec-2", entry("B", 800, time.Second))
	require.NoError(t, err)

	rank, err := m.Apply(ctx, "chart-1", "rec-3", entry("A", 700, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.NotRanked, rank)

	rank, err = m.Apply(ctx, "chart-1", "rec-4", entry("A", 700, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.NotRanked, rank)

	doc, _ := store.Get(ctx, "chart-1")
	assert.Equal(t, int64(4), doc.SubmissionCount)
	assert.Equal(t, []string{"rec-1", "rec-2", "rec-3", "rec-4"}, doc.AppliedRecords)
	assert.Equal(t, []string{"A", "B"}, nicknames(doc.Top))
	assert.Equal(t, int64(900), doc.Top[0].Score)
}

func TestMerger_ReplayedRecordIsNotCountedTwice(t *testing.T) {
	store := newMemStore()
	m := newTestMerger(store, 3)
	ctx := context.Background()

	rank, err := m.Apply(ctx, "chart-1", "rec-1", entry("Ace", 500, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	// The first commit went through but the caller saw an error and retries.
	rank, err = m.Apply(ctx, "chart-1", "rec-1", entry("Ace", 500, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	doc, _ := store.Get(ctx, "chart-1")
	assert.Equal(t, int64(1), doc.SubmissionCount)
	assert.Equal(t, []string{"Ace"}, nicknames(doc.Top))
	assert.Equal(t, []string{"rec-1"}, doc.AppliedRecords)

	_, err = m.Apply(ctx, "chart-1", "rec-2", entry("Bee", 400, 0))
	require.NoError(t, err)
	doc, _ = store.Get(ctx, "chart-1")
	assert.Equal(t, int64(2), doc.SubmissionCount)
}

func TestMerger_AppliedRecordsWindowIsBounded(t *testing.T) {
	store := newMemStore()
	m := newTestMerger(store, 3)
	ctx := context.Background()

	total := domain.AppliedRecordsWindow + 5
	for i := 0; i < total; i++ {
		_, err := m.Apply(ctx, "chart-1", fmt.Sprintf("rec-%04d", i), entry("Ace", int64(i), 0))
		require.NoError(t, err)
	}

	doc, _ := store.Get(ctx, "chart-1")
	assert.Equal(t, int64(total), doc.SubmissionCount)
	require.Len(t, doc.AppliedRecords, domain.AppliedRecordsWindow)
	assert.Equal(t, "rec-0005", doc.AppliedRecords[0])
	assert.Equal(t, fmt.Sprintf("rec-%04d", total-1), doc.AppliedRecords[len(doc.AppliedRecords)-1])
}

func TestMerger_FullChartCandidateDropped(t *testing.T) {
	store := newMemStore()
	m := newTestMerger(store, 3)
	ctx := context.Background()
	for i := 0; i < domain.MaxRankingSize; i++ {
		_, err := m.Apply(ctx, "full", "", entry(fmt.Sprintf("p%03d", i), int64(1000+i), 0))
		require.NoError(t, err)
	}
	before, _ := store.Get(ctx, "full")

	rank, err := m.Apply(ctx, "full", "", entry("New", 500, time.Hour))

	require.NoError(t, err)
	assert.Equal(t, domain.NotRanked, rank)
	after, _ := store.Get(ctx, "full")
	assert.Equal(t, before.Top, after.Top)
	assert.Equal(t, before.SubmissionCount+1, after.SubmissionCount)
}

func TestMerger_RetriesConflicts(t *testing.T) {
	store := newMemStore()
	store.conflicts = 2
	m := newTestMerger(store, 3)

	rank, err := m.Apply(context.Background(), "chart-1", "", entry("Ace", 500, 0))

	require.NoError(t, err)
	assert.Equal(t, 1, rank)
	assert.Equal(t, 3, store.attempts)
	doc, _ := store.Get(context.Background(), "chart-1")
	assert.Equal(t, int64(1), doc.SubmissionCount)
}

func TestMerger_ConflictRetriesExhausted(t *testing.T) {
	store := newMemStore()
	store.conflicts = 10
	m := newTestMerger(store, 3)

	rank, err := m.Apply(context.Background(), "chart-1", "", entry("Ace", 500, 0))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.NotRanked, rank)
	assert.Equal(t, 3, store.attempts)
	doc, _ := store.Get(context.Background(), "chart-1")
	assert.Nil(t, doc)
}

func TestMerger_StoreErrorNotRetried(t *testing.T) {
	store := newMemStore()
	store.failWith = &domain.StoreError{Store: domain.StoreLeaderboard, Err: errors.New("connection refused")}
	m := newTestMerger(store, 5)

	_, err := m.Apply(context.Background(), "chart-1", "", entry("Ace", 500, 0))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, domain.StoreLeaderboard, domain.StoreOf(err))
	assert.Equal(t, 1, store.attempts)
}

func TestMerger_CancelledWhileWaiting(t *testing.T) {
	store := newMemStore()
	store.conflicts = 100
	m := newTestMerger(store, 100)
	m.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Apply(ctx, "chart-1", "", entry("Ace", 500, 0))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMerger_ConcurrentWritersNoLostUpdate(t *testing.T) {
	store := newMemStore()
	m := newTestMerger(store, 1000)
	ctx := context.Background()

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Interleaved scores: even writers high, odd writers low.
			score := int64(1000 + (i%2)*-500 + i)
			if _, err := m.Apply(ctx, "busy", "", entry(fmt.Sprintf("w%02d", i), score, time.Duration(i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	doc, err := store.Get(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), doc.SubmissionCount)
	assert.Len(t, doc.Top, writers)
	assertLeaderboardInvariants(t, doc.Top, domain.MaxRankingSize)
}

func TestMerger_ChartsAreIndependent(t *testing.T) {
	store := newMemStore()
	m := newTestMerger(store, 3)
	ctx := context.Background()

	_, err := m.Apply(ctx, "chart-a", "", entry("Ace", 500, 0))
	require.NoError(t, err)
	rank, err := m.Apply(ctx, "chart-b", "", entry("Ace", 100, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, rank)
	a, _ := store.Get(ctx, "chart-a")
	b, _ := store.Get(ctx, "chart-b")
	assert.Equal(t, int64(500), a.Top[0].Score)
	assert.Equal(t, int64(100), b.Top[0].Score)
}
