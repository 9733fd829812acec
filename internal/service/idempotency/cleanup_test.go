package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/storage/memory"
)

type scriptedRepo struct {
	domain.IdempotencyRepository

	mu      sync.Mutex
	results []int
	err     error
	calls   int
	before  []time.Time
}

func (s *scriptedRepo) DeleteExpired(before time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.before = append(s.before, before)
	if s.err != nil {
		return 0, s.err
	}
	if len(s.results) == 0 {
		return 0, nil
	}
	n := s.results[0]
	s.results = s.results[1:]
	return n, nil
}

func (s *scriptedRepo) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestCleaner_PurgeBatches(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &scriptedRepo{results: []int{2, 2, 1}}
	cleaner := NewCleaner(repo, WithBatchSize(2), WithClock(func() time.Time { return now }))

	deleted, err := cleaner.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)
	assert.Equal(t, 3, repo.callCount())
	for _, b := range repo.before {
		assert.True(t, b.Equal(now), "cutoff must be fixed for the whole run")
	}
}

func TestCleaner_PurgeError(t *testing.T) {
	repo := &scriptedRepo{err: errors.New("boom")}
	deleted, err := NewCleaner(repo).Purge(context.Background())
	require.Error(t, err)
	assert.Zero(t, deleted)
}

func TestCleaner_PurgeBoundedPerRun(t *testing.T) {
	results := make([]int, maxBatchesPerRun+10)
	for i := range results {
		results[i] = 1
	}
	repo := &scriptedRepo{results: results}

	deleted, err := NewCleaner(repo, WithBatchSize(1)).Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, maxBatchesPerRun, deleted)
}

func TestCleaner_RemovesOnlyExpiredKeys(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()
	_, err := repo.CreateProcessing("old", "h", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing("fresh", "h", now.Add(time.Hour))
	require.NoError(t, err)

	deleted, err := NewCleaner(repo).Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = repo.Get("fresh")
	assert.NoError(t, err)
	_, err = repo.Get("old")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestCleaner_RunStopsOnCancel(t *testing.T) {
	repo := &scriptedRepo{}
	cleaner := NewCleaner(repo, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		cleaner.Run(ctx)
	}()

	require.Eventually(t, func() bool { return repo.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop on context cancel")
	}
}

func TestCleaner_NilRepoDisabled(t *testing.T) {
	NewCleaner(nil).Run(context.Background())
}
