package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{current: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

func TestHandleMinterIsStrictlyIncreasing(t *testing.T) {
	frozen := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	minter := NewHandleMinter(func() time.Time { return frozen })

	first := minter.Mint(7)
	second := minter.Mint(7)
	require.NotEqual(t, first, second)

	_, firstAt, err := ParseHandle(first)
	require.NoError(t, err)
	_, secondAt, err := ParseHandle(second)
	require.NoError(t, err)
	require.True(t, secondAt.After(firstAt))
}

func TestHandleMinterConcurrentMintsAreUnique(t *testing.T) {
	minter := NewHandleMinter(nil)

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle := minter.Mint(3)
			mu.Lock()
			seen[handle] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 50)
}

func TestParseHandle(t *testing.T) {
	id, createdAt, err := ParseHandle("42-1714550400000000000")
	require.NoError(t, err)
	require.Equal(t, uint(42), id)
	require.Equal(t, int64(1714550400000000000), createdAt.UnixNano())

	for _, handle := range []string{"", "42", "-100", "42-", "abc-100", "42-abc"} {
		_, _, err := ParseHandle(handle)
		require.True(t, errors.Is(err, ErrInvalidProcessingHandle), handle)
	}
}

func TestProcessingPhaseProgress(t *testing.T) {
	require.Equal(t, 0, PhaseStarted.Progress())
	require.Equal(t, 10, PhaseLoading.Progress())
	require.Equal(t, 30, PhaseExtracting.Progress())
	require.Equal(t, 60, PhaseAnalyzing.Progress())
	require.Equal(t, 90, PhaseSaving.Progress())
	require.Equal(t, 100, PhaseCompleted.Progress())
	require.True(t, PhaseError.Terminal())
	require.False(t, PhaseSaving.Terminal())
}

type trackerFactory func(t *testing.T, clock *fakeClock, retention time.Duration) ProcessingTracker

func memoryTrackerFactory(t *testing.T, clock *fakeClock, retention time.Duration) ProcessingTracker {
	tracker := NewMemoryProcessingTracker(retention, zerolog.Nop())
	tracker.now = clock.Now
	return tracker
}

func redisTrackerFactory(t *testing.T, clock *fakeClock, retention time.Duration) ProcessingTracker {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tracker := NewRedisProcessingTracker(client, retention, zerolog.Nop())
	tracker.now = clock.Now
	return tracker
}

func forEachTracker(t *testing.T, fn func(t *testing.T, newTracker trackerFactory)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryTrackerFactory) })
	t.Run("redis", func(t *testing.T) { fn(t, redisTrackerFactory) })
}

func handleAt(submissionID uint, at time.Time) string {
	return fmt.Sprintf("%d-%d", submissionID, at.UnixNano())
}

func TestTrackerLifecycle(t *testing.T) {
	forEachTracker(t, func(t *testing.T, newTracker trackerFactory) {
		ctx := context.Background()
		clock := newFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
		tracker := newTracker(t, clock, time.Hour)

		handle := handleAt(5, clock.Now())
		record, err := tracker.Begin(ctx, handle)
		require.NoError(t, err)
		require.Equal(t, PhaseStarted, record.Phase)
		require.Equal(t, uint(5), record.SubmissionID)

		require.NoError(t, tracker.Advance(ctx, handle, PhaseAnalyzing, PhaseAnalyzing.Progress()))
		found, ok, err := tracker.Lookup(ctx, 5)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, PhaseAnalyzing, found.Phase)
		require.Equal(t, 60, found.Progress)

		require.NoError(t, tracker.Fail(ctx, handle, "database unavailable"))
		found, ok, err = tracker.Lookup(ctx, 5)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, PhaseError, found.Phase)
		require.Equal(t, 0, found.Progress)
		require.Equal(t, "database unavailable", found.Error)

		_, ok, err = tracker.Lookup(ctx, 6)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestTrackerLookupReturnsNewestHandle(t *testing.T) {
	forEachTracker(t, func(t *testing.T, newTracker trackerFactory) {
		ctx := context.Background()
		clock := newFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
		tracker := newTracker(t, clock, time.Hour)

		older := handleAt(1, clock.Now())
		_, err := tracker.Begin(ctx, older)
		require.NoError(t, err)
		require.NoError(t, tracker.Advance(ctx, older, PhaseCompleted, 100))

		clock.Advance(time.Second)
		newer := handleAt(1, clock.Now())
		_, err = tracker.Begin(ctx, newer)
		require.NoError(t, err)

		// A submission whose id shares a prefix must not shadow submission 1.
		clock.Advance(time.Second)
		_, err = tracker.Begin(ctx, handleAt(12, clock.Now()))
		require.NoError(t, err)

		found, ok, err := tracker.Lookup(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, newer, found.Handle)
		require.Equal(t, PhaseStarted, found.Phase)
	})
}

func TestTrackerEvictsStaleRecordsRegardlessOfPhase(t *testing.T) {
	forEachTracker(t, func(t *testing.T, newTracker trackerFactory) {
		ctx := context.Background()
		clock := newFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
		tracker := newTracker(t, clock, 10*time.Minute)

		stale := handleAt(2, clock.Now())
		_, err := tracker.Begin(ctx, stale)
		require.NoError(t, err)
		require.NoError(t, tracker.Advance(ctx, stale, PhaseExtracting, 30))

		clock.Advance(8 * time.Minute)
		fresh := handleAt(3, clock.Now())
		_, err = tracker.Begin(ctx, fresh)
		require.NoError(t, err)

		clock.Advance(5 * time.Minute)
		removed, err := tracker.Evict(ctx, clock.Now())
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		_, ok, err := tracker.Lookup(ctx, 2)
		require.NoError(t, err)
		require.False(t, ok)

		_, ok, err = tracker.Lookup(ctx, 3)
		require.NoError(t, err)
		require.True(t, ok)

		err = tracker.Advance(ctx, stale, PhaseAnalyzing, 60)
		require.True(t, errors.Is(err, ErrProcessingRecordNotFound))
	})
}

func TestTrackerRejectsMalformedHandle(t *testing.T) {
	forEachTracker(t, func(t *testing.T, newTracker trackerFactory) {
		clock := newFakeClock(time.Now())
		tracker := newTracker(t, clock, time.Hour)

		_, err := tracker.Begin(context.Background(), "not-a-handle")
		require.True(t, errors.Is(err, ErrInvalidProcessingHandle))
	})
}

func TestMemoryTrackerConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryProcessingTracker(time.Hour, zerolog.Nop())
	minter := NewHandleMinter(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			handle := minter.Mint(id)
			_, err := tracker.Begin(ctx, handle)
			assert.NoError(t, err)
			for _, phase := range []ProcessingPhase{PhaseLoading, PhaseExtracting, PhaseAnalyzing, PhaseSaving, PhaseCompleted} {
				assert.NoError(t, tracker.Advance(ctx, handle, phase, phase.Progress()))
				_, _, _ = tracker.Lookup(ctx, id)
			}
		}(uint(i % 4))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = tracker.Evict(ctx, time.Now())
		}
	}()
	wg.Wait()

	require.Len(t, tracker.Snapshot(), 20)
}

func TestRunTrackerSweepStopsOnCancel(t *testing.T) {
	tracker := NewMemoryProcessingTracker(time.Millisecond, zerolog.Nop())
	_, err := tracker.Begin(context.Background(), handleAt(9, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunTrackerSweep(ctx, tracker, 5*time.Millisecond, zerolog.Nop())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(tracker.Snapshot()) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop after cancellation")
	}
}

func TestTrackerSameMicrosecondHandlesPickNewest(t *testing.T) {
	forEachTracker(t, func(t *testing.T, newTracker trackerFactory) {
		ctx := context.Background()
		base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
		clock := newFakeClock(base.Add(time.Second))
		tracker := newTracker(t, clock, time.Hour)

		older := handleAt(9, base.Add(100*time.Nanosecond))
		newer := handleAt(9, base.Add(900*time.Nanosecond))
		_, err := tracker.Begin(ctx, newer)
		require.NoError(t, err)
		_, err = tracker.Begin(ctx, older)
		require.NoError(t, err)

		record, ok, err := tracker.Lookup(ctx, 9)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, newer, record.Handle)
	})
}

func TestRedisIndexScoreIsExactMicroseconds(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 0, 0, 123456789, time.UTC)
	require.Equal(t, float64(at.UnixMicro()), indexScore(at))
	require.Equal(t, at.UnixMicro(), int64(indexScore(at)))
	require.Equal(t, fmt.Sprintf("(%d", at.UnixMicro()), indexCutoff(at))
}

func TestRedisTrackerLogsIndexCleanupFailures(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	var logs strings.Builder
	tracker := NewRedisProcessingTracker(client, time.Hour, zerolog.New(&logs))
	server.Close()

	tracker.forgetSubmission(context.Background(), "42")
	require.Contains(t, logs.String(), "failed to drop submission from processing index")
	require.Contains(t, logs.String(), `"member":"42"`)
}
