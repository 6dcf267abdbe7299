package lane

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(64)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(2 * time.Second) })
	return s
}

func TestSubmitBeforeStart(t *testing.T) {
	s := NewScheduler(4)
	err := s.Submit(1, Op{Name: "noop", Run: func(context.Context) {}})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSameLaneFIFOOrdering(t *testing.T) {
	s := newStartedScheduler(t)

	token := uuid.New()
	s.SetActive(7, token)

	const n = 20
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)

	// Keep several unrelated lanes busy while lane 7 works through its queue.
	for id := uint64(100); id < 104; id++ {
		busy := uuid.New()
		s.SetActive(id, busy)
		_ = s.Submit(id, Op{Token: busy, Name: "busy", Run: func(context.Context) {
			time.Sleep(50 * time.Millisecond)
		}})
	}

	for i := 0; i < n; i++ {
		seq := i
		err := s.Submit(7, Op{Token: token, Name: "seq", Run: func(context.Context) {
			mu.Lock()
			order = append(order, seq)
			mu.Unlock()
			wg.Done()
		}})
		require.NoError(t, err)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, order[i], "operations must execute in submission order")
	}
}

func TestCrossLaneConcurrency(t *testing.T) {
	s := newStartedScheduler(t)

	const block = 200 * time.Millisecond
	var wg sync.WaitGroup
	wg.Add(2)

	start := time.Now()
	for _, id := range []uint64{1, 2} {
		token := uuid.New()
		s.SetActive(id, token)
		err := s.Submit(id, Op{Token: token, Name: "initialize", Run: func(context.Context) {
			time.Sleep(block)
			wg.Done()
		}})
		require.NoError(t, err)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Two blocking initializes on independent lanes overlap; well under 2x.
	assert.Less(t, elapsed, block+150*time.Millisecond,
		"independent lanes must run concurrently, got %v", elapsed)
}

func TestStaleOperationIsSkipped(t *testing.T) {
	s := newStartedScheduler(t)

	oldToken := uuid.New()
	s.SetActive(3, oldToken)

	gate := make(chan struct{})
	var staleRan, freshRan atomic.Bool
	done := make(chan struct{})

	// First op holds the lane so the stale op stays queued during the swap.
	require.NoError(t, s.Submit(3, Op{Token: oldToken, Name: "hold", Run: func(context.Context) {
		<-gate
	}}))
	require.NoError(t, s.Submit(3, Op{Token: oldToken, Name: "stale-start", Run: func(context.Context) {
		staleRan.Store(true)
	}}))

	// Replace instance X with Y: new token becomes active before the queued
	// operation for X reaches the front of the lane.
	newToken := uuid.New()
	s.SetActive(3, newToken)
	require.NoError(t, s.Submit(3, Op{Token: newToken, Name: "fresh-start", Run: func(context.Context) {
		freshRan.Store(true)
		close(done)
	}}))

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fresh operation never ran")
	}

	assert.False(t, staleRan.Load(), "stale operation for replaced instance must be a no-op")
	assert.True(t, freshRan.Load())
}

func TestUnconditionalOpRunsAfterReplacement(t *testing.T) {
	s := newStartedScheduler(t)

	oldToken := uuid.New()
	s.SetActive(9, oldToken)
	s.SetActive(9, uuid.New()) // replaced

	done := make(chan struct{})
	require.NoError(t, s.Submit(9, Op{Name: "dispose", Run: func(context.Context) {
		close(done)
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unconditional dispose operation must still run")
	}
}

func TestQueueFull(t *testing.T) {
	s := NewScheduler(1)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(2 * time.Second) }()

	gate := make(chan struct{})
	defer close(gate)

	// Occupy the worker, then fill the single queue slot.
	require.NoError(t, s.Submit(1, Op{Name: "hold", Run: func(context.Context) { <-gate }}))

	var err error
	for i := 0; i < 50; i++ {
		err = s.Submit(1, Op{Name: "fill", Run: func(context.Context) {}})
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPanicIsolation(t *testing.T) {
	var captured atomic.Value
	s := NewScheduler(8, WithErrorHandler(func(laneID uint64, op string, err error) {
		captured.Store(err)
	}))
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(2 * time.Second) }()

	done := make(chan struct{})
	require.NoError(t, s.Submit(5, Op{Name: "explode", Run: func(context.Context) {
		panic("boom")
	}}))
	require.NoError(t, s.Submit(5, Op{Name: "after", Run: func(context.Context) {
		close(done)
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lane must survive a panicking operation")
	}
	require.NotNil(t, captured.Load())
	assert.Contains(t, captured.Load().(error).Error(), "explode")
}

func TestClearActiveOnlyForMatchingToken(t *testing.T) {
	s := newStartedScheduler(t)

	first := uuid.New()
	second := uuid.New()

	s.SetActive(4, first)
	s.SetActive(4, second)
	s.ClearActive(4, first) // stale clear must not remove the newer marker

	assert.Equal(t, second, s.Active(4))

	s.ClearActive(4, second)
	assert.Equal(t, uuid.Nil, s.Active(4))
}

func TestStopDrainsQueuedOps(t *testing.T) {
	s := NewScheduler(16)
	require.NoError(t, s.Start(context.Background()))

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Submit(2, Op{Name: "work", Run: func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		}}))
	}

	require.NoError(t, s.Stop(5*time.Second))
	assert.Equal(t, int32(10), ran.Load())
}
