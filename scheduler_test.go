package fibrt

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_ScheduleFuncRunsOnWorker(t *testing.T) {
	s, err := NewScheduler(WithThreads(2), WithName("test-any"))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		s.ScheduleFunc(func() {
			ran.Add(1)
			wg.Done()
		}, -1)
	}

	waitOrFail(t, &wg, 2*time.Second)
	assert.EqualValues(t, 20, ran.Load())
	require.NoError(t, s.Stop())
}

func TestScheduler_PreferredThreadAlwaysRunsOnThatWorker(t *testing.T) {
	s, err := NewScheduler(WithThreads(3), WithName("test-pin"))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	const pinned = 1
	var mismatches atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		s.ScheduleFunc(func() {
			defer wg.Done()
			_, id, ok := lookupCurrentWorkerContext()
			if !ok || id != pinned {
				mismatches.Add(1)
			}
		}, pinned)
	}

	waitOrFail(t, &wg, 2*time.Second)
	assert.EqualValues(t, 0, mismatches.Load())
	require.NoError(t, s.Stop())
}

func TestScheduler_StopDrainsQueuedWork(t *testing.T) {
	s, err := NewScheduler(WithThreads(2), WithName("test-drain"))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	var ran atomic.Int64
	for i := 0; i < 50; i++ {
		s.ScheduleFunc(func() { ran.Add(1) }, -1)
	}

	require.NoError(t, s.Stop())
	assert.EqualValues(t, 50, ran.Load())
}

func TestScheduler_UseCallerDrainsOnStopWithoutDedicatedThread(t *testing.T) {
	s, err := NewScheduler(WithThreads(1), WithUseCaller(true), WithName("test-caller"))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		s.ScheduleFunc(func() { ran.Add(1) }, -1)
	}

	// No dedicated OS thread was spawned (threadCount=1, useCaller=true ->
	// spawnCount=0), so nothing runs the queued work until Stop resumes
	// the caller's own scheduling fiber.
	assert.EqualValues(t, 0, ran.Load())

	require.NoError(t, s.Stop())
	assert.EqualValues(t, 10, ran.Load())
}

func TestScheduler_StopIsIdempotentFailure(t *testing.T) {
	s, err := NewScheduler(WithThreads(1), WithName("test-double-stop"))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	err = s.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_ZeroThreadsWithoutUseCallerIsInvalid(t *testing.T) {
	_, err := NewScheduler(WithThreads(0), WithUseCaller(false))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScheduler_NegativeThreadsIsInvalid(t *testing.T) {
	_, err := NewScheduler(WithThreads(-1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScheduler_ScheduleFiberRequeuesUntilTerm(t *testing.T) {
	s, err := NewScheduler(WithThreads(1), WithName("test-requeue"))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	var steps atomic.Int64
	done := make(chan struct{})
	f := NewFiber(func() {
		for i := 0; i < 3; i++ {
			steps.Add(1)
			Yield()
		}
		close(done)
	}, 0, true)

	s.Schedule(f, -1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never reached term")
	}
	assert.EqualValues(t, 3, steps.Load())
	require.NoError(t, s.Stop())
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for scheduled work")
	}
}
