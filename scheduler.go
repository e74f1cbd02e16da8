package fibrt

import (
	"sync"
	"sync/atomic"
	"time"
)

// idleMaxWait bounds how long a base Scheduler's idle() parks before
// re-checking stopping(), so a tickle lost to a race is never fatal.
const idleMaxWait = 5 * time.Second

// ScheduleTask is the FIFO queue's element: exactly one of Fiber or Fn
// is populated. PreferredThread pins the task to one worker (-1 means
// any worker may run it).
type ScheduleTask struct {
	Fiber           *Fiber
	Fn              func()
	PreferredThread int
}

// schedulerHooks is the override point for tickle/idle/stopping
// (Open Question OQ-TICKLE): the base Scheduler's tickle signals its
// one-slot wakeCh, its idle parks on wakeCh for at most idleMaxWait, and
// its stopping checks only run state and queue emptiness; IOManager
// supplies its own self-pipe/reactor-aware
// versions and installs them as a Scheduler's hooks at construction.
type schedulerHooks interface {
	tickle()
	idle(workerID int)
	stopping() bool
}

// Scheduler owns a pool of worker threads and FIFO task queues of
// (fiber|callback, preferred_thread) entries: one shared queue for
// preferred_thread == -1 and one queue per pinned worker id (see
// popTask). Each worker runs a loop
// that pulls tasks and resumes them; when idle, it parks in idle().
type Scheduler struct {
	name   string
	logger Logger

	mu            sync.Mutex
	anyQueue      *ChunkedIngress[ScheduleTask]
	pinnedQueues  map[int]*ChunkedIngress[ScheduleTask]

	threadCount int
	useCaller   bool
	callerFiber *Fiber

	activeCount intCounter
	idleCount   intCounter

	state *fastSchedulerState
	hooks schedulerHooks

	wakeCh chan struct{}

	threads []*osThread
	wg      sync.WaitGroup
}

// NewScheduler constructs a Scheduler per opts. It does not start any
// worker threads; call Start for that.
func NewScheduler(opts ...SchedulerOption) (*Scheduler, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.threads == 0 && !cfg.useCaller {
		return nil, WrapError("NewScheduler", ErrInvalidConfig)
	}
	s := &Scheduler{
		name:         cfg.name,
		logger:       cfg.logger,
		anyQueue:     NewChunkedIngress[ScheduleTask](),
		pinnedQueues: map[int]*ChunkedIngress[ScheduleTask]{},
		threadCount:  cfg.threads,
		useCaller:    cfg.useCaller,
		state:        newFastSchedulerState(),
		wakeCh:       make(chan struct{}, 1),
	}
	s.hooks = s
	return s, nil
}

// Name returns the scheduler's configured name.
func (s *Scheduler) Name() string { return s.name }

// hasIdleThread reports whether any worker is currently parked in
// idle(); grounded on the original scheduler's m_idleThreadCount > 0
// check, used by IOManager.tickle to skip the self-pipe write when no
// worker is parked to receive it.
func (s *Scheduler) hasIdleThread() bool {
	return s.idleCount.Load() > 0
}

// Schedule enqueues a fiber to be resumed by a worker thread.
func (s *Scheduler) Schedule(f *Fiber, preferredThread int) {
	s.schedule(ScheduleTask{Fiber: f, PreferredThread: preferredThread})
}

// ScheduleFunc wraps fn in a fresh fiber and enqueues it.
func (s *Scheduler) ScheduleFunc(fn func(), preferredThread int) {
	s.schedule(ScheduleTask{Fn: fn, PreferredThread: preferredThread})
}

func (s *Scheduler) schedule(task ScheduleTask) {
	s.mu.Lock()
	wasEmpty := s.isEmptyLocked()
	if task.PreferredThread < 0 {
		s.anyQueue.Push(task)
	} else {
		q := s.pinnedQueues[task.PreferredThread]
		if q == nil {
			q = NewChunkedIngress[ScheduleTask]()
			s.pinnedQueues[task.PreferredThread] = q
		}
		q.Push(task)
	}
	s.mu.Unlock()

	if wasEmpty {
		s.hooks.tickle()
	}
}

func (s *Scheduler) isEmptyLocked() bool {
	if s.anyQueue.Length() != 0 {
		return false
	}
	for _, q := range s.pinnedQueues {
		if q.Length() != 0 {
			return false
		}
	}
	return true
}

// popTask pops the next task this worker may run: its own pinned
// sub-queue first, then the shared any-thread queue. Pinned sub-queues
// are per-worker FIFOs, so "preferred_thread == k only ever resumed on
// thread k" holds trivially, without needing to scan-and-reinsert a
// single shared queue (a ChunkedIngress is FIFO-only; it has no
// efficient push-front, so splitting by worker is the grounded way to
// honor pinning without an O(n) rescan on every pop).
func (s *Scheduler) popTask(workerID int) (ScheduleTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.pinnedQueues[workerID]; ok {
		if t, has := q.Pop(); has {
			return t, true
		}
	}
	return s.anyQueue.Pop()
}

// Start spawns the scheduler's worker threads. With use-caller enabled,
// one fewer OS thread is spawned and the calling thread's own worker
// loop is instead wrapped in a fiber (Scheduler.callerFiber) that is
// resumed by Stop to drain residual work on the constructing thread,
// matching the original's root-fiber deferral — Start itself never
// blocks the caller.
func (s *Scheduler) Start() error {
	if !s.state.TryTransition(SchedulerAwake, SchedulerRunning) {
		return WrapError("Scheduler.Start", ErrClosed)
	}

	spawnCount := s.threadCount
	if s.useCaller {
		spawnCount--
	}

	for i := 0; i < spawnCount; i++ {
		id := i
		s.wg.Add(1)
		t := newOSThread(s.name, func() {
			defer s.wg.Done()
			s.run(id)
		})
		s.threads = append(s.threads, t)
	}

	if s.useCaller {
		callerID := spawnCount
		s.callerFiber = NewFiber(func() { s.run(callerID) }, 0, false)
	}

	LogInfo(s.logger, "scheduler", "scheduler started", map[string]interface{}{
		"name": s.name, "threads": s.threadCount, "use_caller": s.useCaller,
	})
	return nil
}

// Stop marks the scheduler stopping, wakes every worker, waits for the
// spawned OS threads to drain, and — when use-caller is enabled —
// resumes the caller's scheduling fiber on the calling goroutine so it
// drains residual work before Stop returns.
func (s *Scheduler) Stop() error {
	if !s.state.TryTransition(SchedulerRunning, SchedulerStopping) {
		return WrapError("Scheduler.Stop", ErrClosed)
	}

	for i := 0; i < s.threadCount+1; i++ {
		s.hooks.tickle()
	}

	if s.callerFiber != nil {
		if err := s.callerFiber.Resume(); err != nil {
			LogError(s.logger, "scheduler", "caller fiber panicked", err, nil)
		}
	}

	s.wg.Wait()
	s.state.Store(SchedulerStopped)
	LogInfo(s.logger, "scheduler", "scheduler stopped", map[string]interface{}{"name": s.name})
	return nil
}

// run is a worker loop: publish self as current scheduler, publish a
// scheduling-fiber identity token for GetSchedulingFiber, then pull
// tasks (falling back to idle()) until stopping.
func (s *Scheduler) run(workerID int) {
	registerWorker(workerID, s)
	defer unregisterWorker()

	marker := &Fiber{id: fiberIDCounter.Add(1), state: newFastFiberState()}
	marker.state.Store(FiberRunning)
	setSchedulingFiber(marker)
	defer clearSchedulingFiber()

	for {
		task, ok := s.popTask(workerID)
		if ok {
			s.activeCount.Add(1)
			s.runTask(task, workerID)
			s.activeCount.Add(-1)
			continue
		}

		if s.hooks.stopping() {
			return
		}

		s.idleCount.Add(1)
		s.hooks.idle(workerID)
		s.idleCount.Add(-1)
	}
}

func (s *Scheduler) runTask(task ScheduleTask, workerID int) {
	f := task.Fiber
	if f == nil {
		f = NewFiber(task.Fn, 0, true)
	}

	if err := f.Resume(); err != nil {
		LogError(s.logger, "scheduler", "fiber resume failed", err, map[string]interface{}{"fiber": f.ID()})
	}

	switch f.State() {
	case FiberReady:
		s.schedule(ScheduleTask{Fiber: f, PreferredThread: task.PreferredThread})
	case FiberTerm:
		// entry function returned (or panicked, already logged); drop it.
	}
}

// --- base (no-op / self-park) schedulerHooks implementation ---

func (s *Scheduler) tickle() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) idle(workerID int) {
	select {
	case <-s.wakeCh:
	case <-time.After(idleMaxWait):
	}
}

func (s *Scheduler) stopping() bool {
	s.mu.Lock()
	empty := s.isEmptyLocked()
	s.mu.Unlock()
	return s.state.IsStopping() && empty
}

// intCounter is a tiny named wrapper so Scheduler's field declarations
// read as domain counters rather than bare atomics.
type intCounter struct{ v atomic.Int64 }

func (c *intCounter) Add(delta int64) { c.v.Add(delta) }
func (c *intCounter) Load() int64     { return c.v.Load() }
