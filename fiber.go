package fibrt

import (
	"sync"
	"sync/atomic"
)

// Fiber is a stackful cooperative task realized as a goroutine paired
// with a resume/yield handoff channel pair, rather than an OS
// thread-per-fiber or an asm-swapped stack: Go gives every goroutine
// its own growable stack already, so Resume/Yield just need to arrange
// that exactly one of the caller and the fiber is ever runnable at a
// time. Sending on an unbuffered channel and receiving on its pair does
// that directly — it is the idiomatic Go analogue of a ucontext swap.
type Fiber struct {
	id             uint64
	state          *fastFiberState
	cb             func()
	runInScheduler bool

	resumeCh chan struct{}
	yieldCh  chan struct{}

	startOnce  sync.Once
	resetMu    sync.Mutex
	panicValue any

	// schedMu/schedSched/schedWorkerID/schedHasWorker record which
	// worker thread (if any) most recently resumed this fiber, so code
	// running inside the fiber's own goroutine (CurrentScheduler,
	// CurrentWorkerID) can see the scheduler/worker context of the
	// thread that is logically running it, even though physically the
	// fiber executes on its own dedicated goroutine.
	schedMu       sync.Mutex
	schedSched    *Scheduler
	schedWorkerID int
	schedHasWorker bool
}

var fiberIDCounter atomic.Uint64

// NewFiber creates a fiber that will run cb when first resumed.
// stackSize is accepted for parity with the stackful-coroutine
// libraries this runtime is modeled on; goroutines manage their own
// growable stacks, so it is otherwise unused. runInScheduler is
// recorded and reported by RunInScheduler; Resume, Yield and the
// Scheduler do not consult it, and it does not pin the fiber to any
// thread.
func NewFiber(cb func(), stackSize uint64, runInScheduler bool) *Fiber {
	return &Fiber{
		id:             fiberIDCounter.Add(1),
		state:          newFastFiberState(),
		cb:             cb,
		runInScheduler: runInScheduler,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
}

// ID returns the fiber's unique, process-local identifier.
func (f *Fiber) ID() uint64 {
	return f.id
}

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() FiberState {
	return f.state.Load()
}

// RunInScheduler returns the runInScheduler flag given to NewFiber.
func (f *Fiber) RunInScheduler() bool {
	return f.runInScheduler
}

// Reset rearms a TERM fiber with a new entry function so the Fiber
// value can be pooled instead of discarded. It is invalid to call
// Reset on a fiber that is READY or RUNNING.
func (f *Fiber) Reset(cb func()) error {
	f.resetMu.Lock()
	defer f.resetMu.Unlock()
	if !f.state.TryTransition(FiberTerm, FiberReady) {
		return WrapError("Fiber.Reset", ErrFiberNotReady)
	}
	f.cb = cb
	f.panicValue = nil
	f.startOnce = sync.Once{}
	return nil
}

// Resume transfers control to the fiber, blocking the calling
// goroutine until the fiber yields or its entry function returns.
// Resume is only valid on a READY fiber; it is typically called by a
// Scheduler worker, never by the fiber itself. Both preconditions are
// programmer errors, not recoverable failures, so violating either
// panics rather than returning an error.
func (f *Fiber) Resume() error {
	if CurrentFiber() == f {
		panic("fibrt: Fiber.Resume called from the fiber's own goroutine")
	}
	if !f.state.TryTransition(FiberReady, FiberRunning) {
		panic("fibrt: Fiber.Resume called on a non-Ready fiber")
	}

	sched, workerID, hasWorker := lookupCurrentWorkerContext()
	f.schedMu.Lock()
	f.schedSched, f.schedWorkerID, f.schedHasWorker = sched, workerID, hasWorker
	f.schedMu.Unlock()

	f.startOnce.Do(func() {
		go f.run()
	})

	f.resumeCh <- struct{}{}
	<-f.yieldCh

	if f.State() == FiberTerm && f.panicValue != nil {
		return &FiberPanicError{Fiber: f, Value: f.panicValue}
	}
	return nil
}

// run is the fiber's dedicated goroutine. It blocks on resumeCh for
// its first (and only) invocation of cb; every subsequent suspend/
// resume cycle happens inside cb's own call stack via Yield, which is
// why run itself never loops.
func (f *Fiber) run() {
	<-f.resumeCh

	gid := getGoroutineID()
	registerCurrentFiber(gid, f)

	func() {
		defer func() {
			if r := recover(); r != nil {
				f.panicValue = r
			}
		}()
		f.cb()
	}()

	f.state.Store(FiberTerm)
	unregisterCurrentFiber(gid)
	f.yieldCh <- struct{}{}
}

// yield suspends f, handing control back to whoever last called
// Resume, and blocks until f is resumed again. Called only from
// within f's own goroutine (i.e. from inside cb).
func (f *Fiber) yield() {
	f.state.TryTransition(FiberRunning, FiberReady)
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	f.state.Store(FiberRunning)
}

var (
	currentFiberMu sync.RWMutex
	currentFiber   = map[uint64]*Fiber{}
)

func registerCurrentFiber(goroutineID uint64, f *Fiber) {
	currentFiberMu.Lock()
	currentFiber[goroutineID] = f
	currentFiberMu.Unlock()
}

func unregisterCurrentFiber(goroutineID uint64) {
	currentFiberMu.Lock()
	delete(currentFiber, goroutineID)
	currentFiberMu.Unlock()
}

// CurrentFiber returns the Fiber executing on the calling goroutine, or
// nil if the caller is not running inside any fiber's entry function
// (e.g. it is a Scheduler worker's own loop, or an unrelated goroutine).
func CurrentFiber() *Fiber {
	currentFiberMu.RLock()
	defer currentFiberMu.RUnlock()
	return currentFiber[getGoroutineID()]
}

// Yield suspends the calling fiber, returning control to whichever
// goroutine last called Resume on it. It is a no-op if the caller is
// not currently running inside a fiber.
func Yield() {
	if f := CurrentFiber(); f != nil {
		f.yield()
	}
}

var (
	schedulingFiberMu sync.RWMutex
	schedulingFiber   = map[uint64]*Fiber{}
)

// setSchedulingFiber records f as the pseudo-fiber representing a
// Scheduler worker's own idle loop, keyed by the worker goroutine's id.
// GetSchedulingFiber then answers "is the calling goroutine itself a
// scheduling loop" without that loop being a real Fiber with an entry
// function of its own.
func setSchedulingFiber(f *Fiber) {
	schedulingFiberMu.Lock()
	schedulingFiber[getGoroutineID()] = f
	schedulingFiberMu.Unlock()
}

// GetSchedulingFiber returns the calling goroutine's scheduling
// pseudo-fiber, or nil if it is not a Scheduler worker loop.
func GetSchedulingFiber() *Fiber {
	schedulingFiberMu.RLock()
	defer schedulingFiberMu.RUnlock()
	return schedulingFiber[getGoroutineID()]
}

// clearSchedulingFiber removes the calling goroutine's scheduling
// pseudo-fiber registration (called when a worker loop exits).
func clearSchedulingFiber() {
	schedulingFiberMu.Lock()
	delete(schedulingFiber, getGoroutineID())
	schedulingFiberMu.Unlock()
}
