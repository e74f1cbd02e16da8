package fibrt

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// Forever is the sentinel NextTimeout returns when no timer is pending.
const Forever = time.Duration(math.MaxInt64)

// rollbackThreshold is how far backward the wall clock must jump before
// TimerManager treats it as a clock reset and expires every pending
// timer in the same pass, per spec.md's "> 1 hour rollback" rule.
const rollbackThreshold = time.Hour

// Timer is a single scheduled callback, owned by exactly one
// TimerManager at a time. The manager back-reference is a plain
// pointer, so a Timer handle keeps its manager reachable for as long as
// the handle is held. TimerManager has no teardown step and does not
// drain its heap; a pending timer stays queued until it fires or is
// cancelled. Only the conditional-timer witness below uses a weak
// reference.
type Timer struct {
	id        uint64
	periodMs  int64
	recurring bool
	deadline  time.Time
	cb        func()
	manager   *TimerManager
	cancelled bool
	index     int // position in the manager's heap; -1 when not queued
	seq       uint64
}

var timerIDCounter atomic.Uint64

// Cancel removes the timer from its manager. Returns false if the
// timer had already fired (non-recurring) or been cancelled.
func (t *Timer) Cancel() bool {
	return t.manager.cancel(t)
}

// Refresh forward-only re-arms the timer to now + its existing period.
func (t *Timer) Refresh() bool {
	return t.manager.refresh(t)
}

// Reset re-arms the timer with a new period. If fromNow is true the
// new deadline is now+ms; otherwise it is computed from the timer's
// original base (deadline - old period) + ms, preserving cadence.
func (t *Timer) Reset(ms int64, fromNow bool) bool {
	return t.manager.reset(t, ms, fromNow)
}

// timerHeap is a container/heap min-heap ordered by (deadline, seq),
// the same pattern the teacher's loop.go uses for its own timer queue,
// generalized here from a bare func() payload to a full *Timer handle
// with cancel/refresh/reset.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager holds a min-ordered set of timers keyed by absolute
// deadline, with wall-clock rollback detection and a gate
// ("tickled") against redundant wakeups when the earliest deadline
// changes more than once before the next reactor pass drains it.
type TimerManager struct {
	mu           sync.Mutex
	heap         timerHeap
	tickled      bool
	previousTime time.Time
	seqCounter   uint64

	// onFront, when set, is called with the manager's lock released
	// whenever a newly added/rearmed timer becomes the new earliest
	// deadline while tickled was false — IOManager wires this to its
	// own tickle() (spec.md's on_timer_inserted_at_front hook).
	onFront func()

	// nowFunc is the injectable clock, defaulting to time.Now; tests
	// override it the same way the teacher's loop.go injects test
	// hooks for deterministic timing.
	nowFunc func() time.Time
}

// NewTimerManager creates an empty TimerManager.
func NewTimerManager() *TimerManager {
	return &TimerManager{nowFunc: time.Now}
}

func (tm *TimerManager) now() time.Time {
	if tm.nowFunc != nil {
		return tm.nowFunc()
	}
	return time.Now()
}

// AddTimer inserts a new timer firing ms milliseconds from now.
func (tm *TimerManager) AddTimer(ms int64, cb func(), recurring bool) *Timer {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t := &Timer{
		id:        timerIDCounter.Add(1),
		periodMs:  ms,
		recurring: recurring,
		deadline:  tm.now().Add(time.Duration(ms) * time.Millisecond),
		cb:        cb,
		manager:   tm,
	}
	tm.insertLocked(t)
	return t
}

// AddConditionTimer is AddTimer with cb wrapped so it only runs if
// witness is still reachable when the timer fires; witness must be a
// pointer. weak.Pointer is Go's idiomatic analog of the original's
// std::weak_ptr: it does not keep witness alive, and Value() returns
// nil once the garbage collector has reclaimed it.
func AddConditionTimer[T any](tm *TimerManager, ms int64, cb func(), witness *T, recurring bool) *Timer {
	w := weak.Make(witness)
	wrapped := func() {
		if w.Value() != nil {
			cb()
		}
	}
	return tm.AddTimer(ms, wrapped, recurring)
}

func (tm *TimerManager) insertLocked(t *Timer) {
	tm.seqCounter++
	t.seq = tm.seqCounter
	heap.Push(&tm.heap, t)
	if tm.heap[0] == t && !tm.tickled {
		tm.tickled = true
		onFront := tm.onFront
		if onFront != nil {
			tm.mu.Unlock()
			onFront()
			tm.mu.Lock()
		}
	}
}

func (tm *TimerManager) cancel(t *Timer) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t.index < 0 || t.cancelled {
		return false
	}
	t.cancelled = true
	t.cb = nil
	heap.Remove(&tm.heap, t.index)
	return true
}

func (tm *TimerManager) refresh(t *Timer) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t.index < 0 || t.cancelled {
		return false
	}
	heap.Remove(&tm.heap, t.index)
	t.deadline = tm.now().Add(time.Duration(t.periodMs) * time.Millisecond)
	tm.insertLocked(t)
	return true
}

func (tm *TimerManager) reset(t *Timer, ms int64, fromNow bool) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t.index < 0 || t.cancelled {
		return false
	}
	heap.Remove(&tm.heap, t.index)
	var base time.Time
	if fromNow {
		base = tm.now()
	} else {
		base = t.deadline.Add(-time.Duration(t.periodMs) * time.Millisecond)
	}
	t.periodMs = ms
	t.deadline = base.Add(time.Duration(ms) * time.Millisecond)
	tm.insertLocked(t)
	return true
}

// NextTimeout returns 0 if the earliest timer is already due, Forever
// if there are no timers, or the duration until the earliest deadline.
func (tm *TimerManager) NextTimeout() time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.heap) == 0 {
		return Forever
	}
	d := tm.heap[0].deadline.Sub(tm.now())
	if d < 0 {
		return 0
	}
	return d
}

// ListExpired collects the callbacks of every timer whose deadline has
// passed, re-arming recurring ones (deadline += period, or now+period
// if a clock rollback was detected this call) and dropping one-shot
// ones. It clears the tickled gate once drained.
func (tm *TimerManager) ListExpired() []func() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	rollback := !tm.previousTime.IsZero() && now.Before(tm.previousTime.Add(-rollbackThreshold))
	tm.previousTime = now

	var expired []func()
	for len(tm.heap) > 0 {
		t := tm.heap[0]
		if !rollback && t.deadline.After(now) {
			break
		}
		heap.Pop(&tm.heap)
		if t.cb != nil {
			expired = append(expired, t.cb)
		}
		if t.recurring && !t.cancelled {
			period := time.Duration(t.periodMs) * time.Millisecond
			if rollback {
				t.deadline = now.Add(period)
			} else {
				t.deadline = t.deadline.Add(period)
			}
			tm.seqCounter++
			t.seq = tm.seqCounter
			heap.Push(&tm.heap, t)
		}
	}
	tm.tickled = false
	return expired
}
