//go:build linux

package fibrt

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 256

// reactor is the epoll wrapper, adapted from the teacher's FastPoller
// (poller_linux.go): kept as the create/ctl/wait mechanism, but
// stripped of FastPoller's own per-fd callback table — IOManager's
// FdManager/FdContext already owns "who is waiting on this fd", so the
// reactor here only tracks the raw epoll fd. wait() deliberately keeps
// no buffer of its own: it is called concurrently by every worker OS
// thread's idle loop, so the event buffer is stack-local per call.
type reactor struct {
	epfd int
}

func newReactor() (*reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &reactor{epfd: epfd}, nil
}

func (r *reactor) close() error {
	return unix.Close(r.epfd)
}

func (r *reactor) add(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events | unix.EPOLLET, Fd: int32(fd)})
}

func (r *reactor) modify(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events | unix.EPOLLET, Fd: int32(fd)})
}

func (r *reactor) remove(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for ready events into a buffer local to this call, so
// concurrent callers (one per worker OS thread, each with its own
// idle loop) never share storage.
func (r *reactor) wait(timeoutMs int) ([]unix.EpollEvent, error) {
	var buf [maxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, buf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

func eventToEpollBits(ev FdEvent) uint32 {
	var bits uint32
	if ev&FdEventRead != 0 {
		bits |= unix.EPOLLIN
	}
	if ev&FdEventWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// IOManager is a Scheduler specialization that also owns an epoll
// reactor, a timer heap, and a self-pipe (eventfd, adapted from
// wakeup_linux.go's createWakeFd) used by other threads — and by
// itself — to unblock the idle fiber. It installs itself as its
// embedded Scheduler's schedulerHooks, giving tickle/idle/stopping
// their real reactor-aware bodies (OQ-TICKLE).
type IOManager struct {
	*Scheduler
	*TimerManager

	reactor *reactor

	wakeFd int

	fdManager *FdManager

	pendingEventCount atomic.Int64
}

// NewIOManager constructs an IOManager with the given worker count and
// use-caller mode. It does not start any worker threads; call Start for
// that.
func NewIOManager(threads int, useCaller bool, name string, extra ...SchedulerOption) (*IOManager, error) {
	opts := append([]SchedulerOption{WithThreads(threads), WithUseCaller(useCaller), WithName(name)}, extra...)
	sched, err := NewScheduler(opts...)
	if err != nil {
		return nil, err
	}

	r, err := newReactor()
	if err != nil {
		return nil, err
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = r.close()
		return nil, err
	}

	m := &IOManager{
		Scheduler:    sched,
		TimerManager: NewTimerManager(),
		reactor:      r,
		wakeFd:       wakeFd,
		fdManager:    newFdManager(),
	}
	m.TimerManager.onFront = m.tickle
	m.Scheduler.hooks = m

	if err := r.add(wakeFd, unix.EPOLLIN); err != nil {
		_ = r.close()
		_ = unix.Close(wakeFd)
		return nil, err
	}

	return m, nil
}

// Close releases the reactor and wake-fd. Call only after Stop.
func (m *IOManager) Close() error {
	_ = unix.Close(m.wakeFd)
	return m.reactor.close()
}

// AddEvent registers fd for ev, binding cb if non-nil or the current
// running fiber otherwise (which must be RUNNING: this is how a
// hooked I/O call suspends itself). Returns false if ev is already
// registered on fd, mirroring the original's -1-on-duplicate return.
func (m *IOManager) AddEvent(fd int, ev FdEvent, cb func()) bool {
	ctx := m.fdManager.Get(fd, true)
	if ctx == nil {
		return false
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.hasEventLocked(ev) {
		return false
	}

	union := ctx.events | ev
	var err error
	if ctx.events == 0 {
		err = m.reactor.add(fd, eventToEpollBits(union))
	} else {
		err = m.reactor.modify(fd, eventToEpollBits(union))
	}
	if err != nil {
		LogError(m.logger, "poller", "reactor-ctl failed", err, map[string]interface{}{"fd": fd})
		return false
	}

	waiter := cb
	var fiber *Fiber
	if waiter == nil {
		fiber = CurrentFiber()
	}
	ctx.bindEventLocked(ev, m.Scheduler, fiber, waiter)
	m.pendingEventCount.Add(1)
	return true
}

// DelEvent removes ev from fd's registration without scheduling its
// waiter.
func (m *IOManager) DelEvent(fd int, ev FdEvent) bool {
	ctx := m.fdManager.Get(fd, false)
	if ctx == nil {
		return false
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if !ctx.hasEventLocked(ev) {
		return false
	}

	remaining := ctx.events &^ ev
	var err error
	if remaining == 0 {
		err = m.reactor.remove(fd)
	} else {
		err = m.reactor.modify(fd, eventToEpollBits(remaining))
	}
	if err != nil {
		LogError(m.logger, "poller", "reactor-ctl failed", err, map[string]interface{}{"fd": fd})
	}
	ctx.unbindEventLocked(ev)
	m.pendingEventCount.Add(-1)
	return true
}

// CancelEvent is DelEvent followed by scheduling the bound waiter with
// cancellation semantics (it simply observes the event never fired).
func (m *IOManager) CancelEvent(fd int, ev FdEvent) bool {
	ctx := m.fdManager.Get(fd, false)
	if ctx == nil {
		return false
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if !ctx.hasEventLocked(ev) {
		return false
	}

	remaining := ctx.events &^ ev
	var err error
	if remaining == 0 {
		err = m.reactor.remove(fd)
	} else {
		err = m.reactor.modify(fd, eventToEpollBits(remaining))
	}
	if err != nil {
		LogError(m.logger, "poller", "reactor-ctl failed", err, map[string]interface{}{"fd": fd})
	}
	ctx.triggerEventLocked(ev)
	m.pendingEventCount.Add(-1)
	return true
}

// CancelAll removes fd from the reactor entirely and triggers every
// event still registered on it (used by the hook layer's close()).
func (m *IOManager) CancelAll(fd int) {
	ctx := m.fdManager.Get(fd, false)
	if ctx == nil {
		return
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events == 0 {
		return
	}
	_ = m.reactor.remove(fd)

	for _, ev := range [...]FdEvent{FdEventRead, FdEventWrite} {
		if ctx.hasEventLocked(ev) {
			ctx.triggerEventLocked(ev)
			m.pendingEventCount.Add(-1)
		}
	}
}

// fdContext exposes the IOManager's FdContext table to the hook layer.
func (m *IOManager) fdContext(fd int, autoCreate bool) *FdContext {
	return m.fdManager.Get(fd, autoCreate)
}

// --- schedulerHooks overrides: reactor-aware tickle/idle/stopping ---

func (m *IOManager) tickle() {
	if !m.Scheduler.hasIdleThread() {
		return
	}
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(m.wakeFd, one[:])
}

func (m *IOManager) stopping() bool {
	return m.Scheduler.stopping() &&
		m.pendingEventCount.Load() == 0 &&
		m.TimerManager.NextTimeout() == Forever
}

// idle is the reactor loop: compute the wait timeout from the nearest
// timer, poll, schedule expired timer callbacks first, then translate/dispatch
// ready descriptors, finally yielding back to the scheduler so newly
// scheduled work actually runs.
func (m *IOManager) idle(workerID int) {
	waitMs := -1
	if d := m.TimerManager.NextTimeout(); d != Forever {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		waitMs = int(ms)
	}

	events, err := m.reactor.wait(waitMs)
	if err != nil {
		LogError(m.logger, "poller", "epoll_wait failed", err, nil)
		return
	}

	for _, cb := range m.TimerManager.ListExpired() {
		m.Scheduler.ScheduleFunc(cb, -1)
	}

	for _, ev := range events {
		fd := int(ev.Fd)
		if fd == m.wakeFd {
			m.drainWake()
			continue
		}
		m.dispatchReady(fd, ev.Events)
	}
}

func (m *IOManager) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(m.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (m *IOManager) dispatchReady(fd int, epollEvents uint32) {
	ctx := m.fdManager.Get(fd, false)
	if ctx == nil {
		return
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	translated := FdEvent(0)
	if epollEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		translated = FdEventRead | FdEventWrite
	}
	if epollEvents&unix.EPOLLIN != 0 {
		translated |= FdEventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		translated |= FdEventWrite
	}

	firing := ctx.events & translated
	if firing == 0 {
		return
	}

	remaining := ctx.events &^ firing
	var err error
	if remaining == 0 {
		err = m.reactor.remove(fd)
	} else {
		err = m.reactor.modify(fd, eventToEpollBits(remaining))
	}
	if err != nil {
		LogError(m.logger, "poller", "reactor-ctl failed", err, map[string]interface{}{"fd": fd})
	}

	for _, ev := range [...]FdEvent{FdEventRead, FdEventWrite} {
		if firing&ev != 0 {
			ctx.triggerEventLocked(ev)
			m.pendingEventCount.Add(-1)
		}
	}
}
