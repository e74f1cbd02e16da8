//go:build linux

package fibrt

import (
	"sync"

	"golang.org/x/sys/unix"
)

// FdEvent is a bitset of the readiness classes FdContext tracks.
type FdEvent uint32

const (
	FdEventRead  FdEvent = 1 << 0
	FdEventWrite FdEvent = 1 << 1
)

// EventContext binds one registered event to exactly one waiter: a
// bound scheduler plus either a callback or a fiber, never both. It is
// cleared the instant trigger_event hands the waiter off.
type EventContext struct {
	scheduler *Scheduler
	fiber     *Fiber
	callback  func()
}

// FdContext is the per-descriptor record spec.md §3/§4.5 describes:
// which events are currently registered, who is waiting on each, and
// the socket/nonblock/timeout bookkeeping the hook layer depends on.
type FdContext struct {
	mu sync.Mutex

	fd int

	isInit        bool
	isSocket      bool
	sysNonblock   bool
	userNonblock  bool
	closed        bool
	events        FdEvent
	eventContexts [2]EventContext // indexed by eventIndex(FdEventRead/Write)

	recvTimeoutMs int64 // -1 means no timeout
	sendTimeoutMs int64
}

func eventIndex(e FdEvent) int {
	if e == FdEventWrite {
		return 1
	}
	return 0
}

// newFdContext constructs a context for fd and runs the same
// fstat-based socket induction the original does: sockets are forced
// into OS-level non-blocking mode so the reactor model holds, and
// system_nonblock records that the kernel flag was changed out from
// under the user's own fcntl view.
func newFdContext(fd int) *FdContext {
	c := &FdContext{fd: fd, recvTimeoutMs: -1, sendTimeoutMs: -1}
	c.init()
	return c
}

func (c *FdContext) init() {
	var stat unix.Stat_t
	if err := unix.Fstat(c.fd, &stat); err != nil {
		c.isInit = false
		c.isSocket = false
		return
	}
	c.isInit = true
	c.isSocket = stat.Mode&unix.S_IFMT == unix.S_IFSOCK

	if !c.isSocket {
		c.sysNonblock = false
		return
	}

	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err == nil && flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
	c.sysNonblock = true
}

func (c *FdContext) IsInit() bool   { c.mu.Lock(); defer c.mu.Unlock(); return c.isInit }
func (c *FdContext) IsSocket() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.isSocket }
func (c *FdContext) IsClosed() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.closed }

func (c *FdContext) SetUserNonblock(v bool) { c.mu.Lock(); c.userNonblock = v; c.mu.Unlock() }
func (c *FdContext) UserNonblock() bool     { c.mu.Lock(); defer c.mu.Unlock(); return c.userNonblock }
func (c *FdContext) SysNonblock() bool      { c.mu.Lock(); defer c.mu.Unlock(); return c.sysNonblock }

// SO_RCVTIMEO/SO_SNDTIMEO select which of the two timeout fields
// SetTimeout/Timeout operate on, mirroring the original's setsockopt
// option constants rather than inventing a fibrt-local enum.
func (c *FdContext) SetTimeout(which int, ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if which == unix.SO_RCVTIMEO {
		c.recvTimeoutMs = ms
	} else {
		c.sendTimeoutMs = ms
	}
}

func (c *FdContext) Timeout(which int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if which == unix.SO_RCVTIMEO {
		return c.recvTimeoutMs
	}
	return c.sendTimeoutMs
}

// bindEventLocked records ev as registered and binds its waiter. Caller must
// hold c.mu. fiber is only consulted when cb is nil.
func (c *FdContext) bindEventLocked(ev FdEvent, scheduler *Scheduler, fiber *Fiber, cb func()) {
	c.events |= ev
	c.eventContexts[eventIndex(ev)] = EventContext{scheduler: scheduler, fiber: fiber, callback: cb}
}

func (c *FdContext) unbindEventLocked(ev FdEvent) {
	c.events &^= ev
	c.eventContexts[eventIndex(ev)] = EventContext{}
}

func (c *FdContext) hasEventLocked(ev FdEvent) bool {
	return c.events&ev != 0
}

// triggerEventLocked is the single path by which I/O readiness or
// cancellation turns into scheduled work: it clears ev from the
// registered set, pulls its bound waiter, and schedules the waiter's
// callback or fiber on the waiter's bound scheduler. Caller must hold
// c.mu; the mutex is held across the schedule call, matching spec.md's
// "per-fd mutex held continuously across reactor update and triggering."
// Triggering an event that isn't registered is a programmer error
// (every call site here checks hasEventLocked itself first), so it
// panics instead of silently returning.
func (c *FdContext) triggerEventLocked(ev FdEvent) {
	if !c.hasEventLocked(ev) {
		panic("fibrt: triggerEventLocked called for an event that is not registered")
	}
	ec := c.eventContexts[eventIndex(ev)]
	c.unbindEventLocked(ev)

	if ec.scheduler == nil {
		return
	}
	if ec.callback != nil {
		ec.scheduler.ScheduleFunc(ec.callback, -1)
		return
	}
	if ec.fiber != nil {
		ec.scheduler.Schedule(ec.fiber, -1)
	}
}

// fdGrowthFactor matches the original fd_manager_ly.cpp's
// m_datas.resize(fd * 1.5) growth policy.
const fdGrowthFactor = 1.5

// FdManager is an fd-indexed table of FdContexts. Each IOManager
// constructs its own table with newFdManager, and the hook layer reaches
// it through IOManager.fdContext, so contexts are not shared between
// IOManagers. fdManager() lazily builds one further, process-wide
// instance; no IOManager or hook function uses it.
type FdManager struct {
	mu    sync.RWMutex
	datas []*FdContext
}

const fdManagerInitialSize = 64

func newFdManager() *FdManager {
	return &FdManager{datas: make([]*FdContext, fdManagerInitialSize)}
}

var (
	fdManagerOnce sync.Once
	fdManagerInst *FdManager
)

// fdManager returns the process-wide FdManager singleton.
func fdManager() *FdManager {
	fdManagerOnce.Do(func() {
		fdManagerInst = newFdManager()
	})
	return fdManagerInst
}

// Get returns fd's context. If autoCreate is true and fd has no
// context yet, one is constructed and stored, growing the backing
// table by fdGrowthFactor if needed. A negative fd is a programmer
// error in every caller of this package (the hook layer and IOManager
// only ever pass fds returned by a successful syscall), so it panics
// rather than returning nil.
func (m *FdManager) Get(fd int, autoCreate bool) *FdContext {
	if fd < 0 {
		panic("fibrt: FdManager.Get called with a negative fd")
	}

	m.mu.RLock()
	if fd < len(m.datas) {
		c := m.datas[fd]
		if c != nil || !autoCreate {
			m.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < len(m.datas) {
		if m.datas[fd] != nil {
			return m.datas[fd]
		}
	} else {
		newSize := int(float64(fd+1) * fdGrowthFactor)
		grown := make([]*FdContext, newSize)
		copy(grown, m.datas)
		m.datas = grown
	}
	c := newFdContext(fd)
	m.datas[fd] = c
	return c
}

// Del drops fd's context, if any.
func (m *FdManager) Del(fd int) {
	if fd < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < len(m.datas) {
		m.datas[fd] = nil
	}
}
