//go:build linux

package fibrt

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// osThreadNameMaxLen mirrors Linux's TASK_COMM_LEN - 1 (pthread_setname_np
// truncates to 15 bytes plus a NUL terminator).
const osThreadNameMaxLen = 15

// osThread is a named OS-thread-pinned goroutine: a Go goroutine locked
// to its OS thread for the duration of cb, so that the PR_SET_NAME below
// actually sticks to the thread the scheduler is handing work to (a
// plain goroutine can migrate between OS threads at any yield point).
//
// Construction blocks until cb's goroutine has finished its own setup
// (name + thread-local registration) and is about to run cb, mirroring
// the teacher's start-barrier: a caller that proceeds past newOSThread
// is guaranteed currentOSThread will resolve for the new thread.
type osThread struct {
	name string
	tid  atomic.Int32
	done chan struct{}
}

var (
	threadRegistryMu sync.RWMutex
	threadRegistry   = map[uint64]*osThread{}
)

// newOSThread spawns cb on a dedicated, named, OS-thread-locked
// goroutine. name is truncated to osThreadNameMaxLen bytes, matching
// pthread_setname_np/PR_SET_NAME's own limit.
//
// cb is swapped into a local variable before being invoked, the same
// ordering the original thread_ly.cpp uses: by the time cb runs, the
// osThread's only remaining reference to the callback is gone, so the
// caller is free to drop its own reference without racing the new
// thread's read of it.
func newOSThread(name string, cb func()) *osThread {
	t := &osThread{name: name, done: make(chan struct{})}
	start := newSemaphore(0)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		gid := getGoroutineID()
		t.tid.Store(int32(unix.Gettid()))
		setOSThreadName(name)

		threadRegistryMu.Lock()
		threadRegistry[gid] = t
		threadRegistryMu.Unlock()
		defer func() {
			threadRegistryMu.Lock()
			delete(threadRegistry, gid)
			threadRegistryMu.Unlock()
		}()

		fn := cb
		cb = nil
		start.Post()

		defer close(t.done)
		fn()
	}()

	start.Wait()
	return t
}

// Join blocks until cb has returned.
func (t *osThread) Join() {
	<-t.done
}

// ThreadID returns the Linux TID (gettid) of the thread, valid only
// after construction has returned.
func (t *osThread) ThreadID() int32 {
	return t.tid.Load()
}

// currentOSThread returns the osThread running the calling goroutine,
// or nil if the caller is not one spawned via newOSThread (e.g. it is
// the process's initial goroutine, or an ad-hoc caller goroutine).
func currentOSThread() *osThread {
	threadRegistryMu.RLock()
	defer threadRegistryMu.RUnlock()
	return threadRegistry[getGoroutineID()]
}

// setOSThreadName applies name (truncated) to the calling OS thread via
// PR_SET_NAME, the Linux equivalent of pthread_setname_np.
func setOSThreadName(name string) {
	if len(name) > osThreadNameMaxLen {
		name = name[:osThreadNameMaxLen]
	}
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
