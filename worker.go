package fibrt

import "sync"

// workerIdentity records, per worker goroutine, which Scheduler owns it
// and which worker id it was assigned — the "current scheduler" and
// "this thread's id" thread-local state spec.md §3/§4.3 calls for.
type workerIdentity struct {
	scheduler *Scheduler
	id        int
}

var (
	workerMu sync.RWMutex
	workers  = map[uint64]workerIdentity{}
)

func registerWorker(id int, s *Scheduler) {
	workerMu.Lock()
	workers[getGoroutineID()] = workerIdentity{scheduler: s, id: id}
	workerMu.Unlock()
}

func unregisterWorker() {
	workerMu.Lock()
	delete(workers, getGoroutineID())
	workerMu.Unlock()
}

// lookupCurrentWorkerContext resolves the scheduler/worker-id that is
// logically running the calling goroutine. If the caller is executing
// inside a fiber's entry function, that is the fiber's own dedicated
// goroutine, not the worker's — so the lookup instead follows the
// fiber's recorded resumer context (set each time Resume runs). If the
// caller is not inside any fiber, it is assumed to be a worker's own
// run/idle loop and the literal goroutine is looked up directly.
func lookupCurrentWorkerContext() (*Scheduler, int, bool) {
	if f := CurrentFiber(); f != nil {
		f.schedMu.Lock()
		defer f.schedMu.Unlock()
		return f.schedSched, f.schedWorkerID, f.schedHasWorker
	}
	workerMu.RLock()
	defer workerMu.RUnlock()
	w, ok := workers[getGoroutineID()]
	return w.scheduler, w.id, ok
}

// CurrentScheduler returns the Scheduler logically running the calling
// fiber or worker loop, or nil if there is none.
func CurrentScheduler() *Scheduler {
	s, _, _ := lookupCurrentWorkerContext()
	return s
}

// CurrentWorkerID returns the calling fiber's or worker loop's worker
// id and true, or (0, false) if there is none.
func CurrentWorkerID() (int, bool) {
	_, id, ok := lookupCurrentWorkerContext()
	return id, ok
}
