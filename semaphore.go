package fibrt

import "sync"

// semaphore is a classic POSIX-style counting semaphore, built directly
// on sync.Mutex + sync.Cond rather than golang.org/x/sync/semaphore:
// that package implements a weighted resource-pool limiter (Acquire(n)
// blocks on ctx, not on another goroutine's Post), which is the wrong
// shape for a one-shot start barrier where thread.run signals completion
// of its own initialization to the goroutine that spawned it.
type semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// newSemaphore creates a semaphore with the given initial count.
func newSemaphore(initial int) *semaphore {
	s := &semaphore{count: initial}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Wait blocks until the count is positive, then decrements it.
func (s *semaphore) Wait() {
	s.mu.Lock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
	s.mu.Unlock()
}

// Post increments the count, waking one blocked Wait if any.
func (s *semaphore) Post() {
	s.mu.Lock()
	s.count++
	s.cond.Signal()
	s.mu.Unlock()
}
