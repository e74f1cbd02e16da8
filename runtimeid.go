package fibrt

import "runtime"

// getGoroutineID returns the current goroutine's runtime ID, parsed out
// of runtime.Stack's "goroutine NNN [...]" header. There is no supported
// API for this. It keys every per-goroutine registry in this package:
// CurrentFiber (and so Yield, Fiber.Resume's self-resume check and
// IOManager.AddEvent's fiber binding), the worker identities behind
// CurrentScheduler/CurrentWorkerID, the scheduling-fiber markers, and
// the OS-thread registry in thread.go.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
