// Package fibrt implements an M:N user-space concurrency runtime for
// Linux: lightweight cooperative "fibers" multiplexed onto a small pool
// of OS threads, with an integrated I/O readiness reactor and a timer
// heap.
//
// # Architecture
//
// The runtime is built around three coupled pieces:
//
//   - [Fiber]: a stackful cooperative task with its own goroutine and
//     saved resume/yield handoff channels.
//   - [Scheduler]: a pool of worker threads, each running a dedicated
//     scheduling fiber, pulling tasks off its own pinned FIFO queue
//     and one shared FIFO queue.
//   - [IOManager]: a [Scheduler] specialization that also owns an epoll
//     readiness reactor and a [TimerManager], and drives an idle fiber
//     that polls for readiness and timer expiry when there is no other
//     work.
//
// Ordinary-looking blocking I/O, issued through the hook layer
// ([Read], [Write], [Accept], [Connect], [Sleep], ...), transparently
// suspends the calling fiber and registers interest with the reactor
// instead of blocking the underlying OS thread.
//
// # Platform support
//
// The reactor assumes a Linux epoll-class readiness notifier. Windows
// and BSD/kqueue portability are explicitly out of scope.
//
// # Thread safety
//
// [Scheduler.Schedule] and [IOManager.AddEvent]/[IOManager.AddTimer] are
// safe to call from any goroutine. [Fiber.Resume] is only valid on a
// READY fiber, typically called by a [Scheduler] worker; [Yield] is
// only valid from inside the fiber's own entry function — see their
// docs for the exact pre-conditions.
//
// # Usage
//
//	io, err := fibrt.NewIOManager(2, true, "io")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	io.Start()
//	defer io.Stop()
//
//	io.Schedule(fibrt.NewFiber(func() {
//	    fibrt.Sleep(io, time.Second)
//	    fmt.Println("woke up")
//	}, 0, true), -1)
package fibrt
