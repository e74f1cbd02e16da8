//go:build linux

package fibrt

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// OQ-1 (SPEC_FULL.md §11): Go has no portable dlsym(RTLD_NEXT, ...)
// equivalent for transparently rewriting the standard library's own
// blocking syscalls from outside the process, so the hook layer here
// is an explicit call surface: application fibers call fibrt.Read,
// fibrt.Connect, etc. directly instead of getting transparent
// interposition on the libc names. The do_io template, timeout and
// cancellation semantics are otherwise unchanged from the original.

// cancelToken is the Go analogue of hook_ly.cpp's timer_info: a shared
// flag the conditional timeout-timer and the resumed fiber both see,
// recording whether the wait was cut short by a timeout.
type cancelToken struct {
	cancelled bool
}

// doIO is the shared retry/suspend/timeout loop behind every hooked
// read-ish or write-ish call. op performs one attempt and returns
// (n, wouldBlock, err); wouldBlock means "try again once fd is ready."
func doIO(iom *IOManager, fd int, event FdEvent, timeoutSel int, op func() (int, bool, error)) (int, error) {
	ctx := iom.fdContext(fd, false)
	if ctx == nil {
		return op0(op)
	}
	if ctx.IsClosed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return op0(op)
	}

	timeoutMs := ctx.Timeout(timeoutSel)

	for {
		n, wouldBlock, err := op()
		for err != nil && errors.Is(err, unix.EINTR) {
			n, wouldBlock, err = op()
		}
		if !wouldBlock {
			return n, err
		}

		token := &cancelToken{}
		var timer *Timer
		if timeoutMs >= 0 {
			timer = AddConditionTimer(iom.TimerManager, timeoutMs, func() {
				if token.cancelled {
					return
				}
				token.cancelled = true
				iom.CancelEvent(fd, event)
			}, token, false)
		}

		if !iom.AddEvent(fd, event, nil) {
			if timer != nil {
				timer.Cancel()
			}
			return -1, ErrAlreadyRegistered
		}

		Yield()

		if timer != nil {
			timer.Cancel()
		}
		if token.cancelled {
			return -1, ErrTimedOut
		}
		// otherwise: woken by readiness, loop and retry the syscall.
	}
}

func op0(op func() (int, bool, error)) (int, error) {
	n, _, err := op()
	return n, err
}

// Sleep suspends the calling fiber for d, rescheduling it via a plain
// (non-recurring) timer rather than blocking its OS thread.
func Sleep(iom *IOManager, d time.Duration) {
	fiber := CurrentFiber()
	if fiber == nil {
		time.Sleep(d)
		return
	}
	iom.AddTimer(d.Milliseconds(), func() {
		iom.Schedule(fiber, -1)
	}, false)
	Yield()
}

// Read is the hooked equivalent of read(2).
func Read(iom *IOManager, fd int, p []byte) (int, error) {
	return doIO(iom, fd, FdEventRead, unix.SO_RCVTIMEO, func() (int, bool, error) {
		n, err := readFD(fd, p)
		return retryClassify(n, err)
	})
}

// Readv is the hooked equivalent of readv(2).
func Readv(iom *IOManager, fd int, iovs [][]byte) (int, error) {
	return doIO(iom, fd, FdEventRead, unix.SO_RCVTIMEO, func() (int, bool, error) {
		n, err := unix.Readv(fd, iovs)
		return retryClassify(n, err)
	})
}

// Recv is the hooked equivalent of recv(2).
func Recv(iom *IOManager, fd int, p []byte, flags int) (int, error) {
	return doIO(iom, fd, FdEventRead, unix.SO_RCVTIMEO, func() (int, bool, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return retryClassify(n, err)
	})
}

// RecvFrom is the hooked equivalent of recvfrom(2).
func RecvFrom(iom *IOManager, fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(iom, fd, FdEventRead, unix.SO_RCVTIMEO, func() (int, bool, error) {
		var rn int
		var rerr error
		rn, from, rerr = unix.Recvfrom(fd, p, flags)
		return retryClassify(rn, rerr)
	})
	return n, from, err
}

// RecvMsg is the hooked equivalent of recvmsg(2).
func RecvMsg(iom *IOManager, fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	var oobn, recvflags int
	var from unix.Sockaddr
	n, err := doIO(iom, fd, FdEventRead, unix.SO_RCVTIMEO, func() (int, bool, error) {
		var rn int
		var rerr error
		rn, oobn, recvflags, from, rerr = unix.Recvmsg(fd, p, oob, flags)
		return retryClassify(rn, rerr)
	})
	return n, oobn, recvflags, from, err
}

// Write is the hooked equivalent of write(2).
func Write(iom *IOManager, fd int, p []byte) (int, error) {
	return doIO(iom, fd, FdEventWrite, unix.SO_SNDTIMEO, func() (int, bool, error) {
		n, err := writeFD(fd, p)
		return retryClassify(n, err)
	})
}

// Writev is the hooked equivalent of writev(2).
func Writev(iom *IOManager, fd int, iovs [][]byte) (int, error) {
	return doIO(iom, fd, FdEventWrite, unix.SO_SNDTIMEO, func() (int, bool, error) {
		n, err := unix.Writev(fd, iovs)
		return retryClassify(n, err)
	})
}

// Send is the hooked equivalent of send(2).
func Send(iom *IOManager, fd int, p []byte, flags int) (int, error) {
	return doIO(iom, fd, FdEventWrite, unix.SO_SNDTIMEO, func() (int, bool, error) {
		err := unix.Sendto(fd, p, flags, nil)
		return retryClassify(len(p), err)
	})
}

// SendTo is the hooked equivalent of sendto(2).
func SendTo(iom *IOManager, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(iom, fd, FdEventWrite, unix.SO_SNDTIMEO, func() (int, bool, error) {
		err := unix.Sendto(fd, p, flags, to)
		return retryClassify(len(p), err)
	})
}

// SendMsg is the hooked equivalent of sendmsg(2).
func SendMsg(iom *IOManager, fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(iom, fd, FdEventWrite, unix.SO_SNDTIMEO, func() (int, bool, error) {
		n, err := unix.SendmsgN(fd, p, oob, to, flags)
		return retryClassify(n, err)
	})
}

// Accept is the hooked equivalent of accept(2); the accepted fd is
// registered in the FdManager the same way socket() induces one.
func Accept(iom *IOManager, fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(iom, fd, FdEventRead, unix.SO_RCVTIMEO, func() (int, bool, error) {
		var an int
		var aerr error
		an, sa, aerr = unix.Accept(fd)
		return retryClassify(an, aerr)
	})
	if nfd >= 0 {
		iom.fdContext(nfd, true)
	}
	return nfd, sa, err
}

// Socket is the hooked equivalent of socket(2): the induction point
// that first registers a new fd in the FdManager, deciding is-socket
// and flipping the OS-level non-blocking flag.
func Socket(iom *IOManager, domain, typ, protocol int) (int, error) {
	fd, err := unix.Socket(domain, typ, protocol)
	if err != nil {
		return fd, err
	}
	iom.fdContext(fd, true)
	return fd, nil
}

// Connect is the hooked equivalent of connect(2) with an optional
// timeout (a negative timeout means "no timeout", matching the
// original's connect_with_timeout's (uint64_t)-1 sentinel).
func Connect(iom *IOManager, fd int, sa unix.Sockaddr, timeoutMs int64) error {
	ctx := iom.fdContext(fd, false)
	if ctx == nil || ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	token := &cancelToken{}
	var timer *Timer
	if timeoutMs >= 0 {
		timer = AddConditionTimer(iom.TimerManager, timeoutMs, func() {
			if token.cancelled {
				return
			}
			token.cancelled = true
			iom.CancelEvent(fd, FdEventWrite)
		}, token, false)
	}

	if !iom.AddEvent(fd, FdEventWrite, nil) {
		if timer != nil {
			timer.Cancel()
		}
		return ErrAlreadyRegistered
	}

	Yield()

	if timer != nil {
		timer.Cancel()
	}
	if token.cancelled {
		return ErrTimedOut
	}

	errCode, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errCode != 0 {
		return unix.Errno(errCode)
	}
	return nil
}

// Close is the hooked equivalent of close(2): cancels every pending
// waiter on fd (scheduling them with cancellation semantics) before
// dropping the FdContext and closing the underlying descriptor.
func Close(iom *IOManager, fd int) error {
	if ctx := iom.fdContext(fd, false); ctx != nil {
		iom.CancelAll(fd)
		iom.fdManager.Del(fd)
	}
	return closeFD(fd)
}

// SetUserNonblockFlag is the hooked equivalent of fcntl(fd, F_SETFL,
// arg) w.r.t. O_NONBLOCK: it records what the application believes
// while the kernel stays forced non-blocking for sockets so the
// reactor model keeps working. flags is the full arg the caller
// passed to F_SETFL; the returned value is what should actually be
// passed to the real fcntl.
func SetUserNonblockFlag(iom *IOManager, fd int, flags int) int {
	ctx := iom.fdContext(fd, false)
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		return flags
	}
	ctx.SetUserNonblock(flags&unix.O_NONBLOCK != 0)
	if ctx.SysNonblock() {
		return flags | unix.O_NONBLOCK
	}
	return flags &^ unix.O_NONBLOCK
}

// GetUserNonblockFlag is the hooked equivalent of fcntl(fd, F_GETFL):
// it presents the application's own O_NONBLOCK belief rather than the
// kernel's forced-non-blocking reality.
func GetUserNonblockFlag(iom *IOManager, fd int, rawFlags int) int {
	ctx := iom.fdContext(fd, false)
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		return rawFlags
	}
	if ctx.UserNonblock() {
		return rawFlags | unix.O_NONBLOCK
	}
	return rawFlags &^ unix.O_NONBLOCK
}

// SetIoctlNonblock is the hooked equivalent of ioctl(fd, FIONBIO, &v).
func SetIoctlNonblock(iom *IOManager, fd int, nonblock bool) {
	ctx := iom.fdContext(fd, false)
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		return
	}
	ctx.SetUserNonblock(nonblock)
}

// SetSockTimeout is the hooked equivalent of setsockopt(fd,
// SOL_SOCKET, SO_RCVTIMEO|SO_SNDTIMEO, ...): it records the timeout on
// the FdContext in addition to whatever the real setsockopt did.
func SetSockTimeout(iom *IOManager, fd int, which int, d time.Duration) {
	ctx := iom.fdContext(fd, false)
	if ctx == nil {
		return
	}
	ctx.SetTimeout(which, d.Milliseconds())
}

// retryClassify turns a raw (n, err) pair from an x/sys/unix call into
// doIO's (n, wouldBlock, err) shape. doIO itself retries EINTR.
func retryClassify(n int, err error) (int, bool, error) {
	if err == nil {
		return n, false, nil
	}
	if errors.Is(err, unix.EAGAIN) {
		return n, true, nil
	}
	return n, false, err
}
