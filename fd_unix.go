//go:build linux

package fibrt

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// readFD reads from a file descriptor, passing EAGAIN/EINTR through
// untranslated so callers (the hook layer) can apply fiber-suspend or
// retry semantics themselves.
func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// writeFD writes to a file descriptor, passing EAGAIN/EINTR through
// untranslated; see readFD.
func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}
