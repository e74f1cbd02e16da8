//go:build linux

package fibrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestSocketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestDoIO_SuspendsAndRetriesUntilReady(t *testing.T) {
	m, err := NewIOManager(1, false, "test-hook-read")
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() {
		require.NoError(t, m.Stop())
		require.NoError(t, m.Close())
	}()

	rd, wr := newTestSocketPair(t)
	// Registering rd as a socket is what Socket()/Accept() would have
	// done for a real induction; doIO only applies its suspend logic to
	// registered socket fds.
	require.NotNil(t, m.fdContext(rd, true))

	type result struct {
		n   int
		err error
		buf []byte
	}
	resultCh := make(chan result, 1)
	m.ScheduleFunc(func() {
		buf := make([]byte, 5)
		n, err := Read(m, rd, buf)
		resultCh <- result{n: n, err: err, buf: buf[:n]}
	}, -1)

	time.Sleep(50 * time.Millisecond) // give the reader time to block on EAGAIN
	_, err = unix.Write(wr, []byte("hello"))
	require.NoError(t, err)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, "hello", string(res.buf))
	case <-time.After(2 * time.Second):
		t.Fatal("Read never completed after data became ready")
	}
}

func TestDoIO_TimesOutWithoutReadiness(t *testing.T) {
	m, err := NewIOManager(1, false, "test-hook-timeout")
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() {
		require.NoError(t, m.Stop())
		require.NoError(t, m.Close())
	}()

	rd, _ := newTestSocketPair(t)
	require.NotNil(t, m.fdContext(rd, true))
	SetSockTimeout(m, rd, unix.SO_RCVTIMEO, 100*time.Millisecond)

	resultCh := make(chan error, 1)
	m.ScheduleFunc(func() {
		buf := make([]byte, 5)
		_, err := Read(m, rd, buf)
		resultCh <- err
	}, -1)

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, ErrTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("Read never timed out")
	}
}

func TestSocket_InducesFdContext(t *testing.T) {
	m, err := NewIOManager(1, false, "test-hook-socket")
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() {
		require.NoError(t, m.Stop())
		require.NoError(t, m.Close())
	}()

	fd, err := Socket(m, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	ctx := m.fdContext(fd, false)
	require.NotNil(t, ctx)
	assert.True(t, ctx.IsSocket())
	assert.True(t, ctx.SysNonblock())
}

func TestClose_CancelsPendingWaitersFirst(t *testing.T) {
	m, err := NewIOManager(1, false, "test-hook-close")
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() {
		require.NoError(t, m.Stop())
		require.NoError(t, m.Close())
	}()

	rd, _ := newTestSocketPair(t)
	require.NotNil(t, m.fdContext(rd, true))

	// Bind a waiter directly through AddEvent (bypassing doIO's own
	// retry loop) so the assertion isolates exactly what Close is
	// responsible for: CancelAll firing every pending waiter before the
	// fd's context is dropped and the real descriptor is closed.
	cancelled := make(chan struct{})
	require.True(t, m.AddEvent(rd, FdEventRead, func() { close(cancelled) }))

	require.NoError(t, Close(m, rd))

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never cancelled the pending waiter")
	}

	assert.Nil(t, m.fdContext(rd, false), "Close drops the FdContext")
}

func TestGetSetUserNonblockFlag_TracksApplicationBelief(t *testing.T) {
	m, err := NewIOManager(1, false, "test-hook-nonblock")
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() {
		require.NoError(t, m.Stop())
		require.NoError(t, m.Close())
	}()

	rd, _ := newTestSocketPair(t)
	ctx := m.fdContext(rd, true)
	require.NotNil(t, ctx)

	got := SetUserNonblockFlag(m, rd, unix.O_NONBLOCK)
	assert.NotZero(t, got&unix.O_NONBLOCK, "kernel flag stays forced non-blocking for sockets")
	assert.True(t, ctx.UserNonblock())

	raw := GetUserNonblockFlag(m, rd, 0)
	assert.NotZero(t, raw&unix.O_NONBLOCK)

	got = SetUserNonblockFlag(m, rd, 0)
	assert.NotZero(t, got&unix.O_NONBLOCK, "kernel flag still forced non-blocking even though the application asked for blocking behavior")
	assert.False(t, ctx.UserNonblock(), "but the tracked application belief follows what it asked for")
}
