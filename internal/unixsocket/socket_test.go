package unixsocket

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSocket_SendRecv(t *testing.T) {
	a, b, err := NewSocketpair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	msg := []byte("message")
	// Recv is non-blocking, so the datagram must be queued before it runs.
	require.NoError(t, a.Send(msg, nil))

	buf := make([]byte, 64)
	n, fds, err := b.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])
	assert.Empty(t, fds)
}

func TestSocket_SendRecvWithFDs(t *testing.T) {
	a, b, err := NewSocketpair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	tmpfile, err := os.CreateTemp("", "unixsocket-fd")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()

	msg := []byte("fdtest")
	require.NoError(t, a.Send(msg, []int{int(tmpfile.Fd())}))

	buf := make([]byte, 64)
	n, fds, err := b.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])
	require.Len(t, fds, 1)
	defer unix.Close(fds[0])

	// the received fd is close-on-exec (MSG_CMSG_CLOEXEC) per spec.
	flags, err := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.Equal(t, unix.FD_CLOEXEC, flags&unix.FD_CLOEXEC)
}

func TestSocket_RecvNoPayloadIsPeerClose(t *testing.T) {
	a, b, err := NewSocketpair()
	require.NoError(t, err)
	defer b.Close()

	a.Close()

	buf := make([]byte, 64)
	n, _, err := b.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSocket_FdIsNonblockingAndCloseOnExec(t *testing.T) {
	a, b, err := NewSocketpair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	fl, err := unix.FcntlInt(uintptr(a.Fd()), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, fl&unix.O_NONBLOCK)

	fd, err := unix.FcntlInt(uintptr(a.Fd()), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, fd&unix.FD_CLOEXEC)
}
