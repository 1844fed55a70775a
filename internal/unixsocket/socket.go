// Package unixsocket wraps a single connected SOCK_SEQPACKET/SOCK_DGRAM
// UNIX socket for the framed protocol in internal/wire: datagram
// send/recv with SCM_RIGHTS FD passing, close-on-exec on receive, and
// a bounded ppoll retry on outbound EAGAIN.
package unixsocket

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// oob buffer sized for MaxRecvFDs SCM_RIGHTS entries plus slack.
const oobSize = 4096

// sendRetryTimeout is the bounded wait spec.md §4.A places on a
// single EAGAIN retry for an outbound EXIT frame.
const sendRetryTimeout = 10 * time.Second

// Socket is a non-blocking, connected datagram socket endpoint.
type Socket struct {
	fd int
}

// New wraps an existing, already-connected socket fd. The fd is
// marked close-on-exec and non-blocking; ownership passes to Socket.
func New(fd int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(err, "unixsocket: set nonblocking")
	}
	unix.CloseOnExec(fd)
	return &Socket{fd: fd}, nil
}

// NewSocketpair creates a connected SOCK_SEQPACKET pair; both ends are
// wrapped by New and so are non-blocking.
func NewSocketpair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unixsocket: socketpair")
	}
	a, err := New(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := New(fds[1])
	if err != nil {
		a.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// Recv reads one datagram into buf, returning the payload length and
// any FDs carried in SCM_RIGHTS ancillary data. Every returned FD is
// already close-on-exec (MSG_CMSG_CLOEXEC), per spec.md §4.A.
func (s *Socket) Recv(buf []byte) (n int, fds []int, err error) {
	oob := make([]byte, oobSize)
	n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return 0, nil, errors.Wrap(err, "unixsocket: recvmsg")
	}
	if oobn == 0 {
		return n, nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, errors.Wrap(err, "unixsocket: parse cmsg")
	}
	for _, c := range cmsgs {
		if c.Header.Level != unix.SOL_SOCKET || c.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&c)
		if err != nil {
			closeAll(fds)
			return 0, nil, errors.Wrap(err, "unixsocket: parse rights")
		}
		fds = append(fds, got...)
	}
	return n, fds, nil
}

// Send writes one datagram with an optional SCM_RIGHTS block carrying
// fds. On EAGAIN it blocks on a single ppoll(POLLOUT) with all signals
// masked (so a SIGCHLD reap in the same loop can't interrupt the wait)
// and retries exactly once; a second failure is returned to the
// caller, which per spec.md §7 (SendBusy) means closing the connection.
func (s *Socket) Send(b []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	err := unix.Sendmsg(s.fd, b, oob, nil, unix.MSG_NOSIGNAL)
	if err == unix.EAGAIN {
		if perr := s.pollWritable(); perr != nil {
			return errors.Wrap(perr, "unixsocket: ppoll")
		}
		err = unix.Sendmsg(s.fd, b, oob, nil, unix.MSG_NOSIGNAL)
	}
	if err != nil {
		return errors.Wrap(err, "unixsocket: sendmsg")
	}
	return nil
}

func (s *Socket) pollWritable() error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	ts := unix.NsecToTimespec(sendRetryTimeout.Nanoseconds())
	mask := fullSigset()
	_, err := unix.Ppoll(fds, &ts, &mask)
	return err
}

// fullSigset blocks every signal for the duration of the ppoll call,
// including SIGCHLD, so the registry's reap path cannot preempt this
// bounded wait.
func fullSigset() unix.Sigset_t {
	var set unix.Sigset_t
	for i := range set.Val {
		set.Val[i] = ^uint64(0)
	}
	return set
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
