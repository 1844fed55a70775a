// Package server implements the spawner's single-threaded epoll event
// loop (spec.md §4.F, §5): Registry ownership, the live Connection
// set, idle shutdown, and the systemd CGROUPS_AVAILABLE startup
// handshake. The resource-sequencing style — build every dependency
// up front, tear everything down on any failure — follows the
// teacher's daemon/master.go Builder.Build().
package server

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/watchtower/spawnd/internal/cgroupstate"
	"github.com/watchtower/spawnd/internal/config"
	"github.com/watchtower/spawnd/internal/connection"
	"github.com/watchtower/spawnd/internal/hook"
	"github.com/watchtower/spawnd/internal/registry"
	"github.com/watchtower/spawnd/internal/unixsocket"
	"github.com/watchtower/spawnd/internal/wire"
)

const maxEpollEvents = 32

// Server owns the event loop, SpawnConfig, CgroupState, the optional
// Hook, the Registry, and every live Connection (spec.md §4.F).
type Server struct {
	Config *config.SpawnConfig
	Cgroup *cgroupstate.State
	Hook   hook.Hook
	Log    *logrus.Logger

	registry *registry.Registry
	epfd     int
	conns    map[int]*connection.Connection
	stopped  bool
}

// New builds a Server with its epoll instance and Registry armed, but
// not yet serving any connection.
func New(cfg *config.SpawnConfig, cg *cgroupstate.State, h hook.Hook, log *logrus.Logger) (*Server, error) {
	reg, err := registry.New(log)
	if err != nil {
		return nil, errors.Wrap(err, "server: registry")
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "server: epoll_create1")
	}
	if err := epollAdd(epfd, reg.FD()); err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "server: epoll_ctl registry")
	}

	return &Server{
		Config:   cfg,
		Cgroup:   cg,
		Hook:     h,
		Log:      log,
		registry: reg,
		epfd:     epfd,
		conns:    make(map[int]*connection.Connection),
	}, nil
}

// Seed installs fd as the spawner's first Connection. If the
// environment advertises systemd cgroup support, it first writes the
// one-byte CGROUPS_AVAILABLE response on that fd before entering the
// normal opcode dispatch (spec.md §4.F Startup).
func (s *Server) Seed(fd int) error {
	sock, err := unixsocket.New(fd)
	if err != nil {
		return errors.Wrap(err, "server: seed socket")
	}
	if s.Cgroup.IsEnabled() {
		if err := sock.Send(wire.EncodeCgroupsAvailable(), nil); err != nil {
			sock.Close()
			return errors.Wrap(err, "server: CGROUPS_AVAILABLE handshake")
		}
	}
	return s.addConnection(sock)
}

// AddConnection wires fd into a new Connection under the event loop
// (spec.md §4.E CONNECT, §4.F). It is the Accept callback every
// Connection this Server owns is given.
func (s *Server) AddConnection(fd int) error {
	sock, err := unixsocket.New(fd)
	if err != nil {
		return errors.Wrap(err, "server: accept socket")
	}
	return s.addConnection(sock)
}

func (s *Server) addConnection(sock *unixsocket.Socket) error {
	c := connection.New(sock, s.registry, s.Cgroup, s.Config, s.Hook, s.Log)
	c.Accept = s.AddConnection
	if err := epollAdd(s.epfd, c.FD()); err != nil {
		sock.Close()
		return errors.Wrap(err, "server: epoll_ctl connection")
	}
	s.conns[c.FD()] = c
	return nil
}

func (s *Server) removeConnection(fd int) {
	c, ok := s.conns[fd]
	if !ok {
		return
	}
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	c.Close()
	delete(s.conns, fd)

	if len(s.conns) == 0 {
		s.registry.MarkVolatile(func() {
			s.stopped = true
		})
	}
}

// Run drives the epoll loop until idle shutdown drains the Registry
// (spec.md §4.F: "when the last reap happens, the loop exits") or
// epoll_wait fails with an error other than EINTR.
func (s *Server) Run() error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	events := make([]unix.EpollEvent, maxEpollEvents)
	for !s.stopped {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "server: epoll_wait")
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch {
			case fd == s.registry.FD():
				s.registry.Reap()
			default:
				s.serviceConnection(fd)
			}
		}
	}
	return nil
}

func (s *Server) serviceConnection(fd int) {
	c, ok := s.conns[fd]
	if !ok {
		return
	}
	if err := c.HandleFrame(); err != nil {
		s.Log.WithError(err).WithField("fd", fd).Debug("server: connection closed")
		s.removeConnection(fd)
	}
}

// Close releases the epoll instance. Connections and the Registry are
// left to the caller; Run's own idle-drain path already tears down
// every Connection it removes.
func (s *Server) Close() error {
	return unix.Close(s.epfd)
}

func epollAdd(epfd, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}
