// Package connection implements one Connection (spec.md §4.E): the
// per-socket opcode dispatch (CONNECT/EXEC/KILL), the child-id ->
// ChildRecord map, EXIT emission, and close-time teardown. The
// dispatch shape mirrors the teacher's container_init.go handleCmd
// switch, generalized from a single fixed command set to the
// datagram opcode set spec.md §6 defines.
package connection

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/watchtower/spawnd/internal/cgroupstate"
	"github.com/watchtower/spawnd/internal/config"
	"github.com/watchtower/spawnd/internal/hook"
	"github.com/watchtower/spawnd/internal/isolate"
	"github.com/watchtower/spawnd/internal/registry"
	"github.com/watchtower/spawnd/internal/seccomp"
	"github.com/watchtower/spawnd/internal/spawnproc"
	"github.com/watchtower/spawnd/internal/unixsocket"
	"github.com/watchtower/spawnd/internal/wire"
)

// ErrPeerGone is returned from HandleFrame when recvmsg reports the
// peer closed the socket (spec.md §7 PeerGone). The Server must drop
// this Connection in response.
var ErrPeerGone = errors.New("connection: peer gone")

// ChildRecord is spec.md §3's Connection-owned half of a spawned
// child: the client-assigned id, its pid, and a symbolic name for
// logging. Its RegistryEntry counterpart lives in internal/registry,
// looked up by pid.
type ChildRecord struct {
	ID   int32
	PID  int
	Name string
}

// AcceptFunc installs fd as a new Connection on the Server (spec.md
// §4.E CONNECT, §4.F AddConnection). Connections are given this
// callback at construction so CONNECT's effect is visible to the
// Server without Connection importing it back.
type AcceptFunc func(fd int) error

// Connection owns one client socket's dispatch loop plus every
// ChildRecord it has spawned and not yet seen exit.
type Connection struct {
	Socket   *unixsocket.Socket
	Registry *registry.Registry
	Cgroup   *cgroupstate.State
	Config   *config.SpawnConfig
	Hook     hook.Hook
	Log      *logrus.Logger

	// RefencePath is forwarded to every Runner this connection builds
	// (spec.md §4.B step 2; empty disables the step).
	RefencePath string

	// Accept installs a CONNECT-passed fd as a sibling Connection. Nil
	// disables CONNECT on this Connection (e.g. a child connection
	// that should not itself spawn further connections).
	Accept AcceptFunc

	children map[int32]*ChildRecord
	closed   bool
}

// New builds a Connection ready to dispatch frames. Hook may be nil,
// in which case the config's Verify is the sole gate.
func New(sock *unixsocket.Socket, reg *registry.Registry, cg *cgroupstate.State, cfg *config.SpawnConfig, h hook.Hook, log *logrus.Logger) *Connection {
	return &Connection{
		Socket:      sock,
		Registry:    reg,
		Cgroup:      cg,
		Config:      cfg,
		Hook:        h,
		Log:         log,
		RefencePath: cfg.RefencePath,
		children:    make(map[int32]*ChildRecord),
	}
}

// FD is the descriptor the Server's event loop polls for readability.
func (c *Connection) FD() int {
	return c.Socket.Fd()
}

// HandleFrame receives and dispatches exactly one datagram. A
// malformed frame is logged and swallowed (spec.md §7); ErrPeerGone
// and any socket-level error propagate so the Server can tear the
// Connection down.
func (c *Connection) HandleFrame() error {
	var buf [wire.MaxPayload]byte
	n, fds, err := c.Socket.Recv(buf[:])
	if err != nil {
		return err
	}
	if n == 0 {
		closeFDs(fds)
		return ErrPeerGone
	}

	op := buf[0]
	d := wire.NewDecoder(buf[1:n], fds)

	switch op {
	case wire.OpConnect:
		c.handleConnect(d)
	case wire.OpExec:
		c.handleExec(d)
	case wire.OpKill:
		c.handleKill(d)
	default:
		c.logMalformed(d, "unknown opcode %d", op)
	}
	return nil
}

func (c *Connection) handleConnect(d *wire.Decoder) {
	fd, err := d.TakeFD()
	if err != nil {
		c.logMalformed(d, "CONNECT: missing fd")
		return
	}
	if !d.IsEmpty() || len(d.RemainingFDs()) != 0 {
		unix.Close(fd)
		c.logMalformed(d, "CONNECT: unexpected payload or surplus fds")
		return
	}
	if c.Accept == nil {
		unix.Close(fd)
		c.Log.Warn("connection: CONNECT received but not acceptable here")
		return
	}
	if err := c.Accept(fd); err != nil {
		c.Log.WithError(err).Warn("connection: failed to install CONNECT'd socket")
	}
}

func (c *Connection) handleExec(d *wire.Decoder) {
	id, name, proc, err := spawnproc.ParseExec(d)
	if err != nil {
		c.Log.WithError(err).Warn("connection: malformed EXEC")
		return
	}

	if _, exists := c.children[id]; exists {
		closeFDs(proc.OwnedFDs())
		c.Log.WithField("id", id).Warn("connection: EXEC reuses an in-flight id")
		return
	}

	hookAccepts := c.Hook != nil && c.Hook.Verify(proc)
	if !hookAccepts && !c.Config.Verify(proc.Credential) {
		closeFDs(proc.OwnedFDs())
		c.sendExit(id, wire.WExitCode(0xff))
		return
	}

	prog, err := seccomp.Assemble(seccomp.Config{
		ForbidUserNamespace: proc.ForbidUserNS,
		ForbidMulticast:     proc.ForbidMulticast,
		ForbidBind:          proc.ForbidBind,
	})
	if err != nil {
		closeFDs(proc.OwnedFDs())
		c.Log.WithError(err).Error("connection: seccomp assembly failed")
		c.sendExit(id, wire.WExitCode(0xff))
		return
	}

	runner := &isolate.Runner{
		Proc:        proc,
		Cgroup:      c.Cgroup,
		RefencePath: c.RefencePath,
		Seccomp:     prog,
	}

	pid, err := runner.Start()
	if err != nil {
		c.Log.WithError(err).WithField("name", name).Warn("connection: spawn failed")
		c.sendExit(id, wire.WExitCode(0xff))
		return
	}

	c.children[id] = &ChildRecord{ID: id, PID: pid, Name: name}
	c.Registry.Track(pid, name, func(ws unix.WaitStatus) {
		c.onChildExit(id, ws)
	})
}

func (c *Connection) onChildExit(id int32, ws unix.WaitStatus) {
	delete(c.children, id)
	if c.closed {
		return
	}
	c.sendExit(id, int32(ws))
}

func (c *Connection) handleKill(d *wire.Decoder) {
	id, err := d.ReadInt32()
	if err != nil {
		c.logMalformed(d, "KILL: missing id")
		return
	}
	signo, err := d.ReadInt32()
	if err != nil {
		c.logMalformed(d, "KILL: missing signo")
		return
	}
	if !d.IsEmpty() || len(d.RemainingFDs()) != 0 {
		c.logMalformed(d, "KILL: unexpected payload or fds")
		return
	}

	rec, ok := c.children[id]
	if !ok {
		return
	}
	if err := c.Registry.Kill(rec.PID, unix.Signal(signo)); err != nil {
		c.Log.WithError(err).WithField("pid", rec.PID).Warn("connection: kill failed")
	}
	delete(c.children, id)
}

// sendExit writes an EXIT frame; a persistent send failure closes the
// connection (spec.md §7 SendBusy).
func (c *Connection) sendExit(id, status int32) {
	if err := c.Socket.Send(wire.EncodeExit(id, status), nil); err != nil {
		c.Log.WithError(err).WithField("id", id).Warn("connection: EXIT send failed, closing")
		c.Close()
	}
}

// Close tears the connection down: every remaining ChildRecord is
// SIGTERM'd through the Registry and dropped; the Registry still
// reaps them, but onChildExit's closed check swallows the EXIT
// (spec.md §4.E).
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for id, rec := range c.children {
		c.Registry.CancelKillTimeout(rec.PID)
		if err := c.Registry.Kill(rec.PID, unix.SIGTERM); err != nil {
			c.Log.WithError(err).WithField("pid", rec.PID).Warn("connection: teardown kill failed")
		}
		delete(c.children, id)
	}
	c.Socket.Close()
}

func (c *Connection) logMalformed(d *wire.Decoder, format string, args ...interface{}) {
	closeFDs(d.RemainingFDs())
	c.Log.Warnf(format, args...)
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
