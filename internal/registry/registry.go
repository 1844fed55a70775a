// Package registry tracks live children by PID, reaps them off a
// signalfd-backed SIGCHLD source, and enforces kill-timeout
// escalation (spec.md §4.D). It is owned by exactly one Server and
// run from a single goroutine — there is no internal locking because
// the event loop that drives it is single-threaded (spec.md §5).
package registry

import (
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// killTimeoutDuration bounds how long a child gets to exit gracefully
// after Kill before the registry escalates to SIGKILL. spec.md §4.D
// specifies the escalation behavior but not the bound; see DESIGN.md
// Open Question resolution 5.
const killTimeoutDuration = 5 * time.Second

// ExitListener is invoked once, with the reaped wait status, when the
// registry's entry for a pid is reaped. Implementations must not
// block the event loop.
type ExitListener func(status unix.WaitStatus)

// Entry is one RegistryEntry (spec.md §3): a tracked pid, its
// symbolic name, start time, exit listener, and kill-timeout timer.
type Entry struct {
	PID       int
	Name      string
	StartTime time.Time

	listener ExitListener
	timer    *time.Timer
}

// Registry owns the pid → Entry map and the signalfd SIGCHLD source.
// At most one Entry per pid; an Entry is erased only on successful
// reap, never on Kill (spec.md §4.D).
type Registry struct {
	Log *logrus.Logger

	entries map[int]*Entry
	sigFD   int

	// volatile is set once the surrounding server wants to quit;
	// once the entry set is empty, the SIGCHLD subscription is
	// disabled so the event loop can drain (spec.md §4.D).
	volatile bool
	onDrain  func()
}

// New creates a Registry with its signalfd already armed for SIGCHLD.
func New(log *logrus.Logger) (*Registry, error) {
	var set unix.Sigset_t
	set.Val[0] |= 1 << (uint(unix.SIGCHLD) - 1)

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, err
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Registry{
		Log:     log,
		entries: make(map[int]*Entry),
		sigFD:   fd,
	}, nil
}

// FD is the signalfd descriptor the Server's event loop polls for
// readability alongside every Connection socket.
func (r *Registry) FD() int {
	return r.sigFD
}

// Track adds a new Entry for pid, to be reaped later.
func (r *Registry) Track(pid int, name string, listener ExitListener) {
	r.entries[pid] = &Entry{PID: pid, Name: name, StartTime: nowFunc(), listener: listener}
}

// Kill sends signo to pid, cancels any prior kill timer on its entry,
// and arms a new kill-timeout. It does not erase the entry — the
// SIGCHLD path erases on reap (spec.md §4.D). Unknown pids are a
// no-op.
func (r *Registry) Kill(pid int, signo unix.Signal) error {
	e, ok := r.entries[pid]
	if !ok {
		return nil
	}
	if err := unix.Kill(pid, signo); err != nil && err != unix.ESRCH {
		return err
	}
	r.cancelTimer(e)
	e.timer = time.AfterFunc(killTimeoutDuration, func() {
		r.Log.WithFields(logrus.Fields{"pid": pid, "name": e.Name}).
			Warn("kill-timeout expired, escalating to SIGKILL")
		_ = unix.Kill(pid, unix.SIGKILL)
	})
	return nil
}

// CancelKillTimeout cancels pid's pending kill-timeout, if any,
// without sending a signal — used on connection close (spec.md §5's
// "replaces any in-flight graceful termination") before issuing an
// immediate SIGTERM+SIGKILL escalation of its own.
func (r *Registry) CancelKillTimeout(pid int) {
	if e, ok := r.entries[pid]; ok {
		r.cancelTimer(e)
	}
}

func (r *Registry) cancelTimer(e *Entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Reap drains the event loop's signalfd wakeup: loop waitpid(-1,
// WNOHANG|WCONTINUED) until 0 or ECHILD, dispatching each reaped pid
// to its exit listener in SIGCHLD's own delivery order (spec.md §4.D
// ordering guarantee). Call this once per signalfd readability
// wakeup: it first drains every queued siginfo so the signalfd stops
// polling readable, then relies on Wait4 alone to find which children
// changed state.
func (r *Registry) Reap() {
	var buf [unsafe.Sizeof(unix.SignalfdSiginfo{})]byte
	for {
		_, err := unix.Read(r.sigFD, buf[:])
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			r.Log.WithError(err).Warn("registry: signalfd read failed")
			break
		}
	}

	for {
		var ws unix.WaitStatus
		var ru unix.Rusage
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WCONTINUED, &ru)
		if err == unix.EINTR {
			continue
		}
		if pid <= 0 || err == unix.ECHILD {
			break
		}
		r.reapOne(pid, ws)
	}

	if r.volatile && len(r.entries) == 0 && r.onDrain != nil {
		r.onDrain()
	}
}

func (r *Registry) reapOne(pid int, ws unix.WaitStatus) {
	e, ok := r.entries[pid]
	if !ok {
		r.Log.WithField("pid", pid).Debug("registry: reaped untracked pid")
		return
	}
	r.cancelTimer(e)
	delete(r.entries, pid)

	l := r.Log.WithField("pid", pid).WithField("name", e.Name)
	switch {
	case ws.Exited():
		l = l.WithField("exit-code", ws.ExitStatus())
	case ws.Signaled():
		l = l.WithField("died-signal", ws.Signal())
	}
	l.Info("child reaped")

	if e.listener != nil {
		e.listener(ws)
	}
}

// MarkVolatile arms idle shutdown: once the tracked set drains to
// empty, onEmpty is invoked (spec.md §4.D volatile mode).
func (r *Registry) MarkVolatile(onEmpty func()) {
	r.volatile = true
	r.onDrain = onEmpty
	if len(r.entries) == 0 {
		onEmpty()
	}
}

// Len reports how many children are currently tracked.
func (r *Registry) Len() int {
	return len(r.entries)
}

// nowFunc is a seam for tests; production always uses time.Now.
var nowFunc = time.Now
