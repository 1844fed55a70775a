package isolate

import (
	"syscall"
	"unsafe" // required for go:linkname.

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// start forks, runs the child-side pipeline (see child_linux.go), and
// synchronizes with it through an error pipe: a zero-length read back
// from the child means it reached execve; anything else is a
// ChildError naming the failing step (spec.md §4.B, final paragraph).
//
// The runtime OS thread is not required to be locked here: the clone
// syscall itself, not LockOSThread, is what keeps the forked child
// from running on a different OS thread than expected, and nothing
// between clone and execve calls back into the scheduler.
func (r *Runner) start(p *prepared) (int, error) {
	pipeFDs, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		closeAll(p.retained)
		return 0, errors.Wrap(err, "isolate: socketpair")
	}

	syscall.ForkLock.Lock()
	beforeFork()

	pidU, err1 := forkAndRunChild(p, pipeFDs)
	pid := int(pidU)

	afterFork()
	syscall.ForkLock.Unlock()
	closeAll(p.retained)

	unix.Close(pipeFDs[1])

	if err1 != 0 {
		unix.Close(pipeFDs[0])
		return 0, syscall.Errno(err1)
	}

	var ce ChildError
	n, rerr := unix.Read(pipeFDs[0], ceBytes(&ce))
	unix.Close(pipeFDs[0])

	if rerr != nil {
		reapFailedChild(pid)
		return 0, errors.Wrap(rerr, "isolate: read child error pipe")
	}
	if n == 0 {
		// EOF with no ChildError written: the child closed the pipe on
		// exec (O_CLOEXEC) after reaching execve successfully.
		return pid, nil
	}
	reapFailedChild(pid)
	return 0, ce
}

func reapFailedChild(pid int) {
	var ws unix.WaitStatus
	unix.Kill(pid, unix.SIGKILL)
	_, err := unix.Wait4(pid, &ws, 0, nil)
	for err == unix.EINTR {
		_, err = unix.Wait4(pid, &ws, 0, nil)
	}
}

func ceBytes(ce *ChildError) []byte {
	return (*[unsafe.Sizeof(ChildError{})]byte)(unsafe.Pointer(ce))[:]
}
