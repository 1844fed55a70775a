package isolate

import "golang.org/x/sys/unix"

// Syscall numbers and flags missing from golang.org/x/sys/unix on some
// build tags, or that the kernel ABI defines without a Go constant.
const (
	sysIoprioSet = 251 // amd64; ioprio_set(2)

	ioprioWhoProcess = 1
	ioprioClassIdle  = 3
	ioprioClassShift = 13

	schedIdle = 5 // SCHED_IDLE

	seccompSetModeFilter   = 1
	seccompFilterFlagTsync = 1

	secureKeepCapsLocked        = 1 << 5
	secureNoSetuidFixup         = 1 << 2
	secureNoSetuidFixupLocked   = 1 << 3
	secureNoroot                = 1 << 0
	secureNorootLocked          = 1 << 1
)

// unshareFlags is the union of namespace flags the builder may ask the
// kernel to create via clone(2) (spec.md §4.B step 4).
const unshareFlags = unix.CLONE_NEWUSER | unix.CLONE_NEWPID | unix.CLONE_NEWNET |
	unix.CLONE_NEWIPC | unix.CLONE_NEWNS

var (
	none  = [...]byte{'n', 'o', 'n', 'e', 0}
	slash = [...]byte{'/', 0}
	empty = [...]byte{0}
	tmpfs = [...]byte{'t', 'm', 'p', 'f', 's', 0}
	proc_ = [...]byte{'p', 'r', 'o', 'c', 0}

	oldRoot = [...]byte{'.', 'o', 'l', 'd', '_', 'r', 'o', 'o', 't', 0}

	atFDCWD = unix.AT_FDCWD

	dropCapHeader = unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0,
	}
	dropCapData = unix.CapUserData{
		Effective:   0,
		Permitted:   0,
		Inheritable: 0,
	}
)
