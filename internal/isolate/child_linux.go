package isolate

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/watchtower/spawnd/internal/mount"
)

// forkAndRunChild clones, and in the child runs every step of spec.md
// §4.B in order, writing a ChildError to pipe[1] and _exit(0xff)-ing on
// the first failure. In the parent it returns immediately after
// clone, mirroring the no-allocation discipline
// pkg/forkexec/fork_child_linux.go in the teacher repo demonstrates:
// between clone and execve, a multithreaded Go program may only run
// //go:norace raw syscalls — no string conversion, no map access, no
// channel op, no GC-visible allocation.
//
//go:norace
func forkAndRunChild(p *prepared, pipe [2]int) (pid uintptr, err1 syscall.Errno) {
	cloneFlags := p.unshareFlags
	if p.setnsFD >= 0 {
		cloneFlags &^= unix.CLONE_NEWNET
	}

	pid, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE,
		uintptr(syscall.SIGCHLD)|cloneFlags, 0, 0, 0, 0, 0)
	if err1 != 0 || pid != 0 {
		return
	}

	// In the child. No more Go allocation from here to execve.
	afterForkInChild()

	childPipe := pipe[1]
	syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(pipe[0]), 0, 0)

	// Step 1: fd cleanup + dup2 of stdin/stdout/stderr/control.
	if e := childWireFds(p, childPipe); e != 0 {
		childFail(childPipe, LocDup2, 0, e)
	}

	// Step 2: refence blob, before unshare (spec.md §9 fixes this order).
	if p.refencePath != nil {
		if e := childWriteFile(p.refencePath, p.refence, unix.O_WRONLY); e != 0 {
			childFail(childPipe, LocRefence, 0, e)
		}
	}

	// Step 4: join a named network namespace, if requested, in place of
	// the unshare already folded into the clone flags above.
	if p.setnsFD >= 0 {
		_, _, err1 = syscall.RawSyscall(unix.SYS_SETNS, uintptr(p.setnsFD), unix.CLONE_NEWNET, 0)
		if err1 != 0 {
			childFail(childPipe, LocSetns, 0, err1)
		}
	}

	// Step 5: mount tree construction.
	if cloneFlags&unix.CLONE_NEWNS == unix.CLONE_NEWNS {
		_, _, err1 = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(&none[0])),
			uintptr(unsafe.Pointer(&slash[0])), 0, unix.MS_REC|unix.MS_SLAVE, 0, 0)
		if err1 != 0 {
			childFail(childPipe, LocMountRoot, 0, err1)
		}
	}

	if p.pivotRoot != nil {
		_, _, err1 = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(p.pivotRoot)),
			uintptr(unsafe.Pointer(p.pivotRoot)), 0, unix.MS_BIND|unix.MS_REC, 0, 0)
		if err1 != 0 {
			childFail(childPipe, LocPivotRootTmpfs, 0, err1)
		}
	}

	for i, m := range p.mounts {
		for _, prefix := range m.Prefixes {
			_, _, err1 = syscall.RawSyscall(syscall.SYS_MKDIRAT, uintptr(atFDCWD), uintptr(unsafe.Pointer(prefix)), 0755)
			if err1 != 0 && err1 != unix.EEXIST {
				childFail(childPipe, LocMountMkdir, int32(i), err1)
			}
		}

		_, _, err1 = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(m.Source)),
			uintptr(unsafe.Pointer(m.Target)), uintptr(unsafe.Pointer(m.FsType)),
			m.Flags, uintptr(unsafe.Pointer(m.Data)), 0)
		if err1 != 0 {
			childFail(childPipe, LocMount, int32(i), err1)
		}

		if m.Remount != 0 {
			if e := childRemount(m); e != 0 {
				childFail(childPipe, LocMountRemount, int32(i), e)
			}
		}
	}

	if p.pivotRoot != nil {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(p.pivotRoot)), 0, 0)
		if err1 != 0 {
			childFail(childPipe, LocMountChdir, 0, err1)
		}
		_, _, err1 = syscall.RawSyscall(syscall.SYS_MKDIRAT, uintptr(atFDCWD), uintptr(unsafe.Pointer(&oldRoot[0])), 0755)
		if err1 != 0 && err1 != unix.EEXIST {
			childFail(childPipe, LocPivotRoot, 0, err1)
		}
		_, _, err1 = syscall.RawSyscall(syscall.SYS_PIVOT_ROOT, uintptr(unsafe.Pointer(p.pivotRoot)), uintptr(unsafe.Pointer(&oldRoot[0])), 0)
		if err1 != 0 {
			childFail(childPipe, LocPivotRoot, 0, err1)
		}
		syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(&slash[0])), 0, 0)
		_, _, err1 = syscall.RawSyscall(syscall.SYS_UMOUNT2, uintptr(unsafe.Pointer(&oldRoot[0])), unix.MNT_DETACH, 0)
		if err1 != 0 {
			childFail(childPipe, LocPivotRoot, 0, err1)
		}
		syscall.RawSyscall(syscall.SYS_UNLINKAT, uintptr(atFDCWD), uintptr(unsafe.Pointer(&oldRoot[0])), uintptr(unix.AT_REMOVEDIR))
	}

	// Step 6: hostname.
	if p.hostname != nil {
		syscall.RawSyscall(syscall.SYS_SETHOSTNAME, uintptr(unsafe.Pointer(p.hostname)), hostnameLen(p.hostname), 0)
	}

	// Step 7: cgroup placement.
	if p.cgroup != nil {
		if e := childApplyCgroup(p.cgroup); e != 0 {
			childFail(childPipe, LocCgroupProcs, 0, e)
		}
	}

	// Step 8: rlimits.
	for i, rl := range p.rlimits {
		_, _, err1 = syscall.RawSyscall6(syscall.SYS_PRLIMIT64, 0, uintptr(rl.resource),
			uintptr(unsafe.Pointer(&rl.rlim)), 0, 0, 0)
		if err1 != 0 {
			childFail(childPipe, LocSetRlimit, int32(i), err1)
		}
	}

	// Step 9: credential switch. Order is load-bearing: groups, gid, uid.
	if p.uid != 0 || p.gid != 0 || len(p.groups) > 0 {
		ngroups := uintptr(len(p.groups))
		var groupsPtr uintptr
		if ngroups > 0 {
			groupsPtr = uintptr(unsafe.Pointer(&p.groups[0]))
		}
		_, _, err1 = syscall.RawSyscall(unix.SYS_SETGROUPS, ngroups, groupsPtr, 0)
		if err1 != 0 {
			childFail(childPipe, LocSetGroups, 0, err1)
		}
		_, _, err1 = syscall.RawSyscall(unix.SYS_SETGID, uintptr(p.gid), 0, 0)
		if err1 != 0 {
			childFail(childPipe, LocSetGid, 0, err1)
		}
		_, _, err1 = syscall.RawSyscall(unix.SYS_SETUID, uintptr(p.uid), 0, 0)
		if err1 != 0 {
			childFail(childPipe, LocSetUid, 0, err1)
		}
	}

	// Step 10: no_new_privs.
	if p.noNewPrivs || p.seccomp != nil {
		_, _, err1 = syscall.RawSyscall6(syscall.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0)
		if err1 != 0 {
			childFail(childPipe, LocNoNewPrivs, 0, err1)
		}
	}

	// Step 11: chroot (skipped if pivot_root ran), chdir.
	if p.chroot != nil {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_CHROOT, uintptr(unsafe.Pointer(p.chroot)), 0, 0)
		if err1 != 0 {
			childFail(childPipe, LocChroot, 0, err1)
		}
	}
	if p.chdir != nil {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(p.chdir)), 0, 0)
		if err1 != 0 {
			childFail(childPipe, LocChdir, 0, err1)
		}
	}

	// Step 12: stderr_jailed opens only now, inside the new root.
	if p.stderrJailedPath != nil {
		fd, _, e := syscall.RawSyscall(syscall.SYS_OPEN, uintptr(unsafe.Pointer(p.stderrJailedPath)),
			uintptr(unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND|unix.O_NOCTTY), 0600)
		if e != 0 {
			childFail(childPipe, LocStderrJailed, 0, e)
		}
		syscall.RawSyscall(syscall.SYS_DUP3, fd, 2, 0)
		syscall.RawSyscall(syscall.SYS_CLOSE, fd, 0, 0)
	}

	// Step 13: scheduling, ioprio, umask, priority.
	if p.schedIdle {
		var param [1]int32 // sched_priority
		_, _, err1 = syscall.RawSyscall(unix.SYS_SCHED_SETSCHEDULER, 0, schedIdle, uintptr(unsafe.Pointer(&param[0])))
		if err1 != 0 {
			childFail(childPipe, LocSchedSetscheduler, 0, err1)
		}
	}
	if p.ioprioIdle {
		ioprioVal := ioprioClassIdle<<ioprioClassShift | 0
		_, _, err1 = syscall.RawSyscall(sysIoprioSet, ioprioWhoProcess, 0, uintptr(ioprioVal))
		if err1 != 0 {
			childFail(childPipe, LocIoprioSet, 0, err1)
		}
	}
	syscall.RawSyscall(syscall.SYS_UMASK, uintptr(p.umask), 0, 0)
	if p.priority != 0 {
		syscall.RawSyscall(syscall.SYS_SETPRIORITY, unix.PRIO_PROCESS, 0, uintptr(p.priority))
	}

	// Step 14: seccomp install, last step before execve.
	if p.seccomp != nil {
		_, _, err1 = syscall.RawSyscall(unix.SYS_SECCOMP, seccompSetModeFilter,
			seccompFilterFlagTsync, uintptr(unsafe.Pointer(p.seccomp)))
		if err1 != 0 {
			childFail(childPipe, LocSeccomp, 0, err1)
		}
	}

	// Step 15: execve.
	_, _, err1 = syscall.RawSyscall(syscall.SYS_EXECVE, uintptr(unsafe.Pointer(p.argv0)),
		uintptr(unsafe.Pointer(&p.argv[0])), uintptr(unsafe.Pointer(&p.env[0])))
	childFail(childPipe, LocExecve, 0, err1)
	return
}

// childWireFds dup2's stdin/stdout/stderr/control into slots 0..3 and
// clears close-on-exec on them (spec.md §4.B step 1). It closes no
// other descriptor: any other inherited fd survives execve unless it
// already carries close-on-exec. Run before anything else in the
// pipeline so no later step can read/write the wrong descriptor.
//
//go:nosplit
func childWireFds(p *prepared, pipe int) syscall.Errno {
	for i, src := range p.files {
		if src == i {
			syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(i), syscall.F_SETFD, 0)
			continue
		}
		if _, _, e := syscall.RawSyscall(syscall.SYS_DUP3, uintptr(src), uintptr(i), 0); e != 0 {
			return e
		}
	}
	return 0
}

//go:nosplit
func childWriteFile(path, data *byte, flags int) syscall.Errno {
	fd, _, e := syscall.RawSyscall(syscall.SYS_OPEN, uintptr(unsafe.Pointer(path)), uintptr(flags), 0)
	if e != 0 {
		return e
	}
	_, _, e = syscall.RawSyscall(syscall.SYS_WRITE, fd, uintptr(unsafe.Pointer(data)), cstrLen(data))
	syscall.RawSyscall(syscall.SYS_CLOSE, fd, 0, 0)
	return e
}

// childRemount applies a bind mount's writable/exec derived remount,
// retrying once with MS_NOEXEC added on EPERM when it wasn't already
// part of the flags — the kernel quirk spec.md §4.B names.
//
//go:nosplit
func childRemount(m *mount.SyscallParams) syscall.Errno {
	_, _, e := syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(&empty[0])),
		uintptr(unsafe.Pointer(m.Target)), 0, m.Remount, 0, 0)
	if e == unix.EPERM && m.RemountRetryNoExec {
		_, _, e = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(&empty[0])),
			uintptr(unsafe.Pointer(m.Target)), 0, m.Remount|unix.MS_NOEXEC, 0, 0)
	}
	return e
}

//go:nosplit
func childApplyCgroup(plan *cgroupPlan) syscall.Errno {
	pid, _, _ := syscall.RawSyscall(syscall.SYS_GETPID, 0, 0, 0)
	pidBuf := pidDecimal(int32(pid))

	for _, leaf := range plan.leaves {
		for _, prefix := range leaf.dirPrefixes {
			if _, _, e := syscall.RawSyscall(syscall.SYS_MKDIRAT, uintptr(atFDCWD), uintptr(unsafe.Pointer(prefix)), 0755); e != 0 && e != unix.EEXIST {
				return e
			}
		}
		fd, _, e := syscall.RawSyscall(syscall.SYS_OPEN, uintptr(unsafe.Pointer(leaf.procsFile)), unix.O_WRONLY, 0)
		if e != 0 {
			return e
		}
		_, _, e = syscall.RawSyscall(syscall.SYS_WRITE, fd, uintptr(unsafe.Pointer(&pidBuf[0])), uintptr(len(pidBuf)))
		syscall.RawSyscall(syscall.SYS_CLOSE, fd, 0, 0)
		if e != 0 {
			return e
		}
	}
	for _, s := range plan.settings {
		fd, _, e := syscall.RawSyscall(syscall.SYS_OPEN, uintptr(unsafe.Pointer(s.file)), unix.O_WRONLY, 0)
		if e != 0 {
			return e
		}
		_, _, e = syscall.RawSyscall(syscall.SYS_WRITE, fd, uintptr(unsafe.Pointer(s.value)), cstrLen(s.value))
		syscall.RawSyscall(syscall.SYS_CLOSE, fd, 0, 0)
		if e != 0 {
			return e
		}
	}
	return 0
}

//go:nosplit
func cstrLen(p *byte) uintptr {
	var n uintptr
	for *(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + n)) != 0 {
		n++
	}
	return n
}

//go:nosplit
func hostnameLen(p *byte) uintptr {
	return cstrLen(p)
}

// pidDecimal formats pid in-place without calling into the Go runtime
// allocator, for use between clone and execve.
//
//go:nosplit
func pidDecimal(pid int32) []byte {
	var buf [12]byte
	i := len(buf)
	if pid == 0 {
		i--
		buf[i] = '0'
	}
	for pid > 0 {
		i--
		buf[i] = byte('0' + pid%10)
		pid /= 10
	}
	return buf[i:]
}

//go:nosplit
func childFail(pipe int, loc ErrorLocation, index int32, errno syscall.Errno) {
	ce := ChildError{Err: errno, Location: loc, Index: index}
	b := (*[unsafe.Sizeof(ChildError{})]byte)(unsafe.Pointer(&ce))[:]
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(pipe), uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)))
	for {
		syscall.RawSyscall(syscall.SYS_EXIT, 0xff, 0, 0)
	}
}
