package isolate

import (
	"fmt"
	"syscall"
)

// ErrorLocation names the §4.B pipeline step a child-side failure
// occurred at, so the parent can report something more useful than a
// bare errno when synthesizing the 0xff exit status.
type ErrorLocation int

// ChildError is what the forked child writes to the error pipe before
// _exit(0xff) on any pipeline failure (spec.md §4.B, final paragraph).
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
	Index    int32
}

// Location constants, one per spec.md §4.B step (and its sub-steps).
const (
	LocClone ErrorLocation = iota + 1
	LocCloseOnExec
	LocRefence
	LocUnshare
	LocSetns
	LocMountRoot
	LocPivotRootTmpfs
	LocMountChdir
	LocMount
	LocMountMkdir
	LocMountRemount
	LocPivotRoot
	LocHostname
	LocCgroupMkdir
	LocCgroupProcs
	LocCgroupSet
	LocSetRlimit
	LocSetGroups
	LocSetGid
	LocSetUid
	LocNoNewPrivs
	LocChroot
	LocChdir
	LocStderrJailed
	LocSchedSetscheduler
	LocIoprioSet
	LocUmask
	LocSetpriority
	LocSeccomp
	LocDup2
	LocExecve
)

var locToString = []string{
	"unknown",
	"clone",
	"close_on_exec",
	"refence",
	"unshare",
	"setns",
	"mount(root-slave)",
	"mount(pivot-tmpfs)",
	"mount(chdir)",
	"mount",
	"mount(mkdir)",
	"mount(remount)",
	"pivot_root",
	"sethostname",
	"cgroup(mkdir)",
	"cgroup(procs)",
	"cgroup(set)",
	"setrlimit",
	"setgroups",
	"setgid",
	"setuid",
	"no_new_privs",
	"chroot",
	"chdir",
	"stderr_jailed",
	"sched_setscheduler",
	"ioprio_set",
	"umask",
	"setpriority",
	"seccomp",
	"dup2",
	"execve",
}

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

func (e ChildError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}
