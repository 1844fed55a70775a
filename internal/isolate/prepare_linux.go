package isolate

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/watchtower/spawnd/internal/mount"
	"github.com/watchtower/spawnd/internal/spawnproc"
)

// prepared is the pointer-stable, pre-fork form of a Runner: every
// string the child-side pipeline touches has already been converted
// to a *byte, and every mount/cgroup/rlimit entry is in its final
// replay order. Nothing here allocates once the fork happens.
type prepared struct {
	argv0 *byte
	argv  []*byte
	env   []*byte

	refence     *byte
	refencePath *byte

	unshareFlags uintptr
	setnsFD      int // >=0 if NamespaceOptions.NetworkName was set
	pivotRoot    *byte
	hostname     *byte

	mounts []*mount.SyscallParams
	cgroup *cgroupPlan

	rlimits []preparedRlimit

	uid    uint32
	gid    uint32
	groups []uint32

	noNewPrivs bool
	schedIdle  bool
	ioprioIdle bool

	chroot *byte
	chdir  *byte

	// stderrJailedPath is non-nil only for StderrJailed, opened after
	// chroot/pivot_root (spec.md §4.B step 12).
	stderrJailedPath *byte

	umask    uint16
	priority int32

	seccomp *syscall.SockFprog

	// files is the target fd layout: files[i] is the source fd that
	// lands at fd i after the pipeline's dup2 pass. Every entry is a
	// valid fd: prepareStdFiles substitutes /dev/null for any unset
	// stdin/stdout/stderr.
	files []int

	// retained holds every fd prepare() itself opened (stderr file,
	// /dev/null fallbacks) so Start's error paths can close them.
	retained []int
}

type preparedRlimit struct {
	resource int
	rlim     unix.Rlimit
}

func (r *Runner) prepare() (*prepared, error) {
	proc := r.Proc
	p := &prepared{setnsFD: -1}

	var err error
	if len(proc.Argv) == 0 {
		return nil, errors.New("isolate: empty argv")
	}
	if p.argv0, err = syscall.BytePtrFromString(proc.Argv[0]); err != nil {
		return nil, errors.Wrap(err, "argv0")
	}
	if p.argv, err = syscall.SlicePtrFromStrings(proc.Argv); err != nil {
		return nil, errors.Wrap(err, "argv")
	}
	if p.env, err = syscall.SlicePtrFromStrings(proc.Env); err != nil {
		return nil, errors.Wrap(err, "env")
	}

	if r.RefencePath != "" && proc.Refence != "" {
		if p.refence, err = syscall.BytePtrFromString(proc.Refence); err != nil {
			return nil, errors.Wrap(err, "refence")
		}
		if p.refencePath, err = syscall.BytePtrFromString(r.RefencePath); err != nil {
			return nil, errors.Wrap(err, "refence path")
		}
	}

	if proc.Namespaces.NetworkName != "" {
		fd, err := unix.Open("/var/run/netns/"+proc.Namespaces.NetworkName, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, errors.Wrap(err, "isolate: open named network namespace")
		}
		p.setnsFD = fd
		p.retained = append(p.retained, fd)
	}
	p.unshareFlags = namespaceUnshareFlags(proc.Namespaces)

	if proc.Namespaces.PivotRoot != "" {
		if p.pivotRoot, err = syscall.BytePtrFromString(proc.Namespaces.PivotRoot); err != nil {
			return nil, errors.Wrap(err, "pivot_root")
		}
	}
	if proc.Namespaces.Hostname != "" {
		if p.hostname, err = syscall.BytePtrFromString(proc.Namespaces.Hostname); err != nil {
			return nil, errors.Wrap(err, "hostname")
		}
	}

	for _, m := range buildMountPlan(proc) {
		sp, err := m.ToSyscall()
		if err != nil {
			closeAll(p.retained)
			return nil, errors.Wrap(err, "isolate: mount plan")
		}
		p.mounts = append(p.mounts, sp)
	}

	if p.cgroup, err = buildCgroupPlan(r.Cgroup, proc.Cgroup); err != nil {
		closeAll(p.retained)
		return nil, errors.Wrap(err, "isolate: cgroup plan")
	}

	for _, rl := range proc.RLimits {
		p.rlimits = append(p.rlimits, preparedRlimit{
			resource: rl.Resource,
			rlim:     unix.Rlimit{Cur: rl.Soft, Max: rl.Hard},
		})
	}

	p.uid = proc.Credential.UID
	p.gid = proc.Credential.GID
	p.groups = proc.Credential.Groups

	p.noNewPrivs = proc.NoNewPrivs
	p.schedIdle = proc.SchedIdle
	p.ioprioIdle = proc.IOPrioIdle

	if proc.Chroot != "" && proc.Namespaces.PivotRoot == "" {
		if p.chroot, err = syscall.BytePtrFromString(proc.Chroot); err != nil {
			closeAll(p.retained)
			return nil, errors.Wrap(err, "chroot")
		}
	}
	chdir := proc.Chdir
	if chdir == "" {
		chdir = "/"
	}
	if p.chdir, err = syscall.BytePtrFromString(chdir); err != nil {
		closeAll(p.retained)
		return nil, errors.Wrap(err, "chdir")
	}

	p.umask = proc.Umask
	p.priority = proc.Priority
	if len(r.Seccomp) > 0 {
		p.seccomp = sockFprog(r.Seccomp)
	}

	if err := p.prepareStderr(proc); err != nil {
		closeAll(p.retained)
		return nil, err
	}
	if err := p.prepareStdFiles(proc); err != nil {
		closeAll(p.retained)
		return nil, err
	}

	return p, nil
}

// prepareStderr implements spec.md §4.B step 3: stderr_path opened
// now unless stderr_jailed defers it past chroot/pivot_root.
func (p *prepared) prepareStderr(proc *spawnproc.PreparedChildProcess) error {
	switch proc.StderrMode {
	case spawnproc.StderrFile:
		fd, err := unix.Open(proc.StderrPath,
			unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND|unix.O_CLOEXEC|unix.O_NOCTTY, 0600)
		if err != nil {
			return errors.Wrap(err, "isolate: open stderr_path")
		}
		proc.StderrFD = fd
		p.retained = append(p.retained, fd)
	case spawnproc.StderrNull:
		fd, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return errors.Wrap(err, "isolate: open /dev/null for stderr")
		}
		proc.StderrFD = fd
		p.retained = append(p.retained, fd)
	case spawnproc.StderrJailed:
		path, err := syscall.BytePtrFromString(proc.StderrPath)
		if err != nil {
			return errors.Wrap(err, "stderr_path")
		}
		p.stderrJailedPath = path
	}
	return nil
}

// prepareStdFiles fills in stdin/stdout/control with /dev/null when
// the client passed none, and lays out the child's fd table: 0, 1, 2,
// then the control fd at 3 if present.
func (p *prepared) prepareStdFiles(proc *spawnproc.PreparedChildProcess) error {
	devNull := func() (int, error) {
		fd, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			p.retained = append(p.retained, fd)
		}
		return fd, err
	}

	stdin, stdout, stderr := proc.StdinFD, proc.StdoutFD, proc.StderrFD
	var err error
	if stdin < 0 {
		if stdin, err = devNull(); err != nil {
			return errors.Wrap(err, "isolate: stdin /dev/null")
		}
	}
	if stdout < 0 {
		if stdout, err = devNull(); err != nil {
			return errors.Wrap(err, "isolate: stdout /dev/null")
		}
	}
	if stderr < 0 {
		if stderr, err = devNull(); err != nil {
			return errors.Wrap(err, "isolate: stderr /dev/null")
		}
	}

	p.files = []int{stdin, stdout, stderr}
	if proc.ControlFD >= 0 {
		p.files = append(p.files, proc.ControlFD)
	}
	return nil
}

func namespaceUnshareFlags(ns spawnproc.NamespaceOptions) uintptr {
	var flags uintptr
	if ns.User {
		flags |= unix.CLONE_NEWUSER
	}
	if ns.Pid {
		flags |= unix.CLONE_NEWPID
	}
	if ns.Network {
		flags |= unix.CLONE_NEWNET
	}
	if ns.IPC {
		flags |= unix.CLONE_NEWIPC
	}
	if ns.Mount {
		flags |= unix.CLONE_NEWNS
	}
	return flags
}

func sockFprog(bpf []byte) *syscall.SockFprog {
	filters := make([]syscall.SockFilter, len(bpf)/8)
	for i := range filters {
		off := i * 8
		filters[i] = syscall.SockFilter{
			Code: uint16(bpf[off]) | uint16(bpf[off+1])<<8,
			Jt:   bpf[off+2],
			Jf:   bpf[off+3],
			K:    uint32(bpf[off+4]) | uint32(bpf[off+5])<<8 | uint32(bpf[off+6])<<16 | uint32(bpf[off+7])<<24,
		}
	}
	return &syscall.SockFprog{
		Len:    uint16(len(filters)),
		Filter: &filters[0],
	}
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
