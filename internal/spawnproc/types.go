// Package spawnproc defines PreparedChildProcess, the declarative,
// mutation-only-before-fork description of a child to spawn, and its
// sub-records (spec.md §3).
package spawnproc

// ProcPolicy is the /proc mount policy for the container's mount
// namespace.
type ProcPolicy int

const (
	ProcNone ProcPolicy = iota
	ProcReadOnly
	ProcWritable
)

// NamespaceOptions selects which Linux namespaces the child unshares
// (or, for network, joins by name) before the mount tree is built.
type NamespaceOptions struct {
	User    bool
	Pid     bool
	Network bool
	IPC     bool
	Mount   bool

	// NetworkName, if set, joins an existing named network namespace
	// via setns instead of unsharing a fresh one (spec.md §4.B step 4).
	NetworkName string

	PivotRoot string
	Hostname  string
	Proc      ProcPolicy
}

// BindMount is one entry of the declared bind-mount chain, applied in
// declaration order (spec.md §3: "order-preserving").
type BindMount struct {
	Source   string
	Target   string
	Writable bool
	Exec     bool
}

// MountHome binds a host path to an in-container path.
type MountHome struct {
	HostPath      string
	ContainerPath string
}

// MountOptions groups everything the isolation builder's mount-tree
// construction step (spec.md §4.B step 5) needs, beyond the
// namespace-level PivotRoot/Proc policy already on NamespaceOptions.
type MountOptions struct {
	Binds       []BindMount
	Home        *MountHome
	Tmpfs       string // mount_tmpfs target, empty if unset
	TmpTmpfs    string // mount_tmp_tmpfs target, empty if unset
}

// CgroupSetting is one `write value into file <key>` entry applied
// under the cgroup leaf, in declaration order.
type CgroupSetting struct {
	Key   string
	Value string
}

// CgroupOptions names the leaf (relative to CgroupState.GroupPath)
// the child's pid is placed under, plus any controller file writes to
// apply to that leaf.
type CgroupOptions struct {
	Name string
	Set  []CgroupSetting
}

// ResourceLimit is one POSIX rlimit: (resource, soft, hard).
type ResourceLimit struct {
	Resource int
	Soft     uint64
	Hard     uint64
}

// UidGid is the credential the child assumes before execve.
type UidGid struct {
	UID            uint32
	GID            uint32
	Groups         []uint32
}

// StderrMode selects how stderr_path (if any) is opened.
type StderrMode int

const (
	StderrInherit StderrMode = iota // use the passed STDERR fd, or /dev/null if none was passed
	StderrNull                      // open /dev/null
	StderrFile                      // open stderr_path before fork
	StderrJailed                    // open stderr_path after chroot/pivot_root
)

// PreparedChildProcess is the transient, mutation-only-before-fork
// description of a child to spawn (spec.md §3). Once the isolation
// builder begins, the value must not be mutated further.
type PreparedChildProcess struct {
	Argv []string
	Env  []string

	Namespaces NamespaceOptions
	Mounts     MountOptions
	Cgroup     CgroupOptions
	RLimits    []ResourceLimit
	Credential UidGid

	SchedIdle       bool
	IOPrioIdle      bool
	ForbidUserNS    bool
	ForbidMulticast bool
	ForbidBind      bool
	NoNewPrivs      bool
	TTY             bool

	Chroot string
	Chdir  string

	StderrMode StderrMode
	StderrPath string

	// StdinFD/StdoutFD/StderrFD/ControlFD are FDs received from the
	// client (ownership moved via Decoder.TakeFD); -1 means unset. The
	// isolation builder gives an unset stdin/stdout/stderr /dev/null
	// and leaves fd 3 unassigned when ControlFD is unset.
	StdinFD   int
	StdoutFD  int
	StderrFD  int
	ControlFD int

	Umask    uint16
	Priority int32

	HookInfo string
	Refence  string
}

// NewPreparedChildProcess returns a zero value with FD slots marked
// unset (-1, since 0 is a valid fd).
func NewPreparedChildProcess() *PreparedChildProcess {
	return &PreparedChildProcess{
		StdinFD:   -1,
		StdoutFD:  -1,
		StderrFD:  -1,
		ControlFD: -1,
	}
}

// OwnedFDs returns every FD slot the process currently owns, used by
// callers to close out leftovers on an error path (spec.md §3
// lifecycle invariant: every received FD is consumed or closed).
func (p *PreparedChildProcess) OwnedFDs() []int {
	var fds []int
	for _, fd := range []int{p.StdinFD, p.StdoutFD, p.StderrFD, p.ControlFD} {
		if fd >= 0 {
			fds = append(fds, fd)
		}
	}
	return fds
}
