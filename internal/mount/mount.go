// Package mount builds the pre-fork, pointer-stable mount syscall
// argument list the isolation builder replays inside the forked
// child (spec.md §4.B step 5). Every string is converted to a *byte
// here, in the parent, before fork — the no-alloc discipline the
// child-side code runs under forbids calling into the Go string/byte
// conversion machinery after clone.
package mount

import "syscall"

// Mount is one mount(2) call plus the metadata the builder needs to
// decide whether a remount (for a read-only/no-exec bind) follows it.
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr

	// Remount, if non-zero, is the flag set of a second mount(2) call
	// made once the first mount has landed: MS_REMOUNT|MS_BIND plus any
	// restricting flags for a bind mount, which ignores most flags on
	// its initial call (spec.md §4.B step 5), or MS_REMOUNT|MS_RDONLY
	// for a read-only /proc.
	Remount uintptr

	// RemountRetryNoExec marks a Remount that should be retried once
	// with MS_NOEXEC added if it fails EPERM and MS_NOEXEC was not
	// already part of Remount — the kernel quirk spec.md §4.B names.
	RemountRetryNoExec bool
}

// SyscallParams is Mount with every string pre-converted to a *byte
// and the mkdir -p path-component list precomputed, ready to be
// replayed with raw syscalls in the forked child.
type SyscallParams struct {
	Source, Target, FsType, Data *byte
	Flags                        uintptr
	Remount                      uintptr
	RemountRetryNoExec           bool
	Prefixes                     []*byte
}

// ToSyscall pre-converts every string Mount needs in the child.
func (m *Mount) ToSyscall() (*SyscallParams, error) {
	var data *byte
	source, err := syscall.BytePtrFromString(nonEmpty(m.Source))
	if err != nil {
		return nil, err
	}
	target, err := syscall.BytePtrFromString(m.Target)
	if err != nil {
		return nil, err
	}
	fsType, err := syscall.BytePtrFromString(nonEmpty(m.FsType))
	if err != nil {
		return nil, err
	}
	if m.Data != "" {
		if data, err = syscall.BytePtrFromString(m.Data); err != nil {
			return nil, err
		}
	}
	prefixes, err := prefixPointers(m.Target)
	if err != nil {
		return nil, err
	}
	return &SyscallParams{
		Source:             source,
		Target:             target,
		FsType:             fsType,
		Data:               data,
		Flags:              m.Flags,
		Remount:            m.Remount,
		RemountRetryNoExec: m.RemountRetryNoExec,
		Prefixes:           prefixes,
	}, nil
}

func nonEmpty(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// prefixPointers returns *byte for every leading path component of
// target (mkdir -p semantics), target included last.
func prefixPointers(target string) ([]*byte, error) {
	var comps []string
	for i := 1; i < len(target); i++ {
		if target[i] == '/' {
			comps = append(comps, target[:i])
		}
	}
	comps = append(comps, target)
	ptrs := make([]*byte, 0, len(comps))
	for _, c := range comps {
		p, err := syscall.BytePtrFromString(c)
		if err != nil {
			return nil, err
		}
		ptrs = append(ptrs, p)
	}
	return ptrs, nil
}
