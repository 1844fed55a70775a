package isolate

import (
	"golang.org/x/sys/unix"

	"github.com/watchtower/spawnd/internal/mount"
	"github.com/watchtower/spawnd/internal/spawnproc"
)

// buildMountPlan turns the declarative mount-related fields of a
// PreparedChildProcess into the ordered mount.Mount list the isolation
// builder replays in the child (spec.md §4.B step 5): the declared
// bind-mount chain, then mount_home, then the two tmpfs mounts, then
// /proc per policy.
func buildMountPlan(proc *spawnproc.PreparedChildProcess) []*mount.Mount {
	var plan []*mount.Mount

	for _, bm := range proc.Mounts.Binds {
		plan = append(plan, bindMount(bm.Source, bm.Target, bm.Writable, bm.Exec))
	}

	if h := proc.Mounts.Home; h != nil {
		plan = append(plan, bindMount(h.HostPath, h.ContainerPath, true, true))
	}

	if proc.Mounts.Tmpfs != "" {
		plan = append(plan, &mount.Mount{
			Source: "tmpfs",
			Target: proc.Mounts.Tmpfs,
			FsType: "tmpfs",
			Flags:  0,
		})
	}
	if proc.Mounts.TmpTmpfs != "" {
		plan = append(plan, &mount.Mount{
			Source: "tmpfs",
			Target: proc.Mounts.TmpTmpfs,
			FsType: "tmpfs",
			Flags:  0,
		})
	}

	switch proc.Namespaces.Proc {
	case spawnproc.ProcReadOnly:
		plan = append(plan, &mount.Mount{
			Source:  "proc",
			Target:  "/proc",
			FsType:  "proc",
			Flags:   0,
			Remount: unix.MS_REMOUNT | unix.MS_RDONLY,
		})
	case spawnproc.ProcWritable:
		plan = append(plan, &mount.Mount{
			Source: "proc",
			Target: "/proc",
			FsType: "proc",
			Flags:  0,
		})
	}

	return plan
}

// bindMount derives the writable/exec two-axis remount flags spec.md
// §4.B step 5 asks for: a bind mount ignores most flags on its initial
// mount(2) call, so read-only/no-exec is applied with a second
// MS_REMOUNT|MS_BIND call. RemountRetryNoExec marks mounts where
// MS_NOEXEC was not explicitly requested, so the builder can retry
// once with it added if the remount comes back EPERM (the kernel quirk
// spec.md names).
func bindMount(source, target string, writable, exec bool) *mount.Mount {
	remount := uintptr(unix.MS_REMOUNT | unix.MS_BIND)
	if !writable {
		remount |= unix.MS_RDONLY
	}
	if !exec {
		remount |= unix.MS_NOEXEC
	}
	return &mount.Mount{
		Source:             source,
		Target:             target,
		Flags:              unix.MS_BIND,
		Remount:            remount,
		RemountRetryNoExec: exec,
	}
}
