// Package isolate implements the child-side pre-exec isolation pipeline
// (spec.md §4.B): the sequence of namespace, mount, cgroup, credential,
// and seccomp operations a forked child performs before execve. The
// step ordering mirrors spec.md's numbered list exactly — it is a
// kernel-imposed contract, not a style choice.
package isolate

import (
	"github.com/pkg/errors"

	"github.com/watchtower/spawnd/internal/cgroupstate"
	"github.com/watchtower/spawnd/internal/spawnproc"
)

// Runner bundles a PreparedChildProcess with the process-wide state the
// builder needs but that isn't part of the per-request wire format:
// cgroup mount layout and the pre-assembled seccomp program.
type Runner struct {
	Proc   *spawnproc.PreparedChildProcess
	Cgroup *cgroupstate.State

	// RefencePath is the opaque kernel process-control interface path
	// the refence blob is written to (spec.md §4.B step 2, §9 open
	// question on the refence control path). Empty disables the step.
	RefencePath string

	// Seccomp is the exported classic-BPF program from
	// internal/seccomp, or nil if no filter is requested.
	Seccomp []byte
}

// Start forks, runs the isolation pipeline in the child, and execve's.
// It returns once the pipeline has synchronized with the parent through
// the error pipe — either the child is past execve (success, pid
// returned) or a pipeline step failed (ChildError returned, no pid to
// reap since the child has already _exit(0xff)'d and been waited on).
func (r *Runner) Start() (int, error) {
	prep, err := r.prepare()
	if err != nil {
		return 0, errors.Wrap(err, "isolate: prepare")
	}
	return r.start(prep)
}
