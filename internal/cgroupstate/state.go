// Package cgroupstate loads the spawner's own cgroup placement from
// /proc/self/cgroup at startup (spec.md §3 CgroupState, §4.H). It is
// the Go-native post-condition of the systemd-scope bootstrap named as
// an external collaborator in spec.md §1: by the time the spawner
// core runs, it has already been placed in a transient scope, and this
// package discovers where.
package cgroupstate

import (
	"fmt"
	"os"
	"sort"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/pkg/errors"
)

// State is process-wide and immutable once Load returns (spec.md §3).
type State struct {
	// GroupPath is the systemd scope's cgroup path, e.g.
	// "/system.slice/spawnd.service". Empty means no systemd scope was
	// found, in which case IsEnabled is false and cgroup placement
	// (spec.md §4.B step 7) is a no-op for every request.
	GroupPath string

	// Mounts is the ordered set of controller-mount names present
	// under /sys/fs/cgroup (v1: one per controller; v2: a single
	// "" entry for the unified hierarchy).
	Mounts []string

	// Controller maps a controller name (cpu, memory, pids, ...) to
	// the mount name in Mounts that manages it. In unified (cgroup v2)
	// mode every controller maps to the single unified mount.
	Controller map[string]string

	unified bool
}

// IsEnabled reports whether a systemd scope was found (spec.md §3).
func (s *State) IsEnabled() bool {
	return s != nil && s.GroupPath != ""
}

// Unified reports whether the host runs cgroup v2 (a single unified
// hierarchy rooted at /sys/fs/cgroup, no per-controller mount names).
func (s *State) Unified() bool {
	return s != nil && s.unified
}

// MountRoot returns the filesystem path the given controller is
// mounted at, or "" if the controller is not available on this host.
func (s *State) MountRoot(controller string) string {
	if s.unified {
		return "/sys/fs/cgroup"
	}
	name, ok := s.Controller[controller]
	if !ok {
		return ""
	}
	return "/sys/fs/cgroup/" + name
}

// Load reads /proc/<pid>/cgroup (pid 0 means self) and returns the
// resulting State. It never fails on a missing systemd scope — that
// just yields IsEnabled()==false — but does fail if /proc/self/cgroup
// itself cannot be read or parsed, which indicates a broken host.
func Load(pid int) (*State, error) {
	path := procCgroupPath(pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cgroupstate: open %s", path)
	}
	defer f.Close()

	assignments, err := cgroup1.ParseCgroupFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cgroupstate: parse %s", path)
	}

	st := &State{
		Controller: make(map[string]string),
		unified:    cgroups.Mode() == cgroups.Unified,
	}

	if st.unified {
		// Single hierarchy: the "" controller key in ParseCgroupFile's
		// output (cgroup v2 line "0::/path") is the scope path for
		// every controller at once.
		if p, ok := assignments[""]; ok {
			st.GroupPath = p
		}
		st.Mounts = []string{""}
		for _, c := range unifiedControllers() {
			st.Controller[c] = ""
		}
		return st, nil
	}

	seen := map[string]bool{}
	for controller, cgPath := range assignments {
		if controller == "name=systemd" {
			st.GroupPath = cgPath
			continue
		}
		for _, name := range splitControllers(controller) {
			st.Controller[name] = name
			if !seen[name] {
				seen[name] = true
				st.Mounts = append(st.Mounts, name)
			}
		}
	}
	sort.Strings(st.Mounts)
	return st, nil
}

func procCgroupPath(pid int) string {
	if pid <= 0 {
		return "/proc/self/cgroup"
	}
	return fmt.Sprintf("/proc/%d/cgroup", pid)
}

// splitControllers handles the comma-joined controller list a single
// /proc/self/cgroup line can carry under cgroup v1, e.g. "cpu,cpuacct".
func splitControllers(field string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(field); i++ {
		if i == len(field) || field[i] == ',' {
			if i > start {
				out = append(out, field[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// unifiedControllers lists the controllers cgroup2 commonly exposes;
// absence of a controller's file under the leaf is tolerated by the
// isolation builder (it only writes controllers the request names).
func unifiedControllers() []string {
	return []string{"cpu", "cpuset", "memory", "io", "pids", "rdma"}
}
