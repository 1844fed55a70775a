package isolate

import (
	"syscall"

	"github.com/watchtower/spawnd/internal/cgroupstate"
	"github.com/watchtower/spawnd/internal/spawnproc"
)

// cgroupLeaf is one controller's pre-converted leaf directory and
// cgroup.procs path, ready to be mkdir'd and written to by the child
// with no further Go-runtime allocation (spec.md §4.B step 7).
type cgroupLeaf struct {
	dirPrefixes []*byte // mkdir -p components of the leaf directory
	procsFile   *byte
}

// cgroupSettingWrite is one `write value into file <key>` entry,
// pre-converted and resolved against every controller leaf the
// placement touches (spec.md §4.B step 7, CgroupOptions.Set).
type cgroupSettingWrite struct {
	file  *byte
	value *byte
}

// cgroupPlan is the parent-prepared, pointer-stable form of
// CgroupOptions the child replays. A plan with no leaves is a no-op —
// either CgroupState is disabled or the request named no leaf.
type cgroupPlan struct {
	leaves   []cgroupLeaf
	settings []cgroupSettingWrite
}

// buildCgroupPlan resolves CgroupOptions against CgroupState's mount
// layout. Every controller CgroupState knows about gets a leaf; if the
// request supplies no leaf name, placement is skipped entirely (the
// child inherits whatever cgroup the spawner itself runs in).
func buildCgroupPlan(state *cgroupstate.State, opts spawnproc.CgroupOptions) (*cgroupPlan, error) {
	if !state.IsEnabled() || opts.Name == "" {
		return &cgroupPlan{}, nil
	}

	plan := &cgroupPlan{}
	var leafDirs []string

	for _, mountName := range state.Mounts {
		root := state.MountRoot(controllerForMount(state, mountName))
		if root == "" {
			continue
		}
		leafDir := root + state.GroupPath + "/" + opts.Name
		prefixes, err := mkdirPrefixes(leafDir)
		if err != nil {
			return nil, err
		}
		procsFile, err := syscall.BytePtrFromString(leafDir + "/cgroup.procs")
		if err != nil {
			return nil, err
		}
		plan.leaves = append(plan.leaves, cgroupLeaf{dirPrefixes: prefixes, procsFile: procsFile})
		leafDirs = append(leafDirs, leafDir)

		if state.Unified() {
			break // one unified hierarchy: a single leaf covers every controller.
		}
	}

	for _, setting := range opts.Set {
		for _, leafDir := range leafDirs {
			file, err := syscall.BytePtrFromString(leafDir + "/" + setting.Key)
			if err != nil {
				return nil, err
			}
			value, err := syscall.BytePtrFromString(setting.Value)
			if err != nil {
				return nil, err
			}
			plan.settings = append(plan.settings, cgroupSettingWrite{file: file, value: value})
		}
	}

	return plan, nil
}

// controllerForMount reverse-looks-up a mount name to one controller
// it serves, just enough to call State.MountRoot (which only cares
// about the mount, not which of its controllers is named).
func controllerForMount(state *cgroupstate.State, mountName string) string {
	for controller, name := range state.Controller {
		if name == mountName {
			return controller
		}
	}
	return mountName
}

// mkdirPrefixes returns *byte for every leading path component of dir
// (mkdir -p semantics), dir included last — the same pre-fork
// pointer-stabilization internal/mount uses for bind-mount targets.
func mkdirPrefixes(dir string) ([]*byte, error) {
	var comps []string
	for i := 1; i < len(dir); i++ {
		if dir[i] == '/' {
			comps = append(comps, dir[:i])
		}
	}
	comps = append(comps, dir)
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
