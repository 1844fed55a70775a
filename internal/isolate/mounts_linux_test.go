package isolate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/watchtower/spawnd/internal/spawnproc"
)

func TestBindMount_WritableExecHasNoRestrictingRemountFlags(t *testing.T) {
	m := bindMount("/src", "/dst", true, true)
	assert.Equal(t, uintptr(unix.MS_BIND), m.Flags)
	assert.Equal(t, uintptr(unix.MS_REMOUNT|unix.MS_BIND), m.Remount)
	assert.True(t, m.RemountRetryNoExec)
}

func TestBindMount_ReadOnlyNoExecSetsBothFlags(t *testing.T) {
	m := bindMount("/src", "/dst", false, false)
	want := uintptr(unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY | unix.MS_NOEXEC)
	assert.Equal(t, want, m.Remount)
	assert.False(t, m.RemountRetryNoExec, "MS_NOEXEC already requested, no retry needed")
}

func TestBindMount_ReadOnlyExecRetriesOnEPERM(t *testing.T) {
	m := bindMount("/src", "/dst", false, true)
	assert.Equal(t, uintptr(unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY), m.Remount)
	assert.True(t, m.RemountRetryNoExec)
}

func TestBuildMountPlan_OrderAndProcPolicy(t *testing.T) {
	proc := &spawnproc.PreparedChildProcess{
		Mounts: spawnproc.MountOptions{
			Binds: []spawnproc.BindMount{
				{Source: "/a", Target: "/b", Writable: true, Exec: true},
			},
			Home:     &spawnproc.MountHome{HostPath: "/home/u", ContainerPath: "/home/u"},
			Tmpfs:    "/tmp",
			TmpTmpfs: "/tmp/tmp",
		},
	}
	proc.Namespaces.Proc = spawnproc.ProcReadOnly

	plan := buildMountPlan(proc)
	require.Len(t, plan, 5)
	assert.Equal(t, "/b", plan[0].Target)
	assert.Equal(t, "/home/u", plan[1].Target)
	assert.Equal(t, "/tmp", plan[2].Target)
	assert.Equal(t, "/tmp/tmp", plan[3].Target)
	assert.Equal(t, "/proc", plan[4].Target)
	assert.Equal(t, uintptr(unix.MS_REMOUNT|unix.MS_RDONLY), plan[4].Remount)
}

func TestBuildMountPlan_ProcWritableHasNoRemount(t *testing.T) {
	proc := &spawnproc.PreparedChildProcess{}
	proc.Namespaces.Proc = spawnproc.ProcWritable

	plan := buildMountPlan(proc)
	require.Len(t, plan, 1)
	assert.Equal(t, uintptr(0), plan[0].Remount)
}

func TestBuildMountPlan_ProcNoneOmitsProcMount(t *testing.T) {
	proc := &spawnproc.PreparedChildProcess{}
	plan := buildMountPlan(proc)
	assert.Empty(t, plan)
}
