package mount

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMount_ToSyscall_PointerConversion(t *testing.T) {
	m := &Mount{
		Source:  "/src",
		Target:  "/mnt/a/b",
		FsType:  "",
		Data:    "size=1m",
		Flags:   syscall.MS_BIND,
		Remount: syscall.MS_REMOUNT | syscall.MS_BIND | syscall.MS_RDONLY,
	}

	sp, err := m.ToSyscall()
	require.NoError(t, err)

	assert.Equal(t, byteStr(sp.Source), "/src")
	assert.Equal(t, byteStr(sp.Target), "/mnt/a/b")
	assert.Equal(t, byteStr(sp.FsType), "none", "empty FsType falls back to \"none\" the way bind mounts require")
	assert.Equal(t, byteStr(sp.Data), "size=1m")
	assert.Equal(t, uintptr(syscall.MS_BIND), sp.Flags)
	assert.Equal(t, m.Remount, sp.Remount)

	// mkdir -p prefix list: every leading component of Target, Target
	// included last.
	want := []string{"/mnt", "/mnt/a", "/mnt/a/b"}
	require.Len(t, sp.Prefixes, len(want))
	for i, w := range want {
		assert.Equal(t, w, byteStr(sp.Prefixes[i]))
	}
}

func TestMount_ToSyscall_EmptySourceFallsBackToNone(t *testing.T) {
	m := &Mount{Source: "", Target: "/proc", FsType: "proc"}
	sp, err := m.ToSyscall()
	require.NoError(t, err)
	assert.Equal(t, "none", byteStr(sp.Source))
}

func TestMount_ToSyscall_NoDataLeavesNilPointer(t *testing.T) {
	m := &Mount{Source: "tmpfs", Target: "/tmp", FsType: "tmpfs"}
	sp, err := m.ToSyscall()
	require.NoError(t, err)
	assert.Nil(t, sp.Data)
}

// byteStr reads a NUL-terminated *byte back into a Go string, the
// inverse of syscall.BytePtrFromString, for asserting on pre-fork
// pointer conversion without touching unsafe package internals.
func byteStr(p *byte) string {
	if p == nil {
		return ""
	}
	return unix.BytePtrToString(p)
}
