package seccomp

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAssemble_ProgramIsWholeSockFilterRecords(t *testing.T) {
	prog, err := Assemble(Config{})
	require.NoError(t, err)
	require.NotEmpty(t, prog)
	assert.Zero(t, len(prog)%8, "struct sock_filter records are 8 bytes each")
}

func TestAssemble_EachOptionalLayerGrowsTheProgram(t *testing.T) {
	base, err := Assemble(Config{})
	require.NoError(t, err)

	withUserNS, err := Assemble(Config{ForbidUserNamespace: true})
	require.NoError(t, err)
	assert.Greater(t, len(withUserNS), len(base))

	withMulticast, err := Assemble(Config{ForbidMulticast: true})
	require.NoError(t, err)
	assert.Greater(t, len(withMulticast), len(base))

	withBind, err := Assemble(Config{ForbidBind: true})
	require.NoError(t, err)
	assert.Greater(t, len(withBind), len(base))

	all, err := Assemble(Config{ForbidUserNamespace: true, ForbidMulticast: true, ForbidBind: true})
	require.NoError(t, err)
	assert.Greater(t, len(all), len(withUserNS))
	assert.Greater(t, len(all), len(withMulticast))
	assert.Greater(t, len(all), len(withBind))
}

// helperEnv, when set to "1" in the environment, tells this same test
// binary to act as the killed-syscall helper instead of running the
// top-level tests: the seccomp program this package assembles is only
// safe to install on a disposable process, never on the binary
// running the test suite itself.
const helperEnv = "SPAWND_SECCOMP_ASM_HELPER"

// TestAssemble_KillsAnUnconditionallyDeniedSyscall installs a real
// assembled program on a re-exec'd copy of this test binary and
// checks the kernel actually kills it for calling ptrace(2), one of
// killListNames. Mirrors the teacher's own build-then-exercise
// seccomp test, but isolated to a helper subprocess rather than the
// test process itself, since SCMP_ACT_KILL_PROCESS cannot be undone.
func TestAssemble_KillsAnUnconditionallyDeniedSyscall(t *testing.T) {
	if os.Getenv(helperEnv) == "1" {
		runKilledSyscallHelper()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestAssemble_KillsAnUnconditionallyDeniedSyscall")
	cmd.Env = append(os.Environ(), helperEnv+"=1")
	err := cmd.Run()
	require.Error(t, err, "helper must not return normally once the filter is installed")

	exitErr, ok := err.(*exec.ExitError)
	require.True(t, ok, "expected *exec.ExitError, got %T: %v", err, err)

	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	require.True(t, ws.Signaled(), "helper should have been killed by the kernel, not exited normally")
	assert.Equal(t, syscall.SIGSYS, ws.Signal(), "SCMP_ACT_KILL_PROCESS delivers SIGSYS")
}

// runKilledSyscallHelper assembles the real program, installs it with
// the same no_new_privs + seccomp(2) sequence internal/isolate's child
// uses right before execve, then calls ptrace(2). It must never reach
// os.Exit: the kernel is expected to kill it first.
func runKilledSyscallHelper() {
	prog, err := Assemble(Config{})
	if err != nil {
		os.Exit(2)
	}

	if _, _, errno := syscall.RawSyscall6(syscall.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0); errno != 0 {
		os.Exit(3)
	}

	fprog := sockFprogForTest(prog)
	if _, _, errno := syscall.RawSyscall(uintptr(unix.SYS_SECCOMP), 1, 0, uintptr(unsafe.Pointer(fprog))); errno != 0 {
		os.Exit(4)
	}

	syscall.RawSyscall(syscall.SYS_PTRACE, uintptr(unix.PTRACE_TRACEME), 0, 0)

	os.Exit(5) // unreachable if the filter actually killed the process
}

// sockFprogForTest repacks the 8-byte struct sock_filter records
// Assemble returns into the struct sock_fprog layout seccomp(2)
// expects, the same conversion internal/isolate's sockFprog helper
// performs before install.
func sockFprogForTest(bpf []byte) *syscall.SockFprog {
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
