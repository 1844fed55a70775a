package isolate

import (
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower/spawnd/internal/spawnproc"
)

// minimalProc returns a PreparedChildProcess that runs argv0 with no
// namespaces, mounts, cgroup placement, or seccomp filter: just enough
// of the pipeline exercised to prove Runner.Start() actually forks and
// reaches execve.
func minimalProc(argv0 string) *spawnproc.PreparedChildProcess {
	p := spawnproc.NewPreparedChildProcess()
	p.Argv = []string{argv0}
	p.Env = []string{"PATH=/usr/bin:/bin"}
	return p
}

func TestRunner_Start_OK(t *testing.T) {
	t.Parallel()
	r := &Runner{Proc: minimalProc("/bin/echo")}

	pid, err := r.Start()
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	var ws syscall.WaitStatus
	_, werr := syscall.Wait4(pid, &ws, 0, nil)
	require.NoError(t, werr)
	assert.True(t, ws.Exited())
	assert.Equal(t, 0, ws.ExitStatus())
}

// TestRunner_Start_ETXTBSY mirrors the teacher's fork_linux_test.go
// case of the same name: execve against a file that is still open for
// writing fails with ETXTBSY, and the pipeline must surface that as
// the ChildError's errno rather than swallowing it.
func TestRunner_Start_ETXTBSY(t *testing.T) {
	t.Parallel()
	f, err := os.CreateTemp("", "spawnd-isolate-etxtbsy")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	require.NoError(t, f.Chmod(0o777))

	echo, err := os.Open("/bin/echo")
	require.NoError(t, err)
	defer echo.Close()
	_, err = io.Copy(f, echo)
	require.NoError(t, err)
	// f stays open for writing: the kernel refuses to execve it.

	r := &Runner{Proc: minimalProc(f.Name())}
	_, err = r.Start()
	require.Error(t, err)

	ce, ok := err.(ChildError)
	require.True(t, ok, "expected ChildError, got %T: %v", err, err)
	assert.Equal(t, syscall.ETXTBSY, ce.Err)
	assert.Equal(t, LocExecve, ce.Location)
}

func TestRunner_Start_ExitStatusPropagates(t *testing.T) {
	t.Parallel()
	proc := minimalProc("/bin/sh")
	proc.Argv = []string{"/bin/sh", "-c", "exit 7"}

	r := &Runner{Proc: proc}
	pid, err := r.Start()
	require.NoError(t, err)

	var ws syscall.WaitStatus
	_, werr := syscall.Wait4(pid, &ws, 0, nil)
	require.NoError(t, werr)
	assert.Equal(t, 7, ws.ExitStatus())
}

func TestRunner_Start_UnshareUserNamespace(t *testing.T) {
	t.Parallel()
	proc := minimalProc("/bin/echo")
	proc.Namespaces.User = true

	r := &Runner{Proc: proc}
	pid, err := r.Start()
	require.NoError(t, err)

	var ws syscall.WaitStatus
	_, werr := syscall.Wait4(pid, &ws, 0, nil)
	require.NoError(t, werr)
	assert.True(t, ws.Exited())
}

func TestRunner_Start_NoArgvIsRejectedBeforeFork(t *testing.T) {
	t.Parallel()
	r := &Runner{Proc: spawnproc.NewPreparedChildProcess()}
	_, err := r.Start()
	assert.Error(t, err)
}
