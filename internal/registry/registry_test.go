package registry

import (
	"os/exec"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestRegistry(t *testing.T) *Registry {
	r, err := New(logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(r.sigFD) })
	return r
}

func startTrueChild(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Start())
	return cmd.Process.Pid
}

func TestRegistry_TrackAndReap(t *testing.T) {
	r := newTestRegistry(t)
	pid := startTrueChild(t)

	statusCh := make(chan unix.WaitStatus, 1)
	r.Track(pid, "test-child", func(ws unix.WaitStatus) { statusCh <- ws })

	require.Eventually(t, func() bool {
		r.Reap()
		return r.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case ws := <-statusCh:
		assert.True(t, ws.Exited())
		assert.Equal(t, 0, ws.ExitStatus())
	case <-time.After(time.Second):
		t.Fatal("exit listener never fired")
	}
}

func TestRegistry_ReapIgnoresUntrackedPid(t *testing.T) {
	r := newTestRegistry(t)
	// reapOne for a pid with no Entry should just log and return.
	r.reapOne(999999, unix.WaitStatus(0))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_KillUnknownPidIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	assert.NoError(t, r.Kill(999999, unix.SIGTERM))
}

func TestRegistry_MarkVolatileFiresImmediatelyWhenEmpty(t *testing.T) {
	r := newTestRegistry(t)
	fired := false
	r.MarkVolatile(func() { fired = true })
	assert.True(t, fired)
}

func TestRegistry_MarkVolatileWaitsForDrain(t *testing.T) {
	r := newTestRegistry(t)
	pid := startTrueChild(t)
	r.Track(pid, "child", nil)

	fired := false
	r.MarkVolatile(func() { fired = true })
	assert.False(t, fired, "should not fire while entries remain")

	require.Eventually(t, func() bool {
		r.Reap()
		return fired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_CancelKillTimeoutStopsTimer(t *testing.T) {
	r := newTestRegistry(t)
	pid := startTrueChild(t)
	r.Track(pid, "child", nil)
	require.NoError(t, r.Kill(pid, unix.SIGTERM))

	e := r.entries[pid]
	require.NotNil(t, e.timer)
	r.CancelKillTimeout(pid)
	assert.Nil(t, r.entries[pid].timer)

	r.Reap() // drain so the test doesn't leak a running child
}
