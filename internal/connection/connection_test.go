package connection

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/watchtower/spawnd/internal/config"
	"github.com/watchtower/spawnd/internal/registry"
	"github.com/watchtower/spawnd/internal/spawnproc"
	"github.com/watchtower/spawnd/internal/unixsocket"
	"github.com/watchtower/spawnd/internal/wire"
)

// rejectAll is a Hook that always refuses, forcing every accept
// decision onto SpawnConfig.Verify.
type rejectAll struct{}

func (rejectAll) Verify(*spawnproc.PreparedChildProcess) bool { return false }

func newTestConnection(t *testing.T) (*Connection, *unixsocket.Socket) {
	t.Helper()
	a, b, err := unixsocket.NewSocketpair()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	reg, err := registry.New(logrus.New())
	require.NoError(t, err)

	cfg := config.Default(1000, 1000)
	log := logrus.New()
	log.SetOutput(testWriter{t})

	c := New(a, reg, nil, cfg, rejectAll{}, log)
	return c, b
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func TestConnection_KillUnknownIDIsNoop(t *testing.T) {
	c, peer := newTestConnection(t)

	e := wire.NewEncoder()
	require.NoError(t, e.WriteByte(wire.OpKill))
	require.NoError(t, e.WriteInt32(42))
	require.NoError(t, e.WriteInt32(int32(unix.SIGTERM)))
	require.NoError(t, peer.Send(e.Bytes(), nil))

	require.NoError(t, c.HandleFrame())
	assert.Empty(t, c.children)
}

func TestConnection_MalformedOpcodeIsSwallowed(t *testing.T) {
	c, peer := newTestConnection(t)

	require.NoError(t, peer.Send([]byte{0xEE, 1, 2, 3}, nil))

	err := c.HandleFrame()
	assert.NoError(t, err, "a malformed frame must not close the connection")
}

func TestConnection_ExecRejectedByConfigSendsSyntheticExit(t *testing.T) {
	c, peer := newTestConnection(t)

	e := wire.NewEncoder()
	require.NoError(t, e.WriteByte(wire.OpExec))
	require.NoError(t, e.WriteInt32(7))
	require.NoError(t, e.WriteString("echo"))
	require.NoError(t, e.WriteByte(wire.TagArg))
	require.NoError(t, e.WriteString("/bin/echo"))
	require.NoError(t, e.WriteByte(wire.TagUidGid))
	require.NoError(t, e.WriteUint32(9999)) // not DefaultUID
	require.NoError(t, e.WriteUint32(9999))
	require.NoError(t, e.WriteByte(0))
	require.NoError(t, peer.Send(e.Bytes(), nil))

	require.NoError(t, c.HandleFrame())

	var buf [wire.MaxPayload]byte
	n, _, err := peer.Recv(buf[:])
	require.NoError(t, err)
	d := wire.NewDecoder(buf[1:n], nil)
	assert.Equal(t, wire.OpExit, buf[0])
	id, err := d.ReadInt32()
	require.NoError(t, err)
	status, err := d.ReadInt32()
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	assert.Equal(t, wire.WExitCode(0xff), status)
	assert.Empty(t, c.children)
}

func TestConnection_ConnectWithNoAcceptorClosesFD(t *testing.T) {
	c, peer := newTestConnection(t)

	other, keep, err := unixsocket.NewSocketpair()
	require.NoError(t, err)
	t.Cleanup(func() { keep.Close() })

	e := wire.NewEncoder()
	require.NoError(t, e.WriteByte(wire.OpConnect))
	require.NoError(t, e.AddFD(other.Fd()))
	require.NoError(t, peer.Send(e.Bytes(), e.FDs()))
	other.Close()

	require.NoError(t, c.HandleFrame())
}

func TestConnection_CloseWithNoChildrenIsSafe(t *testing.T) {
	c, _ := newTestConnection(t)
	c.Close()
	c.Close() // idempotent
}
