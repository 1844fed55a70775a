package server

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower/spawnd/internal/cgroupstate"
	"github.com/watchtower/spawnd/internal/config"
	"github.com/watchtower/spawnd/internal/unixsocket"
	"github.com/watchtower/spawnd/internal/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(config.Default(1000, 1000), &cgroupstate.State{}, nil, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServer_SeedWithoutCgroupsSkipsHandshake(t *testing.T) {
	s := newTestServer(t)

	a, b, err := unixsocket.NewSocketpair()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, s.Seed(a.Fd()))
	assert.Len(t, s.conns, 1)
}

func TestServer_AddConnectionRegistersWithEpoll(t *testing.T) {
	s := newTestServer(t)

	a, b, err := unixsocket.NewSocketpair()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, s.AddConnection(a.Fd()))
	require.Len(t, s.conns, 1)

	var fd int
	for k := range s.conns {
		fd = k
	}
	s.removeConnection(fd)
	assert.Empty(t, s.conns)
}

func TestServer_IdleShutdownFiresAfterLastConnectionCloses(t *testing.T) {
	s := newTestServer(t)

	a, b, err := unixsocket.NewSocketpair()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, s.AddConnection(a.Fd()))
	var fd int
	for k := range s.conns {
		fd = k
	}

	assert.False(t, s.stopped)
	s.removeConnection(fd)
	assert.True(t, s.stopped, "idle shutdown must fire once the connection set drains")
}

func TestServer_RunExitsOnImmediateIdleShutdown(t *testing.T) {
	s := newTestServer(t)

	a, b, err := unixsocket.NewSocketpair()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, s.AddConnection(a.Fd()))
	var fd int
	for k := range s.conns {
		fd = k
	}
	s.removeConnection(fd)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never exited after idle shutdown")
	}
}

func TestServer_SeedWritesCgroupsAvailableHandshake(t *testing.T) {
	cg := &cgroupstate.State{GroupPath: "/system.slice/spawnd.service"}
	s, err := New(config.Default(1000, 1000), cg, nil, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	a, b, err := unixsocket.NewSocketpair()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, s.Seed(a.Fd()))

	var buf [wire.MaxPayload]byte
	n, _, err := b.Recv(buf[:])
	require.NoError(t, err)
	assert.Equal(t, []byte{wire.OpCgroupsAvailable}, buf[:n])
}
