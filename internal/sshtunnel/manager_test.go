package sshtunnel

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mng/internal/backend"
)

// fakeConn hands out in-memory pipes in place of direct-tcpip channels;
// the test holds the remote ends.
type fakeConn struct {
	mu      sync.Mutex
	remotes []net.Conn
	active  bool
	closed  bool
}

func (c *fakeConn) DialRemote(remoteHost string, remotePort int) (net.Conn, error) {
	local, remote := net.Pipe()
	c.mu.Lock()
	c.remotes = append(c.remotes, remote)
	c.mu.Unlock()
	return local, nil
}

func (c *fakeConn) IsActive() bool { return c.active && !c.closed }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) lastRemote(t *testing.T) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.remotes)
		var remote net.Conn
		if n > 0 {
			remote = c.remotes[n-1]
		}
		c.mu.Unlock()
		if remote != nil {
			return remote
		}
		if time.Now().After(deadline) {
			t.Fatal("no remote connection was opened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(info backend.RemoteSSHInfo) (Conn, error) {
	conn := &fakeConn{active: true}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

var testSSHInfo = backend.RemoteSSHInfo{User: "agent", Host: "10.0.0.5", Port: 22, KeyPath: "/tmp/key"}

func TestTunnelRelaysBothDirections(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManagerWithDialer(dialer)
	defer m.Close()

	socketPath, err := m.GetTunnelSocketPath(testSSHInfo, "127.0.0.1", 9100)
	require.NoError(t, err)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	client, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer client.Close()

	remote := dialer.conns[0].lastRemote(t)
	defer remote.Close()

	// client -> remote
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = remote.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	// remote -> client
	_, err = remote.Write([]byte("pong"))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestTunnelReuse(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManagerWithDialer(dialer)
	defer m.Close()

	first, err := m.GetTunnelSocketPath(testSSHInfo, "127.0.0.1", 9100)
	require.NoError(t, err)
	second, err := m.GetTunnelSocketPath(testSSHInfo, "127.0.0.1", 9100)
	require.NoError(t, err)
	assert.Equal(t, first, second, "live tunnels are reused")

	other, err := m.GetTunnelSocketPath(testSSHInfo, "127.0.0.1", 9200)
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "distinct endpoints get distinct sockets")

	// One SSH connection serves both tunnels to the same destination.
	assert.Len(t, dialer.conns, 1)
}

func TestConnectionReconnectsWhenInactive(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManagerWithDialer(dialer)
	defer m.Close()

	_, err := m.GetTunnelSocketPath(testSSHInfo, "127.0.0.1", 9100)
	require.NoError(t, err)
	dialer.conns[0].active = false

	_, err = m.GetTunnelSocketPath(testSSHInfo, "127.0.0.1", 9300)
	require.NoError(t, err)
	assert.Len(t, dialer.conns, 2, "a dead transport is replaced")
}

func TestCloseRemovesSocketsAndRejectsNewTunnels(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManagerWithDialer(dialer)

	socketPath, err := m.GetTunnelSocketPath(testSSHInfo, "127.0.0.1", 9100)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "socket dir is removed on close")

	_, err = m.GetTunnelSocketPath(testSSHInfo, "127.0.0.1", 9100)
	var tunnelErr *SSHTunnelError
	assert.ErrorAs(t, err, &tunnelErr)

	assert.True(t, dialer.conns[0].closed, "ssh clients are closed")
}
