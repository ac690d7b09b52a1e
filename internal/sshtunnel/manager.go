// Package sshtunnel maintains SSH client connections and per-endpoint
// Unix-socket tunnels for the reverse proxy. For each unique destination
// one SSH connection is kept; for each (destination, remote host, remote
// port) triple one local Unix socket runs an accept loop that relays
// every accepted connection over a direct-tcpip channel.
package sshtunnel

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"mng/internal/backend"
	"mng/internal/ids"
)

const (
	connectTimeout = 10 * time.Second
	acceptTimeout  = time.Second
	relayBufSize   = 64 * 1024
	joinTimeout    = 2 * time.Second
)

// SSHTunnelError reports a tunnel setup or relay failure.
type SSHTunnelError struct {
	Op    string
	Cause error
}

func (e *SSHTunnelError) Error() string {
	return fmt.Sprintf("ssh tunnel %s: %v", e.Op, e.Cause)
}

func (e *SSHTunnelError) Unwrap() error { return e.Cause }

// Conn is one SSH client connection capable of opening direct-tcpip
// channels. The real implementation wraps *ssh.Client; tests inject
// fakes.
type Conn interface {
	DialRemote(remoteHost string, remotePort int) (net.Conn, error)
	IsActive() bool
	Close() error
}

// Dialer opens SSH connections.
type Dialer interface {
	Dial(info backend.RemoteSSHInfo) (Conn, error)
}

// sshConn wraps a real SSH client.
type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) DialRemote(remoteHost string, remotePort int) (net.Conn, error) {
	return c.client.Dial("tcp", net.JoinHostPort(remoteHost, fmt.Sprint(remotePort)))
}

func (c *sshConn) IsActive() bool {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (c *sshConn) Close() error { return c.client.Close() }

// SSHDialer is the production dialer.
type SSHDialer struct{}

func (SSHDialer) Dial(info backend.RemoteSSHInfo) (Conn, error) {
	keyPath := info.KeyPath
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, &SSHTunnelError{Op: "read key", Cause: err}
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, &SSHTunnelError{Op: "parse key", Cause: err}
	}
	port := info.Port
	if port == 0 {
		port = 22
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(info.Host, fmt.Sprint(port)), &ssh.ClientConfig{
		User:            info.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	})
	if err != nil {
		return nil, &SSHTunnelError{Op: "connect", Cause: err}
	}
	return &sshConn{client: client}, nil
}

type connKey struct {
	user, host string
	port       int
	keyPath    string
}

type tunnelKey struct {
	conn       connKey
	remoteHost string
	remotePort int
}

type tunnel struct {
	socketPath string
	listener   net.Listener
	done       chan struct{}
	wg         *sync.WaitGroup
	alive      bool
	mu         sync.Mutex
}

func (t *tunnel) isAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

func (t *tunnel) setAlive(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive = v
}

// Manager owns the SSH connections, tunnels and their threads.
type Manager struct {
	dialer Dialer

	mu          sync.Mutex
	socketDir   string
	connections map[connKey]Conn
	tunnels     map[tunnelKey]*tunnel
	shutdown    chan struct{}
	wg          sync.WaitGroup
	closed      bool
}

// NewManager builds a manager using the production SSH dialer.
func NewManager() *Manager {
	return NewManagerWithDialer(SSHDialer{})
}

// NewManagerWithDialer builds a manager with an injected dialer (tests).
func NewManagerWithDialer(d Dialer) *Manager {
	return &Manager{
		dialer:      d,
		connections: make(map[connKey]Conn),
		tunnels:     make(map[tunnelKey]*tunnel),
		shutdown:    make(chan struct{}),
	}
}

func keyFor(info backend.RemoteSSHInfo) connKey {
	port := info.Port
	if port == 0 {
		port = 22
	}
	return connKey{user: info.User, host: info.Host, port: port, keyPath: info.KeyPath}
}

// getOrCreateConnection returns the cached client if its transport is
// still active, reconnecting otherwise.
func (m *Manager) getOrCreateConnection(info backend.RemoteSSHInfo) (Conn, error) {
	key := keyFor(info)
	if conn, ok := m.connections[key]; ok {
		if conn.IsActive() {
			return conn, nil
		}
		conn.Close()
		delete(m.connections, key)
	}
	conn, err := m.dialer.Dial(info)
	if err != nil {
		return nil, err
	}
	m.connections[key] = conn
	return conn, nil
}

// ensureSocketDir lazily creates the private directory holding the
// tunnel sockets.
func (m *Manager) ensureSocketDir() (string, error) {
	if m.socketDir != "" {
		return m.socketDir, nil
	}
	dir, err := os.MkdirTemp("", "mng-tunnels-*")
	if err != nil {
		return "", &SSHTunnelError{Op: "create socket dir", Cause: err}
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return "", &SSHTunnelError{Op: "chmod socket dir", Cause: err}
	}
	m.socketDir = dir
	return dir, nil
}

// GetTunnelSocketPath returns the Unix socket relaying to
// remoteHost:remotePort through the SSH destination, reusing the
// existing tunnel while its accept loop is alive.
func (m *Manager) GetTunnelSocketPath(info backend.RemoteSSHInfo, remoteHost string, remotePort int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", &SSHTunnelError{Op: "get tunnel", Cause: fmt.Errorf("manager is shut down")}
	}

	key := tunnelKey{conn: keyFor(info), remoteHost: remoteHost, remotePort: remotePort}
	if t, ok := m.tunnels[key]; ok && t.isAlive() {
		return t.socketPath, nil
	}

	conn, err := m.getOrCreateConnection(info)
	if err != nil {
		return "", err
	}

	dir, err := m.ensureSocketDir()
	if err != nil {
		return "", err
	}
	socketPath := filepath.Join(dir, ids.New("sock"))
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return "", &SSHTunnelError{Op: "listen", Cause: err}
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return "", &SSHTunnelError{Op: "chmod socket", Cause: err}
	}

	t := &tunnel{
		socketPath: socketPath,
		listener:   listener,
		done:       make(chan struct{}),
		wg:         &m.wg,
		alive:      true,
	}
	m.tunnels[key] = t

	m.wg.Add(1)
	go m.acceptLoop(t, conn, remoteHost, remotePort)
	return socketPath, nil
}

// acceptLoop accepts local connections and spawns a relay for each. The
// accept deadline is short so the shutdown event is checked frequently.
func (m *Manager) acceptLoop(t *tunnel, conn Conn, remoteHost string, remotePort int) {
	defer m.wg.Done()
	defer t.setAlive(false)
	defer t.listener.Close()

	unixListener := t.listener.(*net.UnixListener)
	for {
		select {
		case <-m.shutdown:
			return
		case <-t.done:
			return
		default:
		}
		unixListener.SetDeadline(time.Now().Add(acceptTimeout))
		local, err := unixListener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}
		remote, err := conn.DialRemote(remoteHost, remotePort)
		if err != nil {
			local.Close()
			continue
		}
		m.wg.Add(1)
		go m.relay(local, remote)
	}
}

// relay forwards bytes in both directions until either side reaches EOF
// or errors, then closes both.
func (m *Manager) relay(a, b net.Conn) {
	defer m.wg.Done()
	done := make(chan struct{}, 2)
	copyStream := func(dst, src net.Conn) {
		buf := make([]byte, relayBufSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go copyStream(a, b)
	go copyStream(b, a)

	select {
	case <-done:
	case <-m.shutdown:
	}
	a.Close()
	b.Close()
	// Drain the second direction if it finished too.
	select {
	case <-done:
	default:
	}
}

// Close signals shutdown, joins the accept and relay threads with a
// short timeout, closes the SSH clients and removes the socket
// directory.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.shutdown)
	for _, t := range m.tunnels {
		close(t.done)
		t.listener.Close()
	}
	conns := make([]Conn, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	socketDir := m.socketDir
	m.mu.Unlock()

	joined := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(joinTimeout):
	}

	for _, conn := range conns {
		conn.Close()
	}
	if socketDir != "" {
		os.RemoveAll(socketDir)
	}
	return nil
}
