package proxy

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth already happened via the session cookie; the proxy is
	// localhost-bound.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// proxyWebSocket upgrades the client connection and relays frames to the
// backend. Two pump goroutines run per connection; either side closing
// terminates both.
func (s *Server) proxyWebSocket(w http.ResponseWriter, r *http.Request, agentName, backendBase, backendPath string) {
	base, err := url.Parse(backendBase)
	if err != nil {
		http.Error(w, "invalid backend url", http.StatusBadGateway)
		return
	}
	target := *base
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = strings.TrimSuffix(base.Path, "/") + backendPath
	target.RawQuery = r.URL.RawQuery

	dialer := websocket.Dialer{}
	if sshInfo, known := s.Resolver.SSHInfo(r.Context(), agentName); known && sshInfo != nil && s.Tunnels != nil {
		host := base.Hostname()
		port := 80
		if base.Scheme == "https" {
			port = 443
		}
		if p := base.Port(); p != "" {
			if parsed, err := strconv.Atoi(p); err == nil {
				port = parsed
			}
		}
		socketPath, err := s.Tunnels.GetTunnelSocketPath(*sshInfo, host, port)
		if err != nil {
			http.Error(w, truncateError(err, 120), http.StatusBadGateway)
			return
		}
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		}
	}

	// Forward selected headers; the websocket handshake manages its own.
	header := http.Header{}
	for _, key := range []string{"Cookie", "Authorization", "Sec-WebSocket-Protocol"} {
		if value := r.Header.Get(key); value != "" {
			header.Set(key, value)
		}
	}

	backendConn, resp, err := dialer.Dial(target.String(), header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, truncateError(err, 120), status)
		return
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	errc := make(chan error, 2)
	pump := func(dst, src *websocket.Conn) {
		for {
			msgType, payload, err := src.ReadMessage()
			if err != nil {
				// Pass a close frame along so the peer sees a clean shutdown
				// with the original reason, truncated for the frame limit.
				reason := truncateError(err, 120)
				dst.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
				errc <- err
				return
			}
			if err := dst.WriteMessage(msgType, payload); err != nil {
				errc <- err
				return
			}
		}
	}
	go pump(backendConn, clientConn)
	go pump(clientConn, backendConn)
	<-errc
}
