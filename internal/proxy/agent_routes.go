package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// handleAgent serves /agents/{name}/{path...}: auth, service-worker
// bootstrap, then transparent proxying to the resolved backend.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentName, rest, ok := splitAgentPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if !s.hasValidSession(r, agentName) {
		http.Error(w, "not authenticated for agent "+agentName, http.StatusForbidden)
		return
	}

	if rest == "__sw.js" {
		s.serveServiceWorker(w, agentName)
		return
	}

	// Navigations without the installed marker get the bootstrap page,
	// which registers the service worker and reloads.
	if r.Header.Get("sec-fetch-mode") == "navigate" {
		if _, err := r.Cookie(swInstalledCookieName(agentName)); err != nil {
			s.serveBootstrap(w, agentName)
			return
		}
	}

	serverName, backendPath := splitServerPath(r.Context(), s, agentName, rest)
	backendURL, found := s.Resolver.ServerURL(r.Context(), agentName, serverName)
	if !found {
		http.Error(w, fmt.Sprintf("no backend for agent %s server %s", agentName, serverName), http.StatusBadGateway)
		return
	}

	if isWebSocketRequest(r) {
		s.proxyWebSocket(w, r, agentName, backendURL, backendPath)
		return
	}
	s.proxyHTTP(w, r, agentName, backendURL, backendPath)
}

// splitAgentPath splits "/agents/{name}/{rest}".
func splitAgentPath(path string) (agentName, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/agents/")
	if trimmed == path || trimmed == "" {
		return "", "", false
	}
	name, rest, _ := strings.Cut(trimmed, "/")
	if name == "" {
		return "", "", false
	}
	return name, rest, true
}

// splitServerPath maps the first path segment to a ServerName when the
// resolver knows it; everything else falls through to the default server
// with the full path, so root-relative agent UIs keep working.
func splitServerPath(ctx context.Context, s *Server, agentName, rest string) (serverName, backendPath string) {
	first, remainder, _ := strings.Cut(rest, "/")
	if first != "" {
		if _, known := s.Resolver.ServerURL(ctx, agentName, first); known {
			return first, "/" + remainder
		}
	}
	return DefaultServerName, "/" + rest
}

func (s *Server) serveServiceWorker(w http.ResponseWriter, agentName string) {
	raw, err := staticFiles.ReadFile("static/sw.js")
	if err != nil {
		http.Error(w, "missing service worker asset", http.StatusInternalServerError)
		return
	}
	body := strings.ReplaceAll(string(raw), "__AGENT_NAME__", agentName)
	w.Header().Set("Content-Type", "application/javascript")
	w.Write([]byte(body))
}

func (s *Server) serveBootstrap(w http.ResponseWriter, agentName string) {
	raw, err := staticFiles.ReadFile("static/bootstrap.html")
	if err != nil {
		http.Error(w, "missing bootstrap asset", http.StatusInternalServerError)
		return
	}
	body := strings.ReplaceAll(string(raw), "__AGENT_NAME__", agentName)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(body))
}

// transportFor returns the HTTP transport for the agent's backend,
// routing through an SSH tunnel when the host is remote.
func (s *Server) transportFor(ctx context.Context, agentName string, backendURL *url.URL) (http.RoundTripper, error) {
	sshInfo, known := s.Resolver.SSHInfo(ctx, agentName)
	if !known || sshInfo == nil {
		return http.DefaultTransport, nil
	}
	if s.Tunnels == nil {
		return nil, errors.New("agent is remote but no tunnel manager is configured")
	}
	host := backendURL.Hostname()
	port := 80
	if backendURL.Scheme == "https" {
		port = 443
	}
	if p := backendURL.Port(); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}
	socketPath, err := s.Tunnels.GetTunnelSocketPath(*sshInfo, host, port)
	if err != nil {
		return nil, err
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		},
	}, nil
}

// proxyHTTP forwards the request and rewrites the response per the
// cookie-scoping and path-prefix rules.
func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, agentName, backendBase, backendPath string) {
	base, err := url.Parse(backendBase)
	if err != nil {
		http.Error(w, "invalid backend url", http.StatusBadGateway)
		return
	}
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + backendPath
	target.RawQuery = r.URL.RawQuery

	ctx, cancel := context.WithTimeout(r.Context(), s.backendTimeout())
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "building backend request failed", http.StatusBadGateway)
		return
	}
	copyProxyHeaders(outReq.Header, r.Header)

	transport, err := s.transportFor(r.Context(), agentName, &target)
	if err != nil {
		http.Error(w, truncateError(err, 120), http.StatusBadGateway)
		return
	}
	client := &http.Client{
		Transport: transport,
		// Redirects pass through to the browser untouched.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(outReq)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, truncateError(err, 120), status)
		return
	}
	defer resp.Body.Close()

	isHTML := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html")

	// Hop-by-hop and length headers are dropped: the body may be rewritten
	// and is re-chunked by our server.
	for key, values := range resp.Header {
		switch strings.ToLower(key) {
		case "transfer-encoding", "content-encoding", "content-length":
			continue
		case "set-cookie":
			for _, value := range values {
				w.Header().Add("Set-Cookie", RewriteCookiePath(value, agentName))
			}
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if isHTML {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			http.Error(w, truncateError(err, 120), http.StatusBadGateway)
			return
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(InjectWebSocketShim(body, agentName))
		return
	}

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// copyProxyHeaders forwards request headers, dropping host.
func copyProxyHeaders(dst, src http.Header) {
	for key, values := range src {
		if strings.EqualFold(key, "host") {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func truncateError(err error, limit int) string {
	msg := err.Error()
	if len(msg) > limit {
		return msg[:limit]
	}
	return msg
}

func isWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
