// Package proxy implements the authenticated reverse proxy that exposes
// running agents' HTTP servers to a local browser: one-time-code login,
// per-agent cookie scoping, service-worker path rewriting, and SSH
// tunneling into remote hosts.
package proxy

import (
	"embed"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mng/internal/auth"
	"mng/internal/backend"
	"mng/internal/metrics"
	"mng/internal/sshtunnel"
)

//go:embed static/*
var staticFiles embed.FS

// DefaultBackendTimeout bounds one proxied request.
const DefaultBackendTimeout = 30 * time.Second

// DefaultServerName is the server a request maps to when its first path
// segment does not name a known server.
const DefaultServerName = "web"

// Server is the reverse proxy.
type Server struct {
	Port     int
	Resolver backend.Resolver
	Auth     auth.Store
	Tunnels  *sshtunnel.Manager
	Metrics  *metrics.Metrics

	BackendTimeout time.Duration
}

// Handler builds the HTTP handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleLanding)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/authenticate", s.handleAuthenticate)
	mux.HandleFunc("/agents/", s.handleAgent)

	var handler http.Handler = mux
	if s.Metrics != nil {
		handler = s.Metrics.RequestTrackingMiddleware(handler)
	}
	return handler
}

// Start runs the server. Bound to localhost: the proxy is a local
// browser's door into the fleet, not a public endpoint.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.Port)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) backendTimeout() time.Duration {
	if s.BackendTimeout > 0 {
		return s.BackendTimeout
	}
	return DefaultBackendTimeout
}

// sessionCookieName is the per-agent auth cookie.
func sessionCookieName(agentName string) string { return "sw_" + agentName }

// swInstalledCookieName suppresses the bootstrap once the service worker
// is registered.
func swInstalledCookieName(agentName string) string { return "sw_installed_" + agentName }

// hasValidSession checks the request's cookie for the agent.
func (s *Server) hasValidSession(r *http.Request, agentName string) bool {
	cookie, err := r.Cookie(sessionCookieName(agentName))
	if err != nil {
		return false
	}
	valid, err := s.Auth.IsSessionValid(agentName, cookie.Value)
	return err == nil && valid
}

// handleLanding lists the agents the caller is authenticated for, as
// determined by which per-agent cookies the request carries.
func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	var authed []string
	for _, name := range s.Resolver.AgentNames(r.Context()) {
		if s.hasValidSession(r, name) {
			authed = append(authed, name)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html><head><title>mng agents</title></head><body>\n<h1>Agents</h1>\n")
	if len(authed) == 0 {
		sb.WriteString("<p>No authenticated agents. Open a login link from the CLI.</p>\n")
	} else {
		sb.WriteString("<ul>\n")
		for _, name := range authed {
			fmt.Fprintf(&sb, "<li><a href=\"/agents/%s/\">%s</a></li>\n", name, name)
		}
		sb.WriteString("</ul>\n")
	}
	sb.WriteString("</body></html>\n")
	w.Write([]byte(sb.String()))
}

// handleLogin is the browser-facing endpoint that JavaScript-redirects to
// /authenticate. A caller that already holds a valid cookie is redirected
// home without consuming the code.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	agentName := r.URL.Query().Get("changeling_name")
	code := r.URL.Query().Get("one_time_code")
	if agentName == "" || code == "" {
		http.Error(w, "missing changeling_name or one_time_code", http.StatusBadRequest)
		return
	}
	if s.hasValidSession(r, agentName) {
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><script>
window.location = "/authenticate?changeling_name=%s&one_time_code=%s";
</script></head><body>Logging in…</body></html>
`, agentName, code)
}

// handleAuthenticate validates and consumes the one-time code, issues a
// session token scoped to the agent's path, and redirects into the agent.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	agentName := r.URL.Query().Get("changeling_name")
	code := r.URL.Query().Get("one_time_code")
	if agentName == "" || code == "" {
		http.Error(w, "missing changeling_name or one_time_code", http.StatusBadRequest)
		return
	}

	consumed, err := s.Auth.ConsumeOneTimeCode(agentName, code)
	if err != nil {
		http.Error(w, "auth store error", http.StatusInternalServerError)
		return
	}
	if !consumed {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html><body><h1>Login failed</h1>
<p>The one-time code for %s is invalid or has already been used. Ask for a fresh login link.</p>
</body></html>
`, agentName)
		return
	}

	token, _, err := s.Auth.IssueSessionToken(agentName)
	if err != nil {
		http.Error(w, "auth store error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName(agentName),
		Value:    token,
		Path:     "/agents/" + agentName + "/",
		HttpOnly: true,
	})
	http.Redirect(w, r, "/agents/"+agentName+"/", http.StatusTemporaryRedirect)
}
