package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mng/internal/auth"
	"mng/internal/backend"
)

func newTestProxy(t *testing.T, backendURL string) (*Server, auth.Store) {
	t.Helper()
	store, err := auth.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	resolver := &backend.StaticResolver{
		Servers: map[string]map[string]string{
			"alpha": {"web": backendURL, "api": backendURL},
		},
	}
	return &Server{Resolver: resolver, Auth: store}, store
}

func authedCookie(t *testing.T, store auth.Store, agentName string) *http.Cookie {
	t.Helper()
	token, _, err := store.IssueSessionToken(agentName)
	require.NoError(t, err)
	return &http.Cookie{Name: "sw_" + agentName, Value: token}
}

func TestAuthenticateConsumesCodeAndSetsScopedCookie(t *testing.T) {
	server, store := newTestProxy(t, "http://127.0.0.1:1")
	require.NoError(t, store.AddOneTimeCode("alpha", "AAA"))

	req := httptest.NewRequest("GET", "/authenticate?changeling_name=alpha&one_time_code=AAA", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/agents/alpha/", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "sw_alpha", cookies[0].Name)
	assert.Equal(t, "/agents/alpha/", cookies[0].Path)
	assert.NotEmpty(t, cookies[0].Value)

	valid, err := store.IsSessionValid("alpha", cookies[0].Value)
	require.NoError(t, err)
	assert.True(t, valid)

	// The code is consumed: a second authenticate fails.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/authenticate?changeling_name=alpha&one_time_code=AAA", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid or has already been used")
}

func TestLoginWithValidCookieDoesNotConsumeCode(t *testing.T) {
	server, store := newTestProxy(t, "http://127.0.0.1:1")
	require.NoError(t, store.AddOneTimeCode("alpha", "BBB"))

	req := httptest.NewRequest("GET", "/login?changeling_name=alpha&one_time_code=BBB", nil)
	req.AddCookie(authedCookie(t, store, "alpha"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	ok, err := store.ConsumeOneTimeCode("alpha", "BBB")
	require.NoError(t, err)
	assert.True(t, ok, "code must remain unconsumed")
}

func TestLoginWithoutCookieRedirectsViaJavaScript(t *testing.T) {
	server, store := newTestProxy(t, "http://127.0.0.1:1")
	require.NoError(t, store.AddOneTimeCode("alpha", "CCC"))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/login?changeling_name=alpha&one_time_code=CCC", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/authenticate?changeling_name=alpha&one_time_code=CCC")
}

func TestAgentRouteRequiresSession(t *testing.T) {
	server, _ := newTestProxy(t, "http://127.0.0.1:1")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/agents/alpha/whatever", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNavigationServesBootstrapOnce(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("backend says hi"))
	}))
	defer backendSrv.Close()
	server, store := newTestProxy(t, backendSrv.URL)
	cookie := authedCookie(t, store, "alpha")

	// Without the installed marker: bootstrap.
	req := httptest.NewRequest("GET", "/agents/alpha/", nil)
	req.AddCookie(cookie)
	req.Header.Set("sec-fetch-mode", "navigate")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "serviceWorker.register")
	assert.Contains(t, rec.Body.String(), "/agents/alpha/__sw.js")

	// With the installed marker: proxied through.
	req = httptest.NewRequest("GET", "/agents/alpha/", nil)
	req.AddCookie(cookie)
	req.AddCookie(&http.Cookie{Name: "sw_installed_alpha", Value: "1"})
	req.Header.Set("sec-fetch-mode", "navigate")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "backend says hi")
}

func TestServiceWorkerAsset(t *testing.T) {
	server, store := newTestProxy(t, "http://127.0.0.1:1")
	req := httptest.NewRequest("GET", "/agents/alpha/__sw.js", nil)
	req.AddCookie(authedCookie(t, store, "alpha"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"/agents/alpha/"`)
}

func TestProxyRewritesSetCookieAndDropsHopHeaders(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "sid=abc; Path=/")
		w.Header().Add("Set-Cookie", "theme=dark")
		w.Header().Set("X-Custom", "kept")
		w.Write([]byte("ok"))
	}))
	defer backendSrv.Close()
	server, store := newTestProxy(t, backendSrv.URL)

	req := httptest.NewRequest("GET", "/agents/alpha/api/status", nil)
	req.AddCookie(authedCookie(t, store, "alpha"))
	req.AddCookie(&http.Cookie{Name: "sw_installed_alpha", Value: "1"})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "kept", rec.Header().Get("X-Custom"))
	assert.Empty(t, rec.Header().Get("Content-Length"))

	// Multiple Set-Cookie headers survive, each with a rewritten path.
	setCookies := rec.Header().Values("Set-Cookie")
	require.Len(t, setCookies, 2)
	assert.Equal(t, "sid=abc; Path=/agents/alpha/", setCookies[0])
	assert.Equal(t, "theme=dark; Path=/agents/alpha/", setCookies[1])
}

func TestProxyInjectsShimIntoHTML(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><head></head><body>app</body></html>")
	}))
	defer backendSrv.Close()
	server, store := newTestProxy(t, backendSrv.URL)

	req := httptest.NewRequest("GET", "/agents/alpha/index.html", nil)
	req.AddCookie(authedCookie(t, store, "alpha"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "window.WebSocket")
}

func TestProxyUnknownAgentIs502(t *testing.T) {
	server, store := newTestProxy(t, "http://127.0.0.1:1")
	req := httptest.NewRequest("GET", "/agents/ghost/whatever", nil)
	req.AddCookie(authedCookie(t, store, "ghost"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxyUnreachableBackendIs502(t *testing.T) {
	// Port 1 refuses connections.
	server, store := newTestProxy(t, "http://127.0.0.1:1")
	req := httptest.NewRequest("GET", "/agents/alpha/x", nil)
	req.AddCookie(authedCookie(t, store, "alpha"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxySlowBackendIs504(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer backendSrv.Close()
	server, store := newTestProxy(t, backendSrv.URL)
	server.BackendTimeout = 50 * time.Millisecond

	req := httptest.NewRequest("GET", "/agents/alpha/slow", nil)
	req.AddCookie(authedCookie(t, store, "alpha"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestLandingListsAuthenticatedAgentsOnly(t *testing.T) {
	server, store := newTestProxy(t, "http://127.0.0.1:1")
	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(authedCookie(t, store, "alpha"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `/agents/alpha/`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Contains(t, rec.Body.String(), "No authenticated agents")
}

func TestFirstSegmentSelectsNamedServer(t *testing.T) {
	var seenPath string
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	}))
	defer backendSrv.Close()
	server, store := newTestProxy(t, backendSrv.URL)

	req := httptest.NewRequest("GET", "/agents/alpha/api/status", nil)
	req.AddCookie(authedCookie(t, store, "alpha"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	// "api" named a known server, so the backend sees the remaining path.
	assert.Equal(t, "/status", seenPath)

	req = httptest.NewRequest("GET", "/agents/alpha/unknown/path", nil)
	req.AddCookie(authedCookie(t, store, "alpha"))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	// Unknown first segment falls through to the default server intact.
	assert.Equal(t, "/unknown/path", seenPath)
}
