package proxy

import (
	"bytes"
	"strings"
)

// RewriteCookiePath prefixes a Set-Cookie Path attribute with
// /agents/{name} so backend cookies stay scoped to their agent. A cookie
// without a Path gets /agents/{name}/; a path already carrying the
// prefix is left alone.
func RewriteCookiePath(setCookie, agentName string) string {
	prefix := "/agents/" + agentName
	parts := strings.Split(setCookie, ";")
	pathSeen := false
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if !strings.HasPrefix(strings.ToLower(trimmed), "path=") {
			continue
		}
		pathSeen = true
		value := trimmed[len("path="):]
		if strings.HasPrefix(value, prefix) {
			continue
		}
		if !strings.HasPrefix(value, "/") {
			value = "/" + value
		}
		rewritten := prefix + value
		// Preserve the original leading whitespace of the attribute.
		leading := part[:len(part)-len(strings.TrimLeft(part, " "))]
		parts[i] = leading + "Path=" + rewritten
	}
	if !pathSeen {
		parts = append(parts, " Path="+prefix+"/")
	}
	return strings.Join(parts, ";")
}

// webSocketShim wraps the page's WebSocket constructor so same-origin
// socket URLs gain the agent prefix, mirroring what the service worker
// does for fetches.
const webSocketShim = `<script>
(function () {
  var prefix = "/agents/__AGENT_NAME__";
  var Native = window.WebSocket;
  function Wrapped(url, protocols) {
    try {
      var parsed = new URL(url, window.location.href);
      if (parsed.host === window.location.host && parsed.pathname.indexOf(prefix + "/") !== 0) {
        parsed.pathname = prefix + parsed.pathname;
        url = parsed.toString();
      }
    } catch (e) {}
    return protocols === undefined ? new Native(url) : new Native(url, protocols);
  }
  Wrapped.prototype = Native.prototype;
  Wrapped.CONNECTING = Native.CONNECTING;
  Wrapped.OPEN = Native.OPEN;
  Wrapped.CLOSING = Native.CLOSING;
  Wrapped.CLOSED = Native.CLOSED;
  window.WebSocket = Wrapped;
})();
</script>`

// InjectWebSocketShim inserts the shim right after <head> in an HTML
// body. Documents without a head tag are returned unchanged.
func InjectWebSocketShim(body []byte, agentName string) []byte {
	shim := []byte(strings.ReplaceAll(webSocketShim, "__AGENT_NAME__", agentName))
	idx := bytes.Index(bytes.ToLower(body), []byte("<head>"))
	if idx < 0 {
		return body
	}
	insertAt := idx + len("<head>")
	out := make([]byte, 0, len(body)+len(shim))
	out = append(out, body[:insertAt]...)
	out = append(out, shim...)
	out = append(out, body[insertAt:]...)
	return out
}
