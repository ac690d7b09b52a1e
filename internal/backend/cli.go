package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"mng/internal/procutil"
)

const cliTimeout = 10 * time.Second

// listEntry matches one object of `mng list --format json` output.
type listEntry struct {
	Host struct {
		Provider string `json:"provider"`
		ID       string `json:"id"`
	} `json:"host"`
	Agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"agent"`
}

// CLIResolver shells out to the mng CLI and caches the resulting backend
// map with a short TTL. Transient CLI failures never poison the cache:
// the previous map keeps serving until a refresh succeeds.
type CLIResolver struct {
	// Binary is the mng executable (default "mng").
	Binary string
	// ProviderSSH maps provider instance names to tunnel routes. Providers
	// absent from the map are local.
	ProviderSSH map[string]*RemoteSSHInfo

	mu        sync.Mutex
	servers   map[string]map[string]string
	ssh       map[string]*RemoteSSHInfo
	fetchedAt time.Time
}

func (r *CLIResolver) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "mng"
}

func (r *CLIResolver) ServerURL(ctx context.Context, agentName, serverName string) (string, bool) {
	servers, _ := r.snapshot(ctx)
	byServer, ok := servers[agentName]
	if !ok {
		return "", false
	}
	url, ok := byServer[serverName]
	return url, ok
}

func (r *CLIResolver) SSHInfo(ctx context.Context, agentName string) (*RemoteSSHInfo, bool) {
	servers, ssh := r.snapshot(ctx)
	if _, known := servers[agentName]; !known {
		return nil, false
	}
	return ssh[agentName], true
}

func (r *CLIResolver) AgentNames(ctx context.Context) []string {
	servers, _ := r.snapshot(ctx)
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// snapshot returns the cached map, refreshing when it is older than the
// TTL. A failed refresh serves the stale map.
func (r *CLIResolver) snapshot(ctx context.Context) (map[string]map[string]string, map[string]*RemoteSSHInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.fetchedAt) < CacheTTL && r.servers != nil {
		return r.servers, r.ssh
	}
	servers, ssh, err := r.fetch(ctx)
	if err != nil {
		slog.Warn("backend resolver refresh failed, serving cached map", "error", err)
		return r.servers, r.ssh
	}
	r.servers = servers
	r.ssh = ssh
	r.fetchedAt = time.Now()
	return r.servers, r.ssh
}

func (r *CLIResolver) fetch(ctx context.Context) (map[string]map[string]string, map[string]*RemoteSSHInfo, error) {
	proc, err := procutil.Run(ctx, []string{r.binary(), "list", "--format", "json", "--quiet"},
		procutil.Options{Timeout: cliTimeout})
	if err != nil {
		return nil, nil, err
	}
	if !proc.Success() {
		return nil, nil, &cliError{stderr: proc.Stderr}
	}

	var entries []listEntry
	if err := json.Unmarshal([]byte(proc.Stdout), &entries); err != nil {
		return nil, nil, err
	}

	servers := make(map[string]map[string]string)
	ssh := make(map[string]*RemoteSSHInfo)
	for _, entry := range entries {
		name := entry.Agent.Name
		if name == "" {
			continue
		}
		servers[name] = r.fetchServers(ctx, name)
		if r.ProviderSSH != nil {
			ssh[name] = r.ProviderSSH[entry.Host.Provider]
		}
	}
	return servers, ssh, nil
}

// fetchServers reads one agent's servers.jsonl. Invalid lines are skipped
// with a warning; later entries for the same server override earlier.
func (r *CLIResolver) fetchServers(ctx context.Context, agentName string) map[string]string {
	out := make(map[string]string)
	proc, err := procutil.Run(ctx, []string{r.binary(), "logs", agentName, "servers.jsonl", "--quiet"},
		procutil.Options{Timeout: cliTimeout})
	if err != nil || !proc.Success() {
		return out
	}
	for _, line := range strings.Split(proc.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry ServerEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Server == "" || entry.URL == "" {
			slog.Warn("skipping invalid servers.jsonl line", "agent", agentName, "line", line)
			continue
		}
		out[entry.Server] = entry.URL
	}
	return out
}

type cliError struct {
	stderr string
}

func (e *cliError) Error() string {
	msg := strings.TrimSpace(e.stderr)
	if msg == "" {
		msg = "non-zero exit"
	}
	return "mng list failed: " + msg
}
