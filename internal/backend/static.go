package backend

import (
	"context"
	"sort"
)

// StaticResolver serves a fixed backend map; the testing variant.
type StaticResolver struct {
	// Servers maps agent name -> server name -> URL.
	Servers map[string]map[string]string
	// SSH maps agent name -> tunnel route (absent or nil means local).
	SSH map[string]*RemoteSSHInfo
}

func (r *StaticResolver) ServerURL(ctx context.Context, agentName, serverName string) (string, bool) {
	servers, ok := r.Servers[agentName]
	if !ok {
		return "", false
	}
	url, ok := servers[serverName]
	return url, ok
}

func (r *StaticResolver) SSHInfo(ctx context.Context, agentName string) (*RemoteSSHInfo, bool) {
	if _, known := r.Servers[agentName]; !known {
		return nil, false
	}
	return r.SSH[agentName], true
}

func (r *StaticResolver) AgentNames(ctx context.Context) []string {
	names := make([]string, 0, len(r.Servers))
	for name := range r.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
