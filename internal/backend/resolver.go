// Package backend resolves reverse-proxy backends: which URL serves a
// given (agent, server) pair, and how to reach the agent's host when it
// is remote. Production resolution shells out to the mng CLI; tests use
// the static variant.
package backend

import (
	"context"
	"time"
)

// RemoteSSHInfo describes how to tunnel to an agent's host. Nil means the
// host is local and backends are dialed directly.
type RemoteSSHInfo struct {
	User    string `json:"user"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	KeyPath string `json:"key_path"`
}

// ServerEntry is one line of an agent's servers.jsonl log.
type ServerEntry struct {
	Server string `json:"server"`
	URL    string `json:"url"`
}

// Resolver maps agents to their exposed HTTP servers and SSH routes.
type Resolver interface {
	// ServerURL returns the backend URL for the named server of the named
	// agent, or ok=false when either is unknown.
	ServerURL(ctx context.Context, agentName, serverName string) (string, bool)
	// SSHInfo returns the tunnel route for the agent's host, or nil when
	// the host is local. ok=false means the agent is unknown.
	SSHInfo(ctx context.Context, agentName string) (*RemoteSSHInfo, bool)
	// AgentNames lists the currently known agents.
	AgentNames(ctx context.Context) []string
}

// CacheTTL bounds backend-map staleness.
const CacheTTL = 5 * time.Second
