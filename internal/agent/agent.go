// Package agent implements the agent entity: a process tree inside a
// host, attached to a persistent terminal session. Variants are keyed by
// agent_type and registered in a small registry; the rest of the system
// talks to them only through the Agent interface.
package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"mng/internal/mngerrors"
	"mng/internal/provider"
	"mng/internal/state"
)

// Agent is one running (or stopped) agent bound to its host.
type Agent interface {
	Data() state.AgentData
	// SessionName is the terminal-multiplexer session owned by this agent
	// while it is non-STOPPED: "<prefix><agent_name>".
	SessionName() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, content string) error
	LifecycleState(ctx context.Context) (state.AgentLifecycleState, error)
	CapturePaneContent(ctx context.Context) (string, bool)

	// ResumeMessage, if non-empty, is sent automatically after Start.
	ResumeMessage() string
	ReadyTimeout() time.Duration
	// OnDestroy runs cleanup before the state directory is removed.
	// Errors propagate, but directory cleanup still happens.
	OnDestroy(ctx context.Context) error
}

// Config carries the agent-facing settings from the user profile.
type Config struct {
	// SessionPrefix namespaces tmux session names, e.g. "mng-". Tests use
	// a distinct prefix for isolation.
	SessionPrefix string
	// TypeSettings holds per-agent-type settings from the profile.
	TypeSettings map[string]any
}

// Factory builds an agent variant bound to a host.
type Factory func(data state.AgentData, h provider.OnlineHost, cfg Config) (Agent, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterType makes an agent variant available under a type name.
func RegisterType(agentType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[agentType] = factory
}

// New builds the agent variant selected by data.Type. An empty type
// defaults to the TUI-backed variant.
func New(data state.AgentData, h provider.OnlineHost, cfg Config) (Agent, error) {
	agentType := data.Type
	if agentType == "" {
		agentType = TypeTUI
	}
	registryMu.RLock()
	factory, ok := registry[agentType]
	registryMu.RUnlock()
	if !ok {
		return nil, mngerrors.NewUserInputError("unknown agent type: %s", agentType)
	}
	return factory(data, h, cfg)
}

// Types lists the registered agent type names, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
