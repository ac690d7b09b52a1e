package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"mng/internal/host"
	"mng/internal/provider"
	"mng/internal/state"
	"mng/internal/tmux"
)

// TypeTUI is the default agent variant: an interactive TUI process in a
// persistent tmux session, messaged through the marker-based handshake.
const TypeTUI = "tui"

func init() {
	RegisterType(TypeTUI, func(data state.AgentData, h provider.OnlineHost, cfg Config) (Agent, error) {
		return NewTUIAgent(data, h, cfg), nil
	})
}

// TUIAgent messages its process through the terminal multiplexer.
type TUIAgent struct {
	data   state.AgentData
	host   provider.OnlineHost
	prefix string
	runner tmux.CommandRunner
}

// NewTUIAgent builds the variant without registry dispatch, for embedding
// by subtypes.
func NewTUIAgent(data state.AgentData, h provider.OnlineHost, cfg Config) *TUIAgent {
	return &TUIAgent{
		data:   data,
		host:   h,
		prefix: cfg.SessionPrefix,
		runner: tmux.HostRunner{Host: h},
	}
}

func (a *TUIAgent) Data() state.AgentData { return a.data }

func (a *TUIAgent) SessionName() string { return a.prefix + a.data.Name }

// activeSentinelPath is the file the agent's hooks maintain: present
// while the agent is busy, removed when it goes idle.
func (a *TUIAgent) activeSentinelPath() string {
	return filepath.Join(host.AgentDir(a.host.HostDir(), a.data.ID), "active")
}

// Start creates the tmux session running the agent command. Starting an
// agent whose session already exists is a no-op.
func (a *TUIAgent) Start(ctx context.Context) error {
	exists, err := tmux.SessionExists(ctx, a.SessionName(), a.runner)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if a.data.Command == "" {
		return fmt.Errorf("agent %s has no command defined", a.data.Name)
	}
	command := fmt.Sprintf("set -a; . '%s' 2>/dev/null; set +a; exec %s",
		filepath.Join(host.AgentDir(a.host.HostDir(), a.data.ID), "env"), a.data.Command)
	if err := tmux.NewSession(ctx, a.SessionName(), a.data.WorkDir, command, a.runner); err != nil {
		return err
	}
	if err := a.host.TouchActivity(ctx, state.ActivitySourceAgent); err != nil {
		slog.Warn("failed to touch agent activity source", "agent", a.data.Name, "error", err)
	}
	return nil
}

// Stop kills the tmux session, moving the agent to STOPPED.
func (a *TUIAgent) Stop(ctx context.Context) error {
	return tmux.KillSession(ctx, a.SessionName(), a.runner)
}

// SendMessage runs the marker-based handshake against the agent's pane.
func (a *TUIAgent) SendMessage(ctx context.Context, content string) error {
	st, err := a.LifecycleState(ctx)
	if err != nil {
		return err
	}
	if !st.CanReceiveMessages() {
		return fmt.Errorf("agent %s is %s; start it before sending messages", a.data.Name, st)
	}
	return tmux.SendMessage(ctx, a.SessionName(), content, a.runner)
}

// LifecycleState derives the state from the session and the active
// sentinel. REPLACED means a newer agent record with the same name exists
// on the host: the session name now belongs to it.
func (a *TUIAgent) LifecycleState(ctx context.Context) (state.AgentLifecycleState, error) {
	exists, err := tmux.SessionExists(ctx, a.SessionName(), a.runner)
	if err != nil {
		return "", err
	}
	if !exists {
		return state.AgentStopped, nil
	}

	agents, err := a.host.GetAgents(ctx)
	if err == nil {
		for _, other := range agents {
			if other.Name == a.data.Name && other.ID != a.data.ID && other.CreateTime.After(a.data.CreateTime) {
				return state.AgentReplaced, nil
			}
		}
	}

	res, err := a.host.ExecuteCommand(ctx,
		fmt.Sprintf("test -e '%s'", a.activeSentinelPath()), 10*time.Second)
	if err != nil {
		return "", err
	}
	if res.Success {
		return state.AgentRunning, nil
	}
	return state.AgentWaiting, nil
}

// CapturePaneContent returns the current pane content, or ok=false.
func (a *TUIAgent) CapturePaneContent(ctx context.Context) (string, bool) {
	return tmux.CapturePane(ctx, a.SessionName(), a.runner)
}

func (a *TUIAgent) ResumeMessage() string { return "" }

func (a *TUIAgent) ReadyTimeout() time.Duration { return 30 * time.Second }

// OnDestroy kills the session if it still exists.
func (a *TUIAgent) OnDestroy(ctx context.Context) error {
	return a.Stop(ctx)
}
