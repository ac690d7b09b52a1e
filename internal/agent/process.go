package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"mng/internal/host"
	"mng/internal/provider"
	"mng/internal/state"
)

// TypeProcess is the bare-process variant: a background process with a
// pidfile, no terminal session and no message channel.
const TypeProcess = "process"

func init() {
	RegisterType(TypeProcess, func(data state.AgentData, h provider.OnlineHost, cfg Config) (Agent, error) {
		return &ProcessAgent{data: data, host: h, prefix: cfg.SessionPrefix}, nil
	})
}

// ProcessAgent runs its command under nohup and tracks it by pid.
type ProcessAgent struct {
	data   state.AgentData
	host   provider.OnlineHost
	prefix string
}

func (a *ProcessAgent) Data() state.AgentData { return a.data }

func (a *ProcessAgent) SessionName() string { return a.prefix + a.data.Name }

func (a *ProcessAgent) pidPath() string {
	return filepath.Join(host.AgentDir(a.host.HostDir(), a.data.ID), "pid")
}

func (a *ProcessAgent) logPath() string {
	return filepath.Join(host.AgentDir(a.host.HostDir(), a.data.ID), "logs", "process.log")
}

func (a *ProcessAgent) Start(ctx context.Context) error {
	st, err := a.LifecycleState(ctx)
	if err != nil {
		return err
	}
	if st == state.AgentRunning {
		return nil
	}
	if a.data.Command == "" {
		return fmt.Errorf("agent %s has no command defined", a.data.Name)
	}
	cmd := fmt.Sprintf("cd '%s' && nohup sh -c '%s' >> '%s' 2>&1 & echo $! > '%s'",
		a.data.WorkDir, strings.ReplaceAll(a.data.Command, "'", `'\''`), a.logPath(), a.pidPath())
	res, err := a.host.ExecuteCommand(ctx, cmd, 30*time.Second)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("starting process agent %s: %s", a.data.Name, res.Stderr)
	}
	return nil
}

func (a *ProcessAgent) Stop(ctx context.Context) error {
	cmd := fmt.Sprintf("test -f '%s' && kill \"$(cat '%s')\" 2>/dev/null; rm -f '%s'",
		a.pidPath(), a.pidPath(), a.pidPath())
	_, err := a.host.ExecuteCommand(ctx, cmd, 30*time.Second)
	return err
}

// SendMessage is not supported: there is no input channel to a bare
// process.
func (a *ProcessAgent) SendMessage(ctx context.Context, content string) error {
	return fmt.Errorf("agent %s is a bare process and cannot receive messages", a.data.Name)
}

func (a *ProcessAgent) LifecycleState(ctx context.Context) (state.AgentLifecycleState, error) {
	cmd := fmt.Sprintf("test -f '%s' && kill -0 \"$(cat '%s')\" 2>/dev/null", a.pidPath(), a.pidPath())
	res, err := a.host.ExecuteCommand(ctx, cmd, 10*time.Second)
	if err != nil {
		return "", err
	}
	if res.Success {
		return state.AgentRunning, nil
	}
	return state.AgentStopped, nil
}

func (a *ProcessAgent) CapturePaneContent(ctx context.Context) (string, bool) {
	res, err := a.host.ExecuteCommand(ctx, fmt.Sprintf("tail -c 4096 '%s' 2>/dev/null", a.logPath()), 10*time.Second)
	if err != nil || !res.Success {
		return "", false
	}
	return res.Stdout, true
}

func (a *ProcessAgent) ResumeMessage() string { return "" }

func (a *ProcessAgent) ReadyTimeout() time.Duration { return 10 * time.Second }

func (a *ProcessAgent) OnDestroy(ctx context.Context) error {
	return a.Stop(ctx)
}
