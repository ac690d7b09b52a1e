// Package tmux implements the marker-based protocol for feeding text
// into an interactive TUI through a terminal multiplexer. The protocol is
// generic over a CommandRunner so the same handshake works for local
// panes and panes on remote hosts.
package tmux

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mng/internal/procutil"
	"mng/internal/provider"
)

// Result is the outcome of one multiplexer command.
type Result struct {
	IsSuccess bool
	Stdout    string
	Stderr    string
}

// CommandRunner runs a command (as an argv list) with an optional
// timeout. Zero timeout means no limit.
type CommandRunner interface {
	Run(ctx context.Context, args []string, timeout time.Duration) (Result, error)
}

// LocalRunner executes commands as local subprocesses.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, args []string, timeout time.Duration) (Result, error) {
	proc, err := procutil.Run(ctx, args, procutil.Options{Timeout: timeout})
	if proc == nil {
		return Result{}, err
	}
	return Result{
		IsSuccess: proc.Success(),
		Stdout:    proc.Stdout,
		Stderr:    proc.Stderr,
	}, err
}

// HostRunner routes commands through a host's connector (which may be an
// SSH session, a Docker exec, or a local subprocess).
type HostRunner struct {
	Host provider.OnlineHost
}

func (r HostRunner) Run(ctx context.Context, args []string, timeout time.Duration) (Result, error) {
	res, err := r.Host.ExecuteCommand(ctx, JoinArgs(args), timeout)
	if err != nil {
		return Result{}, err
	}
	return Result{IsSuccess: res.Success, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// JoinArgs quotes an argv list into a single shell command line.
func JoinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`&|;<>(){}[]*?!~#%^") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// TmuxSendError reports a failed send to a pane.
type TmuxSendError struct {
	Target string
	Reason string
}

func (e *TmuxSendError) Error() string {
	return fmt.Sprintf("failed to send message to tmux pane %s: %s", e.Target, e.Reason)
}
