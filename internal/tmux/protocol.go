package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Writing into a TUI via tmux is race-prone: send-keys returns as soon as
// keystrokes are queued, but the TUI may not have consumed them yet, and
// pressing Enter early submits a truncated prompt. The handshake below
// appends a unique marker, waits for it to render, strips it with
// backspaces, verifies the message tail is visible, and only then submits.

const (
	// SendMessageTimeout bounds each polling phase of the handshake.
	SendMessageTimeout = 10 * time.Second
	// CapturePaneTimeout bounds a single capture-pane call.
	CapturePaneTimeout = 5 * time.Second
	// EnterSubmissionWaitTimeout is how long to wait for the
	// user-prompt-submitted hook's wait-for signal. This needs to be
	// fairly long; a loaded machine can take a while to respond.
	EnterSubmissionWaitTimeout = 10 * time.Second

	pollInterval = 5 * time.Millisecond
)

// WaitChannelName is the tmux wait-for channel the agent's
// user-prompt-submitted hook signals for a given target pane.
func WaitChannelName(target string) string {
	return "mng-submit-" + target
}

// SendMessage feeds message into the target pane using marker-based
// synchronization and submits it with Enter once it is known to be fully
// ingested.
//
// On failure, partial text including the marker may remain in the input
// field. Cleanup is deliberately not attempted: deleting text risks
// removing part of the user's message, and stale marker text is safer
// than data loss.
func SendMessage(ctx context.Context, target, message string, run CommandRunner) error {
	marker := strings.ReplaceAll(uuid.New().String(), "-", "")

	res, err := run.Run(ctx, []string{"tmux", "send-keys", "-t", target, "-l", message + marker}, 0)
	if err != nil {
		return err
	}
	if !res.IsSuccess {
		return &TmuxSendError{Target: target, Reason: "tmux send-keys failed: " + firstNonEmpty(res.Stderr, res.Stdout)}
	}

	if err := waitForMarkerVisible(ctx, target, marker, run); err != nil {
		return err
	}
	if err := sendBackspaceWithNoop(ctx, target, len(marker), run); err != nil {
		return err
	}

	// Only the tail of the message's last line is visible on the input
	// line, so that is what we verify before submitting.
	lastLine := message
	if idx := strings.LastIndexByte(message, '\n'); idx >= 0 {
		lastLine = message[idx+1:]
	}
	expectedEnding := lastLine
	if len(lastLine) > 32 {
		expectedEnding = lastLine[len(lastLine)-32:]
	}
	if err := waitForMessageEnding(ctx, target, marker, expectedEnding, run); err != nil {
		return err
	}

	return sendEnterAndWait(ctx, target, run)
}

// CapturePane returns the current pane content, or ok=false on failure.
func CapturePane(ctx context.Context, target string, run CommandRunner) (string, bool) {
	res, err := run.Run(ctx, []string{"tmux", "capture-pane", "-t", target, "-p"}, CapturePaneTimeout)
	if err != nil || !res.IsSuccess {
		return "", false
	}
	return strings.TrimRight(res.Stdout, "\r\n "), true
}

// SessionExists reports whether a session with the exact name exists.
func SessionExists(ctx context.Context, session string, run CommandRunner) (bool, error) {
	res, err := run.Run(ctx, []string{"tmux", "has-session", "-t", "=" + session}, CapturePaneTimeout)
	if err != nil {
		return false, err
	}
	return res.IsSuccess, nil
}

// NewSession starts a detached session running command in workDir.
func NewSession(ctx context.Context, session, workDir, command string, run CommandRunner) error {
	args := []string{"tmux", "new-session", "-d", "-s", session}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if command != "" {
		args = append(args, command)
	}
	res, err := run.Run(ctx, args, 0)
	if err != nil {
		return err
	}
	if !res.IsSuccess {
		return &TmuxSendError{Target: session, Reason: "tmux new-session failed: " + firstNonEmpty(res.Stderr, res.Stdout)}
	}
	return nil
}

// KillSession terminates the session; missing sessions are not an error.
func KillSession(ctx context.Context, session string, run CommandRunner) error {
	res, err := run.Run(ctx, []string{"tmux", "kill-session", "-t", "=" + session}, CapturePaneTimeout)
	if err != nil {
		return err
	}
	if !res.IsSuccess && !strings.Contains(res.Stderr, "can't find session") {
		return &TmuxSendError{Target: session, Reason: "tmux kill-session failed: " + firstNonEmpty(res.Stderr, res.Stdout)}
	}
	return nil
}

// ListSessions returns the names of all live sessions.
func ListSessions(ctx context.Context, run CommandRunner) ([]string, error) {
	res, err := run.Run(ctx, []string{"tmux", "list-sessions", "-F", "#{session_name}"}, CapturePaneTimeout)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess {
		// No server running means no sessions.
		return nil, nil
	}
	var sessions []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sessions = append(sessions, line)
		}
	}
	return sessions, nil
}

func paneContains(ctx context.Context, target, text string, run CommandRunner) bool {
	content, ok := CapturePane(ctx, target, run)
	return ok && strings.Contains(content, text)
}

func pollUntil(ctx context.Context, timeout time.Duration, check func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// waitForMarkerVisible waits until the marker renders in the pane. The
// check is "in the pane", not "at the end": some TUIs render a status
// line below the input area.
func waitForMarkerVisible(ctx context.Context, target, marker string, run CommandRunner) error {
	if !pollUntil(ctx, SendMessageTimeout, func() bool {
		return paneContains(ctx, target, marker, run)
	}) {
		return &TmuxSendError{
			Target: target,
			Reason: fmt.Sprintf("timeout waiting for message marker to appear (waited %.1fs)", SendMessageTimeout.Seconds()),
		}
	}
	return nil
}

// sendBackspaceWithNoop removes the marker and sends a no-op key pair
// (Left then Right) to reset the input handler. Without the no-ops some
// input handlers treat the next Enter as a literal newline.
func sendBackspaceWithNoop(ctx context.Context, target string, count int, run CommandRunner) error {
	if count > 0 {
		args := []string{"tmux", "send-keys", "-t", target}
		for i := 0; i < count; i++ {
			args = append(args, "BSpace")
		}
		res, err := run.Run(ctx, args, 0)
		if err != nil {
			return err
		}
		if !res.IsSuccess {
			return &TmuxSendError{Target: target, Reason: "tmux send-keys BSpace failed: " + firstNonEmpty(res.Stderr, res.Stdout)}
		}
	}
	res, err := run.Run(ctx, []string{"tmux", "send-keys", "-t", target, "Left", "Right"}, 0)
	if err != nil {
		return err
	}
	if !res.IsSuccess {
		slog.Warn("failed to send noop keys", "target", target, "error", firstNonEmpty(res.Stderr, res.Stdout))
	}
	return nil
}

func waitForMessageEnding(ctx context.Context, target, marker, expectedEnding string, run CommandRunner) error {
	if !pollUntil(ctx, SendMessageTimeout, func() bool {
		content, ok := CapturePane(ctx, target, run)
		if !ok {
			return false
		}
		return !strings.Contains(content, marker) && strings.Contains(content, expectedEnding)
	}) {
		return &TmuxSendError{
			Target: target,
			Reason: fmt.Sprintf("timeout waiting for message to be ready for submission (waited %.1fs)", SendMessageTimeout.Seconds()),
		}
	}
	return nil
}

// sendEnterAndWait submits the message and waits for the wait-for signal
// from the agent's user-prompt-submitted hook. The wait starts BEFORE
// Enter is sent so the hook cannot fire before we are listening.
func sendEnterAndWait(ctx context.Context, target string, run CommandRunner) error {
	channel := WaitChannelName(target)
	res, err := run.Run(ctx, []string{
		"bash", "-c",
		`timeout $0 tmux wait-for "$1" & W=$!; tmux send-keys -t "$2" Enter; wait $W`,
		fmt.Sprintf("%.0f", EnterSubmissionWaitTimeout.Seconds()),
		channel,
		target,
	}, EnterSubmissionWaitTimeout+time.Second)
	if err != nil {
		return err
	}
	if res.IsSuccess {
		slog.Debug("message submitted", "target", target)
		return nil
	}

	if content, ok := CapturePane(ctx, target, run); ok {
		slog.Error("send enter and wait timeout", "target", target, "pane_content", content)
	} else {
		slog.Error("send enter and wait timeout, failed to capture pane content", "target", target)
	}
	return &TmuxSendError{
		Target: target,
		Reason: fmt.Sprintf("timeout waiting for message submission signal (waited %.0fs)", EnterSubmissionWaitTimeout.Seconds()),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
