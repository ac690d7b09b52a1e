package tmux

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePane simulates a tmux server with one pane: send-keys appends to
// the input line, BSpace deletes, capture-pane returns the content, and
// the wait-for leg of the Enter handshake succeeds immediately.
type fakePane struct {
	mu        sync.Mutex
	input     string
	submitted []string

	failSends    bool
	noWaitSignal bool
	commands     [][]string
}

func (p *fakePane) Run(ctx context.Context, args []string, timeout time.Duration) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, args)

	if args[0] == "bash" {
		// The Enter-and-wait handshake.
		if p.noWaitSignal {
			return Result{IsSuccess: false, Stderr: "wait-for timed out"}, nil
		}
		p.submitted = append(p.submitted, p.input)
		p.input = ""
		return Result{IsSuccess: true}, nil
	}

	switch args[1] {
	case "send-keys":
		if p.failSends {
			return Result{IsSuccess: false, Stderr: "no server running"}, nil
		}
		keys := args[4:]
		if args[4] == "-l" {
			p.input += args[5]
			return Result{IsSuccess: true}, nil
		}
		for _, key := range keys {
			switch key {
			case "BSpace":
				if len(p.input) > 0 {
					p.input = p.input[:len(p.input)-1]
				}
			case "Left", "Right":
				// no-ops
			}
		}
		return Result{IsSuccess: true}, nil
	case "capture-pane":
		return Result{IsSuccess: true, Stdout: p.input + "\n[status line]"}, nil
	}
	return Result{IsSuccess: false, Stderr: "unknown command"}, nil
}

func TestSendMessageSubmitsFullMessage(t *testing.T) {
	pane := &fakePane{}
	err := SendMessage(context.Background(), "mng-alpha", "hello world", pane)
	require.NoError(t, err)
	require.Len(t, pane.submitted, 1)
	assert.Equal(t, "hello world", pane.submitted[0])
}

func TestSendMessageRemovesMarkerBeforeSubmit(t *testing.T) {
	pane := &fakePane{}
	require.NoError(t, SendMessage(context.Background(), "mng-alpha", "check marker removal", pane))
	// The submitted text must contain no 32-hex marker remnant.
	assert.Equal(t, "check marker removal", pane.submitted[0])
}

func TestSendMessageTrailingNewline(t *testing.T) {
	// The expected-ending check uses the final line's last 32 chars, so a
	// message ending in \n still succeeds.
	pane := &fakePane{}
	err := SendMessage(context.Background(), "mng-alpha", "line one\n", pane)
	require.NoError(t, err)
	assert.Equal(t, "line one\n", pane.submitted[0])
}

func TestSendMessageLongSingleLine(t *testing.T) {
	pane := &fakePane{}
	long := strings.Repeat("x", 100) + "tail-of-the-message-is-visible!!"
	require.NoError(t, SendMessage(context.Background(), "mng-alpha", long, pane))
	assert.Equal(t, long, pane.submitted[0])
}

func TestSendMessageFailsWhenSendKeysFails(t *testing.T) {
	pane := &fakePane{failSends: true}
	err := SendMessage(context.Background(), "mng-alpha", "hi", pane)
	var sendErr *TmuxSendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "mng-alpha", sendErr.Target)
	assert.Contains(t, sendErr.Reason, "send-keys failed")
}

func TestSendMessageTimesOutWhenSubmitSignalMissing(t *testing.T) {
	pane := &fakePane{noWaitSignal: true}
	err := SendMessage(context.Background(), "mng-alpha", "hi", pane)
	var sendErr *TmuxSendError
	require.ErrorAs(t, err, &sendErr)
	assert.Contains(t, sendErr.Reason, "submission signal")
}

func TestCapturePane(t *testing.T) {
	pane := &fakePane{}
	pane.input = "some content"
	content, ok := CapturePane(context.Background(), "mng-alpha", pane)
	require.True(t, ok)
	assert.Contains(t, content, "some content")
}

func TestWaitChannelName(t *testing.T) {
	assert.Equal(t, "mng-submit-mng-alpha", WaitChannelName("mng-alpha"))
}

func TestJoinArgsQuoting(t *testing.T) {
	assert.Equal(t, `tmux send-keys -t 'a b' 'it'\''s'`,
		JoinArgs([]string{"tmux", "send-keys", "-t", "a b", "it's"}))
	assert.Equal(t, "plain args", JoinArgs([]string{"plain", "args"}))
	assert.Equal(t, "''", JoinArgs([]string{""}))
}
