package ssh

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"mng/internal/provider"
)

// Connector runs commands over one SSH session per command, reusing the
// provider's cached client connection.
type Connector struct {
	provider *Provider
}

func (c *Connector) homeDir(ctx context.Context) (string, error) {
	res, err := c.Run(ctx, "echo -n \"$HOME\"", connectTimeout)
	if err != nil {
		return "", err
	}
	if !res.Success || res.Stdout == "" {
		return "", fmt.Errorf("resolving remote home directory: %s", res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (c *Connector) Run(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	client, err := c.provider.connect()
	if err != nil {
		return provider.ExecResult{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		return provider.ExecResult{}, fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case runErr := <-done:
		result := provider.ExecResult{
			Stdout:  outBuf.String(),
			Stderr:  errBuf.String(),
			Success: runErr == nil,
		}
		if runErr != nil {
			if _, ok := runErr.(*ssh.ExitError); !ok {
				return result, fmt.Errorf("running ssh command: %w", runErr)
			}
		}
		return result, nil
	case <-timer:
		session.Close()
		return provider.ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String()},
			fmt.Errorf("ssh command timed out after %s", timeout)
	case <-ctx.Done():
		session.Close()
		return provider.ExecResult{}, ctx.Err()
	}
}

func (c *Connector) WriteFile(ctx context.Context, p string, data []byte, mode os.FileMode) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("mkdir -p '%s' && base64 -d > '%s' && chmod %o '%s'",
		path.Dir(p), p, mode.Perm(), p)

	client, err := c.provider.connect()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = strings.NewReader(encoded)
	var errBuf bytes.Buffer
	session.Stderr = &errBuf
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("writing %s over ssh: %s", p, strings.TrimSpace(errBuf.String()))
	}
	return nil
}

func (c *Connector) ReadFile(ctx context.Context, p string) ([]byte, error) {
	res, err := c.Run(ctx, fmt.Sprintf("base64 < '%s'", p), time.Minute)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("reading %s over ssh: %s", p, res.Stderr)
	}
	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, res.Stdout)
	return base64.StdEncoding.DecodeString(compact)
}
