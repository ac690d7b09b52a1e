package docker

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mng/internal/provider"
)

// Connector is the provider's command-runner handle: every operation is a
// Docker exec against the host's container.
type Connector struct {
	client      *Client
	containerID string
}

func (c *Connector) Run(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := c.client.Exec(runCtx, c.containerID, []string{"/bin/sh", "-c", command}, nil)
	if err != nil {
		return provider.ExecResult{}, err
	}
	return provider.ExecResult{
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
		Success: res.ExitCode == 0,
	}, nil
}

// WriteFile streams the payload through exec stdin, base64-encoded so
// binary content survives the shell.
func (c *Connector) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("mkdir -p '%s' && base64 -d > '%s' && chmod %o '%s'",
		filepath.Dir(path), path, mode.Perm(), path)
	res, err := c.client.Exec(ctx, c.containerID, []string{"/bin/sh", "-c", cmd}, []byte(encoded))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("writing %s in container: %s", path, res.Stderr)
	}
	return nil
}

func (c *Connector) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := c.client.Exec(ctx, c.containerID, []string{"/bin/sh", "-c", fmt.Sprintf("base64 < '%s'", path)}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("reading %s in container: %s", path, res.Stderr)
	}
	// base64 wraps its output; strip all whitespace before decoding.
	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, res.Stdout)
	return base64.StdEncoding.DecodeString(compact)
}
