// Package activitywatch renders and installs the in-host shell scripts
// that keep idle detection working without the control plane: the idle
// watcher and the volume sync loop. Both run under nohup in background
// shells started during provisioning.
package activitywatch

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"path"
	"text/template"
	"time"

	"mng/internal/provider"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	watcherTmpl = template.Must(template.ParseFS(templateFS, "templates/activity_watcher.sh.tmpl"))
	syncTmpl    = template.Must(template.ParseFS(templateFS, "templates/volume_sync.sh.tmpl"))
)

// Options configures the rendered scripts.
type Options struct {
	// ShutdownCommand is the host-level command the watcher invokes when
	// the idle limit trips.
	ShutdownCommand string
	// VolumeMount enables the sync loop when non-empty.
	VolumeMount          string
	CheckIntervalSeconds int
	SyncIntervalSeconds  int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ShutdownCommand == "" {
		out.ShutdownCommand = "poweroff"
	}
	if out.CheckIntervalSeconds <= 0 {
		out.CheckIntervalSeconds = 30
	}
	if out.SyncIntervalSeconds <= 0 {
		out.SyncIntervalSeconds = 60
	}
	return out
}

// RenderWatcher renders the idle watcher script for a host directory.
func RenderWatcher(hostDir string, opts Options) (string, error) {
	opts = (&opts).withDefaults()
	var buf bytes.Buffer
	err := watcherTmpl.Execute(&buf, struct {
		HostDir              string
		CheckIntervalSeconds int
		ShutdownCommand      string
	}{hostDir, opts.CheckIntervalSeconds, opts.ShutdownCommand})
	if err != nil {
		return "", fmt.Errorf("rendering activity watcher: %w", err)
	}
	return buf.String(), nil
}

// RenderVolumeSync renders the volume sync loop script.
func RenderVolumeSync(opts Options) (string, error) {
	opts = (&opts).withDefaults()
	var buf bytes.Buffer
	err := syncTmpl.Execute(&buf, struct {
		VolumeMount         string
		SyncIntervalSeconds int
	}{opts.VolumeMount, opts.SyncIntervalSeconds})
	if err != nil {
		return "", fmt.Errorf("rendering volume sync: %w", err)
	}
	return buf.String(), nil
}

// Install uploads the scripts to <host_dir>/commands/ and starts them in
// background shells. Installation is idempotent: an already-running
// watcher is left alone.
func Install(ctx context.Context, h provider.OnlineHost, opts Options) error {
	hostDir := h.HostDir()
	commandsDir := path.Join(hostDir, "commands")

	watcher, err := RenderWatcher(hostDir, opts)
	if err != nil {
		return err
	}
	watcherPath := path.Join(commandsDir, "activity_watcher.sh")
	if err := h.WriteFile(ctx, watcherPath, []byte(watcher), 0o755); err != nil {
		return err
	}

	mkLogs := fmt.Sprintf("mkdir -p '%s'", path.Join(hostDir, "logs"))
	if res, err := h.ExecuteCommand(ctx, mkLogs, time.Minute); err != nil {
		return err
	} else if !res.Success {
		return fmt.Errorf("creating host logs dir: %s", res.Stderr)
	}

	start := fmt.Sprintf(
		"pgrep -f '%s' >/dev/null 2>&1 || nohup sh '%s' >/dev/null 2>&1 &",
		watcherPath, watcherPath)
	if res, err := h.ExecuteCommand(ctx, start, time.Minute); err != nil {
		return err
	} else if !res.Success {
		return fmt.Errorf("starting activity watcher: %s", res.Stderr)
	}

	if opts.VolumeMount != "" {
		syncScript, err := RenderVolumeSync(opts)
		if err != nil {
			return err
		}
		syncPath := path.Join(commandsDir, "volume_sync.sh")
		if err := h.WriteFile(ctx, syncPath, []byte(syncScript), 0o755); err != nil {
			return err
		}
		start := fmt.Sprintf(
			"pgrep -f '%s' >/dev/null 2>&1 || nohup sh '%s' >/dev/null 2>&1 &",
			syncPath, syncPath)
		if res, err := h.ExecuteCommand(ctx, start, time.Minute); err != nil {
			return err
		} else if !res.Success {
			return fmt.Errorf("starting volume sync: %s", res.Stderr)
		}
	}
	return nil
}
