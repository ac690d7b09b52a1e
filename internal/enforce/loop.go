// Package enforce implements the fleet-wide enforcement loop: idle-stop
// RUNNING hosts, stop hosts stuck in STARTING, destroy hosts stuck in
// STOPPING. Runs one-shot or on a watch interval.
package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"mng/internal/fleet"
	"mng/internal/metrics"
	"mng/internal/provider"
	"mng/internal/state"
)

// StopReasonSetter is implemented by providers that can record why a
// host was stopped after the fact (the mirror record of an offline host).
type StopReasonSetter interface {
	SetStopReason(ctx context.Context, hostID string, reason state.StopReason) error
}

// Options tunes the enforcement thresholds.
type Options struct {
	StartingTimeout time.Duration
	StoppingTimeout time.Duration
	DryRun          bool
	ErrorBehavior   fleet.ErrorBehavior
}

// Action records one decision the loop took (or would take in dry-run).
type Action struct {
	HostID   string `json:"host_id"`
	HostName string `json:"host_name"`
	Provider string `json:"provider"`
	Kind     string `json:"action"` // "stop", "destroy"
	Reason   string `json:"reason"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Loop walks all providers' hosts and enforces the timeouts.
type Loop struct {
	Providers []provider.Provider
	Metrics   *metrics.Metrics
	Options   Options
}

// Run performs one enforcement pass. Errors against one host do not stop
// iteration under Continue.
func (l *Loop) Run(ctx context.Context) ([]Action, error) {
	var actions []Action
	for _, prov := range l.Providers {
		if !prov.Capabilities().SupportsShutdownHosts {
			// Local-style providers cannot be stopped; skip them entirely.
			continue
		}
		hosts, err := prov.ListHosts(ctx, false)
		if err != nil {
			if l.Options.ErrorBehavior == fleet.Abort {
				return actions, err
			}
			slog.Warn("enforce: failed to list hosts", "provider", prov.Name(), "error", err)
			continue
		}
		for _, h := range hosts {
			action, err := l.enforceHost(ctx, prov, h)
			if action != nil {
				actions = append(actions, *action)
			}
			if err != nil && l.Options.ErrorBehavior == fleet.Abort {
				return actions, err
			}
		}
	}
	return actions, nil
}

func (l *Loop) enforceHost(ctx context.Context, prov provider.Provider, h provider.HostInfo) (*Action, error) {
	switch h.State() {
	case state.HostRunning:
		online, ok := h.(provider.OnlineHost)
		if !ok {
			return nil, nil
		}
		cfg := h.Data().ActivityConfig()
		if cfg.IdleMode == state.IdleModeDisabled || cfg.MaxIdleSeconds <= 0 {
			return nil, nil
		}
		idle, err := online.IdleSeconds(ctx)
		if err != nil {
			slog.Warn("enforce: failed to read idle seconds", "host", h.ID(), "error", err)
			return nil, err
		}
		if idle <= float64(cfg.MaxIdleSeconds) {
			return nil, nil
		}
		return l.stopHost(ctx, prov, h, state.StopReasonPaused,
			fmt.Sprintf("idle for %.0fs (limit %ds)", idle, cfg.MaxIdleSeconds))

	case state.HostStarting:
		return l.enforceTimeout(ctx, prov, h, l.Options.StartingTimeout, "stop")

	case state.HostStopping:
		return l.enforceTimeout(ctx, prov, h, l.Options.StoppingTimeout, "destroy")

	case state.HostBuilding:
		// No timestamp is available at this layer for builds.
		return nil, nil
	}
	return nil, nil
}

func (l *Loop) enforceTimeout(ctx context.Context, prov provider.Provider, h provider.HostInfo, limit time.Duration, kind string) (*Action, error) {
	if limit <= 0 {
		return nil, nil
	}
	online, ok := h.(provider.OnlineHost)
	if !ok {
		return nil, nil
	}
	uptime, err := online.UptimeSeconds(ctx)
	if err != nil {
		slog.Warn("enforce: failed to read uptime", "host", h.ID(), "error", err)
		return nil, err
	}
	if uptime <= limit.Seconds() {
		return nil, nil
	}
	reason := fmt.Sprintf("stuck in %s for %.0fs (limit %s)", h.State(), uptime, limit)
	if kind == "destroy" {
		return l.destroyHost(ctx, prov, h, reason)
	}
	return l.stopHost(ctx, prov, h, state.StopReasonStopped, reason)
}

func (l *Loop) stopHost(ctx context.Context, prov provider.Provider, h provider.HostInfo, reason state.StopReason, why string) (*Action, error) {
	action := &Action{
		HostID:   h.ID(),
		HostName: h.Name(),
		Provider: prov.Name(),
		Kind:     "stop",
		Reason:   why,
		DryRun:   l.Options.DryRun,
	}
	if l.Options.DryRun {
		return action, nil
	}
	slog.Info("enforce: stopping host", "host", h.ID(), "name", h.Name(), "reason", why)
	if err := prov.StopHost(ctx, h.ID(), prov.Capabilities().SupportsSnapshots); err != nil {
		action.Error = err.Error()
		return action, err
	}
	if setter, ok := prov.(StopReasonSetter); ok {
		if err := setter.SetStopReason(ctx, h.ID(), reason); err != nil {
			slog.Warn("enforce: failed to record stop reason", "host", h.ID(), "error", err)
		}
	}
	if l.Metrics != nil {
		l.Metrics.HostsStopped.WithLabelValues(prov.Name(), string(reason)).Inc()
	}
	return action, nil
}

func (l *Loop) destroyHost(ctx context.Context, prov provider.Provider, h provider.HostInfo, why string) (*Action, error) {
	action := &Action{
		HostID:   h.ID(),
		HostName: h.Name(),
		Provider: prov.Name(),
		Kind:     "destroy",
		Reason:   why,
		DryRun:   l.Options.DryRun,
	}
	if l.Options.DryRun {
		return action, nil
	}
	slog.Info("enforce: destroying host", "host", h.ID(), "name", h.Name(), "reason", why)
	if err := prov.DestroyHost(ctx, h.ID()); err != nil {
		action.Error = err.Error()
		return action, err
	}
	if l.Metrics != nil {
		l.Metrics.HostsDestroyed.WithLabelValues(prov.Name()).Inc()
	}
	return action, nil
}

// Watch repeats Run at the given interval until ctx is cancelled. The
// scheduler is cron-backed so deployments can swap the @every spec for a
// cron expression.
func (l *Loop) Watch(ctx context.Context, interval time.Duration, onPass func([]Action, error)) error {
	scheduler := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	_, err := scheduler.AddFunc(spec, func() {
		actions, runErr := l.Run(ctx)
		if onPass != nil {
			onPass(actions, runErr)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling enforcement watch: %w", err)
	}
	scheduler.Start()
	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}
