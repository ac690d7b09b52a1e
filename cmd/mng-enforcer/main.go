// mng-enforcer is the enforcement daemon: it watches every provider's
// hosts and stops idle ones, stops hosts stuck starting, and destroys
// hosts stuck stopping.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mng/internal/config"
	"mng/internal/enforce"
	"mng/internal/fleet"
	"mng/internal/metrics"
	"mng/internal/notify"
	"mng/internal/provider"
	"mng/internal/telemetry"

	// Register provider backends.
	_ "mng/internal/provider/docker"
	_ "mng/internal/provider/k8s"
	_ "mng/internal/provider/local"
	_ "mng/internal/provider/ssh"
)

func main() {
	var cfgFile string
	pflag.StringVar(&cfgFile, "config", "", "config file (default is <host_dir>/config.toml)")
	interval := pflag.Duration("interval", time.Minute, "delay between enforcement passes")
	dryRun := pflag.Bool("dry-run", false, "log would-be actions without executing")
	verbosity := pflag.CountP("verbose", "v", "increase logging verbosity (-v, -vv)")
	pflag.Parse()

	config.Load(cfgFile)
	viper.BindPFlag("verbose", pflag.Lookup("verbose"))
	telemetry.InitLogger(*verbosity+1, "")

	providers, err := loadProviders()
	if err != nil {
		slog.Error("failed to configure providers", "error", err)
		os.Exit(1)
	}

	m := metrics.NewMetrics()
	go func() {
		metricsAddr := fmt.Sprintf("127.0.0.1:%d", viper.GetInt("metrics_port"))
		if err := http.ListenAndServe(metricsAddr, m.Handler()); err != nil {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	loop := &enforce.Loop{
		Providers: providers,
		Metrics:   m,
		Options: enforce.Options{
			StartingTimeout: time.Duration(viper.GetInt("starting_timeout_seconds")) * time.Second,
			StoppingTimeout: time.Duration(viper.GetInt("stopping_timeout_seconds")) * time.Second,
			DryRun:          *dryRun,
			ErrorBehavior:   fleet.Continue,
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	notifier := notify.NewManager()

	slog.Info("starting enforcer", "interval", *interval)
	err = loop.Watch(ctx, *interval, func(actions []enforce.Action, runErr error) {
		for _, action := range actions {
			slog.Info("enforcement action",
				"host", action.HostID, "name", action.HostName,
				"action", action.Kind, "reason", action.Reason, "dry_run", action.DryRun)
			if action.DryRun {
				continue
			}
			event := notify.EventIdleStop
			if action.Kind == "destroy" {
				event = notify.EventDestroy
			}
			msg := fmt.Sprintf("mng enforcer: %s host %s (%s): %s",
				action.Kind, action.HostName, action.Provider, action.Reason)
			if _, err := notifier.Notify(ctx, event, msg, ""); err != nil {
				slog.Warn("failed to send enforcement notification", "error", err)
			}
		}
		if runErr != nil {
			slog.Error("enforcement pass failed", "error", runErr)
		}
	})
	if err != nil && err != context.Canceled {
		slog.Error("enforcer stopped", "error", err)
		os.Exit(1)
	}
}

func loadProviders() ([]provider.Provider, error) {
	hostDir := viper.GetString("host_dir")
	profileID := config.ActiveProfileID(hostDir)
	profile, err := config.LoadProfile(hostDir, profileID)
	if err != nil {
		return nil, err
	}
	var providers []provider.Provider
	for name, settings := range profile.Providers {
		prov, err := provider.NewInstance(settings.Backend, name, settings.Settings)
		if err != nil {
			return nil, fmt.Errorf("configuring provider %s: %w", name, err)
		}
		providers = append(providers, prov)
	}
	return providers, nil
}
