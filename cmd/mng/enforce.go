package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mng/internal/enforce"
	"mng/internal/fleet"
	"mng/internal/metrics"
)

var enforceFlags struct {
	dryRun  bool
	watch   int
	onError string
}

var enforceCmd = &cobra.Command{
	Use:   "enforce",
	Short: "Run the idle/timeout enforcement loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		providers, err := loadProviders()
		if err != nil {
			return err
		}
		behavior := fleet.Continue
		if enforceFlags.onError == "abort" {
			behavior = fleet.Abort
		}
		loop := &enforce.Loop{
			Providers: providers,
			Metrics:   metrics.NewMetrics(),
			Options: enforce.Options{
				StartingTimeout: time.Duration(viper.GetInt("starting_timeout_seconds")) * time.Second,
				StoppingTimeout: time.Duration(viper.GetInt("stopping_timeout_seconds")) * time.Second,
				DryRun:          enforceFlags.dryRun,
				ErrorBehavior:   behavior,
			},
		}

		report := func(actions []enforce.Action, runErr error) error {
			if err := printResult(actions, func() string {
				if len(actions) == 0 {
					return "Nothing to enforce."
				}
				return fmt.Sprintf("Enforced %d actions", len(actions))
			}); err != nil {
				return err
			}
			return runErr
		}

		if enforceFlags.watch > 0 {
			interval := time.Duration(enforceFlags.watch) * time.Second
			return loop.Watch(cmd.Context(), interval, func(actions []enforce.Action, runErr error) {
				_ = report(actions, nil)
				if runErr != nil {
					fmt.Println("enforcement pass failed:", runErr)
				}
			})
		}

		actions, runErr := loop.Run(cmd.Context())
		return report(actions, runErr)
	},
}

func init() {
	f := enforceCmd.Flags()
	f.BoolVar(&enforceFlags.dryRun, "dry-run", false, "record would-be actions without executing")
	f.IntVar(&enforceFlags.watch, "watch", 0, "repeat every N seconds")
	f.StringVar(&enforceFlags.onError, "on-error", "continue", "error policy: abort or continue")
	rootCmd.AddCommand(enforceCmd)
}
