package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mng/internal/agent"
	"mng/internal/fleet"
)

// start/stop/destroy share the same resolution: find the agent, then act
// on the agent session (and host where appropriate).

var startCmd = &cobra.Command{
	Use:   "start <agent>",
	Short: "Start a stopped agent (and its host if needed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		providers, err := loadProviders()
		if err != nil {
			return err
		}
		ref, prov, err := fleet.FindAgent(ctx, providers, args[0])
		if err != nil {
			return err
		}
		h, err := fleet.MaterializeHost(ctx, prov, ref.Host.ID, true)
		if err != nil {
			return err
		}
		ag, err := agent.New(ref.Data, h, agentConfig())
		if err != nil {
			return err
		}
		if err := ag.Start(ctx); err != nil {
			return err
		}
		if resume := ag.ResumeMessage(); resume != "" {
			if err := ag.SendMessage(ctx, resume); err != nil {
				return err
			}
		}
		return printResult(ref.Data, func() string {
			return fmt.Sprintf("Started agent %s", ref.Data.Name)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <agent>",
	Short: "Stop an agent's session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		providers, err := loadProviders()
		if err != nil {
			return err
		}
		ref, prov, err := fleet.FindAgent(ctx, providers, args[0])
		if err != nil {
			return err
		}
		h, err := fleet.MaterializeHost(ctx, prov, ref.Host.ID, false)
		if err != nil {
			return err
		}
		ag, err := agent.New(ref.Data, h, agentConfig())
		if err != nil {
			return err
		}
		if err := ag.Stop(ctx); err != nil {
			return err
		}
		return printResult(ref.Data, func() string {
			return fmt.Sprintf("Stopped agent %s", ref.Data.Name)
		})
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <agent>",
	Short: "Destroy an agent and remove its state directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		providers, err := loadProviders()
		if err != nil {
			return err
		}
		ref, prov, err := fleet.FindAgent(ctx, providers, args[0])
		if err != nil {
			return err
		}
		h, err := fleet.MaterializeHost(ctx, prov, ref.Host.ID, true)
		if err != nil {
			return err
		}
		ag, err := agent.New(ref.Data, h, agentConfig())
		if err != nil {
			return err
		}
		if err := h.DestroyAgent(ctx, ref.Data.ID, func() error {
			return ag.OnDestroy(ctx)
		}); err != nil {
			return err
		}
		return printResult(ref.Data, func() string {
			return fmt.Sprintf("Destroyed agent %s", ref.Data.Name)
		})
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(destroyCmd)
}
