package main

import (
	"fmt"
	"path"
	"time"

	"github.com/spf13/cobra"

	"mng/internal/fleet"
	"mng/internal/host"
)

var logsCmd = &cobra.Command{
	Use:   "logs <agent> <file>",
	Short: "Read a file from an agent's log directory",
	Args:  cobra.ExactArgs(2),
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
		logPath := path.Join(host.AgentDir(h.HostDir(), ref.Data.ID), "logs", args[1])
		res, err := h.ExecuteCommand(ctx, fmt.Sprintf("cat '%s'", logPath), time.Minute)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("reading %s: %s", logPath, res.Stderr)
		}
		fmt.Print(res.Stdout)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
}
