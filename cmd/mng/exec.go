package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mng/internal/fleet"
)

var execCmd = &cobra.Command{
	Use:   "exec <agent> <command>...",
	Short: "Run a shell command on an agent's host",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		providers, err := loadProviders()
		if err != nil {
			return err
		}
		timeout := time.Duration(viper.GetInt("exec_timeout_seconds")) * time.Second
		res, err := fleet.ExecOnAgentHost(cmd.Context(), providers, args[0], strings.Join(args[1:], " "), timeout)
		if err != nil {
			return err
		}
		fmt.Print(res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if !res.Success {
			return errOperationFailed
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
}
