package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mng/internal/fleet"
	"mng/internal/provision"
)

var provisionFlags struct {
	userCommands []string
	sudoCommands []string
	uploadFiles  []string
	createDirs   []string
}

var provisionCmd = &cobra.Command{
	Use:   "provision <agent>",
	Short: "Re-run provisioning for an existing agent",
	Long: `Re-runs the provisioning phases (plugin hooks plus any provided
options) against an existing agent. The host must be online; the agent
may be stopped.`,
	Args: cobra.ExactArgs(1),
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
		opts := provision.AgentProvisioningOptions{
			SudoCommands: provisionFlags.sudoCommands,
			UserCommands: provisionFlags.userCommands,
			UploadFiles:  provisionFlags.uploadFiles,
			CreateDirs:   provisionFlags.createDirs,
		}
		if err := provision.Provision(ctx, provision.DefaultRegistry, &ref.Data, h, opts); err != nil {
			return err
		}
		return printResult(ref.Data, func() string {
			return fmt.Sprintf("Provisioned agent %s", ref.Data.Name)
		})
	},
}

func init() {
	f := provisionCmd.Flags()
	f.StringArrayVar(&provisionFlags.userCommands, "user-command", nil, "provisioning command run as the agent user (repeatable)")
	f.StringArrayVar(&provisionFlags.sudoCommands, "sudo-command", nil, "provisioning command run via sudo (repeatable)")
	f.StringArrayVar(&provisionFlags.uploadFiles, "upload-file", nil, "file upload LOCAL:REMOTE (repeatable)")
	f.StringArrayVar(&provisionFlags.createDirs, "create-dir", nil, "directory to create on the host (repeatable)")
	rootCmd.AddCommand(provisionCmd)
}
