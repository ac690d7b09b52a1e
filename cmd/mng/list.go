package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mng/internal/fleet"
	"mng/internal/provider"
)

var listProvider string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts and agents across all providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		providers, err := loadProviders()
		if err != nil {
			return err
		}
		if listProvider != "" {
			var filtered []provider.Provider
			for _, prov := range providers {
				if prov.Name() == listProvider {
					filtered = append(filtered, prov)
				}
			}
			providers = filtered
		}

		refs, err := fleet.ListAgentReferences(cmd.Context(), providers)
		if err != nil {
			return err
		}

		switch outputFormat {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(refs)
		case "jsonl":
			enc := json.NewEncoder(os.Stdout)
			for _, ref := range refs {
				if err := enc.Encode(ref); err != nil {
					return err
				}
			}
			return nil
		default:
			if len(refs) == 0 {
				if !quiet {
					fmt.Println("No agents found.")
				}
				return nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "%-20s %-12s %-12s %-10s %s\n", "AGENT", "TYPE", "PROVIDER", "HOST", "WORK DIR")
			for _, ref := range refs {
				fmt.Fprintf(&sb, "%-20s %-12s %-12s %-10s %s\n",
					ref.Data.Name, ref.Data.Type, ref.Host.ProviderName, ref.Host.Name, ref.Data.WorkDir)
			}
			fmt.Print(sb.String())
			return nil
		}
	},
}

func init() {
	listCmd.Flags().StringVar(&listProvider, "provider", "", "only list agents from this provider")
	rootCmd.AddCommand(listCmd)
}
