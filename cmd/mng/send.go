package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"mng/internal/fleet"
	"mng/internal/notify"
)

var sendFlags struct {
	message string
	include []string
	exclude []string
	all     bool
	onError string
	start   bool
	noStart bool
}

var sendCmd = &cobra.Command{
	Use:     "send [agent]",
	Aliases: []string{"message"},
	Short:   "Send a message to agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		providers, err := loadProviders()
		if err != nil {
			return err
		}
		if sendFlags.message == "" {
			return usageErr("no message: pass -m/--message")
		}

		include := sendFlags.include
		if len(args) == 1 {
			include = append(include, fmt.Sprintf("name == %q", args[0]))
		}

		behavior := fleet.Continue
		switch sendFlags.onError {
		case "abort":
			behavior = fleet.Abort
		case "continue", "":
		default:
			return usageErr("invalid --on-error %q: expected abort or continue", sendFlags.onError)
		}

		notifier := notify.NewManager()
		result, sendErr := fleet.SendMessageToAgents(cmd.Context(), providers, agentConfig(), sendFlags.message, fleet.SendOptions{
			IncludeFilters: include,
			ExcludeFilters: sendFlags.exclude,
			AllAgents:      sendFlags.all,
			ErrorBehavior:  behavior,
			StartTargets:   sendFlags.start && !sendFlags.noStart,
			OnError: func(agentName, errMsg string) {
				msg := fmt.Sprintf("mng: failed to send message to agent %s: %s", agentName, errMsg)
				if _, err := notifier.Notify(cmd.Context(), notify.EventSendFailure, msg, ""); err != nil {
					slog.Warn("failed to send failure notification", "agent", agentName, "error", err)
				}
			},
		})
		if result != nil {
			if err := printResult(result, func() string {
				return fmt.Sprintf("Sent to %d agents, %d failed", len(result.Successful), len(result.Failed))
			}); err != nil {
				return err
			}
		}
		if sendErr != nil {
			return sendErr
		}
		if result != nil && len(result.Failed) > 0 {
			return errOperationFailed
		}
		return nil
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVarP(&sendFlags.message, "message", "m", "", "message text")
	f.StringArrayVar(&sendFlags.include, "include", nil, "include filter expression (repeatable)")
	f.StringArrayVar(&sendFlags.exclude, "exclude", nil, "exclude filter expression (repeatable)")
	f.BoolVar(&sendFlags.all, "all", false, "send to all agents")
	f.StringVar(&sendFlags.onError, "on-error", "continue", "error policy: abort or continue")
	f.BoolVar(&sendFlags.start, "start", false, "start offline hosts and stopped agents first")
	f.BoolVar(&sendFlags.noStart, "no-start", false, "never start targets")
	rootCmd.AddCommand(sendCmd)
}
