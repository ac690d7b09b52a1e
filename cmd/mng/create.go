package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"mng/internal/activitywatch"
	"mng/internal/agent"
	"mng/internal/config"
	"mng/internal/git"
	"mng/internal/mngerrors"
	"mng/internal/notify"
	"mng/internal/provider"
	"mng/internal/provision"
)

var createFlags struct {
	agentCmd      string
	agentType     string
	name          string
	source        string
	in            string
	newHost       string
	host          string
	message       string
	env           []string
	envFiles      []string
	passEnv       []string
	noConnect     bool
	awaitReady    bool
	tags          []string
	newBranch     string
	baseBranch    string
	noEnsureClean bool
	noCopyWorkDir bool
	userCommands  []string
	sudoCommands  []string
	uploadFiles   []string
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a host and/or agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		prov, _, err := providerByName(createFlags.in)
		if err != nil {
			return err
		}

		if createFlags.source != "" && !createFlags.noEnsureClean {
			gitClient := git.NewClient()
			if gitClient.RepoExists(createFlags.source) {
				clean, err := gitClient.IsClean(createFlags.source)
				if err == nil && !clean {
					return usageErr("source %s has uncommitted changes; commit them or pass --no-ensure-clean", createFlags.source)
				}
			}
		}
		if createFlags.source != "" && createFlags.newBranch != "" {
			gitClient := git.NewClient()
			if createFlags.baseBranch != "" {
				if err := gitClient.Checkout(createFlags.source, createFlags.baseBranch); err != nil {
					return fmt.Errorf("checking out base branch %s: %w", createFlags.baseBranch, err)
				}
			}
			if err := gitClient.CheckoutNewBranch(createFlags.source, createFlags.newBranch); err != nil {
				return fmt.Errorf("creating branch %s: %w", createFlags.newBranch, err)
			}
		}

		tags, err := parseTags(createFlags.tags)
		if err != nil {
			return err
		}
		activity := config.ActivityConfigFromViper()

		// Resolve the target host: an existing one, or a new one.
		var h provider.OnlineHost
		hostOpts := provision.NewHostOptions{
			Name:     createFlags.newHost,
			Tags:     tags,
			Activity: &activity,
		}
		if createFlags.host != "" {
			info, err := prov.GetHost(ctx, createFlags.host)
			if err != nil {
				return err
			}
			online, ok := info.(provider.OnlineHost)
			if !ok {
				online, err = prov.StartHost(ctx, info.ID(), "")
				if err != nil {
					return err
				}
			}
			h = online
		}

		opts := provision.CreateAgentOptions{
			Name:          createFlags.name,
			AgentType:     createFlags.agentType,
			Command:       createFlags.agentCmd,
			Source:        createFlags.source,
			CreateWorkDir: !createFlags.noCopyWorkDir,
			Message:       createFlags.message,
			AwaitReady:    createFlags.awaitReady,
			Env: provision.EnvOptions{
				PassEnv:  createFlags.passEnv,
				Literals: createFlags.env,
				EnvFiles: createFlags.envFiles,
			},
			Provisioning: provision.AgentProvisioningOptions{
				SudoCommands: createFlags.sudoCommands,
				UserCommands: createFlags.userCommands,
				UploadFiles:  createFlags.uploadFiles,
			},
		}

		data, h, err := provision.CreateAgent(ctx, provision.DefaultRegistry, prov, h, hostOpts, opts)
		if err != nil {
			return err
		}

		// The watcher is what lets remote hosts stop themselves when idle.
		if prov.Capabilities().SupportsShutdownHosts {
			if err := activitywatch.Install(ctx, h, activitywatch.Options{}); err != nil {
				return fmt.Errorf("installing activity watcher: %w", err)
			}
		}

		ag, err := agent.New(*data, h, agentConfig())
		if err != nil {
			return err
		}
		if err := ag.Start(ctx); err != nil {
			return err
		}
		if createFlags.awaitReady {
			if err := awaitAgentReady(cmd, ag); err != nil {
				return err
			}
		}
		if resume := ag.ResumeMessage(); resume != "" {
			if err := ag.SendMessage(ctx, resume); err != nil {
				return err
			}
		}
		if createFlags.message != "" {
			if err := ag.SendMessage(ctx, createFlags.message); err != nil {
				return err
			}
		}

		notifier := notify.NewManager()
		msg := fmt.Sprintf("mng: agent %s is running on host %s (%s)", data.Name, h.Name(), prov.Name())
		if _, err := notifier.Notify(ctx, notify.EventHostRunning, msg, ""); err != nil {
			slog.Warn("failed to send host-running notification", "agent", data.Name, "error", err)
		}

		if !createFlags.noConnect {
			fmt.Printf("Attach with: tmux attach -t %s\n", ag.SessionName())
		}
		return printResult(data, func() string {
			return fmt.Sprintf("Created agent %s (%s) on host %s", data.Name, data.ID, h.Name())
		})
	},
}

// awaitAgentReady waits until the agent's session reaches a messageable
// state, bounded by the variant's ready timeout.
func awaitAgentReady(cmd *cobra.Command, ag agent.Agent) error {
	deadline := time.Now().Add(ag.ReadyTimeout())
	for {
		st, err := ag.LifecycleState(cmd.Context())
		if err != nil {
			return err
		}
		if st.CanReceiveMessages() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent %s did not become ready within %s (state %s)",
				ag.Data().Name, ag.ReadyTimeout(), st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func parseTags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := cutPair(pair)
		if !ok {
			return nil, mngerrors.NewUserInputError("malformed tag %q: expected K=V", pair)
		}
		tags[key] = value
	}
	return tags, nil
}

func cutPair(pair string) (string, string, bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:], i > 0
		}
	}
	return "", "", false
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createFlags.agentCmd, "agent-cmd", "", "shell command that starts the agent TUI")
	f.StringVar(&createFlags.agentType, "agent-type", "", "agent type (default tui)")
	f.StringVar(&createFlags.name, "name", "", "agent name (generated when empty)")
	f.StringVar(&createFlags.source, "source", "", "local directory copied into the work dir")
	f.StringVar(&createFlags.in, "in", "", "provider instance to create in (default local)")
	f.StringVar(&createFlags.newHost, "new-host", "", "create a new host with this name")
	f.StringVar(&createFlags.host, "host", "", "use this existing host")
	f.StringVar(&createFlags.message, "message", "", "message to send once the agent is up")
	f.StringArrayVar(&createFlags.env, "env", nil, "environment literal K=V (repeatable)")
	f.StringArrayVar(&createFlags.envFiles, "env-file", nil, "environment file (repeatable)")
	f.StringArrayVar(&createFlags.passEnv, "pass-env", nil, "forward this variable from the invoking shell (repeatable)")
	f.BoolVar(&createFlags.noConnect, "no-connect", false, "do not print the attach hint")
	f.BoolVar(&createFlags.awaitReady, "await-ready", false, "wait until the agent is messageable")
	f.StringArrayVar(&createFlags.tags, "tag", nil, "host tag K=V (repeatable)")
	f.StringVar(&createFlags.newBranch, "new-branch", "", "create this branch in the source before copying")
	f.StringVar(&createFlags.baseBranch, "base-branch", "", "base branch for --new-branch")
	f.BoolVar(&createFlags.noEnsureClean, "no-ensure-clean", false, "skip the clean-work-tree check on the source")
	f.BoolVar(&createFlags.noCopyWorkDir, "no-copy-work-dir", false, "skip the initial file copy")
	f.StringArrayVar(&createFlags.userCommands, "user-command", nil, "provisioning command run as the agent user (repeatable)")
	f.StringArrayVar(&createFlags.sudoCommands, "sudo-command", nil, "provisioning command run via sudo (repeatable)")
	f.StringArrayVar(&createFlags.uploadFiles, "upload-file", nil, "file upload LOCAL:REMOTE (repeatable)")
	rootCmd.AddCommand(createCmd)
}
