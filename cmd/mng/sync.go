package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mng/internal/fleet"
	"mng/internal/git"
	"mng/internal/procutil"
	"mng/internal/provider"
)

// push/pull move work between a local checkout and an agent's work dir:
// over rsync for plain files, or through a shared git remote for branch
// mode. pair runs a continuous bidirectional sync via unison.

var syncFlags struct {
	branch string
	local  string
}

var pushCmd = &cobra.Command{
	Use:   "push <agent>",
	Short: "Push local changes to an agent's work dir",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runSync(cmd, args[0], true) },
}

var pullCmd = &cobra.Command{
	Use:   "pull <agent>",
	Short: "Pull an agent's work dir changes back locally",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runSync(cmd, args[0], false) },
}

func runSync(cmd *cobra.Command, agentName string, push bool) error {
	ctx := cmd.Context()
	providers, err := loadProviders()
	if err != nil {
		return err
	}
	ref, prov, err := fleet.FindAgent(ctx, providers, agentName)
	if err != nil {
		return err
	}
	h, err := fleet.MaterializeHost(ctx, prov, ref.Host.ID, false)
	if err != nil {
		return err
	}
	local := syncFlags.local
	if local == "" {
		local, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	if syncFlags.branch != "" {
		return syncBranch(cmd, h, local, ref.Data.WorkDir, syncFlags.branch, push)
	}
	return syncFiles(cmd, prov, local, ref.Data.WorkDir, push)
}

// syncBranch routes changes through the shared origin remote: push mode
// publishes the local branch and checks it out in the agent's work dir;
// pull mode does the reverse.
func syncBranch(cmd *cobra.Command, h provider.OnlineHost, local, remoteDir, branch string, push bool) error {
	ctx := cmd.Context()
	gitClient := git.NewClient()
	if push {
		if err := gitClient.Push(local, branch); err != nil {
			return err
		}
		script := fmt.Sprintf("cd '%s' && git fetch origin '%s' && git checkout '%s' && git pull origin '%s'",
			remoteDir, branch, branch, branch)
		res, err := h.ExecuteCommand(ctx, script, 5*time.Minute)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("updating agent checkout: %s", res.Stderr)
		}
		return nil
	}

	script := fmt.Sprintf("cd '%s' && git push -u origin '%s'", remoteDir, branch)
	res, err := h.ExecuteCommand(ctx, script, 5*time.Minute)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("publishing agent branch: %s", res.Stderr)
	}
	if err := gitClient.Fetch(local, "origin", branch); err != nil {
		return err
	}
	if exists, _ := gitClient.LocalBranchExists(local, branch); !exists {
		if err := gitClient.Checkout(local, branch); err != nil {
			return err
		}
	}
	return gitClient.Pull(local, "origin", branch)
}

// syncFiles shells out to rsync between two paths on this machine, so only
// hosts whose work dir is on the local filesystem can be rsynced; hosts
// reached over SSH are not. Container hosts use branch mode instead.
func syncFiles(cmd *cobra.Command, prov provider.Provider, local, remoteDir string, push bool) error {
	src := local + "/"
	dst := remoteDir
	if !push {
		src, dst = remoteDir+"/", local
	}
	proc, err := procutil.Run(cmd.Context(),
		[]string{"rsync", "-a", "--delete", "--exclude", ".git", src, dst},
		procutil.Options{Timeout: 10 * time.Minute})
	if err != nil {
		return err
	}
	if !proc.Success() {
		return fmt.Errorf("rsync failed: %s", proc.Stderr)
	}
	return nil
}

var pairFlags struct {
	interval time.Duration
}

var pairCmd = &cobra.Command{
	Use:   "pair <agent>",
	Short: "Continuously sync files with an agent's work dir",
	Long: `Runs a continuous bidirectional sync between the local directory and
the agent's work dir using unison. Conflicts resolve to the newer copy;
an interactive "ask" mode is future work.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		providers, err := loadProviders()
		if err != nil {
			return err
		}
		ref, _, err := fleet.FindAgent(ctx, providers, args[0])
		if err != nil {
			return err
		}
		local := syncFlags.local
		if local == "" {
			local, err = os.Getwd()
			if err != nil {
				return err
			}
		}
		for {
			proc, err := procutil.Run(ctx,
				[]string{"unison", local, ref.Data.WorkDir, "-batch", "-prefer", "newer", "-ignore", "Path .git"},
				procutil.Options{Timeout: 10 * time.Minute})
			if err != nil {
				return err
			}
			if !proc.Success() {
				// Both sides changed the same file; newer already won, so
				// this is a warning, not a failure.
				slog.Warn("unison reported conflicts", "detail", proc.Stderr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pairFlags.interval):
			}
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{pushCmd, pullCmd, pairCmd} {
		c.Flags().StringVar(&syncFlags.branch, "branch", "", "sync via this git branch instead of rsync")
		c.Flags().StringVar(&syncFlags.local, "local", "", "local directory (default cwd)")
	}
	pairCmd.Flags().DurationVar(&pairFlags.interval, "interval", 2*time.Second, "delay between sync rounds")
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pairCmd)
}
