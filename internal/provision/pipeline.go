package provision

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"mng/internal/ids"
	"mng/internal/provider"
	"mng/internal/state"
)

// CreateAgent runs the full ordered pipeline: ensure host, initial file
// copy, agent state dir, plugin provisioning, caller provisioning. It
// returns the persisted agent record.
func CreateAgent(ctx context.Context, reg *Registry, prov provider.Provider, h provider.OnlineHost, hostOpts NewHostOptions, opts CreateAgentOptions) (*state.AgentData, provider.OnlineHost, error) {
	if h == nil {
		if err := reg.runBeforeHostCreate(ctx, hostOpts.Name, prov); err != nil {
			return nil, nil, err
		}
		created, err := prov.CreateHost(ctx, provider.CreateHostOptions{
			Name:     hostOpts.Name,
			Image:    hostOpts.Image,
			Tags:     hostOpts.Tags,
			Activity: hostOpts.Activity,
		})
		if err != nil {
			return nil, nil, err
		}
		h = created
		if err := reg.runHostCreated(ctx, h); err != nil {
			return nil, nil, err
		}
	}

	name := opts.Name
	if name == "" {
		name = ids.NewName()
	}

	workDir := opts.WorkDir
	generated := false
	if workDir == "" {
		workDir = path.Join(h.HostDir(), "work", name)
		generated = true
	}

	if opts.CreateWorkDir {
		if err := reg.runBeforeInitialFileCopy(ctx, &opts, h); err != nil {
			return nil, nil, err
		}
		if err := copySourceTree(ctx, h, opts.Source, workDir); err != nil {
			return nil, nil, err
		}
		if err := reg.runAfterInitialFileCopy(ctx, &opts, h, workDir); err != nil {
			return nil, nil, err
		}
	}
	if generated {
		if err := h.SetCertifiedData(ctx, func(d *state.HostData) {
			for _, existing := range d.GeneratedWorkDirs {
				if existing == workDir {
					return
				}
			}
			d.GeneratedWorkDirs = append(d.GeneratedWorkDirs, workDir)
		}); err != nil {
			return nil, nil, err
		}
	}

	data := &state.AgentData{
		ID:          ids.AgentId(),
		Name:        name,
		Type:        opts.AgentType,
		Command:     opts.Command,
		WorkDir:     workDir,
		HostID:      h.ID(),
		CreateTime:  time.Now().UTC(),
		Permissions: opts.Permissions,
	}

	env, err := MergeEnv(opts.Env)
	if err != nil {
		return nil, nil, err
	}
	if err := h.CreateAgentState(ctx, data, env); err != nil {
		return nil, nil, err
	}
	if err := reg.runAgentStateDirCreated(ctx, data, h); err != nil {
		return nil, nil, err
	}

	if err := Provision(ctx, reg, data, h, opts.Provisioning); err != nil {
		return nil, nil, err
	}

	if err := reg.runAgentCreated(ctx, data, h); err != nil {
		return nil, nil, err
	}
	return data, h, nil
}

// Provision re-runs the provisioning phases (plugin hooks plus
// caller-supplied options) against an existing agent. The host must be
// online; the agent may be STOPPED.
func Provision(ctx context.Context, reg *Registry, data *state.AgentData, h provider.OnlineHost, opts AgentProvisioningOptions) error {
	if err := reg.runBeforeProvisioning(ctx, data, h); err != nil {
		return err
	}
	if err := applyProvisioningOptions(ctx, h, opts); err != nil {
		return err
	}
	return reg.runAfterProvisioning(ctx, data, h)
}

func applyProvisioningOptions(ctx context.Context, h provider.OnlineHost, opts AgentProvisioningOptions) error {
	for _, dir := range opts.CreateDirs {
		res, err := h.ExecuteCommand(ctx, fmt.Sprintf("mkdir -p '%s'", dir), time.Minute)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("creating directory %s: %s", dir, res.Stderr)
		}
	}

	for _, upload := range opts.UploadFiles {
		local, remote, err := splitPair(upload, "upload")
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(local)
		if err != nil {
			return fmt.Errorf("reading upload source %s: %w", local, err)
		}
		info, err := os.Stat(local)
		if err != nil {
			return err
		}
		if err := h.WriteFile(ctx, remote, raw, info.Mode().Perm()); err != nil {
			return err
		}
	}

	for _, prepend := range opts.FilePrepends {
		remote, text, err := splitPair(prepend, "prepend")
		if err != nil {
			return err
		}
		existing, _ := h.Connector().ReadFile(ctx, remote)
		if err := h.WriteFile(ctx, remote, append([]byte(text), existing...), 0o644); err != nil {
			return err
		}
	}

	for _, appendSpec := range opts.FileAppends {
		remote, text, err := splitPair(appendSpec, "append")
		if err != nil {
			return err
		}
		existing, _ := h.Connector().ReadFile(ctx, remote)
		if err := h.WriteFile(ctx, remote, append(existing, []byte(text)...), 0o644); err != nil {
			return err
		}
	}

	for _, cmd := range opts.SudoCommands {
		res, err := h.ExecuteCommand(ctx, "sudo sh -c '"+strings.ReplaceAll(cmd, "'", `'\''`)+"'", 10*time.Minute)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("sudo command failed: %s: %s", cmd, res.Stderr)
		}
	}
	for _, cmd := range opts.UserCommands {
		res, err := h.ExecuteCommand(ctx, cmd, 10*time.Minute)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("user command failed: %s: %s", cmd, res.Stderr)
		}
	}
	return nil
}

// copySourceTree uploads the local source directory into workDir on the
// host, file by file. Directories (.git included) and regular files are
// copied; symlinks and other non-regular entries are not. Unreadable
// entries are skipped with a warning so one bad file does not abort
// provisioning.
func copySourceTree(ctx context.Context, h provider.OnlineHost, source, workDir string) error {
	res, err := h.ExecuteCommand(ctx, fmt.Sprintf("mkdir -p '%s'", workDir), time.Minute)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("creating work dir %s: %s", workDir, res.Stderr)
	}
	if source == "" {
		return nil
	}

	return filepath.WalkDir(source, func(local string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			slog.Warn("skipping unreadable source entry", "path", local, "error", walkErr)
			return nil
		}
		rel, err := filepath.Rel(source, local)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		remote := path.Join(workDir, filepath.ToSlash(rel))
		if entry.IsDir() {
			res, err := h.ExecuteCommand(ctx, fmt.Sprintf("mkdir -p '%s'", remote), time.Minute)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("creating directory %s: %s", remote, res.Stderr)
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("skipping source entry without file info", "path", local, "error", err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		raw, err := os.ReadFile(local)
		if err != nil {
			slog.Warn("skipping unreadable source file", "path", local, "error", err)
			return nil
		}
		return h.WriteFile(ctx, remote, raw, info.Mode().Perm())
	})
}
