// Package local implements the reference provider: the machine mng runs
// on, exposed as exactly one always-RUNNING host named "localhost" with a
// deterministic id persisted under the host directory.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mng/internal/host"
	"mng/internal/ids"
	"mng/internal/mngerrors"
	"mng/internal/procutil"
	"mng/internal/provider"
	"mng/internal/state"
)

// LocalHostName is the fixed name of the single local host.
const LocalHostName = "localhost"

func init() {
	provider.RegisterBackend("local", func(instanceName string, settings map[string]any) (provider.Provider, error) {
		hostDir := ""
		if v, ok := settings["host_dir"].(string); ok {
			hostDir = v
		}
		return NewProvider(instanceName, hostDir)
	})
}

// Provider is the local reference provider.
type Provider struct {
	name    string
	hostDir string
}

// NewProvider builds the provider rooted at hostDir (default ~/.mng).
func NewProvider(name, hostDir string) (*Provider, error) {
	if hostDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		hostDir = filepath.Join(home, ".mng")
	}
	return &Provider{name: name, hostDir: hostDir}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsSnapshots:     false,
		SupportsShutdownHosts: false,
		SupportsVolumes:       false,
		SupportsMutableTags:   true,
	}
}

// HostDir exposes the provider's root directory.
func (p *Provider) HostDir() string { return p.hostDir }

// hostID reads the deterministic local host id, generating and persisting
// it on first use so restarts find the same id.
func (p *Provider) hostID() (string, error) {
	idPath := filepath.Join(p.hostDir, "host_id")
	if raw, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := ids.HostId()
	if err := state.WriteFileAtomic(idPath, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persisting local host id: %w", err)
	}
	return id, nil
}

// ensureHost loads or initializes the single local host.
func (p *Provider) ensureHost(ctx context.Context) (*host.Host, error) {
	id, err := p.hostID()
	if err != nil {
		return nil, err
	}
	data, err := state.ReadHostData(p.hostDir)
	if err != nil {
		cfg := state.DefaultActivityConfig()
		data = &state.HostData{
			ID:    id,
			Name:  LocalHostName,
			State: state.HostRunning,
		}
		data.SetActivityConfig(cfg)
		if err := state.WriteHostData(p.hostDir, data); err != nil {
			return nil, err
		}
	}
	// The id file wins over a stale data.json, and the local host is
	// always RUNNING by definition.
	data.ID = id
	data.Name = LocalHostName
	data.State = state.HostRunning
	return host.New(p.name, p.hostDir, data, Connector{}, nil), nil
}

// CreateHost returns the single local host; requesting any other name is
// a user error.
func (p *Provider) CreateHost(ctx context.Context, opts provider.CreateHostOptions) (provider.OnlineHost, error) {
	if opts.Name != "" && opts.Name != LocalHostName {
		return nil, mngerrors.NewUserInputError("the local provider has exactly one host (%s); cannot create %q", LocalHostName, opts.Name)
	}
	h, err := p.ensureHost(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Activity != nil {
		if err := h.SetCertifiedData(ctx, func(d *state.HostData) {
			d.SetActivityConfig(*opts.Activity)
		}); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (p *Provider) StartHost(ctx context.Context, hostID, snapshotID string) (provider.OnlineHost, error) {
	h, err := p.ensureHost(ctx)
	if err != nil {
		return nil, err
	}
	if hostID != h.ID() && hostID != LocalHostName {
		return nil, mngerrors.NewHostNotFoundError(hostID)
	}
	return h, nil
}

func (p *Provider) StopHost(ctx context.Context, hostID string, createSnapshot bool) error {
	return mngerrors.NewUserInputError("cannot stop the local host - it is your local computer")
}

func (p *Provider) DestroyHost(ctx context.Context, hostID string) error {
	return mngerrors.NewUserInputError("cannot destroy the local host - it is your local computer")
}

func (p *Provider) GetHost(ctx context.Context, idOrName string) (provider.HostInfo, error) {
	h, err := p.ensureHost(ctx)
	if err != nil {
		return nil, err
	}
	if idOrName != h.ID() && idOrName != LocalHostName {
		return nil, mngerrors.NewHostNotFoundError(idOrName)
	}
	return h, nil
}

func (p *Provider) ListHosts(ctx context.Context, includeDestroyed bool) ([]provider.HostInfo, error) {
	h, err := p.ensureHost(ctx)
	if err != nil {
		return nil, err
	}
	return []provider.HostInfo{h}, nil
}

func (p *Provider) ListPersistedAgentDataForHost(ctx context.Context, hostID string) ([]state.AgentData, error) {
	h, err := p.ensureHost(ctx)
	if err != nil {
		return nil, err
	}
	if hostID != h.ID() && hostID != LocalHostName {
		return nil, mngerrors.NewHostNotFoundError(hostID)
	}
	return h.GetAgents(ctx)
}

func (p *Provider) CreateSnapshot(ctx context.Context, hostID string) (*provider.Snapshot, error) {
	return nil, mngerrors.NewUserInputError("the local provider does not support snapshots")
}

func (p *Provider) ListSnapshots(ctx context.Context, hostID string) ([]provider.Snapshot, error) {
	return nil, nil
}

func (p *Provider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return mngerrors.NewSnapshotNotFoundError(snapshotID)
}

func (p *Provider) ListVolumes(ctx context.Context) ([]provider.Volume, error) { return nil, nil }

func (p *Provider) DeleteVolume(ctx context.Context, volumeID string) error {
	return &mngerrors.NotFoundError{Kind: "volume", Identifier: volumeID}
}

// labelsPath is where client-side tags live for providers whose backend
// has no native tag storage.
func (p *Provider) labelsPath() string {
	return filepath.Join(p.hostDir, "providers", p.name, "labels.json")
}

func (p *Provider) GetTags(ctx context.Context, hostID string) (map[string]string, error) {
	raw, err := os.ReadFile(p.labelsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	tags := make(map[string]string)
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, &mngerrors.SchemaError{Path: p.labelsPath(), ValidationError: err.Error()}
	}
	return tags, nil
}

func (p *Provider) SetTags(ctx context.Context, hostID string, tags map[string]string) error {
	raw, err := json.MarshalIndent(tags, "", "  ")
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(p.labelsPath(), raw, 0o644)
}

// Connector runs commands as local subprocesses and touches the
// filesystem directly.
type Connector struct{}

func (Connector) Run(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	proc, err := procutil.Run(ctx, []string{"sh", "-c", command}, procutil.Options{Timeout: timeout})
	if proc == nil {
		return provider.ExecResult{}, err
	}
	return provider.ExecResult{
		Stdout:  proc.Stdout,
		Stderr:  proc.Stderr,
		Success: proc.Success(),
	}, err
}

func (Connector) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return state.WriteFileAtomic(path, data, mode)
}

func (Connector) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}
