// Package ssh implements the pre-existing-machine provider: one remote
// host reached over SSH, never created or destroyed by us. The provider
// is configured with the destination and key path; lifecycle operations
// that would mutate the machine are forbidden.
package ssh

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"mng/internal/host"
	"mng/internal/ids"
	"mng/internal/mngerrors"
	"mng/internal/provider"
	"mng/internal/state"
)

const connectTimeout = 10 * time.Second

func init() {
	provider.RegisterBackend("ssh", func(instanceName string, settings map[string]any) (provider.Provider, error) {
		str := func(key string) string {
			v, _ := settings[key].(string)
			return v
		}
		port := 22
		if v, ok := settings["port"].(int); ok && v != 0 {
			port = v
		}
		return NewProvider(instanceName, Destination{
			User:    str("user"),
			Host:    str("host"),
			Port:    port,
			KeyPath: str("key_path"),
		}, str("state_dir"))
	})
}

// Destination identifies the remote machine.
type Destination struct {
	User    string
	Host    string
	Port    int
	KeyPath string
}

func (d Destination) Addr() string {
	port := d.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", d.Host, port)
}

// Provider exposes the single configured machine as a host.
type Provider struct {
	name     string
	dest     Destination
	stateDir string

	mu     sync.Mutex
	client *ssh.Client
}

// NewProvider builds the provider; stateDir holds the host id and tags
// locally (default ~/.mng/providers/<name>).
func NewProvider(name string, dest Destination, stateDir string) (*Provider, error) {
	if dest.Host == "" {
		return nil, mngerrors.NewUserInputError("ssh provider %s has no host configured", name)
	}
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		stateDir = filepath.Join(home, ".mng", "providers", name)
	}
	return &Provider{name: name, dest: dest, stateDir: stateDir}, nil
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

// connect returns the cached client if its transport is still live,
// reconnecting otherwise. Transient connect failures are retried once.
func (p *Provider) connect() (*ssh.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		// Keepalive doubles as a liveness probe.
		if _, _, err := p.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return p.client, nil
		}
		p.client.Close()
		p.client = nil
	}

	cfg, err := p.clientConfig()
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", p.dest.Addr(), cfg)
	if err != nil {
		// One retry for transient connectivity.
		client, err = ssh.Dial("tcp", p.dest.Addr(), cfg)
		if err != nil {
			return nil, &mngerrors.OfflineError{HostIdentifier: p.dest.Addr(), Cause: err}
		}
	}
	p.client = client
	return client, nil
}

func (p *Provider) clientConfig() (*ssh.ClientConfig, error) {
	keyPath := p.dest.KeyPath
	if keyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		keyPath = filepath.Join(home, ".ssh", "id_ed25519")
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, &mngerrors.NotAuthorizedError{ProviderName: p.name, Cause: err}
	}
	return &ssh.ClientConfig{
		User:            p.dest.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}, nil
}

// hostID reads the persisted id for the machine, generating one on first
// use so restarts find the same id.
func (p *Provider) hostID() (string, error) {
	idPath := filepath.Join(p.stateDir, "host_id")
	if raw, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := ids.HostId()
	if err := state.WriteFileAtomic(idPath, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Provider) hostName() string {
	return p.dest.Host
}

func (p *Provider) onlineHost(ctx context.Context) (provider.OnlineHost, error) {
	id, err := p.hostID()
	if err != nil {
		return nil, err
	}
	conn := &Connector{provider: p}
	home, err := conn.homeDir(ctx)
	if err != nil {
		return nil, err
	}
	hostDir := path.Join(home, ".mng")

	var data *state.HostData
	if raw, rerr := conn.ReadFile(ctx, path.Join(hostDir, "data.json")); rerr == nil {
		data, _ = state.DecodeHostData(path.Join(hostDir, "data.json"), raw)
	}
	if data == nil {
		data = &state.HostData{ID: id, Name: p.hostName(), State: state.HostRunning}
		data.SetActivityConfig(state.DefaultActivityConfig())
	}
	data.ID = id
	data.Name = p.hostName()
	data.State = state.HostRunning
	return host.New(p.name, hostDir, data, conn, nil), nil
}

func (p *Provider) CreateHost(ctx context.Context, opts provider.CreateHostOptions) (provider.OnlineHost, error) {
	if opts.Name != "" && opts.Name != p.hostName() {
		return nil, mngerrors.NewUserInputError("the ssh provider manages the configured machine %q; cannot create %q", p.hostName(), opts.Name)
	}
	h, err := p.onlineHost(ctx)
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
	if snapshotID != "" {
		return nil, mngerrors.NewUserInputError("the ssh provider does not support snapshots")
	}
	return p.onlineHost(ctx)
}

func (p *Provider) StopHost(ctx context.Context, hostID string, createSnapshot bool) error {
	return mngerrors.NewUserInputError("the ssh provider cannot stop its machine")
}

func (p *Provider) DestroyHost(ctx context.Context, hostID string) error {
	return mngerrors.NewUserInputError("the ssh provider cannot destroy its machine")
}

// RenameHost is intentionally unimplemented: the design forbids renaming
// an externally managed machine rather than leaving the behavior
// ambiguous.
func (p *Provider) RenameHost(ctx context.Context, hostID, newName string) error {
	return mngerrors.NewUserInputError("rename_host is not supported by the ssh provider")
}

func (p *Provider) GetHost(ctx context.Context, idOrName string) (provider.HostInfo, error) {
	id, err := p.hostID()
	if err != nil {
		return nil, err
	}
	if idOrName != id && idOrName != p.hostName() {
		return nil, mngerrors.NewHostNotFoundError(idOrName)
	}
	h, err := p.onlineHost(ctx)
	if err != nil {
		if mngerrors.IsOffline(err) {
			data := &state.HostData{ID: id, Name: p.hostName(), State: state.HostStopped}
			return &provider.OfflineHost{Provider: p.name, HostData: data}, nil
		}
		return nil, err
	}
	return h, nil
}

func (p *Provider) ListHosts(ctx context.Context, includeDestroyed bool) ([]provider.HostInfo, error) {
	id, err := p.hostID()
	if err != nil {
		return nil, err
	}
	h, err := p.GetHost(ctx, id)
	if err != nil {
		return nil, err
	}
	return []provider.HostInfo{h}, nil
}

func (p *Provider) ListPersistedAgentDataForHost(ctx context.Context, hostID string) ([]state.AgentData, error) {
	h, err := p.onlineHost(ctx)
	if err != nil {
		return nil, err
	}
	return h.GetAgents(ctx)
}

func (p *Provider) CreateSnapshot(ctx context.Context, hostID string) (*provider.Snapshot, error) {
	return nil, mngerrors.NewUserInputError("the ssh provider does not support snapshots")
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

func (p *Provider) labelsPath() string {
	return filepath.Join(p.stateDir, "labels.json")
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
