// Package provider defines the uniform control plane over heterogeneous
// host backends: local processes, Docker containers, Kubernetes pods and
// pre-existing SSH machines. Callers depend only on the interfaces here;
// implementations register themselves in the backend registry.
package provider

import (
	"context"
	"os"
	"time"

	"mng/internal/state"
)

// ExecResult is the outcome of a command executed on a host.
type ExecResult struct {
	Stdout  string
	Stderr  string
	Success bool
}

// Connector is a file-transport plus command-runner handle for one host:
// a local subprocess, a Docker exec, or an SSH session.
type Connector interface {
	// Run executes a shell command on the host. A zero timeout means no
	// limit. A command that exits non-zero is not an error; callers check
	// ExecResult.Success.
	Run(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Capabilities declares what a provider instance supports.
type Capabilities struct {
	SupportsSnapshots     bool
	SupportsShutdownHosts bool
	SupportsVolumes       bool
	SupportsMutableTags   bool
}

// HostInfo is the read-only view shared by online and offline hosts. It
// is constructed from data.json plus provider metadata, so listing and
// filtering never require a connection to the host.
type HostInfo interface {
	ID() string
	Name() string
	ProviderName() string
	State() state.HostState
	Data() *state.HostData
}

// OnlineHost is a host that answers commands. Execute/send operations on
// a host that is merely offline fail with an OfflineError.
type OnlineHost interface {
	HostInfo

	ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	WriteTextFile(ctx context.Context, path, content string) error

	UptimeSeconds(ctx context.Context) (float64, error)
	IdleSeconds(ctx context.Context) (float64, error)

	// GetAgents lists the valid agent records under <host_dir>/agents.
	// Malformed records are skipped with a warning, never a failure.
	GetAgents(ctx context.Context) ([]state.AgentData, error)
	CreateAgentState(ctx context.Context, data *state.AgentData, env map[string]string) error
	// DestroyAgent runs onDestroy, then removes the agent state directory
	// regardless of the hook's outcome. A hook error still propagates.
	DestroyAgent(ctx context.Context, agentID string, onDestroy func() error) error

	// SetCertifiedData atomically mutates and persists the host record.
	SetCertifiedData(ctx context.Context, mutate func(*state.HostData)) error

	// TouchActivity updates the mtime of one activity-source file, marking
	// the host as recently active for idle detection.
	TouchActivity(ctx context.Context, src state.ActivitySource) error

	HostDir() string
	Connector() Connector
}

// Snapshot is a provider-managed image of a host at an instant.
type Snapshot struct {
	ID         string    `json:"id"`
	HostID     string    `json:"host_id"`
	CreateTime time.Time `json:"create_time"`
	Reference  string    `json:"reference,omitempty"`
}

// Volume is an optional persistent mount.
type Volume struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MountPath string `json:"mount_path,omitempty"`
}

// CreateHostOptions configures host creation.
type CreateHostOptions struct {
	Name       string
	Image      string
	Tags       map[string]string
	BuildArgs  []string
	StartArgs  []string
	Activity   *state.ActivityConfig
	KnownHosts []string
	SnapshotID string
}

// Provider is one configured backend instance (e.g. "local",
// "local_docker"). Missing hosts surface as NotFoundError, rejected
// credentials as NotAuthorizedError, and transient connectivity as
// OfflineError.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	CreateHost(ctx context.Context, opts CreateHostOptions) (OnlineHost, error)
	StartHost(ctx context.Context, hostID, snapshotID string) (OnlineHost, error)
	StopHost(ctx context.Context, hostID string, createSnapshot bool) error
	DestroyHost(ctx context.Context, hostID string) error

	// GetHost accepts a host id or name and returns an OnlineHost when the
	// host is RUNNING, or an offline HostInfo otherwise.
	GetHost(ctx context.Context, idOrName string) (HostInfo, error)
	ListHosts(ctx context.Context, includeDestroyed bool) ([]HostInfo, error)

	// ListPersistedAgentDataForHost reads through to the host's agent data
	// files without materializing an online connection where possible.
	ListPersistedAgentDataForHost(ctx context.Context, hostID string) ([]state.AgentData, error)

	CreateSnapshot(ctx context.Context, hostID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, hostID string) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error

	ListVolumes(ctx context.Context) ([]Volume, error)
	DeleteVolume(ctx context.Context, volumeID string) error

	GetTags(ctx context.Context, hostID string) (map[string]string, error)
	SetTags(ctx context.Context, hostID string, tags map[string]string) error
}

// HostReference is a lightweight handle carrying enough data to list and
// filter hosts without a connection.
type HostReference struct {
	ProviderName string          `json:"provider"`
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	State        state.HostState `json:"state"`
}

// AgentReference pairs a persisted agent record with its host handle.
type AgentReference struct {
	Host HostReference   `json:"host"`
	Data state.AgentData `json:"agent"`
}

// NewHostReference snapshots a HostInfo into a reference.
func NewHostReference(h HostInfo) HostReference {
	return HostReference{
		ProviderName: h.ProviderName(),
		ID:           h.ID(),
		Name:         h.Name(),
		State:        h.State(),
	}
}
