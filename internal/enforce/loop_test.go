package enforce

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mng/internal/fleet"
	"mng/internal/provider"
	"mng/internal/state"
)

type stubHost struct {
	data   state.HostData
	idle   float64
	uptime float64
}

func (h *stubHost) ID() string                 { return h.data.ID }
func (h *stubHost) Name() string               { return h.data.Name }
func (h *stubHost) ProviderName() string       { return "stub" }
func (h *stubHost) State() state.HostState     { return h.data.State }
func (h *stubHost) Data() *state.HostData      { d := h.data; return &d }
func (h *stubHost) HostDir() string            { return "/var/lib/mng" }
func (h *stubHost) Connector() provider.Connector { return nil }

func (h *stubHost) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	return provider.ExecResult{Success: true}, nil
}
func (h *stubHost) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return nil
}
func (h *stubHost) WriteTextFile(ctx context.Context, path, content string) error { return nil }
func (h *stubHost) UptimeSeconds(ctx context.Context) (float64, error)            { return h.uptime, nil }
func (h *stubHost) IdleSeconds(ctx context.Context) (float64, error)              { return h.idle, nil }
func (h *stubHost) GetAgents(ctx context.Context) ([]state.AgentData, error)      { return nil, nil }
func (h *stubHost) CreateAgentState(ctx context.Context, data *state.AgentData, env map[string]string) error {
	return nil
}
func (h *stubHost) DestroyAgent(ctx context.Context, agentID string, onDestroy func() error) error {
	return nil
}
func (h *stubHost) SetCertifiedData(ctx context.Context, mutate func(*state.HostData)) error {
	mutate(&h.data)
	return nil
}
func (h *stubHost) TouchActivity(ctx context.Context, src state.ActivitySource) error { return nil }

type stubProvider struct {
	name        string
	hosts       []*stubHost
	canShutdown bool

	stopped     []string
	destroyed   []string
	stopReasons map[string]state.StopReason
	listErr     error
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsShutdownHosts: p.canShutdown}
}
func (p *stubProvider) CreateHost(ctx context.Context, opts provider.CreateHostOptions) (provider.OnlineHost, error) {
	return nil, errors.New("unsupported")
}
func (p *stubProvider) StartHost(ctx context.Context, hostID, snapshotID string) (provider.OnlineHost, error) {
	return nil, errors.New("unsupported")
}
func (p *stubProvider) StopHost(ctx context.Context, hostID string, createSnapshot bool) error {
	p.stopped = append(p.stopped, hostID)
	return nil
}
func (p *stubProvider) DestroyHost(ctx context.Context, hostID string) error {
	p.destroyed = append(p.destroyed, hostID)
	return nil
}
func (p *stubProvider) GetHost(ctx context.Context, idOrName string) (provider.HostInfo, error) {
	return nil, errors.New("unsupported")
}
func (p *stubProvider) ListHosts(ctx context.Context, includeDestroyed bool) ([]provider.HostInfo, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	hosts := make([]provider.HostInfo, len(p.hosts))
	for i, h := range p.hosts {
		hosts[i] = h
	}
	return hosts, nil
}
func (p *stubProvider) ListPersistedAgentDataForHost(ctx context.Context, hostID string) ([]state.AgentData, error) {
	return nil, nil
}
func (p *stubProvider) CreateSnapshot(ctx context.Context, hostID string) (*provider.Snapshot, error) {
	return nil, errors.New("unsupported")
}
func (p *stubProvider) ListSnapshots(ctx context.Context, hostID string) ([]provider.Snapshot, error) {
	return nil, nil
}
func (p *stubProvider) DeleteSnapshot(ctx context.Context, snapshotID string) error { return nil }
func (p *stubProvider) ListVolumes(ctx context.Context) ([]provider.Volume, error)  { return nil, nil }
func (p *stubProvider) DeleteVolume(ctx context.Context, volumeID string) error     { return nil }
func (p *stubProvider) GetTags(ctx context.Context, hostID string) (map[string]string, error) {
	return nil, nil
}
func (p *stubProvider) SetTags(ctx context.Context, hostID string, tags map[string]string) error {
	return nil
}

func (p *stubProvider) SetStopReason(ctx context.Context, hostID string, reason state.StopReason) error {
	if p.stopReasons == nil {
		p.stopReasons = make(map[string]state.StopReason)
	}
	p.stopReasons[hostID] = reason
	return nil
}

func runningHost(id string, idle float64, maxIdle int) *stubHost {
	data := state.HostData{ID: id, Name: id, State: state.HostRunning}
	data.SetActivityConfig(state.ActivityConfig{
		IdleMode:        state.IdleModeAgent,
		MaxIdleSeconds:  maxIdle,
		ActivitySources: []state.ActivitySource{state.ActivitySourceAgent},
	})
	return &stubHost{data: data, idle: idle}
}

func TestIdleHostIsStoppedWithPausedReason(t *testing.T) {
	prov := &stubProvider{
		name:        "stub",
		canShutdown: true,
		hosts:       []*stubHost{runningHost("host-idle", 10, 2)},
	}
	loop := &Loop{Providers: []provider.Provider{prov}, Options: Options{ErrorBehavior: fleet.Continue}}
	actions, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "stop", actions[0].Kind)
	assert.Equal(t, []string{"host-idle"}, prov.stopped)
	assert.Equal(t, state.StopReasonPaused, prov.stopReasons["host-idle"])
}

func TestBusyHostIsLeftRunning(t *testing.T) {
	prov := &stubProvider{
		name:        "stub",
		canShutdown: true,
		hosts:       []*stubHost{runningHost("host-busy", 1, 3600)},
	}
	loop := &Loop{Providers: []provider.Provider{prov}, Options: Options{ErrorBehavior: fleet.Continue}}
	actions, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, prov.stopped)
}

func TestLocalStyleProvidersAreSkipped(t *testing.T) {
	prov := &stubProvider{
		name:        "local",
		canShutdown: false,
		hosts:       []*stubHost{runningHost("host-local", 99999, 1)},
	}
	loop := &Loop{Providers: []provider.Provider{prov}, Options: Options{ErrorBehavior: fleet.Continue}}
	actions, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, prov.stopped)
}

func TestStuckStartingHostIsStopped(t *testing.T) {
	h := &stubHost{data: state.HostData{ID: "host-stuck", Name: "stuck", State: state.HostStarting}, uptime: 1000}
	prov := &stubProvider{name: "stub", canShutdown: true, hosts: []*stubHost{h}}
	loop := &Loop{Providers: []provider.Provider{prov}, Options: Options{
		StartingTimeout: 10 * time.Second,
		ErrorBehavior:   fleet.Continue,
	}}
	actions, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "stop", actions[0].Kind)
}

func TestStuckStoppingHostIsDestroyed(t *testing.T) {
	h := &stubHost{data: state.HostData{ID: "host-zombie", Name: "zombie", State: state.HostStopping}, uptime: 1000}
	prov := &stubProvider{name: "stub", canShutdown: true, hosts: []*stubHost{h}}
	loop := &Loop{Providers: []provider.Provider{prov}, Options: Options{
		StoppingTimeout: 10 * time.Second,
		ErrorBehavior:   fleet.Continue,
	}}
	actions, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "destroy", actions[0].Kind)
	assert.Equal(t, []string{"host-zombie"}, prov.destroyed)
}

func TestDryRunRecordsWithoutExecuting(t *testing.T) {
	prov := &stubProvider{
		name:        "stub",
		canShutdown: true,
		hosts:       []*stubHost{runningHost("host-idle", 10, 2)},
	}
	loop := &Loop{Providers: []provider.Provider{prov}, Options: Options{
		DryRun:        true,
		ErrorBehavior: fleet.Continue,
	}}
	actions, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.True(t, actions[0].DryRun)
	assert.Empty(t, prov.stopped)
}

func TestListErrorContinues(t *testing.T) {
	bad := &stubProvider{name: "bad", canShutdown: true, listErr: errors.New("unreachable")}
	good := &stubProvider{
		name:        "good",
		canShutdown: true,
		hosts:       []*stubHost{runningHost("host-idle", 10, 2)},
	}
	loop := &Loop{Providers: []provider.Provider{bad, good}, Options: Options{ErrorBehavior: fleet.Continue}}
	actions, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}
