package fleet

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mng/internal/agent"
	"mng/internal/mngerrors"
	"mng/internal/provider"
	"mng/internal/state"
)

// fakeHost satisfies provider.OnlineHost with canned data; fan-out tests
// never touch a real connector.
type fakeHost struct {
	data state.HostData
	prov string
}

func (f *fakeHost) ID() string                 { return f.data.ID }
func (f *fakeHost) Name() string               { return f.data.Name }
func (f *fakeHost) ProviderName() string       { return f.prov }
func (f *fakeHost) State() state.HostState     { return f.data.State }
func (f *fakeHost) Data() *state.HostData      { d := f.data; return &d }
func (f *fakeHost) HostDir() string            { return "/var/lib/mng" }
func (f *fakeHost) Connector() provider.Connector { return nil }

func (f *fakeHost) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	return provider.ExecResult{Success: true}, nil
}
func (f *fakeHost) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return nil
}
func (f *fakeHost) WriteTextFile(ctx context.Context, path, content string) error { return nil }
func (f *fakeHost) UptimeSeconds(ctx context.Context) (float64, error)            { return 0, nil }
func (f *fakeHost) IdleSeconds(ctx context.Context) (float64, error)              { return 0, nil }
func (f *fakeHost) GetAgents(ctx context.Context) ([]state.AgentData, error)      { return nil, nil }
func (f *fakeHost) CreateAgentState(ctx context.Context, data *state.AgentData, env map[string]string) error {
	return nil
}
func (f *fakeHost) DestroyAgent(ctx context.Context, agentID string, onDestroy func() error) error {
	return nil
}
func (f *fakeHost) SetCertifiedData(ctx context.Context, mutate func(*state.HostData)) error {
	return nil
}
func (f *fakeHost) TouchActivity(ctx context.Context, src state.ActivitySource) error { return nil }

// fakeProvider serves one online host with a fixed agent list.
type fakeProvider struct {
	name   string
	host   *fakeHost
	agents []state.AgentData
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsShutdownHosts: true}
}
func (p *fakeProvider) CreateHost(ctx context.Context, opts provider.CreateHostOptions) (provider.OnlineHost, error) {
	return p.host, nil
}
func (p *fakeProvider) StartHost(ctx context.Context, hostID, snapshotID string) (provider.OnlineHost, error) {
	return p.host, nil
}
func (p *fakeProvider) StopHost(ctx context.Context, hostID string, createSnapshot bool) error {
	return nil
}
func (p *fakeProvider) DestroyHost(ctx context.Context, hostID string) error { return nil }
func (p *fakeProvider) GetHost(ctx context.Context, idOrName string) (provider.HostInfo, error) {
	return p.host, nil
}
func (p *fakeProvider) ListHosts(ctx context.Context, includeDestroyed bool) ([]provider.HostInfo, error) {
	return []provider.HostInfo{p.host}, nil
}
func (p *fakeProvider) ListPersistedAgentDataForHost(ctx context.Context, hostID string) ([]state.AgentData, error) {
	return p.agents, nil
}
func (p *fakeProvider) CreateSnapshot(ctx context.Context, hostID string) (*provider.Snapshot, error) {
	return nil, errors.New("unsupported")
}
func (p *fakeProvider) ListSnapshots(ctx context.Context, hostID string) ([]provider.Snapshot, error) {
	return nil, nil
}
func (p *fakeProvider) DeleteSnapshot(ctx context.Context, snapshotID string) error { return nil }
func (p *fakeProvider) ListVolumes(ctx context.Context) ([]provider.Volume, error)  { return nil, nil }
func (p *fakeProvider) DeleteVolume(ctx context.Context, volumeID string) error     { return nil }
func (p *fakeProvider) GetTags(ctx context.Context, hostID string) (map[string]string, error) {
	return nil, nil
}
func (p *fakeProvider) SetTags(ctx context.Context, hostID string, tags map[string]string) error {
	return nil
}

// testAgentState drives the fake agent variant from each test.
var testAgentState = struct {
	mu       sync.Mutex
	states   map[string]state.AgentLifecycleState
	sendErrs map[string]error
	received map[string][]string
}{}

func resetTestAgents() {
	testAgentState.mu.Lock()
	defer testAgentState.mu.Unlock()
	testAgentState.states = make(map[string]state.AgentLifecycleState)
	testAgentState.sendErrs = make(map[string]error)
	testAgentState.received = make(map[string][]string)
}

type fakeAgent struct {
	data state.AgentData
}

func (a *fakeAgent) Data() state.AgentData { return a.data }
func (a *fakeAgent) SessionName() string   { return "mng-" + a.data.Name }
func (a *fakeAgent) Start(ctx context.Context) error {
	testAgentState.mu.Lock()
	defer testAgentState.mu.Unlock()
	testAgentState.states[a.data.Name] = state.AgentRunning
	return nil
}
func (a *fakeAgent) Stop(ctx context.Context) error { return nil }
func (a *fakeAgent) SendMessage(ctx context.Context, content string) error {
	testAgentState.mu.Lock()
	defer testAgentState.mu.Unlock()
	if err := testAgentState.sendErrs[a.data.Name]; err != nil {
		return err
	}
	if testAgentState.states[a.data.Name] == state.AgentStopped {
		return errors.New("agent is STOPPED")
	}
	testAgentState.received[a.data.Name] = append(testAgentState.received[a.data.Name], content)
	return nil
}
func (a *fakeAgent) LifecycleState(ctx context.Context) (state.AgentLifecycleState, error) {
	testAgentState.mu.Lock()
	defer testAgentState.mu.Unlock()
	if st, ok := testAgentState.states[a.data.Name]; ok {
		return st, nil
	}
	return state.AgentStopped, nil
}
func (a *fakeAgent) CapturePaneContent(ctx context.Context) (string, bool) { return "", false }
func (a *fakeAgent) ResumeMessage() string                                 { return "" }
func (a *fakeAgent) ReadyTimeout() time.Duration                           { return time.Second }
func (a *fakeAgent) OnDestroy(ctx context.Context) error                   { return nil }

func init() {
	agent.RegisterType("fan-out-test", func(data state.AgentData, h provider.OnlineHost, cfg agent.Config) (agent.Agent, error) {
		return &fakeAgent{data: data}, nil
	})
}

func testProviders() []provider.Provider {
	host := &fakeHost{
		prov: "local",
		data: state.HostData{ID: "host-1", Name: "localhost", State: state.HostRunning},
	}
	agents := []state.AgentData{
		{ID: "agent-1", Name: "alpha", Type: "fan-out-test"},
		{ID: "agent-2", Name: "beta", Type: "fan-out-test"},
		{ID: "agent-3", Name: "gamma", Type: "fan-out-test"},
	}
	return []provider.Provider{&fakeProvider{name: "local", host: host, agents: agents}}
}

func TestSendMessageMixedOutcomes(t *testing.T) {
	resetTestAgents()
	testAgentState.states["alpha"] = state.AgentRunning
	testAgentState.states["beta"] = state.AgentWaiting
	// gamma stays STOPPED.

	result, err := SendMessageToAgents(context.Background(), testProviders(), agent.Config{}, "hi", SendOptions{
		AllAgents:     true,
		ErrorBehavior: Continue,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, result.Successful)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "gamma", result.Failed[0].Name)
	assert.Equal(t, []string{"hi"}, testAgentState.received["alpha"])
	assert.Equal(t, []string{"hi"}, testAgentState.received["beta"])
}

func TestSendMessageStartTargets(t *testing.T) {
	resetTestAgents()
	testAgentState.states["alpha"] = state.AgentRunning
	// beta and gamma start STOPPED but get started on demand.

	result, err := SendMessageToAgents(context.Background(), testProviders(), agent.Config{}, "go", SendOptions{
		AllAgents:     true,
		ErrorBehavior: Continue,
		StartTargets:  true,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, result.Successful)
	assert.Empty(t, result.Failed)
}

func TestSendMessageReplacedIsSendable(t *testing.T) {
	resetTestAgents()
	testAgentState.states["alpha"] = state.AgentReplaced
	result, err := SendMessageToAgents(context.Background(), testProviders(), agent.Config{}, "hi", SendOptions{
		IncludeFilters: []string{`name == "alpha"`},
		ErrorBehavior:  Continue,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, result.Successful)
}

func TestSendMessageAbortStopsOnFailure(t *testing.T) {
	resetTestAgents()
	testAgentState.states["alpha"] = state.AgentRunning
	testAgentState.states["beta"] = state.AgentRunning
	testAgentState.sendErrs["alpha"] = errors.New("pane is gone")
	testAgentState.sendErrs["beta"] = errors.New("pane is gone")

	_, err := SendMessageToAgents(context.Background(), testProviders(), agent.Config{}, "hi", SendOptions{
		AllAgents:     true,
		ErrorBehavior: Abort,
	})
	require.Error(t, err)
}

func TestSendMessageFiltersExclude(t *testing.T) {
	resetTestAgents()
	testAgentState.states["alpha"] = state.AgentRunning
	testAgentState.states["beta"] = state.AgentRunning
	testAgentState.states["gamma"] = state.AgentRunning

	result, err := SendMessageToAgents(context.Background(), testProviders(), agent.Config{}, "hi", SendOptions{
		AllAgents:      true,
		ExcludeFilters: []string{`name == "beta"`},
		ErrorBehavior:  Continue,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "gamma"}, result.Successful)
	assert.Empty(t, testAgentState.received["beta"])
}

func TestSendMessageCallbacksFire(t *testing.T) {
	resetTestAgents()
	testAgentState.states["alpha"] = state.AgentRunning
	testAgentState.sendErrs["alpha"] = errors.New("boom")

	var mu sync.Mutex
	var failures []string
	result, err := SendMessageToAgents(context.Background(), testProviders(), agent.Config{}, "hi", SendOptions{
		IncludeFilters: []string{`name == "alpha"`},
		ErrorBehavior:  Continue,
		OnError: func(name, msg string) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, name+": "+msg)
		},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Successful)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alpha: boom"}, failures)
}

func TestSendMessageRequiresTargets(t *testing.T) {
	_, err := SendMessageToAgents(context.Background(), testProviders(), agent.Config{}, "hi", SendOptions{})
	var userErr *mngerrors.UserError
	assert.ErrorAs(t, err, &userErr)
}

func TestFindAgent(t *testing.T) {
	providers := testProviders()
	ref, prov, err := FindAgent(context.Background(), providers, "beta")
	require.NoError(t, err)
	assert.Equal(t, "agent-2", ref.Data.ID)
	assert.Equal(t, "local", prov.Name())

	_, _, err = FindAgent(context.Background(), providers, "missing")
	var notFound *mngerrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
