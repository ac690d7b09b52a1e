package host_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mng/internal/host"
	"mng/internal/provider/local"
	"mng/internal/state"
)

func newTestHost(t *testing.T) (*host.Host, string) {
	t.Helper()
	dir := t.TempDir()
	data := &state.HostData{
		ID:    "host-test",
		Name:  "localhost",
		State: state.HostRunning,
	}
	data.SetActivityConfig(state.DefaultActivityConfig())
	require.NoError(t, state.WriteHostData(dir, data))
	return host.New("local", dir, data, local.Connector{}, nil), dir
}

func TestExecuteCommand(t *testing.T) {
	h, _ := newTestHost(t)
	res, err := h.ExecuteCommand(context.Background(), "echo hello", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestWriteTextFileAndReadBack(t *testing.T) {
	h, dir := newTestHost(t)
	path := filepath.Join(dir, "nested", "file.txt")
	require.NoError(t, h.WriteTextFile(context.Background(), path, "content"))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "content", string(raw))
}

func TestSetCertifiedDataCommitsAtomically(t *testing.T) {
	h, dir := newTestHost(t)
	err := h.SetCertifiedData(context.Background(), func(d *state.HostData) {
		d.State = state.HostStopping
		d.GeneratedWorkDirs = append(d.GeneratedWorkDirs, "/work/x")
	})
	require.NoError(t, err)
	assert.Equal(t, state.HostStopping, h.State())

	// The committed state equals what a fresh read observes.
	loaded, err := state.ReadHostData(dir)
	require.NoError(t, err)
	assert.Equal(t, state.HostStopping, loaded.State)
	assert.Equal(t, []string{"/work/x"}, loaded.GeneratedWorkDirs)
}

func TestSetCertifiedDataNotifiesCallback(t *testing.T) {
	dir := t.TempDir()
	data := &state.HostData{ID: "host-cb", Name: "localhost", State: state.HostRunning}
	var observed *state.HostData
	h := host.New("local", dir, data, local.Connector{}, func(d *state.HostData) {
		observed = d
	})
	require.NoError(t, h.SetCertifiedData(context.Background(), func(d *state.HostData) {
		d.StopReason = state.StopReasonPaused
	}))
	require.NotNil(t, observed)
	assert.Equal(t, state.StopReasonPaused, observed.StopReason)
}

func TestCreateAgentStateAndGetAgents(t *testing.T) {
	h, dir := newTestHost(t)
	ctx := context.Background()
	data := &state.AgentData{
		ID:         "agent-1",
		Name:       "alpha",
		Type:       "tui",
		Command:    "sleep 99999",
		WorkDir:    "/work/alpha",
		CreateTime: time.Now().UTC(),
	}
	require.NoError(t, h.CreateAgentState(ctx, data, map[string]string{"FOO": "bar"}))

	// A malformed record must be skipped, not crash the listing.
	badDir := filepath.Join(host.AgentsDir(dir), "agent-bad")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "data.json"), []byte(`{"name":"no-id"}`), 0o644))

	agents, err := h.GetAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "alpha", agents[0].Name)

	env, err := os.ReadFile(filepath.Join(host.AgentDir(dir, "agent-1"), "env"))
	require.NoError(t, err)
	assert.Equal(t, "FOO=bar\n", string(env))
}

func TestWriteAgentEnvMergesOnCollision(t *testing.T) {
	h, dir := newTestHost(t)
	ctx := context.Background()
	data := &state.AgentData{ID: "agent-env", Name: "envy", CreateTime: time.Now().UTC()}
	require.NoError(t, h.CreateAgentState(ctx, data, map[string]string{"A": "1", "B": "2"}))

	// Re-provisioning preserves existing keys, overwrites collisions.
	require.NoError(t, h.WriteAgentEnv(ctx, "agent-env", map[string]string{"B": "changed", "C": "3"}))
	raw, err := os.ReadFile(filepath.Join(host.AgentDir(dir, "agent-env"), "env"))
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "A=1\n")
	assert.Contains(t, content, "B=changed\n")
	assert.Contains(t, content, "C=3\n")
}

func TestDestroyAgentRemovesDirEvenWhenHookFails(t *testing.T) {
	h, dir := newTestHost(t)
	ctx := context.Background()
	data := &state.AgentData{ID: "agent-doomed", Name: "doomed", CreateTime: time.Now().UTC()}
	require.NoError(t, h.CreateAgentState(ctx, data, nil))
	agentDir := host.AgentDir(dir, "agent-doomed")
	require.DirExists(t, agentDir)

	err := h.DestroyAgent(ctx, "agent-doomed", func() error { return assert.AnError })
	assert.Equal(t, assert.AnError, err)
	assert.NoDirExists(t, agentDir)
}

func TestIdleSecondsTracksActivityTouch(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, h.TouchActivity(ctx, state.ActivitySourceAgent))
	idle, err := h.IdleSeconds(ctx)
	require.NoError(t, err)
	assert.Less(t, idle, 5.0)
}

func TestIdleSecondsDisabledMode(t *testing.T) {
	dir := t.TempDir()
	data := &state.HostData{ID: "host-i", Name: "localhost", State: state.HostRunning}
	data.SetActivityConfig(state.ActivityConfig{IdleMode: state.IdleModeDisabled})
	require.NoError(t, state.WriteHostData(dir, data))
	h := host.New("local", dir, data, local.Connector{}, nil)
	idle, err := h.IdleSeconds(context.Background())
	require.NoError(t, err)
	assert.Zero(t, idle)
}
