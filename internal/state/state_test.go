package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mng/internal/mngerrors"
)

func TestHostDataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := &HostData{
		ID:    "host-0123",
		Name:  "alpha",
		State: HostRunning,
		Image: "ubuntu:latest",
	}
	data.SetActivityConfig(ActivityConfig{
		IdleMode:        IdleModeAgent,
		MaxIdleSeconds:  120,
		ActivitySources: []ActivitySource{ActivitySourceAgent, ActivitySourceSSH},
	})

	require.NoError(t, WriteHostData(dir, data))
	loaded, err := ReadHostData(dir)
	require.NoError(t, err)
	assert.Equal(t, data, loaded)
	assert.Equal(t, data.ActivityConfig(), loaded.ActivityConfig())
}

func TestDecodeHostDataSkipsUnknownKeys(t *testing.T) {
	raw := []byte(`{"id":"host-1","name":"alpha","state":"RUNNING","surprise_key":42}`)
	data, err := DecodeHostData("data.json", raw)
	require.NoError(t, err)
	assert.Equal(t, "host-1", data.ID)
	assert.Equal(t, HostRunning, data.State)
}

func TestDecodeHostDataMissingIDIsSchemaError(t *testing.T) {
	_, err := DecodeHostData("data.json", []byte(`{"name":"alpha"}`))
	var schemaErr *mngerrors.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, schemaErr.Error(), "rm data.json")
}

func TestDecodeHostDataMalformedJSON(t *testing.T) {
	_, err := DecodeHostData("data.json", []byte(`{not json`))
	var schemaErr *mngerrors.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestAgentDataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := &AgentData{
		ID:          "agent-9876",
		Name:        "beta",
		Type:        "tui",
		Command:     "sleep 99999",
		WorkDir:     "/work/beta",
		HostID:      "host-1",
		CreateTime:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Permissions: []string{"review"},
	}
	require.NoError(t, WriteAgentData(dir, data))
	loaded, err := ReadAgentData(dir)
	require.NoError(t, err)
	assert.Equal(t, data, loaded)
}

func TestDecodeAgentDataRejectsMissingName(t *testing.T) {
	_, err := DecodeAgentData("data.json", []byte(`{"id":"agent-1"}`))
	var schemaErr *mngerrors.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "data.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o600))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(raw))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLifecycleStateCanReceiveMessages(t *testing.T) {
	assert.True(t, AgentRunning.CanReceiveMessages())
	assert.True(t, AgentWaiting.CanReceiveMessages())
	assert.True(t, AgentReplaced.CanReceiveMessages())
	assert.False(t, AgentStopped.CanReceiveMessages())
}

func TestHostStateHelpers(t *testing.T) {
	assert.True(t, HostRunning.IsOnline())
	assert.False(t, HostStopped.IsOnline())
	assert.True(t, HostPaused.IsRestartable())
	assert.True(t, HostCrashed.IsRestartable())
	assert.False(t, HostFailed.IsRestartable())
	assert.False(t, HostDestroyed.IsRestartable())
}
