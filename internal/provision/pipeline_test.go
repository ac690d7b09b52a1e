package provision

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mng/internal/provider"
	"mng/internal/provider/local"
	"mng/internal/state"
)

func newLocalProvider(t *testing.T) *local.Provider {
	t.Helper()
	prov, err := local.NewProvider("local", t.TempDir())
	require.NoError(t, err)
	return prov
}

func TestCreateAgentRunsHooksInOrder(t *testing.T) {
	prov := newLocalProvider(t)
	reg := &Registry{}
	var order []string
	reg.OnHostCreated(func(ctx context.Context, h provider.OnlineHost) error {
		order = append(order, "host_created")
		return nil
	})
	reg.OnBeforeInitialFileCopy(func(ctx context.Context, opts *CreateAgentOptions, h provider.OnlineHost) error {
		order = append(order, "before_copy")
		return nil
	})
	reg.OnAfterInitialFileCopy(func(ctx context.Context, opts *CreateAgentOptions, h provider.OnlineHost, workDir string) error {
		order = append(order, "after_copy")
		return nil
	})
	reg.OnAgentStateDirCreated(func(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
		order = append(order, "state_dir")
		return nil
	})
	reg.OnBeforeProvisioning(func(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
		order = append(order, "before_prov")
		return nil
	})
	reg.OnAfterProvisioning(func(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
		order = append(order, "after_prov")
		return nil
	})
	reg.OnAgentCreated(func(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
		order = append(order, "created")
		return nil
	})

	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "main.go"), []byte("package main\n"), 0o644))

	data, h, err := CreateAgent(context.Background(), reg, prov, nil, NewHostOptions{}, CreateAgentOptions{
		Name:          "alpha",
		AgentType:     "tui",
		Command:       "sleep 99999",
		Source:        source,
		CreateWorkDir: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"host_created", "before_copy", "after_copy", "state_dir",
		"before_prov", "after_prov", "created",
	}, order)

	// The copied tree landed in the generated work dir.
	copied, err := os.ReadFile(filepath.Join(data.WorkDir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(copied))

	// Generated work dirs are tracked on the host for cleanup.
	assert.Contains(t, h.Data().GeneratedWorkDirs, data.WorkDir)

	// The agent record is persisted and listable.
	agents, err := h.GetAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "alpha", agents[0].Name)
	assert.Equal(t, h.ID(), agents[0].HostID)
}

func TestCreateAgentSkipsCopyWhenDisabled(t *testing.T) {
	prov := newLocalProvider(t)
	reg := &Registry{}
	copied := false
	reg.OnBeforeInitialFileCopy(func(ctx context.Context, opts *CreateAgentOptions, h provider.OnlineHost) error {
		copied = true
		return nil
	})
	_, _, err := CreateAgent(context.Background(), reg, prov, nil, NewHostOptions{}, CreateAgentOptions{
		Name:          "beta",
		Command:       "sleep 1",
		CreateWorkDir: false,
	})
	require.NoError(t, err)
	assert.False(t, copied, "copy hooks are skipped entirely")
}

func TestCreateAgentExplicitWorkDirNotTracked(t *testing.T) {
	prov := newLocalProvider(t)
	workDir := t.TempDir()
	_, h, err := CreateAgent(context.Background(), &Registry{}, prov, nil, NewHostOptions{}, CreateAgentOptions{
		Name:    "gamma",
		Command: "sleep 1",
		WorkDir: workDir,
	})
	require.NoError(t, err)
	assert.NotContains(t, h.Data().GeneratedWorkDirs, workDir,
		"user-supplied work dirs are not recovered on cleanup")
}

func TestProvisionAppliesOptions(t *testing.T) {
	prov := newLocalProvider(t)
	data, h, err := CreateAgent(context.Background(), &Registry{}, prov, nil, NewHostOptions{}, CreateAgentOptions{
		Name:    "delta",
		Command: "sleep 1",
	})
	require.NoError(t, err)

	uploadSrc := filepath.Join(t.TempDir(), "cred.txt")
	require.NoError(t, os.WriteFile(uploadSrc, []byte("secret"), 0o600))
	target := filepath.Join(t.TempDir(), "target")

	err = Provision(context.Background(), &Registry{}, data, h, AgentProvisioningOptions{
		CreateDirs:   []string{filepath.Join(target, "made")},
		UploadFiles:  []string{uploadSrc + ":" + filepath.Join(target, "cred.txt")},
		FileAppends:  []string{filepath.Join(target, "rc") + ":appended\n"},
		FilePrepends: []string{filepath.Join(target, "rc") + ":prepended\n"},
		UserCommands: []string{"touch " + filepath.Join(target, "touched")},
	})
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(target, "made"))
	assert.FileExists(t, filepath.Join(target, "touched"))

	cred, err := os.ReadFile(filepath.Join(target, "cred.txt"))
	require.NoError(t, err)
	assert.Equal(t, "secret", string(cred))

	rc, err := os.ReadFile(filepath.Join(target, "rc"))
	require.NoError(t, err)
	assert.Equal(t, "prepended\nappended\n", string(rc))
}

func TestCreateAgentHookFailureAborts(t *testing.T) {
	prov := newLocalProvider(t)
	reg := &Registry{}
	reg.OnBeforeProvisioning(func(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
		return assert.AnError
	})
	created := false
	reg.OnAgentCreated(func(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
		created = true
		return nil
	})
	_, _, err := CreateAgent(context.Background(), reg, prov, nil, NewHostOptions{}, CreateAgentOptions{
		Name:    "epsilon",
		Command: "sleep 1",
	})
	require.Error(t, err)
	assert.False(t, created)
}
