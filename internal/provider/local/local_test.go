package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mng/internal/mngerrors"
	"mng/internal/provider"
	"mng/internal/state"
)

func TestDeterministicHostID(t *testing.T) {
	dir := t.TempDir()
	prov, err := NewProvider("local", dir)
	require.NoError(t, err)
	hosts, err := prov.ListHosts(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	firstID := hosts[0].ID()

	// A fresh provider over the same directory finds the same id.
	again, err := NewProvider("local", dir)
	require.NoError(t, err)
	hosts, err = again.ListHosts(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, firstID, hosts[0].ID())
	assert.Equal(t, LocalHostName, hosts[0].Name())
	assert.Equal(t, state.HostRunning, hosts[0].State())
}

func TestGetHostByIDAndName(t *testing.T) {
	prov, err := NewProvider("local", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	byName, err := prov.GetHost(ctx, LocalHostName)
	require.NoError(t, err)
	byID, err := prov.GetHost(ctx, byName.ID())
	require.NoError(t, err)
	assert.Equal(t, byName.ID(), byID.ID())

	_, err = prov.GetHost(ctx, "nope")
	var notFound *mngerrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestLocalHostCannotBeStoppedOrDestroyed(t *testing.T) {
	prov, err := NewProvider("local", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	var userErr *mngerrors.UserError
	assert.ErrorAs(t, prov.StopHost(ctx, LocalHostName, false), &userErr)
	assert.ErrorAs(t, prov.DestroyHost(ctx, LocalHostName), &userErr)
}

func TestSnapshotsUnsupported(t *testing.T) {
	prov, err := NewProvider("local", t.TempDir())
	require.NoError(t, err)
	assert.False(t, prov.Capabilities().SupportsSnapshots)
	_, err = prov.CreateSnapshot(context.Background(), LocalHostName)
	assert.Error(t, err)
}

func TestTagsRoundTrip(t *testing.T) {
	prov, err := NewProvider("local", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	tags := map[string]string{"team": "infra", "env": "dev"}
	require.NoError(t, prov.SetTags(ctx, LocalHostName, tags))
	got, err := prov.GetTags(ctx, LocalHostName)
	require.NoError(t, err)
	assert.Equal(t, tags, got)

	empty, err := NewProvider("other", t.TempDir())
	require.NoError(t, err)
	got, err = empty.GetTags(ctx, LocalHostName)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestActivityConfigRoundTrip(t *testing.T) {
	prov, err := NewProvider("local", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	cfg := state.ActivityConfig{
		IdleMode:        state.IdleModeSSH,
		MaxIdleSeconds:  42,
		ActivitySources: []state.ActivitySource{state.ActivitySourceSSH},
	}
	h, err := prov.CreateHost(ctx, provider.CreateHostOptions{Activity: &cfg})
	require.NoError(t, err)
	assert.Equal(t, cfg, h.Data().ActivityConfig())
}
