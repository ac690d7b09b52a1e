package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveProfileIDDefault(t *testing.T) {
	assert.Equal(t, "default", ActiveProfileID(t.TempDir()))
}

func TestActiveProfileIDFromConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("profile = \"work\"\n"), 0o644))
	assert.Equal(t, "work", ActiveProfileID(dir))
}

func TestLoadProfileMissingSettingsHasLocalProvider(t *testing.T) {
	dir := t.TempDir()
	profile, err := LoadProfile(dir, "default")
	require.NoError(t, err)
	require.Contains(t, profile.Providers, "local")
	assert.Equal(t, "local", profile.Providers["local"].Backend)
}

func TestLoadProfileParsesProviders(t *testing.T) {
	dir := t.TempDir()
	settings := `
[providers.local_docker]
backend = "docker"
image = "ubuntu:24.04"

[providers.buildbox]
backend = "ssh"
host = "10.0.0.9"
user = "agent"
`
	path := filepath.Join(dir, "profiles", "default", "settings.toml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(settings), 0o644))

	profile, err := LoadProfile(dir, "default")
	require.NoError(t, err)

	docker, ok := profile.Providers["local_docker"]
	require.True(t, ok)
	assert.Equal(t, "docker", docker.Backend)
	assert.Equal(t, "ubuntu:24.04", docker.Settings["image"])

	sshProv, ok := profile.Providers["buildbox"]
	require.True(t, ok)
	assert.Equal(t, "ssh", sshProv.Backend)
	assert.Equal(t, "10.0.0.9", sshProv.Settings["host"])
	// The backend key itself is not passed through as a setting.
	_, hasBackend := sshProv.Settings["backend"]
	assert.False(t, hasBackend)
}

func TestSaveProfileSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveProfileSettings(dir, "default", map[string]any{
		"providers.local_docker.backend": "docker",
		"providers.local_docker.image":   "alpine:3.20",
	}))
	profile, err := LoadProfile(dir, "default")
	require.NoError(t, err)
	docker, ok := profile.Providers["local_docker"]
	require.True(t, ok)
	assert.Equal(t, "alpine:3.20", docker.Settings["image"])
}
