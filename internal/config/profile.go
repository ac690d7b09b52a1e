package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"mng/internal/state"
)

// Profiles let several fleets share one machine: <host_dir>/config.toml
// names the active profile id, and each profile keeps its own
// settings.toml under profiles/<id>/.

// ProviderSettings is one configured provider instance.
type ProviderSettings struct {
	Backend  string
	Settings map[string]any
}

// Profile is the parsed user configuration for one profile.
type Profile struct {
	ID        string
	HostDir   string
	Providers map[string]ProviderSettings
}

// ActiveProfileID reads the profile id from <host_dir>/config.toml,
// defaulting to "default".
func ActiveProfileID(hostDir string) string {
	v := viper.New()
	v.SetConfigFile(filepath.Join(hostDir, "config.toml"))
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return "default"
	}
	if id := v.GetString("profile"); id != "" {
		return id
	}
	return "default"
}

// LoadProfile reads profiles/<id>/settings.toml. A missing settings file
// yields a profile with only the built-in local provider.
func LoadProfile(hostDir, id string) (*Profile, error) {
	profile := &Profile{
		ID:      id,
		HostDir: hostDir,
		Providers: map[string]ProviderSettings{
			"local": {Backend: "local", Settings: map[string]any{"host_dir": hostDir}},
		},
	}

	settingsPath := filepath.Join(hostDir, "profiles", id, "settings.toml")
	if _, err := os.Stat(settingsPath); err != nil {
		if os.IsNotExist(err) {
			return profile, nil
		}
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(settingsPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading profile settings %s: %w", settingsPath, err)
	}

	providers := v.GetStringMap("providers")
	for name := range providers {
		sub := v.Sub("providers." + name)
		if sub == nil {
			continue
		}
		backend := sub.GetString("backend")
		if backend == "" {
			// Instance names like local_docker imply their backend.
			backend = name[strings.LastIndex(name, "_")+1:]
		}
		settings := sub.AllSettings()
		delete(settings, "backend")
		profile.Providers[name] = ProviderSettings{Backend: backend, Settings: settings}
	}
	return profile, nil
}

// SaveProfileSettings persists the settings map for round-trip use by
// `config set`-style tooling.
func SaveProfileSettings(hostDir, id string, settings map[string]any) error {
	settingsPath := filepath.Join(hostDir, "profiles", id, "settings.toml")
	if err := os.MkdirAll(filepath.Dir(settingsPath), 0o755); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("toml")
	for key, value := range settings {
		v.Set(key, value)
	}
	return v.WriteConfigAs(settingsPath)
}

// ActivityConfigFromViper builds the activity config from the loaded
// global configuration.
func ActivityConfigFromViper() state.ActivityConfig {
	cfg := state.DefaultActivityConfig()
	if viper.IsSet("idle_timeout_seconds") {
		cfg.MaxIdleSeconds = viper.GetInt("idle_timeout_seconds")
	}
	return cfg
}
