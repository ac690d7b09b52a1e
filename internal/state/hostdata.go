package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"mng/internal/mngerrors"
)

// HostData is the certified host record persisted as data.json in the
// provider-local host directory. Unknown keys are skipped with a warning
// rather than rejected, so newer files still load on older binaries.
type HostData struct {
	ID                string                     `json:"id"`
	Name              string                     `json:"name"`
	State             HostState                  `json:"state"`
	StopReason        StopReason                 `json:"stop_reason,omitempty"`
	FailureReason     string                     `json:"failure_reason,omitempty"`
	BuildLog          string                     `json:"build_log,omitempty"`
	Image             string                     `json:"image,omitempty"`
	IdleMode          IdleMode                   `json:"idle_mode"`
	MaxIdleSeconds    int                        `json:"max_idle_seconds"`
	ActivitySources   []ActivitySource           `json:"activity_sources"`
	Plugin            map[string]json.RawMessage `json:"plugin,omitempty"`
	GeneratedWorkDirs []string                   `json:"generated_work_dirs,omitempty"`
}

// ActivityConfig returns the idle-detection portion of the record.
func (d *HostData) ActivityConfig() ActivityConfig {
	return ActivityConfig{
		IdleMode:        d.IdleMode,
		MaxIdleSeconds:  d.MaxIdleSeconds,
		ActivitySources: d.ActivitySources,
	}
}

// SetActivityConfig mirrors an activity config into the record.
func (d *HostData) SetActivityConfig(cfg ActivityConfig) {
	d.IdleMode = cfg.IdleMode
	d.MaxIdleSeconds = cfg.MaxIdleSeconds
	d.ActivitySources = cfg.ActivitySources
}

var hostDataKnownKeys = map[string]bool{
	"id": true, "name": true, "state": true, "stop_reason": true,
	"failure_reason": true, "build_log": true, "image": true,
	"idle_mode": true, "max_idle_seconds": true, "activity_sources": true,
	"plugin": true, "generated_work_dirs": true,
}

// DecodeHostData parses a host data.json payload. Unknown keys are logged
// and skipped; a missing id or name is a schema error.
func DecodeHostData(path string, raw []byte) (*HostData, error) {
	warnUnknownKeys(path, raw, hostDataKnownKeys)

	var d HostData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &mngerrors.SchemaError{Path: path, ValidationError: err.Error()}
	}
	if d.ID == "" || d.Name == "" {
		return nil, &mngerrors.SchemaError{Path: path, ValidationError: "missing required key 'id' or 'name'"}
	}
	return &d, nil
}

// ReadHostData loads and validates <hostDir>/data.json.
func ReadHostData(hostDir string) (*HostData, error) {
	path := filepath.Join(hostDir, "data.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host data: %w", err)
	}
	return DecodeHostData(path, raw)
}

// WriteHostData atomically persists the record to <hostDir>/data.json.
func WriteHostData(hostDir string, d *HostData) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding host data: %w", err)
	}
	return WriteFileAtomic(filepath.Join(hostDir, "data.json"), raw, 0o644)
}

// warnUnknownKeys logs any top-level keys not in known. Malformed JSON is
// left for the typed decode to report.
func warnUnknownKeys(path string, raw []byte, known map[string]bool) {
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		return
	}
	for key := range loose {
		if !known[key] {
			slog.Warn("skipping unknown key in data file", "path", path, "key", key)
		}
	}
}
