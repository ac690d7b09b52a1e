package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mng/internal/mngerrors"
)

// AgentData is the certified agent record persisted as data.json in the
// agent's state directory on its host.
type AgentData struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Type        string                     `json:"type"`
	Command     string                     `json:"command"`
	WorkDir     string                     `json:"work_dir"`
	HostID      string                     `json:"host_id,omitempty"`
	CreateTime  time.Time                  `json:"create_time"`
	Permissions []string                   `json:"permissions,omitempty"`
	Plugin      map[string]json.RawMessage `json:"plugin,omitempty"`
}

var agentDataKnownKeys = map[string]bool{
	"id": true, "name": true, "type": true, "command": true,
	"work_dir": true, "host_id": true, "create_time": true,
	"permissions": true, "plugin": true,
}

// DecodeAgentData parses an agent data.json payload. Records with a
// missing or ill-formed id/name are rejected; callers listing agents skip
// them with a warning instead of failing the whole listing.
func DecodeAgentData(path string, raw []byte) (*AgentData, error) {
	warnUnknownKeys(path, raw, agentDataKnownKeys)

	var d AgentData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &mngerrors.SchemaError{Path: path, ValidationError: err.Error()}
	}
	if d.ID == "" || d.Name == "" {
		return nil, &mngerrors.SchemaError{Path: path, ValidationError: "missing required key 'id' or 'name'"}
	}
	return &d, nil
}

// ReadAgentData loads and validates <agentDir>/data.json.
func ReadAgentData(agentDir string) (*AgentData, error) {
	path := filepath.Join(agentDir, "data.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent data: %w", err)
	}
	return DecodeAgentData(path, raw)
}

// WriteAgentData atomically persists the record to <agentDir>/data.json.
func WriteAgentData(agentDir string, d *AgentData) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding agent data: %w", err)
	}
	return WriteFileAtomic(filepath.Join(agentDir, "data.json"), raw, 0o644)
}
