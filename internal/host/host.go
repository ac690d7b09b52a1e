// Package host implements the host entity shared by all providers: a
// directory tree on the execution environment, reached through a
// provider-supplied connector, that owns the certified data file and the
// per-agent state directories.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"mng/internal/provider"
	"mng/internal/state"
)

// quote is a minimal POSIX single-quote escape for paths interpolated
// into shell commands run on the host.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func encodeHostData(d *state.HostData) ([]byte, error) {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding host data: %w", err)
	}
	return raw, nil
}

func encodeAgentData(d *state.AgentData) ([]byte, error) {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding agent data: %w", err)
	}
	return raw, nil
}

// DataChangedCallback is invoked after every certified-data commit so the
// owning provider can mirror state it derives from data.json.
type DataChangedCallback func(d *state.HostData)

// Host is an online host: an immutable identity plus a mutable certified
// record guarded by a mutex. All state mutations go through
// SetCertifiedData, which writes atomically and notifies the provider.
type Host struct {
	providerName string
	hostDir      string
	conn         provider.Connector
	onChanged    DataChangedCallback

	mu   sync.Mutex
	data *state.HostData
}

// New builds a Host around an existing certified record.
func New(providerName, hostDir string, data *state.HostData, conn provider.Connector, onChanged DataChangedCallback) *Host {
	return &Host{
		providerName: providerName,
		hostDir:      hostDir,
		conn:         conn,
		onChanged:    onChanged,
		data:         data,
	}
}

func (h *Host) ID() string           { return h.snapshot().ID }
func (h *Host) Name() string         { return h.snapshot().Name }
func (h *Host) ProviderName() string { return h.providerName }
func (h *Host) HostDir() string      { return h.hostDir }

func (h *Host) Connector() provider.Connector { return h.conn }

func (h *Host) State() state.HostState { return h.snapshot().State }

// Data returns a copy of the certified record; mutations must go through
// SetCertifiedData.
func (h *Host) Data() *state.HostData { return h.snapshot() }

func (h *Host) snapshot() *state.HostData {
	h.mu.Lock()
	defer h.mu.Unlock()
	copied := *h.data
	return &copied
}

// SetCertifiedData applies mutate to the record, persists it atomically
// to <host_dir>/data.json, and notifies the provider callback. Readers
// never observe an in-between value: the commit happens under the host
// lock and the file write is temp+rename.
func (h *Host) SetCertifiedData(ctx context.Context, mutate func(*state.HostData)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	updated := *h.data
	mutate(&updated)

	raw, err := encodeHostData(&updated)
	if err != nil {
		return err
	}
	if err := h.conn.WriteFile(ctx, filepath.Join(h.hostDir, "data.json"), raw, 0o644); err != nil {
		return fmt.Errorf("persisting host data: %w", err)
	}
	h.data = &updated
	if h.onChanged != nil {
		copied := updated
		h.onChanged(&copied)
	}
	return nil
}

// ExecuteCommand runs a shell command on the host.
func (h *Host) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	return h.conn.Run(ctx, command, timeout)
}

// WriteFile writes bytes to a path on the host.
func (h *Host) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return h.conn.WriteFile(ctx, path, data, mode)
}

// WriteTextFile writes a text file with default permissions.
func (h *Host) WriteTextFile(ctx context.Context, path, content string) error {
	return h.conn.WriteFile(ctx, path, []byte(content), 0o644)
}

// UptimeSeconds reads the host's uptime from /proc/uptime.
func (h *Host) UptimeSeconds(ctx context.Context) (float64, error) {
	res, err := h.conn.Run(ctx, "cat /proc/uptime", 10*time.Second)
	if err != nil {
		return 0, err
	}
	if !res.Success {
		return 0, fmt.Errorf("reading uptime: %s", res.Stderr)
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected /proc/uptime output: %q", res.Stdout)
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing uptime: %w", err)
	}
	return uptime, nil
}

// ActivityDir is where activity-source files live under the host dir.
func ActivityDir(hostDir string) string {
	return filepath.Join(hostDir, "activity")
}

// ActivitySourcePath maps an activity source to the file whose mtime
// counts as activity of that kind. Hooks touch these files.
func ActivitySourcePath(hostDir string, src state.ActivitySource) string {
	return filepath.Join(ActivityDir(hostDir), strings.ToLower(string(src)))
}

// IdleSeconds computes seconds since the most recent modification across
// the configured activity sources. Missing source files are skipped; if
// no source exists at all, the host counts as idle since boot.
func (h *Host) IdleSeconds(ctx context.Context) (float64, error) {
	cfg := h.snapshot().ActivityConfig()
	if cfg.IdleMode == state.IdleModeDisabled {
		return 0, nil
	}
	paths := make([]string, 0, len(cfg.ActivitySources))
	for _, src := range cfg.ActivitySources {
		paths = append(paths, quote(ActivitySourcePath(h.hostDir, src)))
	}
	if len(paths) == 0 {
		return 0, nil
	}
	// Latest mtime across sources; stat errors for missing files go to
	// stderr and are ignored.
	cmd := fmt.Sprintf("stat -c %%Y %s 2>/dev/null | sort -n | tail -1", strings.Join(paths, " "))
	res, err := h.conn.Run(ctx, cmd, 10*time.Second)
	if err != nil {
		return 0, err
	}
	latest := strings.TrimSpace(res.Stdout)
	if latest == "" {
		return h.UptimeSeconds(ctx)
	}
	mtime, err := strconv.ParseInt(latest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing activity mtime: %w", err)
	}
	idle := time.Since(time.Unix(mtime, 0)).Seconds()
	if idle < 0 {
		idle = 0
	}
	return idle, nil
}

// AgentsDir is the directory holding per-agent state directories.
func AgentsDir(hostDir string) string {
	return filepath.Join(hostDir, "agents")
}

// AgentDir is one agent's state directory.
func AgentDir(hostDir, agentID string) string {
	return filepath.Join(AgentsDir(hostDir), agentID)
}

// GetAgents lists the valid agent records under <host_dir>/agents.
// Records with missing or ill-formed id/name are skipped with a warning;
// the listing itself never fails on a bad record.
func (h *Host) GetAgents(ctx context.Context) ([]state.AgentData, error) {
	agentsDir := AgentsDir(h.hostDir)
	res, err := h.conn.Run(ctx, fmt.Sprintf("ls -1 %s 2>/dev/null", quote(agentsDir)), 10*time.Second)
	if err != nil {
		return nil, err
	}
	var agents []state.AgentData
	for _, entry := range strings.Fields(res.Stdout) {
		dataPath := filepath.Join(agentsDir, entry, "data.json")
		raw, err := h.conn.ReadFile(ctx, dataPath)
		if err != nil {
			slog.Warn("skipping agent with unreadable data file", "host", h.ID(), "agent_dir", entry, "error", err)
			continue
		}
		data, err := state.DecodeAgentData(dataPath, raw)
		if err != nil {
			slog.Warn("skipping agent with invalid data file", "host", h.ID(), "agent_dir", entry, "error", err)
			continue
		}
		agents = append(agents, *data)
	}
	return agents, nil
}

// CreateAgentState creates the agent's state directory tree and persists
// its data.json and env file. Re-provisioning preserves existing env keys
// and overwrites only on collision.
func (h *Host) CreateAgentState(ctx context.Context, data *state.AgentData, env map[string]string) error {
	agentDir := AgentDir(h.hostDir, data.ID)
	mkdir := fmt.Sprintf("mkdir -p %s %s", quote(filepath.Join(agentDir, "logs")), quote(ActivityDir(h.hostDir)))
	res, err := h.conn.Run(ctx, mkdir, 10*time.Second)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("creating agent state dir: %s", res.Stderr)
	}

	raw, err := encodeAgentData(data)
	if err != nil {
		return err
	}
	if err := h.conn.WriteFile(ctx, filepath.Join(agentDir, "data.json"), raw, 0o644); err != nil {
		return fmt.Errorf("writing agent data: %w", err)
	}
	return h.WriteAgentEnv(ctx, data.ID, env)
}

// WriteAgentEnv merges env into <agent_dir>/env, preserving keys that are
// not being overwritten.
func (h *Host) WriteAgentEnv(ctx context.Context, agentID string, env map[string]string) error {
	envPath := filepath.Join(AgentDir(h.hostDir, agentID), "env")
	merged := make(map[string]string)
	var order []string

	if existing, err := h.conn.ReadFile(ctx, envPath); err == nil {
		for _, line := range strings.Split(string(existing), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			if _, seen := merged[key]; !seen {
				order = append(order, key)
			}
			merged[key] = value
		}
	}
	for key, value := range env {
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = value
	}

	var sb strings.Builder
	for _, key := range order {
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(merged[key])
		sb.WriteByte('\n')
	}
	return h.conn.WriteFile(ctx, envPath, []byte(sb.String()), 0o600)
}

// DestroyAgent runs the agent's on_destroy hook, then removes the state
// directory regardless of the hook's outcome. A hook error still
// propagates after cleanup.
func (h *Host) DestroyAgent(ctx context.Context, agentID string, onDestroy func() error) error {
	var hookErr error
	if onDestroy != nil {
		hookErr = onDestroy()
	}
	agentDir := AgentDir(h.hostDir, agentID)
	res, err := h.conn.Run(ctx, fmt.Sprintf("rm -rf %s", quote(agentDir)), 30*time.Second)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("removing agent state dir: %s", res.Stderr)
	}
	return hookErr
}

// TouchActivity updates the mtime of one activity source file.
func (h *Host) TouchActivity(ctx context.Context, src state.ActivitySource) error {
	path := ActivitySourcePath(h.hostDir, src)
	cmd := fmt.Sprintf("mkdir -p %s && touch %s", quote(ActivityDir(h.hostDir)), quote(path))
	res, err := h.conn.Run(ctx, cmd, 10*time.Second)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("touching activity source: %s", res.Stderr)
	}
	return nil
}
