// Package state defines the durable host/agent records persisted as
// data.json files, and the lifecycle enums shared across providers. The
// data files are the source of truth for everything not derivable from a
// provider API.
package state

// HostState is the lifecycle state of a host.
type HostState string

const (
	HostBuilding  HostState = "BUILDING"
	HostStarting  HostState = "STARTING"
	HostRunning   HostState = "RUNNING"
	HostStopping  HostState = "STOPPING"
	HostStopped   HostState = "STOPPED"
	HostPaused    HostState = "PAUSED"
	HostCrashed   HostState = "CRASHED"
	HostFailed    HostState = "FAILED"
	HostDestroyed HostState = "DESTROYED"
)

// IsOnline reports whether a host in this state answers commands.
func (s HostState) IsOnline() bool {
	return s == HostRunning
}

// IsRestartable reports whether the host retains a snapshot that a
// snapshot-capable provider can start again.
func (s HostState) IsRestartable() bool {
	switch s {
	case HostStopped, HostPaused, HostCrashed:
		return true
	}
	return false
}

// StopReason explains why a host left RUNNING: "STOPPED" (user request),
// "PAUSED" (idle enforcement), or empty (crashed).
type StopReason string

const (
	StopReasonStopped StopReason = "STOPPED"
	StopReasonPaused  StopReason = "PAUSED"
)

// AgentLifecycleState is the lifecycle state of an agent.
type AgentLifecycleState string

const (
	// AgentStopped means no terminal session exists for this agent.
	AgentStopped AgentLifecycleState = "STOPPED"
	// AgentRunning means the session exists and the process is active.
	AgentRunning AgentLifecycleState = "RUNNING"
	// AgentWaiting means the session exists and the agent signaled idleness.
	AgentWaiting AgentLifecycleState = "WAITING"
	// AgentReplaced means a newer agent has adopted the same session name.
	AgentReplaced AgentLifecycleState = "REPLACED"
)

// CanReceiveMessages reports whether send_message is valid in this state.
// REPLACED agents still own a live session, so they are treated the same
// as RUNNING for sends.
func (s AgentLifecycleState) CanReceiveMessages() bool {
	switch s {
	case AgentRunning, AgentWaiting, AgentReplaced:
		return true
	}
	return false
}

// IdleMode selects how host idleness is detected.
type IdleMode string

const (
	IdleModeAgent    IdleMode = "AGENT"
	IdleModeSSH      IdleMode = "SSH"
	IdleModeDisabled IdleMode = "DISABLED"
)

// ActivitySource names a class of file whose mtime counts as activity.
type ActivitySource string

const (
	ActivitySourceAgent  ActivitySource = "AGENT"
	ActivitySourceSSH    ActivitySource = "SSH"
	ActivitySourceBoot   ActivitySource = "BOOT"
	ActivitySourceCreate ActivitySource = "CREATE"
	ActivitySourceStart  ActivitySource = "START"
)

// ActivityConfig is the idle-detection configuration mirrored into the
// host's data.json so the in-host activity watcher can read it without
// re-querying the control plane.
type ActivityConfig struct {
	IdleMode        IdleMode         `json:"idle_mode"`
	MaxIdleSeconds  int              `json:"max_idle_seconds"`
	ActivitySources []ActivitySource `json:"activity_sources"`
}

// DefaultActivityConfig is used when a host is created without an
// explicit activity configuration.
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		IdleMode:        IdleModeAgent,
		MaxIdleSeconds:  3600,
		ActivitySources: []ActivitySource{ActivitySourceAgent, ActivitySourceSSH, ActivitySourceBoot},
	}
}
