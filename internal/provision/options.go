package provision

import (
	"strings"

	"mng/internal/mngerrors"
	"mng/internal/state"
)

// CreateAgentOptions configures agent creation end to end.
type CreateAgentOptions struct {
	Name      string
	AgentType string
	Command   string
	// Source is the local directory copied into the work dir.
	Source string
	// WorkDir is the absolute path inside the host; empty means generate
	// one (generated dirs are tracked on the host for cleanup).
	WorkDir string
	// CreateWorkDir controls whether the initial file copy runs at all.
	CreateWorkDir bool
	Permissions   []string
	Message       string
	AwaitReady    bool

	Env          EnvOptions
	Provisioning AgentProvisioningOptions
}

// EnvOptions describes the three merged environment sources, later
// overriding earlier: pass-through names, literal pairs, env files.
type EnvOptions struct {
	PassEnv  []string
	Literals []string // KEY=VALUE
	EnvFiles []string
}

// AgentProvisioningOptions are the caller-supplied provisioning steps
// applied after the plugin hooks.
type AgentProvisioningOptions struct {
	SudoCommands []string
	UserCommands []string
	// UploadFiles entries are "local_path:remote_path".
	UploadFiles []string
	// FileAppends and FilePrepends entries are "remote_path:text".
	FileAppends  []string
	FilePrepends []string
	CreateDirs   []string
}

// NewHostOptions configures host creation when create has to make one.
type NewHostOptions struct {
	Name     string
	Image    string
	Tags     map[string]string
	Activity *state.ActivityConfig
}

// splitPair splits a "left:right" option value.
func splitPair(value, what string) (string, string, error) {
	left, right, ok := strings.Cut(value, ":")
	if !ok || left == "" || right == "" {
		return "", "", mngerrors.NewUserInputError("malformed %s %q: expected LEFT:RIGHT", what, value)
	}
	return left, right, nil
}
