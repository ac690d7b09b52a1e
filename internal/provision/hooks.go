// Package provision implements the ordered provisioning pipeline that
// turns a (possibly fresh) host and a new agent record into a running,
// credentialed workspace. Plugins extend each phase through typed hook
// vectors registered at startup.
package provision

import (
	"context"
	"sync"

	"mng/internal/provider"
	"mng/internal/state"
)

// Hooks are called in the ordered phases below. Every hook must be
// idempotent: provision can be re-run against an existing agent.
type (
	BeforeHostCreateHook     func(ctx context.Context, name string, prov provider.Provider) error
	HostCreatedHook          func(ctx context.Context, h provider.OnlineHost) error
	BeforeInitialFileCopyHook func(ctx context.Context, opts *CreateAgentOptions, h provider.OnlineHost) error
	AfterInitialFileCopyHook func(ctx context.Context, opts *CreateAgentOptions, h provider.OnlineHost, workDir string) error
	AgentStateDirCreatedHook func(ctx context.Context, agentData *state.AgentData, h provider.OnlineHost) error
	BeforeProvisioningHook   func(ctx context.Context, agentData *state.AgentData, h provider.OnlineHost) error
	AfterProvisioningHook    func(ctx context.Context, agentData *state.AgentData, h provider.OnlineHost) error
	AgentCreatedHook         func(ctx context.Context, agentData *state.AgentData, h provider.OnlineHost) error
)

// Registry holds the plugin hook vectors. The zero value is usable.
type Registry struct {
	mu sync.RWMutex

	beforeHostCreate      []BeforeHostCreateHook
	hostCreated           []HostCreatedHook
	beforeInitialFileCopy []BeforeInitialFileCopyHook
	afterInitialFileCopy  []AfterInitialFileCopyHook
	agentStateDirCreated  []AgentStateDirCreatedHook
	beforeProvisioning    []BeforeProvisioningHook
	afterProvisioning     []AfterProvisioningHook
	agentCreated          []AgentCreatedHook
}

// DefaultRegistry is the registry plugins register into at init time.
var DefaultRegistry = &Registry{}

func (r *Registry) OnBeforeHostCreate(h BeforeHostCreateHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeHostCreate = append(r.beforeHostCreate, h)
}

func (r *Registry) OnHostCreated(h HostCreatedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostCreated = append(r.hostCreated, h)
}

func (r *Registry) OnBeforeInitialFileCopy(h BeforeInitialFileCopyHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeInitialFileCopy = append(r.beforeInitialFileCopy, h)
}

func (r *Registry) OnAfterInitialFileCopy(h AfterInitialFileCopyHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterInitialFileCopy = append(r.afterInitialFileCopy, h)
}

func (r *Registry) OnAgentStateDirCreated(h AgentStateDirCreatedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentStateDirCreated = append(r.agentStateDirCreated, h)
}

func (r *Registry) OnBeforeProvisioning(h BeforeProvisioningHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeProvisioning = append(r.beforeProvisioning, h)
}

func (r *Registry) OnAfterProvisioning(h AfterProvisioningHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterProvisioning = append(r.afterProvisioning, h)
}

func (r *Registry) OnAgentCreated(h AgentCreatedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentCreated = append(r.agentCreated, h)
}

func (r *Registry) runBeforeHostCreate(ctx context.Context, name string, prov provider.Provider) error {
	r.mu.RLock()
	hooks := r.beforeHostCreate
	r.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, name, prov); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) runHostCreated(ctx context.Context, h provider.OnlineHost) error {
	r.mu.RLock()
	hooks := r.hostCreated
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) runBeforeInitialFileCopy(ctx context.Context, opts *CreateAgentOptions, h provider.OnlineHost) error {
	r.mu.RLock()
	hooks := r.beforeInitialFileCopy
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, opts, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) runAfterInitialFileCopy(ctx context.Context, opts *CreateAgentOptions, h provider.OnlineHost, workDir string) error {
	r.mu.RLock()
	hooks := r.afterInitialFileCopy
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, opts, h, workDir); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) runAgentStateDirCreated(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
	r.mu.RLock()
	hooks := r.agentStateDirCreated
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, data, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) runBeforeProvisioning(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
	r.mu.RLock()
	hooks := r.beforeProvisioning
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, data, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) runAfterProvisioning(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
	r.mu.RLock()
	hooks := r.afterProvisioning
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, data, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) runAgentCreated(ctx context.Context, data *state.AgentData, h provider.OnlineHost) error {
	r.mu.RLock()
	hooks := r.agentCreated
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, data, h); err != nil {
			return err
		}
	}
	return nil
}
