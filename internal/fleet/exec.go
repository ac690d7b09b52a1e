package fleet

import (
	"context"
	"time"

	"mng/internal/mngerrors"
	"mng/internal/provider"
)

// FindAgent resolves an agent by name or id across all providers,
// returning the reference and its owning provider.
func FindAgent(ctx context.Context, providers []provider.Provider, nameOrID string) (*provider.AgentReference, provider.Provider, error) {
	refs, err := ListAgentReferences(ctx, providers)
	if err != nil {
		return nil, nil, err
	}
	providerMap := make(map[string]provider.Provider, len(providers))
	for _, prov := range providers {
		providerMap[prov.Name()] = prov
	}
	for i := range refs {
		ref := &refs[i]
		if ref.Data.Name == nameOrID || ref.Data.ID == nameOrID {
			return ref, providerMap[ref.Host.ProviderName], nil
		}
	}
	return nil, nil, mngerrors.NewAgentNotFoundError(nameOrID)
}

// MaterializeHost turns a reference's host into an online host, starting
// it when start is true.
func MaterializeHost(ctx context.Context, prov provider.Provider, hostID string, start bool) (provider.OnlineHost, error) {
	info, err := prov.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if online, ok := info.(provider.OnlineHost); ok {
		return online, nil
	}
	if !start {
		return nil, &mngerrors.OfflineError{HostIdentifier: hostID}
	}
	return prov.StartHost(ctx, hostID, "")
}

// ExecOnAgentHost runs a shell command on the host owning the named
// agent, in the agent's work directory.
func ExecOnAgentHost(ctx context.Context, providers []provider.Provider, nameOrID, command string, timeout time.Duration) (provider.ExecResult, error) {
	ref, prov, err := FindAgent(ctx, providers, nameOrID)
	if err != nil {
		return provider.ExecResult{}, err
	}
	h, err := MaterializeHost(ctx, prov, ref.Host.ID, false)
	if err != nil {
		return provider.ExecResult{}, err
	}
	wrapped := command
	if ref.Data.WorkDir != "" {
		wrapped = "cd '" + ref.Data.WorkDir + "' && " + command
	}
	return h.ExecuteCommand(ctx, wrapped, timeout)
}
