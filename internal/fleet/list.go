package fleet

import (
	"context"
	"log/slog"

	"mng/internal/provider"
)

// ListAgentReferences loads every agent reference from every configured
// provider. This layer is sequential: provider calls are fast local reads
// (or may parallelize internally), and the expensive work happens in the
// send phase.
func ListAgentReferences(ctx context.Context, providers []provider.Provider) ([]provider.AgentReference, error) {
	var refs []provider.AgentReference
	for _, prov := range providers {
		hosts, err := prov.ListHosts(ctx, false)
		if err != nil {
			slog.Warn("failed to list hosts for provider", "provider", prov.Name(), "error", err)
			continue
		}
		for _, h := range hosts {
			hostRef := provider.NewHostReference(h)
			agents, err := prov.ListPersistedAgentDataForHost(ctx, h.ID())
			if err != nil {
				slog.Warn("failed to list agents for host", "provider", prov.Name(), "host", h.ID(), "error", err)
				continue
			}
			for _, data := range agents {
				refs = append(refs, provider.AgentReference{Host: hostRef, Data: data})
			}
		}
	}
	return refs, nil
}

// ListHostReferences snapshots every host from every provider.
func ListHostReferences(ctx context.Context, providers []provider.Provider, includeDestroyed bool) ([]provider.HostReference, error) {
	var refs []provider.HostReference
	for _, prov := range providers {
		hosts, err := prov.ListHosts(ctx, includeDestroyed)
		if err != nil {
			slog.Warn("failed to list hosts for provider", "provider", prov.Name(), "error", err)
			continue
		}
		for _, h := range hosts {
			refs = append(refs, provider.NewHostReference(h))
		}
	}
	return refs, nil
}
