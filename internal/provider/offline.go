package provider

import "mng/internal/state"

// OfflineHost is the read-only host view constructed from data.json plus
// provider metadata, used for hosts that are STOPPED, PAUSED or CRASHED
// but still known to their provider.
type OfflineHost struct {
	Provider string
	HostData *state.HostData
}

func (h *OfflineHost) ID() string            { return h.HostData.ID }
func (h *OfflineHost) Name() string          { return h.HostData.Name }
func (h *OfflineHost) ProviderName() string  { return h.Provider }
func (h *OfflineHost) State() state.HostState { return h.HostData.State }
func (h *OfflineHost) Data() *state.HostData { return h.HostData }
