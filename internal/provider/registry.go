package provider

import (
	"sort"
	"sync"

	"mng/internal/mngerrors"
)

// Factory builds one provider instance from its configured name and the
// instance settings from the user's profile.
type Factory func(instanceName string, settings map[string]any) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterBackend makes a backend implementation available under a name
// ("local", "docker", "k8s", "ssh"). Called from implementation packages
// at init time.
func RegisterBackend(backend string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[backend] = factory
}

// NewInstance builds a provider instance of the given backend.
func NewInstance(backend, instanceName string, settings map[string]any) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, mngerrors.NewUserInputError("unknown provider backend: %s", backend)
	}
	return factory(instanceName, settings)
}

// Backends lists the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
