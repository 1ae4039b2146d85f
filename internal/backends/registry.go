package backends

import (
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/common"
	"github.com/atelierhq/atelier/internal/interfaces"
)

// Registry holds the configured generation backends keyed by name. The set
// is fixed at startup; lookups are read-only, so no locking is needed.
type Registry struct {
	backends map[string]interfaces.GenerationBackend
}

// NewRegistry builds a registry from the configured backend list.
func NewRegistry(configs []common.BackendConfig, logger arbor.ILogger) *Registry {
	backends := make(map[string]interfaces.GenerationBackend, len(configs))
	for i := range configs {
		b := NewHTTPBackend(&configs[i], logger)
		backends[b.Name()] = b
		logger.Debug().
			Str("backend", b.Name()).
			Str("url", configs[i].URL).
			Msg("Generation backend registered")
	}
	return &Registry{backends: backends}
}

// Get returns the backend registered under the given name.
func (r *Registry) Get(name string) (interfaces.GenerationBackend, error) {
	backend, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown generation backend: %s", name)
	}
	return backend, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
