package validation

import (
	"fmt"
	"sort"
)

type registration struct {
	backend  Backend
	priority BackendPriority
}

// Registry holds the available backends and performs detection.
type Registry struct {
	backends []registration
}

// NewRegistry creates a registry with the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(GoBackend{}, PriorityHigh)
	r.Register(PythonBackend{}, PriorityHigh)
	r.Register(NodeBackend{}, PriorityHigh)
	r.Register(MakeBackend{}, PriorityMedium)
	r.Register(NullBackend{}, PriorityLow)
	return r
}

// Register adds a backend. Higher priorities are tried first; equal priorities keep
// registration order.
func (r *Registry) Register(b Backend, priority BackendPriority) {
	r.backends = append(r.backends, registration{backend: b, priority: priority})
	sort.SliceStable(r.backends, func(i, j int) bool {
		return r.backends[i].priority > r.backends[j].priority
	})
}

// Detect finds the most appropriate backend for the project at root.
func (r *Registry) Detect(root string) (Backend, error) {
	for _, reg := range r.backends {
		if reg.backend.Detect(root) {
			return reg.backend, nil
		}
	}
	return nil, fmt.Errorf("no validation backend found for project at %s", root)
}

// Names returns backend names in priority order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for _, reg := range r.backends {
		names = append(names, reg.backend.Name())
	}
	return names
}
