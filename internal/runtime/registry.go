package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the toolchains a build node supports.
type Registry struct {
	mu         sync.RWMutex
	toolchains map[string]Toolchain
}

// NewRegistry constructs a registry from the supplied toolchains.
func NewRegistry(toolchains ...Toolchain) (*Registry, error) {
	reg := &Registry{
		toolchains: make(map[string]Toolchain, len(toolchains)),
	}

	for _, tc := range toolchains {
		if tc == nil {
			return nil, fmt.Errorf("toolchain cannot be nil")
		}

		name := tc.Name()
		if name == "" {
			return nil, fmt.Errorf("toolchain missing name")
		}
		if _, exists := reg.toolchains[name]; exists {
			return nil, fmt.Errorf("duplicate toolchain %q", name)
		}

		reg.toolchains[name] = tc
	}

	if len(reg.toolchains) == 0 {
		return nil, fmt.Errorf("at least one toolchain must be registered")
	}

	return reg, nil
}

// Lookup returns the toolchain registered under name.
func (r *Registry) Lookup(name string) (Toolchain, error) {
	r.mu.RLock()
	tc, ok := r.toolchains[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no toolchain registered for %q", name)
	}
	return tc, nil
}

// Names returns the registered toolchain names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.toolchains))
	for name := range r.toolchains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
