// Package modules holds the detection-module contract and dispatcher. The
// actual detectors (nuclei, dnstwist, testssl and friends) are external
// collaborators; this package runs them under a uniform contract and turns
// their output into artifacts and findings.
package modules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/surfacehq/surfacescan/internal/core"
)

// Registry holds the modules enabled for this process. Explicitly
// constructed and passed by reference; no package-level singleton.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]core.Module
}

func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]core.Module),
	}
}

func (r *Registry) Register(m core.Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[m.Name()]; exists {
		return fmt.Errorf("module already registered: %s", m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

func (r *Registry) Get(name string) (core.Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("module not found: %s", name)
	}
	return m, nil
}

func (r *Registry) List() []core.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make([]core.Module, 0, len(names))
	for _, name := range names {
		list = append(list, r.modules[name])
	}
	return list
}
