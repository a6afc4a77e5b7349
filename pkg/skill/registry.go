// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jllopis/skillgate/pkg/manifest"
)

// BuiltinScheme prefixes entry modules resolved from the in-process registry.
const BuiltinScheme = "builtin:"

// DefaultExport is used when a manifest leaves entry.export empty.
const DefaultExport = "default"

// Factory builds an Invokable for a loaded manifest.
type Factory func(m *manifest.Manifest) (Invokable, error)

// Registry maps builtin module names and exports to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide builtin registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a factory to the default registry.
func Register(name, export string, f Factory) {
	defaultRegistry.Register(name, export, f)
}

// RegisterInvokable adds a fixed Invokable to the default registry.
func RegisterInvokable(name, export string, inv Invokable) {
	defaultRegistry.Register(name, export, func(*manifest.Manifest) (Invokable, error) { return inv, nil })
}

func registryKey(name, export string) string {
	if export == "" {
		export = DefaultExport
	}
	return name + "#" + export
}

// Register adds or replaces a factory.
func (r *Registry) Register(name, export string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey(name, export)] = f
}

// Unregister removes a factory.
func (r *Registry) Unregister(name, export string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, registryKey(name, export))
}

// Lookup returns the factory for name and export.
func (r *Registry) Lookup(name, export string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[registryKey(name, export)]
	return f, ok
}

// Names lists registered entries as name#export.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) build(name, export string, m *manifest.Manifest) (Invokable, error) {
	f, ok := r.Lookup(name, export)
	if !ok {
		return nil, fmt.Errorf("no builtin skill registered as %s", registryKey(name, export))
	}
	inv, err := f(m)
	if err != nil {
		return nil, fmt.Errorf("builtin %s: %w", registryKey(name, export), err)
	}
	if inv == nil {
		return nil, fmt.Errorf("builtin %s returned a nil invokable", registryKey(name, export))
	}
	return inv, nil
}
