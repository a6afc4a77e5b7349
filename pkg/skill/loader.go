// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jllopis/skillgate/pkg/manifest"
)

// Resolver builds an Invokable for entry modules with a URL scheme.
type Resolver func(ctx context.Context, m *manifest.Manifest) (Invokable, error)

// Loader resolves a manifest's entry point. Resolution happens once, at load
// time, so a broken contract is rejected before the first call.
type Loader struct {
	registry  *Registry
	resolvers map[string]Resolver
	open      func(path, symbol string) (any, error)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRegistry replaces the builtin registry.
func WithRegistry(r *Registry) LoaderOption {
	return func(l *Loader) {
		l.registry = r
	}
}

// WithResolver handles entry modules of the form scheme://...
func WithResolver(scheme string, r Resolver) LoaderOption {
	return func(l *Loader) {
		l.resolvers[strings.ToLower(scheme)] = r
	}
}

// NewLoader creates a loader backed by the default registry.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		registry:  DefaultRegistry(),
		resolvers: make(map[string]Resolver),
		open:      openPluginSymbol,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HasResolver reports whether scheme is handled.
func (l *Loader) HasResolver(scheme string) bool {
	_, ok := l.resolvers[strings.ToLower(scheme)]
	return ok
}

// Load resolves the entry point of m.
func (l *Loader) Load(ctx context.Context, m *manifest.Manifest) (Invokable, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest is nil")
	}
	module := strings.TrimSpace(m.Entry.Module)
	export := m.Entry.Export
	if export == "" {
		export = DefaultExport
	}
	if module == "" {
		return nil, fmt.Errorf("skill %s: entry.module is empty", m.ID)
	}

	if name, ok := strings.CutPrefix(module, BuiltinScheme); ok {
		return l.registry.build(name, export, m)
	}

	if scheme, _, ok := strings.Cut(module, "://"); ok {
		r, found := l.resolvers[strings.ToLower(scheme)]
		if !found {
			return nil, fmt.Errorf("skill %s: no resolver for scheme %q", m.ID, scheme)
		}
		inv, err := r(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", m.ID, err)
		}
		if inv == nil {
			return nil, fmt.Errorf("skill %s: resolver for %q returned nil", m.ID, scheme)
		}
		return inv, nil
	}

	path := module
	if !filepath.IsAbs(path) && m.Dir != "" {
		path = filepath.Join(m.Dir, path)
	}
	sym, err := l.open(path, export)
	if err != nil {
		return nil, fmt.Errorf("skill %s: %w", m.ID, err)
	}
	inv, err := AsInvokable(sym)
	if err != nil {
		return nil, fmt.Errorf("skill %s: symbol %s: %w", m.ID, export, err)
	}
	return inv, nil
}

// AsInvokable checks that a looked-up symbol satisfies the skill contract.
// Accepted shapes are an Invokable value, a pointer to one, or a function
// with the Invoke signature.
func AsInvokable(sym any) (Invokable, error) {
	switch v := sym.(type) {
	case nil:
		return nil, fmt.Errorf("symbol is nil")
	case Invokable:
		return v, nil
	case *Invokable:
		if v == nil || *v == nil {
			return nil, fmt.Errorf("symbol points to a nil Invokable")
		}
		return *v, nil
	case func(context.Context, *Request) (*Response, error):
		return InvokableFunc(v), nil
	case *func(context.Context, *Request) (*Response, error):
		if v == nil || *v == nil {
			return nil, fmt.Errorf("symbol points to a nil func")
		}
		return InvokableFunc(*v), nil
	default:
		return nil, fmt.Errorf("%T does not implement Invoke(context.Context, *skill.Request) (*skill.Response, error)", sym)
	}
}
