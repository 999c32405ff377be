package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// InProcessFactory constructs an in-process adapter from provider token data
// (API key, OAuth access token, or per-role store coordinates).
type InProcessFactory func(tokenData map[string]any) (Adapter, error)

// CreateOptions carries everything a provider needs at construction time.
type CreateOptions struct {
	// TokenData is passed to in-process factories.
	TokenData map[string]any
	// WorkDir is the prepared working directory for subprocess adapters.
	WorkDir string
	// Env is merged over the descriptor's env for subprocess adapters.
	Env map[string]string
	// Launcher starts subprocess adapters. Nil selects the host launcher.
	Launcher Launcher
}

// Registry maps provider keys to descriptors and construction strategies.
// Registration is static at startup; the subprocess descriptor set may be
// swapped wholesale by the providers.json watcher.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]ProviderSpec
	inproc map[string]InProcessFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:  make(map[string]ProviderSpec),
		inproc: make(map[string]InProcessFactory),
	}
}

// RegisterSubprocess registers a subprocess provider descriptor.
func (r *Registry) RegisterSubprocess(spec ProviderSpec) {
	spec.Transport = TransportSubprocess
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Key] = spec
}

// RegisterInProcess registers an in-process provider with its factory.
func (r *Registry) RegisterInProcess(spec ProviderSpec, factory InProcessFactory) {
	spec.Transport = TransportInProcess
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Key] = spec
	r.inproc[spec.Key] = factory
}

// ReplaceSubprocessSpecs swaps the full set of subprocess descriptors.
// In-process registrations are untouched; live adapters are untouched.
func (r *Registry) ReplaceSubprocessSpecs(specs []ProviderSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, spec := range r.specs {
		if spec.Transport == TransportSubprocess {
			delete(r.specs, key)
		}
	}
	for _, spec := range specs {
		spec.Transport = TransportSubprocess
		r.specs[spec.Key] = spec
	}
}

// IsInProcess reports whether the provider runs in-process.
func (r *Registry) IsInProcess(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[key]
	return ok && spec.Transport == TransportInProcess
}

// Spec returns the descriptor for a provider key.
func (r *Registry) Spec(key string) (ProviderSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[key]
	return spec, ok
}

// Specs returns all registered descriptors sorted by key.
func (r *Registry) Specs() []ProviderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Create instantiates an adapter for the provider. The returned adapter is
// not yet connected; the factory calls Connect.
func (r *Registry) Create(key string, opts CreateOptions) (Adapter, error) {
	r.mu.RLock()
	spec, ok := r.specs[key]
	factory := r.inproc[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider %q", key)
	}

	switch spec.Transport {
	case TransportInProcess:
		if factory == nil {
			return nil, fmt.Errorf("provider %q has no in-process factory", key)
		}
		a, err := factory(opts.TokenData)
		if err != nil {
			return nil, fmt.Errorf("failed to construct in-process adapter %q: %w", key, err)
		}
		return a, nil
	case TransportSubprocess:
		launcher := opts.Launcher
		if launcher == nil {
			launcher = HostLauncher{}
		}
		return NewStdioAdapter(spec, opts.WorkDir, opts.Env, launcher), nil
	default:
		return nil, fmt.Errorf("provider %q has unsupported transport %q", key, spec.Transport)
	}
}
