// Package factory hands out live adapters: it resolves credentials, creates
// or reuses cached instances keyed (user, provider, role, account), and
// retries transport failures once through a reconnect.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
	"github.com/ChamsBouzaiene/conduit/internal/auth"
	"github.com/ChamsBouzaiene/conduit/internal/store"
)

// Key addresses one cached adapter instance. Role is set only for per-role
// providers, Account only for per-account ones.
type Key struct {
	User     string
	Provider string
	Role     string
	Account  string
}

func (k Key) String() string {
	s := k.User + "/" + k.Provider
	if k.Role != "" {
		s += "/role:" + k.Role
	}
	if k.Account != "" {
		s += "/acct:" + k.Account
	}
	return s
}

// entry is a single-flight construction slot: the first caller for a key
// builds the adapter, concurrent callers wait on ready.
type entry struct {
	ready   chan struct{}
	adapter adapter.Adapter
	err     error
}

// Factory is the adapter cache.
type Factory struct {
	registry *adapter.Registry
	store    *store.Store
	auth     *auth.Service
	sandbox  adapter.Launcher
	workRoot string

	mu    sync.Mutex
	cache map[Key]*entry
}

// New builds the factory. sandbox may be nil when no container runtime is
// available; sandboxed providers then fail to create with a clear error.
func New(registry *adapter.Registry, st *store.Store, authSvc *auth.Service, sandbox adapter.Launcher, workRoot string) *Factory {
	return &Factory{
		registry: registry,
		store:    st,
		auth:     authSvc,
		sandbox:  sandbox,
		workRoot: workRoot,
		cache:    make(map[Key]*entry),
	}
}

// GetAdapter returns a live adapter for (user, provider, role). Cached and
// connected instances are returned as-is; cached but disconnected ones get
// one reconnect attempt before being rebuilt.
func (f *Factory) GetAdapter(ctx context.Context, userID, providerKey, roleID string) (adapter.Adapter, error) {
	spec, ok := f.registry.Spec(providerKey)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerKey)
	}

	key := Key{User: userID, Provider: providerKey}
	if spec.Scope == adapter.ScopePerRole {
		key.Role = roleID
	}
	if spec.Scope == adapter.ScopePerAccount {
		if tok, err := f.store.GetOAuthToken(userID, providerKey, ""); err == nil {
			key.Account = tok.AccountEmail
		}
	}

	for {
		f.mu.Lock()
		e, ok := f.cache[key]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			f.cache[key] = e
			f.mu.Unlock()

			a, err := f.build(ctx, spec, key)
			if err == nil {
				// Closing through the returned handle also drops the cache
				// entry, so a key addresses at most one live instance.
				a = &cachedAdapter{Adapter: a, f: f, key: key, e: e}
			}
			e.adapter, e.err = a, err
			close(e.ready)
			if err != nil {
				f.evict(key, e)
				return nil, err
			}
			return a, nil
		}
		f.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			// Construction failed for an earlier caller; the entry is gone,
			// try again.
			continue
		}

		if e.adapter.IsConnected() {
			return e.adapter, nil
		}
		// Cached but disconnected: one reconnect attempt, then rebuild.
		if err := e.adapter.Reconnect(ctx); err == nil && e.adapter.IsConnected() {
			return e.adapter, nil
		}
		_ = e.adapter.Close()
		f.evict(key, e)
	}
}

// cachedAdapter removes its cache entry when closed.
type cachedAdapter struct {
	adapter.Adapter
	f   *Factory
	key Key
	e   *entry
}

func (c *cachedAdapter) Close() error {
	c.f.evict(c.key, c.e)
	return c.Adapter.Close()
}

func (f *Factory) evict(key Key, e *entry) {
	f.mu.Lock()
	if f.cache[key] == e {
		delete(f.cache, key)
	}
	f.mu.Unlock()
}

// build constructs, connects, and cache-wires a fresh adapter.
func (f *Factory) build(ctx context.Context, spec adapter.ProviderSpec, key Key) (adapter.Adapter, error) {
	opts := adapter.CreateOptions{}

	if spec.Transport == adapter.TransportInProcess {
		tokenData, err := f.tokenData(ctx, spec, key)
		if err != nil {
			return nil, err
		}
		opts.TokenData = tokenData
	} else {
		workDir, env, err := f.prepareUserDir(ctx, spec, key)
		if err != nil {
			return nil, err
		}
		opts.WorkDir = workDir
		opts.Env = env
		if spec.Sandbox {
			if f.sandbox == nil {
				return nil, fmt.Errorf("provider %s requires a sandbox but none is configured", spec.Key)
			}
			opts.Launcher = f.sandbox
		}
	}

	a, err := f.registry.Create(spec.Key, opts)
	if err != nil {
		return nil, err
	}
	if err := a.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect provider %s: %w", spec.Key, err)
	}
	return a, nil
}

// tokenData gathers the credential payload for an in-process provider.
func (f *Factory) tokenData(ctx context.Context, spec adapter.ProviderSpec, key Key) (map[string]any, error) {
	data := map[string]any{}
	if key.Role != "" {
		data["role_id"] = key.Role
	}

	switch spec.Auth {
	case adapter.AuthOAuthGoogle:
		tok, err := f.auth.AccessToken(ctx, key.User, spec.Key, key.Account)
		if err != nil {
			return nil, err
		}
		data["access_token"] = tok.AccessToken
		data["account_email"] = tok.AccountEmail
	case adapter.AuthAPIKey:
		cfg, err := f.store.ProviderConfig(spec.Key)
		if err != nil {
			return nil, err
		}
		apiKey, _ := cfg["api_key"].(string)
		if apiKey == "" {
			return nil, &auth.MissingError{Provider: spec.Key}
		}
		data["api_key"] = apiKey
	}
	return data, nil
}

// prepareUserDir creates the subprocess working directory and writes any
// credential files the descriptor declares.
func (f *Factory) prepareUserDir(ctx context.Context, spec adapter.ProviderSpec, key Key) (string, map[string]string, error) {
	workDir := filepath.Join(f.workRoot, key.User, spec.Key)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to prepare adapter dir: %w", err)
	}

	env := map[string]string{}
	switch spec.Auth {
	case adapter.AuthOAuthGoogle:
		if spec.CredentialsFile != "" {
			if err := f.auth.WriteInstalledAppCredentials(workDir, spec.CredentialsFile); err != nil {
				return "", nil, err
			}
		}
		tok, err := f.auth.AccessToken(ctx, key.User, spec.Key, key.Account)
		if err != nil {
			return "", nil, err
		}
		env["CONDUIT_ACCESS_TOKEN"] = tok.AccessToken
		env["CONDUIT_ACCOUNT_EMAIL"] = tok.AccountEmail
	case adapter.AuthAPIKey:
		cfg, err := f.store.ProviderConfig(spec.Key)
		if err != nil {
			return "", nil, err
		}
		apiKey, _ := cfg["api_key"].(string)
		if apiKey == "" {
			return "", nil, &auth.MissingError{Provider: spec.Key}
		}
		env["CONDUIT_API_KEY"] = apiKey
	}
	return workDir, env, nil
}

// CallTool routes one tool call through the cached adapter, retrying once
// through a reconnect on a transient transport failure.
func (f *Factory) CallTool(ctx context.Context, userID, providerKey, roleID, tool string, args map[string]any) (adapter.ToolResult, error) {
	a, err := f.GetAdapter(ctx, userID, providerKey, roleID)
	if err != nil {
		return adapter.ToolResult{}, err
	}

	res, err := a.CallTool(ctx, tool, args)
	if err == nil {
		return res, nil
	}
	if !isTransient(err) {
		return adapter.ToolResult{}, err
	}

	if rerr := a.Reconnect(ctx); rerr != nil {
		return adapter.ToolResult{}, &adapter.FatalError{Provider: providerKey, Err: fmt.Errorf("reconnect failed: %w", rerr)}
	}
	res, err = a.CallTool(ctx, tool, args)
	if err != nil {
		if isTransient(err) {
			return adapter.ToolResult{}, &adapter.FatalError{Provider: providerKey, Err: err}
		}
		return adapter.ToolResult{}, err
	}
	return res, nil
}

func isTransient(err error) bool {
	var transient *adapter.TransientError
	return errors.As(err, &transient)
}

// Live returns the cached adapters visible to (user, role): the user's
// global and per-account adapters plus the role's per-role ones.
func (f *Factory) Live(userID, roleID string) map[string]adapter.Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]adapter.Adapter)
	for key, e := range f.cache {
		if key.User != userID {
			continue
		}
		if key.Role != "" && key.Role != roleID {
			continue
		}
		select {
		case <-e.ready:
		default:
			continue // still under construction
		}
		if e.err == nil && e.adapter != nil {
			out[key.Provider] = e.adapter
		}
	}
	return out
}

// EnsureAdapters creates adapters for every registered provider the user can
// satisfy credentials for. Providers that cannot connect are logged and
// skipped; the turn proceeds with whatever is available.
func (f *Factory) EnsureAdapters(ctx context.Context, userID, roleID string) {
	for _, spec := range f.registry.Specs() {
		role := ""
		if spec.Scope == adapter.ScopePerRole {
			if roleID == "" {
				continue
			}
			role = roleID
		}
		if _, err := f.GetAdapter(ctx, userID, spec.Key, role); err != nil {
			log.Printf("factory: provider %s unavailable for user %s: %v", spec.Key, userID, err)
		}
	}
}

// CloseUser evicts and closes all of a user's adapters.
func (f *Factory) CloseUser(userID string) {
	f.mu.Lock()
	var victims []*entry
	for key, e := range f.cache {
		if key.User == userID {
			victims = append(victims, e)
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()

	for _, e := range victims {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.adapter != nil {
			if err := e.adapter.Close(); err != nil {
				log.Printf("factory: close failed: %v", err)
			}
		}
	}
}

// CloseAll tears down every cached adapter (shutdown).
func (f *Factory) CloseAll() {
	f.mu.Lock()
	entries := make([]*entry, 0, len(f.cache))
	for key, e := range f.cache {
		entries = append(entries, e)
		delete(f.cache, key)
	}
	f.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.adapter != nil {
			_ = e.adapter.Close()
		}
	}
}
