package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Manager hands out role memory stores, guaranteeing at most one live Store
// per role so that each graph file has exactly one owner.
type Manager struct {
	dir    string
	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager creates a manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, stores: make(map[string]*Store)}
}

// StoreFor returns the role's memory store, creating it lazily on first use.
func (m *Manager) StoreFor(roleID string) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[roleID]; ok {
		return s
	}
	s := NewStore(filepath.Join(m.dir, fmt.Sprintf("memory_%s.json", roleID)))
	m.stores[roleID] = s
	return s
}

// Release drops the live store handle for a role (adapter closed).
func (m *Manager) Release(roleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, roleID)
}

// Destroy removes the role's graph file. Called when the role is deleted.
func (m *Manager) Destroy(roleID string) error {
	m.mu.Lock()
	s, ok := m.stores[roleID]
	delete(m.stores, roleID)
	m.mu.Unlock()

	path := filepath.Join(m.dir, fmt.Sprintf("memory_%s.json", roleID))
	if ok {
		path = s.Path()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove memory store: %w", err)
	}
	return nil
}
