package workspace

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Manager is the process-wide singleton mapping (owner, project) to its
// space. The map is mutated only under the manager lock; get_or_create is
// single-flight, so concurrent callers observe the same instance.
type Manager struct {
	deps Deps

	mu     sync.RWMutex
	spaces map[string]*Space
}

// NewManager creates an empty manager.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, spaces: make(map[string]*Space)}
}

func spaceKey(ownerID, projectID string) string {
	return ownerID + "/" + projectID
}

// GetOrCreate returns the live space for (owner, project), constructing and
// initializing it on first use. The fast path is a read-locked lookup; the
// slow path double-checks under the write lock so exactly one instance is
// ever built.
func (m *Manager) GetOrCreate(ctx context.Context, ownerID, projectID string) (*Space, error) {
	key := spaceKey(ownerID, projectID)

	m.mu.RLock()
	sp, ok := m.spaces[key]
	m.mu.RUnlock()
	if ok {
		return sp, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sp, ok := m.spaces[key]; ok {
		return sp, nil
	}

	sp = NewSpace(ownerID, projectID, m.deps)
	if err := sp.Initialize(ctx); err != nil {
		return nil, err
	}
	m.spaces[key] = sp
	return sp, nil
}

// Get returns the space if it is already live.
func (m *Manager) Get(ownerID, projectID string) (*Space, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.spaces[spaceKey(ownerID, projectID)]
	return sp, ok
}

// Remove cleans up and drops the space for (owner, project).
func (m *Manager) Remove(ctx context.Context, ownerID, projectID string) {
	key := spaceKey(ownerID, projectID)

	m.mu.Lock()
	sp, ok := m.spaces[key]
	if ok {
		delete(m.spaces, key)
	}
	m.mu.Unlock()

	if ok {
		sp.Cleanup(ctx)
	}
}

// RemoveUserSpaces drops every space belonging to an owner.
func (m *Manager) RemoveUserSpaces(ctx context.Context, ownerID string) int {
	prefix := ownerID + "/"

	m.mu.Lock()
	var removed []*Space
	for key, sp := range m.spaces {
		if strings.HasPrefix(key, prefix) {
			removed = append(removed, sp)
			delete(m.spaces, key)
		}
	}
	m.mu.Unlock()

	for _, sp := range removed {
		sp.Cleanup(ctx)
	}
	return len(removed)
}

// CleanupAll tears down every space. Called exactly once at process
// shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Space, 0, len(m.spaces))
	for _, sp := range m.spaces {
		all = append(all, sp)
	}
	m.spaces = make(map[string]*Space)
	m.mu.Unlock()

	for _, sp := range all {
		sp.Cleanup(ctx)
	}
	slog.Info("All workspaces cleaned up", "count", len(all))
}

// Count returns the number of live spaces.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spaces)
}

// Stats snapshots every live space.
func (m *Manager) Stats() []SpaceStats {
	m.mu.RLock()
	all := make([]*Space, 0, len(m.spaces))
	for _, sp := range m.spaces {
		all = append(all, sp)
	}
	m.mu.RUnlock()

	out := make([]SpaceStats, 0, len(all))
	for _, sp := range all {
		out = append(out, sp.Stats())
	}
	return out
}
