package conversation

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Store persists snapshots so sessions survive a restart.
type Store interface {
	SaveSession(id string, snap Snapshot) error
	LoadSession(id string) (Snapshot, error)
	DeleteSession(id string) error
}

// Manager hands out one Context per session ID.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Context
}

// NewManager creates a Manager. store may be nil for purely in-memory sessions.
func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		logger:   slog.Default(),
		sessions: make(map[string]*Context),
	}
}

// Get returns the Context for id, creating it when needed. An empty id
// starts a new session with a generated ID. Persisted snapshots are restored
// on first access.
func (m *Manager) Get(id string) *Context {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.sessions[id]; ok {
		return c
	}

	c := New(id)
	if m.store != nil {
		if snap, err := m.store.LoadSession(id); err == nil {
			c = Restore(id, snap)
		}
	}
	m.sessions[id] = c
	return c
}

// Lookup returns an existing Context without creating one.
func (m *Manager) Lookup(id string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	return c, ok
}

// Peek returns the snapshot for id without creating a session, consulting
// the store when the session is not live.
func (m *Manager) Peek(id string) (Snapshot, bool) {
	if c, ok := m.Lookup(id); ok {
		return c.Snapshot(), true
	}
	if m.store != nil {
		if snap, err := m.store.LoadSession(id); err == nil {
			return snap, true
		}
	}
	return Snapshot{}, false
}

// Save persists the current snapshot of c. A nil store makes this a no-op.
func (m *Manager) Save(c *Context) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(c.ID(), c.Snapshot()); err != nil {
		m.logger.Warn("saving session context failed", "session_id", c.ID(), "error", err)
	}
}

// Delete forgets the session in memory and in the store.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteSession(id); err != nil {
			m.logger.Warn("deleting stored session failed", "session_id", id, "error", err)
		}
	}
	return ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
