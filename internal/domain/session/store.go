package session

import (
	"errors"
	"sync"
)

// Sentinel errors for session map operations.
var (
	// ErrNotFound is returned when a session id has no live entry.
	ErrNotFound = errors.New("session not found")
	// ErrCapacity is returned when the map is at MaxSessions.
	ErrCapacity = errors.New("session map at capacity")
)

// defaultMaxSessions caps the legacy session map so a misbehaving upstream
// emitting endless endpoint events cannot grow it without bound.
const defaultMaxSessions = 1000

// Map tracks live legacy SSE sessions: proxy-issued session id to the
// upstream message URL the client's POSTs are forwarded to.
type Map struct {
	mu       sync.RWMutex
	sessions map[string]string
	max      int
}

// NewMap creates a session map. maxSessions <= 0 selects the default cap.
func NewMap(maxSessions int) *Map {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &Map{
		sessions: make(map[string]string),
		max:      maxSessions,
	}
}

// Register stores the upstream message URL under a session id.
func (m *Map) Register(id, upstreamURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.max {
		return ErrCapacity
	}
	m.sessions[id] = upstreamURL
	return nil
}

// Resolve returns the upstream message URL for a session id.
func (m *Map) Resolve(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	return u, nil
}

// Remove deletes a session. Removing an unknown id is a no-op, since the
// SSE handler's cleanup path can race with upstream stream end.
func (m *Map) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Len returns the number of live sessions.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
