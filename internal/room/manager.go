// Package room tracks which connections belong to which rooms. It keeps two
// mirrored indices, connection -> rooms and room -> connections, and updates
// them together under one lock.
package room

import (
	"sort"
	"sync"
)

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Manager owns room membership. Rooms are created on first join and removed
// as soon as their last member leaves.
type Manager struct {
	mu      sync.RWMutex
	byConn  map[string]set // connID -> roomIDs
	byRoom  map[string]set // roomID -> connIDs
	history *History
}

// NewManager creates an empty Manager. history may be nil.
func NewManager(history *History) *Manager {
	return &Manager{
		byConn:  make(map[string]set),
		byRoom:  make(map[string]set),
		history: history,
	}
}

// Join adds connID to roomID. It returns false if the connection was already
// a member.
func (m *Manager) Join(connID, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.byRoom[roomID]
	if !ok {
		members = make(set)
		m.byRoom[roomID] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}

	rooms, ok := m.byConn[connID]
	if !ok {
		rooms = make(set)
		m.byConn[connID] = rooms
	}
	rooms[roomID] = struct{}{}
	return true
}

// Leave removes connID from roomID. It returns false if the connection was not
// a member.
func (m *Manager) Leave(connID, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(connID, roomID)
}

// LeaveAll removes connID from every room and returns the rooms it left,
// sorted.
func (m *Manager) LeaveAll(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := m.byConn[connID].sorted()
	for _, roomID := range rooms {
		m.leaveLocked(connID, roomID)
	}
	return rooms
}

func (m *Manager) leaveLocked(connID, roomID string) bool {
	members, ok := m.byRoom[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(m.byRoom, roomID)
		if m.history != nil {
			m.history.Remove(roomID)
		}
	}

	rooms := m.byConn[connID]
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(m.byConn, connID)
	}
	return true
}

// Members returns the connections in roomID, sorted.
func (m *Manager) Members(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byRoom[roomID].sorted()
}

// Rooms returns the rooms connID belongs to, sorted.
func (m *Manager) Rooms(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConn[connID].sorted()
}

// IsMember reports whether connID is in roomID.
func (m *Manager) IsMember(connID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byRoom[roomID][connID]
	return ok
}

// Size returns the number of members in roomID.
func (m *Manager) Size(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRoom[roomID])
}

// Len returns the number of live rooms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRoom)
}

// History returns the history buffer attached to the manager, or nil.
func (m *Manager) History() *History {
	return m.history
}
