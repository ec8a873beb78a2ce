// Package presence holds the authoritative set of online identities and the
// connection each one is reachable through.
package presence

import (
	"sync"
	"time"

	"github.com/whisper/presence-relay/internal/auth"
)

// Entry is the registry record for one online identity.
type Entry struct {
	Identity auth.Identity
	ConnID   string
	Since    time.Time
}

// Registry maps identities to their single authoritative connection and
// remembers registration order so snapshots are deterministic.
//
// The relay mutates it only from its dispatcher goroutine; the lock exists so
// health and metrics readers on other goroutines see a consistent view.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	now     func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Register inserts or overwrites the entry for identity and returns the entry
// it replaced, if any. An overwritten identity keeps its original position in
// the snapshot order.
func (r *Registry) Register(identity auth.Identity, connID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[identity.ID]
	r.entries[identity.ID] = &Entry{
		Identity: identity,
		ConnID:   connID,
		Since:    r.now(),
	}
	if !ok {
		r.order = append(r.order, identity.ID)
		return nil
	}
	return prev
}

// Deregister removes the identity and returns the removed entry, or nil if it
// was not registered.
func (r *Registry) Deregister(identityID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[identityID]
	if !ok {
		return nil
	}
	delete(r.entries, identityID)
	for i, id := range r.order {
		if id == identityID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return prev
}

// Lookup returns a copy of the entry for identityID.
func (r *Registry) Lookup(identityID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identityID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ConnOf returns the connection an identity is reachable through.
func (r *Registry) ConnOf(identityID string) (string, bool) {
	e, ok := r.Lookup(identityID)
	return e.ConnID, ok
}

// Snapshot returns every entry in registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entries[id])
	}
	return out
}

// Len returns the number of online identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return n
}

// Reset drops every entry. Called when the relay stops.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.entries = make(map[string]*Entry)
	r.order = nil
	r.mu.Unlock()
}
