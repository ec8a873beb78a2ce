package notify

import (
	"context"
	"sync"
)

// MemoryStore keeps undelivered notifications in process memory. Its
// contents do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string][]*Notification // identity -> oldest first
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string][]*Notification)}
}

func (s *MemoryStore) Save(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *n
	s.pending[n.To] = append(s.pending[n.To], &cp)
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, identity string) ([]*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.pending[identity]
	out := make([]*Notification, len(list))
	for i, n := range list {
		cp := *n
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, identity string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		done[id] = struct{}{}
	}

	kept := s.pending[identity][:0]
	for _, n := range s.pending[identity] {
		if _, ok := done[n.ID]; !ok {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		delete(s.pending, identity)
		return nil
	}
	s.pending[identity] = kept
	return nil
}

func (s *MemoryStore) Close() error { return nil }
