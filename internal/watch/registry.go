package watch

import "sync"

// Registry stores unique conversation endpoints in first-seen order.
// Entries are never removed.
type Registry struct {
	mu        sync.RWMutex
	endpoints []Endpoint
}

// NewRegistry returns a registry seeded with endpoints (duplicates are dropped).
func NewRegistry(seed ...Endpoint) *Registry {
	r := &Registry{}
	for _, e := range seed {
		r.Register(e)
	}
	return r
}

// Register inserts e unless a structurally equal endpoint is already present.
// It reports whether e was added.
//
// The scan is linear; the registry is expected to hold at most a few hundred
// conversations.
func (r *Registry) Register(e Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.endpoints {
		if have == e {
			return false
		}
	}
	r.endpoints = append(r.endpoints, e)
	return true
}

// Snapshot returns a copy of all endpoints in insertion order.
func (r *Registry) Snapshot() []Endpoint {
	r.mu.RLock()
	out := append([]Endpoint(nil), r.endpoints...)
	r.mu.RUnlock()
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.endpoints)
	r.mu.RUnlock()
	return n
}
