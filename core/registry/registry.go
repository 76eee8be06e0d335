// Package registry tracks the live connection handle of each puller.
package registry

import (
	"sort"
	"sync"
)

// Registry maps puller identifiers to connection handles. It is safe for
// concurrent use. A puller has at most one handle; registering again replaces
// it and returns the previous one so the caller can close it.
type Registry[H comparable] struct {
	mu    sync.RWMutex
	conns map[string]H
}

func New[H comparable]() *Registry[H] {
	return &Registry[H]{conns: make(map[string]H)}
}

// Register binds h to pullerID. replaced reports whether an older handle was
// evicted.
func (r *Registry[H]) Register(pullerID string, h H) (prev H, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, replaced = r.conns[pullerID]
	r.conns[pullerID] = h
	return prev, replaced
}

// Unregister removes the binding only if it still points to h, so a stale
// connection closing late cannot evict its replacement.
func (r *Registry[H]) Unregister(pullerID string, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[pullerID]
	if !ok || cur != h {
		return false
	}
	delete(r.conns, pullerID)
	return true
}

func (r *Registry[H]) Lookup(pullerID string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.conns[pullerID]
	return h, ok
}

func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the connected puller identifiers in sorted order.
func (r *Registry[H]) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot copies the current handles. Iterating the copy does not hold the
// lock, so handles may be written to without blocking registration.
func (r *Registry[H]) Snapshot() map[string]H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]H, len(r.conns))
	for k, v := range r.conns {
		out[k] = v
	}
	return out
}
