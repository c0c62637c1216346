// Package endpoint is the in-memory endpoint map: one of the three shared
// mutable structures spec.md §5 calls out as requiring mutual exclusion.
// The mutex pattern mirrors the teacher's subscribersMu-guarded map in
// web-backend/handlers.go, generalized from websocket subscribers to
// device endpoints.
package endpoint

import (
	"sync"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

// Registry is the endpoint map plus the ep_name -> ep_type side table
// unsubscribe() clears (spec.md §4.1).
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*model.Endpoint
	epTypes   map[string]string
	max       int
}

// New returns an empty Registry. max is the configured "max_shadows"
// ceiling (spec.md §6), 0 meaning unbounded.
func New(max int) *Registry {
	return &Registry{
		endpoints: make(map[string]*model.Endpoint),
		epTypes:   make(map[string]string),
		max:       max,
	}
}

// ErrFull is returned by Put when the registry is at its max_shadows
// capacity and the endpoint does not already exist.
type ErrFull struct{ Max int }

func (e ErrFull) Error() string { return "endpoint map is at max_shadows capacity" }

// Get returns the endpoint for ep, or nil if none is registered.
func (r *Registry) Get(ep string) *model.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[ep]
}

// Put inserts or replaces the endpoint, enforcing max_shadows and the
// ep_type side table invariant.
func (r *Registry) Put(e *model.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[e.EpName]; !exists && r.max > 0 && len(r.endpoints) >= r.max {
		return ErrFull{Max: r.max}
	}
	r.endpoints[e.EpName] = e
	r.epTypes[e.EpName] = e.EpType
	return nil
}

// Remove deletes the endpoint and its ep_type mapping. Idempotent: removing
// an endpoint that isn't present is a no-op, matching the
// unsubscribe(ep); unsubscribe(ep) round-trip property from spec.md §8.
func (r *Registry) Remove(ep string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, ep)
	delete(r.epTypes, ep)
}

// EpType returns the recorded type for ep, and whether it was found.
func (r *Registry) EpType(ep string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.epTypes[ep]
	return t, ok
}

// Len returns the number of live endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// Names returns a snapshot of every registered ep_name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		out = append(out, name)
	}
	return out
}

// UpdateTopics stores topic_data for an already-present endpoint, creating
// it if necessary (spec.md §4.1 subscribe()).
func (r *Registry) UpdateTopics(ep, ept string, topics model.TopicSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[ep]
	if !ok {
		e = model.NewEndpoint(ep, ept)
		r.endpoints[ep] = e
	}
	e.Topics = topics
	r.epTypes[ep] = ept
}
