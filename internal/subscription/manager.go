// Package subscription tracks which (domain, endpoint, type, resource-path)
// tuples the backend is observing, enforcing SubscriptionKey uniqueness
// (spec.md §3, §4.1).
package subscription

import (
	"sync"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

// Manager is the subscription manager, a shared mutable structure guarded
// by its own RWMutex.
type Manager struct {
	mu      sync.RWMutex
	entries map[model.SubscriptionKey]bool // value: observable flag
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{entries: make(map[model.SubscriptionKey]bool)}
}

// Contains reports whether the key is already tracked.
func (m *Manager) Contains(key model.SubscriptionKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok
}

// Observable reports whether the tracked key was marked observable, and
// whether the key exists at all.
func (m *Manager) Observable(key model.SubscriptionKey) (observable, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	observable, ok = m.entries[key]
	return
}

// Put records or refreshes key with the given observable flag
// (processRegistration in spec.md §4.1 always refreshes the flag, whether
// the key is new or already subscribed).
func (m *Manager) Put(key model.SubscriptionKey, observable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = observable
}

// Remove drops key. Idempotent.
func (m *Manager) Remove(key model.SubscriptionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// RemoveEndpoint drops every key belonging to ep, used when an endpoint is
// unsubscribed or deleted.
func (m *Manager) RemoveEndpoint(ep string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if key.EpName == ep {
			delete(m.entries, key)
		}
	}
}

// HasAny reports whether ep has any recorded subscriptions, used by
// processReRegistration to decide "treat as new registration" vs no-op
// (spec.md §4.1).
func (m *Manager) HasAny(ep string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key := range m.entries {
		if key.EpName == ep {
			return true
		}
	}
	return false
}
