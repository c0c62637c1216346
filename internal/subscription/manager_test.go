package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

func key(ep, path string) model.SubscriptionKey {
	return model.SubscriptionKey{Domain: "default", EpName: ep, EpType: "drone", Resource: path}
}

func TestManagerPutContainsObservable(t *testing.T) {
	m := New()
	k := key("d1", "/3303/0/5700")

	assert.False(t, m.Contains(k))

	m.Put(k, true)
	assert.True(t, m.Contains(k))
	observable, ok := m.Observable(k)
	assert.True(t, ok)
	assert.True(t, observable)

	m.Put(k, false)
	observable, ok = m.Observable(k)
	assert.True(t, ok)
	assert.False(t, observable)
}

func TestManagerRemoveEndpoint(t *testing.T) {
	m := New()
	m.Put(key("d1", "/3303/0/5700"), true)
	m.Put(key("d1", "/3303/0/5701"), true)
	m.Put(key("d2", "/3303/0/5700"), true)

	assert.True(t, m.HasAny("d1"))
	m.RemoveEndpoint("d1")
	assert.False(t, m.HasAny("d1"))
	assert.True(t, m.HasAny("d2"))
}

func TestManagerRemoveIsIdempotent(t *testing.T) {
	m := New()
	m.Remove(key("ghost", "/x"))
}
