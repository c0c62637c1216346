package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

func TestRegistryPutGetRemove(t *testing.T) {
	r := New(0)
	e := model.NewEndpoint("d1", "drone")
	require.NoError(t, r.Put(e))

	got := r.Get("d1")
	require.NotNil(t, got)
	assert.Equal(t, "d1", got.EpName)

	ept, ok := r.EpType("d1")
	assert.True(t, ok)
	assert.Equal(t, "drone", ept)

	r.Remove("d1")
	assert.Nil(t, r.Get("d1"))
	_, ok = r.EpType("d1")
	assert.False(t, ok)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := New(0)
	r.Remove("does-not-exist")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryMaxShadows(t *testing.T) {
	r := New(1)
	require.NoError(t, r.Put(model.NewEndpoint("d1", "drone")))

	err := r.Put(model.NewEndpoint("d2", "drone"))
	require.Error(t, err)
	var full ErrFull
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 1, full.Max)

	// Replacing an existing endpoint never hits the ceiling.
	require.NoError(t, r.Put(model.NewEndpoint("d1", "drone-v2")))
	ept, _ := r.EpType("d1")
	assert.Equal(t, "drone-v2", ept)
}

func TestRegistryNames(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Put(model.NewEndpoint("d1", "drone")))
	require.NoError(t, r.Put(model.NewEndpoint("d2", "drone")))
	assert.ElementsMatch(t, []string{"d1", "d2"}, r.Names())
}
