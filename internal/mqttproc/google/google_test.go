package google

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

func TestCloseSessionOnUnknownEndpointDoesNotPanic(t *testing.T) {
	p := New(Config{ProjectID: "proj", JWTExpirationSecs: 3600}, nil, nil)
	assert.NotPanics(t, func() { p.CloseSession("never-connected") })
	assert.Equal(t, StateDisconnected, p.State("never-connected"))
}

func TestCreateEndpointTopicData(t *testing.T) {
	p := New(Config{}, nil, nil)
	topics, err := p.CreateEndpointTopicData("d1", "drone")
	assert.NoError(t, err)
	assert.Equal(t, "/devices/d1/events", topics[model.TopicEvent])
	assert.Equal(t, "/devices/d1/config", topics[model.TopicConfig])
}

func TestEndpointFromTopic(t *testing.T) {
	p := New(Config{}, nil, nil)
	ep, ok := p.EndpointFromTopic("/devices/d1/config")
	assert.True(t, ok)
	assert.Equal(t, "d1", ep)
}

func TestVerbFromTopic(t *testing.T) {
	p := New(Config{}, nil, nil)
	verb, ok := p.VerbFromTopic("/devices/d1/config")
	assert.True(t, ok)
	assert.Equal(t, "PUT", string(verb))

	_, ok = p.VerbFromTopic("/devices/d1/events")
	assert.False(t, ok)
}

func TestReplyTopicFor(t *testing.T) {
	p := New(Config{}, nil, nil)
	assert.Equal(t, "/devices/d1/state", p.ReplyTopicFor("d1", "drone", "fallback"))
	assert.Equal(t, "fallback", p.ReplyTopicFor("", "", "fallback"))
}

func TestDeleteShadowNoopWithoutDeleter(t *testing.T) {
	p := New(Config{}, nil, nil)
	assert.NoError(t, p.DeleteShadow(context.Background(), "d1"))
}
