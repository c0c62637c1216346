package genericbroker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

func testConfig() Config {
	return Config{TopicRoot: "bridge", RequestTag: "req", Domain: "default"}
}

func TestCreateEndpointTopicData(t *testing.T) {
	p := New(testConfig(), nil)
	topics, err := p.CreateEndpointTopicData("d1", "drone")
	require.NoError(t, err)
	assert.Equal(t, "bridge/events/d1", topics[model.TopicEvent])
	assert.Equal(t, "bridge/cmd/d1", topics[model.TopicGET])
}

func TestRequestTopicFilter(t *testing.T) {
	p := New(testConfig(), nil)
	assert.Equal(t, "bridge/req/default/#", p.RequestTopicFilter())
}

func TestEndpointFromTopic(t *testing.T) {
	p := New(testConfig(), nil)
	ep, ok := p.EndpointFromTopic("bridge/cmd/d1")
	assert.True(t, ok)
	assert.Equal(t, "d1", ep)

	_, ok = p.EndpointFromTopic("bridge/cmd")
	assert.False(t, ok)
}

func TestVerbFromTopic(t *testing.T) {
	p := New(testConfig(), nil)
	verb, ok := p.VerbFromTopic("bridge/cmd/d1")
	assert.True(t, ok)
	assert.Equal(t, model.VerbGET, verb)

	_, ok = p.VerbFromTopic("bridge/events/d1")
	assert.False(t, ok)
}

func TestReplyTopicFor(t *testing.T) {
	p := New(testConfig(), nil)
	assert.Equal(t, "bridge/events/d1", p.ReplyTopicFor("d1", "drone", "fallback"))
	assert.Equal(t, "fallback", p.ReplyTopicFor("", "", "fallback"))
}

func TestCreateAndStartMQTTForEndpointRequiresSession(t *testing.T) {
	p := New(testConfig(), nil)
	_, err := p.CreateAndStartMQTTForEndpoint(context.Background(), "d1", "drone")
	assert.Error(t, err)
}

func TestDeleteShadowNoopWithoutDeleter(t *testing.T) {
	p := New(testConfig(), nil)
	assert.NoError(t, p.DeleteShadow(context.Background(), "d1"))
}

func TestCloseSessionIsNoop(t *testing.T) {
	p := New(testConfig(), nil)
	assert.NotPanics(t, func() { p.CloseSession("d1") })
}
