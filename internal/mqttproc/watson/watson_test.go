package watson

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

func TestCreateEndpointTopicDataUppercasesByDefault(t *testing.T) {
	p := New(Config{}, nil)
	topics, err := p.CreateEndpointTopicData("d1", "drone")
	require.NoError(t, err)
	assert.Equal(t, "iot-2/type/drone/id/d1/evt/NOTIFY/fmt/json", topics[model.TopicEvent])
	assert.Equal(t, "iot-2/type/drone/id/d1/cmd/+/fmt/json", topics[model.TopicGET])
}

func TestLegacyTopicsLowercaseVerbs(t *testing.T) {
	p := New(Config{LegacyTopics: true}, nil)
	topics, err := p.CreateEndpointTopicData("d1", "drone")
	require.NoError(t, err)
	assert.Equal(t, "iot-2/type/drone/id/d1/evt/notify/fmt/json", topics[model.TopicEvent])
}

func TestReplyTopicForSwapsEventForResponseKey(t *testing.T) {
	p := New(Config{}, nil)
	assert.Equal(t, "iot-2/type/drone/id/d1/evt/RESP/fmt/json", p.ReplyTopicFor("d1", "drone", "unused"))
	assert.Equal(t, "fallback", p.ReplyTopicFor("", "", "fallback"))
}

func TestEndpointFromTopic(t *testing.T) {
	p := New(Config{}, nil)
	ep, ok := p.EndpointFromTopic("iot-2/type/drone/id/d1/cmd/PUT/fmt/json")
	assert.True(t, ok)
	assert.Equal(t, "d1", ep)

	_, ok = p.EndpointFromTopic("no/id/segment")
	assert.False(t, ok)
}

func TestVerbFromTopicUppercases(t *testing.T) {
	p := New(Config{}, nil)
	verb, ok := p.VerbFromTopic("iot-2/type/drone/id/d1/cmd/put/fmt/json")
	assert.True(t, ok)
	assert.Equal(t, model.VerbPUT, verb)
}

func TestCreateObservationWrapsWithDataKey(t *testing.T) {
	p := New(Config{DataKey: "d"}, nil)
	obs := p.CreateObservation(model.VerbGET, "d1", "/3303/0/5700", "29.75")
	wrapped, ok := obs.Value.(map[string]interface{})
	require.True(t, ok)
	inner, ok := wrapped["d"].(model.ObservationPayload)
	require.True(t, ok)
	assert.Equal(t, "29.75", inner.Value)
}

func TestCreateAndStartMQTTForEndpointRequiresSession(t *testing.T) {
	p := New(Config{}, nil)
	_, err := p.CreateAndStartMQTTForEndpoint(context.Background(), "d1", "drone")
	assert.Error(t, err)
}

type fakeShadowDeleter struct{ deleted []string }

func (f *fakeShadowDeleter) DeleteDevice(ctx context.Context, ep string) error {
	f.deleted = append(f.deleted, ep)
	return nil
}

func TestDeleteShadowNoopWithoutDeleter(t *testing.T) {
	p := New(Config{}, nil)
	assert.NoError(t, p.DeleteShadow(context.Background(), "d1"))
}

func TestDeleteShadowDelegates(t *testing.T) {
	d := &fakeShadowDeleter{}
	p := New(Config{}, nil).WithShadowDeleter(d)
	require.NoError(t, p.DeleteShadow(context.Background(), "d1"))
	assert.Equal(t, []string{"d1"}, d.deleted)
}

func TestCloseSessionIsNoop(t *testing.T) {
	p := New(Config{}, nil)
	assert.NotPanics(t, func() { p.CloseSession("d1") })
}
