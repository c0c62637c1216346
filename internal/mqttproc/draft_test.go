package mqttproc

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteDraftFormat(t *testing.T) {
	topic, body, err := rewriteDraftFormat("tenant-a", "obs/d1/3303/0/5700", []byte("29.75"))
	require.NoError(t, err)
	assert.Equal(t, "tenant-a/lwm2m/ob/5700", topic)

	var env draftEnvelope
	require.NoError(t, cbor.Unmarshal(body, &env))
	assert.Equal(t, draftOperation, env.Operation)
	assert.Equal(t, "5700", env.Token)
	assert.Equal(t, []string{"obs/d1/3303/0/5700"}, env.Paths)
	assert.Equal(t, []byte("29.75"), env.Payload)
}

func TestLastSegment(t *testing.T) {
	assert.Equal(t, "d1", lastSegment("obs/d1"))
	assert.Equal(t, "solo", lastSegment("solo"))
	assert.Equal(t, "", lastSegment(""))
}
