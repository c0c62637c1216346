package asyncresp

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

func TestRegisterTakeRoundTrip(t *testing.T) {
	c := New()
	rec := model.AsyncRecord{AsyncID: "async-1", Verb: model.VerbGET, ReplyTopic: "t/reply", EpName: "d1", URI: "/3303/0/5700"}

	assert.True(t, c.Register(rec))
	assert.Equal(t, 1, c.Pending())

	got, ok := c.Take("async-1")
	require.True(t, ok)
	assert.Equal(t, "d1", got.EpName)
	assert.Equal(t, 0, c.Pending())

	_, ok = c.Take("async-1")
	assert.False(t, ok, "Take must remove the record so completion fires exactly once")
}

func TestRegisterDropsUnbridgedVerbs(t *testing.T) {
	c := New()
	rec := model.AsyncRecord{AsyncID: "async-2", Verb: model.VerbDELETE}
	assert.False(t, c.Register(rec))
	assert.Equal(t, 0, c.Pending())
}

func TestSweepExpired(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Register(model.AsyncRecord{AsyncID: "old", Verb: model.VerbGET})

	c.now = func() time.Time { return now.Add(20 * time.Minute) }
	c.Register(model.AsyncRecord{AsyncID: "fresh", Verb: model.VerbGET})

	expired := c.SweepExpired(10 * time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].AsyncID)
	assert.Equal(t, 1, c.Pending())
}

func TestFormatAsyncResponseAsReplyGET(t *testing.T) {
	rec := model.AsyncRecord{AsyncID: "async-1", Verb: model.VerbGET, URI: "/3303/0/5700", EpName: "d1"}
	payload := base64.StdEncoding.EncodeToString([]byte("29.75"))

	obs := FormatAsyncResponseAsReply(rec, payload)
	assert.Equal(t, 29.75, obs.Value)
	assert.Equal(t, "/3303/0/5700", obs.Path)
	assert.Equal(t, model.VerbGET, obs.CoapVerb)
}

func TestFormatAsyncResponseAsReplyPUTFallsBackToAsyncID(t *testing.T) {
	rec := model.AsyncRecord{AsyncID: "async-2", Verb: model.VerbPUT}
	obs := FormatAsyncResponseAsReply(rec, "")
	assert.Equal(t, "async-2", obs.Value)
}
