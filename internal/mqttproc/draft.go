package mqttproc

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// draftOperation is the LwM2M "draft format" update-notification opcode
// (spec.md §4.1, glossary "Draft format").
const draftOperation = 19

type draftEnvelope struct {
	Operation int      `cbor:"operation"`
	Token     string   `cbor:"token"`
	Paths     []string `cbor:"paths"`
	Payload   []byte   `cbor:"payload"`
}

// rewriteDraftFormat implements spec.md §4.1's sendMessage footnote: when
// draft MQTT format is enabled, the topic becomes
// <tenant>/lwm2m/ob/<ep> and the body is CBOR of
// {operation:19, token, paths, payload}. The ep is taken from the
// original topic's last path segment, which is the ep for the generic
// broker's <topic_root>/events/<ep> observation topic; for a topic that
// does not end in the ep (Google's /devices/<ep>/events, Watson's
// .../fmt/json) the last segment is used all the same.
func rewriteDraftFormat(tenant, topic string, payload []byte) (string, []byte, error) {
	ep := lastSegment(topic)
	rewritten := fmt.Sprintf("%s/lwm2m/ob/%s", tenant, ep)
	body, err := cbor.Marshal(draftEnvelope{
		Operation: draftOperation,
		Token:     ep,
		Paths:     []string{topic},
		Payload:   payload,
	})
	if err != nil {
		return "", nil, fmt.Errorf("mqttproc: cbor-encode draft message: %w", err)
	}
	return rewritten, body, nil
}

func lastSegment(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 0 {
		return topic
	}
	return parts[len(parts)-1]
}
