package mqttproc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/asyncresp"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

// notification is one entry of a backend event's "notifications" list.
type notification struct {
	Ep      string `json:"ep"`
	Path    string `json:"path"`
	Payload string `json:"payload"`
	ID      string `json:"id"`
}

// HandleBackendEvent is the single entry point the long-poll reader (or a
// webhook handler) calls with a raw backend event body. It routes by
// top-level key (spec.md §4.1's "main control loop routes by top-level
// key": notifications / registrations / reg-updates / de-registrations /
// registrations-expired).
func (p *Processor) HandleBackendEvent(ctx context.Context, body []byte) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		logging.Warnf("mqttproc: malformed backend event: %v", err)
		return
	}

	p.ProcessRegistration(ctx, raw, "registrations")
	p.ProcessReRegistration(ctx, raw)
	p.ProcessDeregistrations(ctx, raw)
	p.ProcessDeviceDeletions(ctx, raw)
	p.processNotifications(ctx, raw)
}

// processNotifications handles spec.md §8 scenario 1 (fresh telemetry) and
// §4.5 (async-response completion): a notification carrying an "id" that
// matches a recorded AsyncRecord completes it; otherwise it is published
// as a fresh observation.
func (p *Processor) processNotifications(ctx context.Context, raw map[string]interface{}) {
	items, _ := raw["notifications"].([]interface{})
	for _, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		n := notification{
			Ep:      stringField(entry, "ep"),
			Path:    stringField(entry, "path"),
			Payload: stringField(entry, "payload"),
			ID:      stringField(entry, "id"),
		}
		if n.ID != "" {
			if rec, found := p.async.Take(n.ID); found {
				obs := asyncresp.FormatAsyncResponseAsReply(rec, n.Payload)
				p.publishObservation(rec.ReplyTopic, obs)
				continue
			}
		}

		ept, _ := p.reg.EpType(n.Ep)
		replyTopic := p.hooks.ReplyTopicFor(n.Ep, ept, "")
		obs := p.hooks.CreateObservation(model.VerbGET, n.Ep, n.Path, decodeNotificationPayload(n.Payload))
		p.publishObservation(replyTopic, obs)
	}
}

// decodeNotificationPayload base64-decodes a CoAP observation payload the
// way asyncresp.FormatAsyncResponseAsReply does for async GET replies,
// falling back to the raw string on decode failure. Most LwM2M resources
// are numeric (spec.md §8 scenario 1: "MjkuNzU=" decodes to "29.75" and
// must publish as the JSON number 29.75, not the string "29.75"), so a
// decoded value that parses as a number is returned as one.
func decodeNotificationPayload(payloadB64 string) interface{} {
	if payloadB64 == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		logging.Warnf("mqttproc: failed to decode notification payload: %v", err)
		return payloadB64
	}
	return numericOrString(string(decoded))
}

// numericOrString returns s parsed as a float64 or int64 when it looks
// like a bare number, otherwise s unchanged.
func numericOrString(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
