// Package watson is the IBM Watson IoT per-cloud processor (spec.md
// §4.2): one shared MQTT session for every device, upper-case topic verbs
// in production and lower-case in the legacy bridge (spec.md §11,
// Open Question "Watson legacy-bridge lower-cases verb topics").
package watson

import (
	"context"
	"fmt"
	"strings"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/transport"
)

// Config is the Watson-specific template configuration (spec.md §6's
// iotf_* keys).
type Config struct {
	OrgID         string
	OrgKey        string
	EventKey      string // default "notify"
	ResponseKey   string // default "resp"
	LegacyTopics  bool   // spec.md §11: lower-cases verb segments when true
	DataKey       string // optional {data_key: payload} wrapping; empty disables it
}

// Processor implements mqttproc.CloudHooks for Watson IoT, sharing one
// MQTT session across every device (spec.md §4.2 "Watson uses one shared
// MQTT session for all devices").
type Processor struct {
	cfg           Config
	session       *transport.Session
	shadowDeleter ShadowDeleter
}

// New builds a Watson processor bound to the single shared session sess.
func New(cfg Config, sess *transport.Session) *Processor {
	if cfg.EventKey == "" {
		cfg.EventKey = "notify"
	}
	if cfg.ResponseKey == "" {
		cfg.ResponseKey = "resp"
	}
	return &Processor{cfg: cfg, session: sess}
}

func (p *Processor) verb(s string) string {
	if p.cfg.LegacyTopics {
		return strings.ToLower(s)
	}
	return strings.ToUpper(s)
}

func (p *Processor) eventTopic(ep, ept string) string {
	return fmt.Sprintf("iot-2/type/%s/id/%s/evt/%s/fmt/json", ept, ep, p.verb(p.cfg.EventKey))
}

func (p *Processor) cmdTopicFilter(ep, ept string) string {
	return fmt.Sprintf("iot-2/type/%s/id/%s/cmd/+/fmt/json", ept, ep)
}

func (p *Processor) responseTopic(ep, ept string) string {
	return fmt.Sprintf("iot-2/type/%s/id/%s/evt/%s/fmt/json", ept, ep, p.verb(p.cfg.ResponseKey))
}

// CreateAndStartMQTTForEndpoint returns the shared session for every
// device; no per-device dial is needed (spec.md §4.2).
func (p *Processor) CreateAndStartMQTTForEndpoint(ctx context.Context, ep, ept string) (*transport.Session, error) {
	if p.session == nil {
		return nil, fmt.Errorf("watson: shared session not connected")
	}
	return p.session, nil
}

// CreateEndpointTopicData implements createEndpointTopicData for Watson.
func (p *Processor) CreateEndpointTopicData(ep, ept string) (model.TopicSet, error) {
	return model.TopicSet{
		model.TopicEvent: p.eventTopic(ep, ept),
		model.TopicGET:   p.cmdTopicFilter(ep, ept),
	}, nil
}

// CreateObservation, when DataKey is set, nests the canonical payload
// under the observation's value as {"<data_key>": payload}. The published
// message is still an observation envelope carrying path, ep and
// coap_verb, not a bare {"<data_key>": payload} object.
func (p *Processor) CreateObservation(verb model.CoapVerb, ep, uri string, value interface{}) model.ObservationPayload {
	obs := model.ObservationPayload{Path: uri, Ep: ep, Value: value, CoapVerb: verb}
	if p.cfg.DataKey == "" {
		return obs
	}
	return model.ObservationPayload{Path: uri, Ep: ep, CoapVerb: verb, Value: map[string]interface{}{p.cfg.DataKey: obs}}
}

// EndpointFromTopic extracts <ep> from iot-2/type/<ept>/id/<ep>/cmd/....
func (p *Processor) EndpointFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "id" && i+1 < len(parts) {
			return parts[i+1], true
		}
	}
	return "", false
}

// VerbFromTopic extracts the command verb from .../cmd/<verb>/fmt/json.
func (p *Processor) VerbFromTopic(topic string) (model.CoapVerb, bool) {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "cmd" && i+1 < len(parts) {
			return model.CoapVerb(strings.ToUpper(parts[i+1])), true
		}
	}
	return "", false
}

// URIFromTopic has no positional URI for Watson; it travels in the JSON
// body's "path" key (spec.md §4.2 fallback).
func (p *Processor) URIFromTopic(topic string) (string, bool) { return "", false }

// ReplyTopicFor computes the response topic with the event key replaced
// by the response key (spec.md §4.2).
func (p *Processor) ReplyTopicFor(ep, ept, defaultTopic string) string {
	if ep == "" || ept == "" {
		return defaultTopic
	}
	return p.responseTopic(ep, ept)
}

// RequestTopicFilter listens for API-request envelopes on every device's
// command channel; per-message dispatch in mqttproc distinguishes the two
// shapes by the presence of api_verb.
func (p *Processor) RequestTopicFilter() string {
	return "iot-2/type/+/id/+/cmd/+/fmt/json"
}

// ShadowDeleter removes a device from Watson's device registry, supplied
// by the caller since registry CRUD is out of this package's scope
// (spec.md §1).
type ShadowDeleter interface {
	DeleteDevice(ctx context.Context, ep string) error
}

func (p *Processor) WithShadowDeleter(d ShadowDeleter) *Processor {
	p.shadowDeleter = d
	return p
}

func (p *Processor) DeleteShadow(ctx context.Context, ep string) error {
	if p.shadowDeleter == nil {
		return nil
	}
	return p.shadowDeleter.DeleteDevice(ctx, ep)
}

// CloseSession is a no-op: Watson devices share one MQTT session, so
// deregistering one device must not disconnect the others.
func (p *Processor) CloseSession(ep string) {}
