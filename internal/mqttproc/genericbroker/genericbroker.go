// Package genericbroker is the generic-MQTT-broker per-cloud processor
// (spec.md §4.2, §6): a single shared session, a topic root configured by
// the deployment, listening on <topic_root>/<request_tag>/<domain>/#,
// grounded on the teacher's web-backend newMQTTClient/listenMQTTEvents
// (single shared client, prefix-stripped topic routing).
package genericbroker

import (
	"context"
	"fmt"
	"strings"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/transport"
)

// Config is the generic-broker topic-root configuration (spec.md §6's
// mqtt_mds_topic_root, mqtt_device_data_key).
type Config struct {
	TopicRoot  string
	RequestTag string
	Domain     string
	DataKey    string // optional {data_key: payload} wrapping
}

// Processor implements mqttproc.CloudHooks for a generic MQTT broker.
type Processor struct {
	cfg           Config
	session       *transport.Session
	shadowDeleter ShadowDeleter
}

// New builds a generic-broker processor bound to the shared session sess.
func New(cfg Config, sess *transport.Session) *Processor {
	return &Processor{cfg: cfg, session: sess}
}

func (p *Processor) eventTopic(ep string) string {
	return fmt.Sprintf("%s/events/%s", p.cfg.TopicRoot, ep)
}

func (p *Processor) cmdTopic(ep string) string {
	return fmt.Sprintf("%s/cmd/%s", p.cfg.TopicRoot, ep)
}

// CreateAndStartMQTTForEndpoint returns the shared session for every
// endpoint (spec.md §4.2: "generic brokers use one session").
func (p *Processor) CreateAndStartMQTTForEndpoint(ctx context.Context, ep, ept string) (*transport.Session, error) {
	if p.session == nil {
		return nil, fmt.Errorf("genericbroker: shared session not connected")
	}
	return p.session, nil
}

// CreateEndpointTopicData implements createEndpointTopicData for the
// generic broker.
func (p *Processor) CreateEndpointTopicData(ep, ept string) (model.TopicSet, error) {
	return model.TopicSet{
		model.TopicEvent: p.eventTopic(ep),
		model.TopicGET:   p.cmdTopic(ep),
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

// EndpointFromTopic extracts <ep> from <topic_root>/cmd/<ep> or
// <topic_root>/events/<ep>.
func (p *Processor) EndpointFromTopic(topic string) (string, bool) {
	trimmed := strings.TrimPrefix(topic, p.cfg.TopicRoot+"/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return "", false
	}
	return parts[1], true
}

// VerbFromTopic has no positional verb for the generic broker; every
// message on the command channel is a GET by convention, PUT otherwise
// caught by the JSON body's coap_verb field.
func (p *Processor) VerbFromTopic(topic string) (model.CoapVerb, bool) {
	if strings.Contains(topic, "/cmd/") {
		return model.VerbGET, true
	}
	return "", false
}

// URIFromTopic has no positional URI; the resource path travels in the
// JSON body for the generic broker.
func (p *Processor) URIFromTopic(topic string) (string, bool) { return "", false }

// ReplyTopicFor publishes replies back on the endpoint's event topic.
func (p *Processor) ReplyTopicFor(ep, ept, defaultTopic string) string {
	if ep == "" {
		return defaultTopic
	}
	return p.eventTopic(ep)
}

// RequestTopicFilter listens on <topic_root>/<request_tag>/<domain>/#
// (spec.md §6).
func (p *Processor) RequestTopicFilter() string {
	return fmt.Sprintf("%s/%s/%s/#", p.cfg.TopicRoot, p.cfg.RequestTag, p.cfg.Domain)
}

// ShadowDeleter removes a device from whatever registry backs the generic
// broker deployment, if any (often a no-op).
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

// CloseSession is a no-op: generic-broker devices share one MQTT session,
// so deregistering one device must not disconnect the others.
func (p *Processor) CloseSession(ep string) {}
