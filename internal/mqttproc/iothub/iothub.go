// Package iothub is the Azure IoT Hub per-cloud processor (spec.md §4.2).
// IoT Hub has no positional "type" segment like Watson; devices publish
// telemetry to devices/{device}/messages/events/ and receive commands
// either as cloud-to-device messages on devices/{device}/messages/devicebound/#
// or as direct-method invocations on $iothub/methods/POST/#, grounded on
// haylesnortal's iotmodule/transport/mqtt Transport (twin and
// cloud-to-device topic parsing, $iothub/twin/... request/response
// correlation via $rid).
package iothub

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/transport"
)

// Config is the IoT Hub connection configuration: one shared session,
// SAS-token or X.509 credentials supplied externally (spec.md §1 lists
// credential provisioning as out of scope).
type Config struct {
	HubHostname string
}

// Processor implements mqttproc.CloudHooks for Azure IoT Hub, sharing one
// MQTT session across devices the way Watson does — IoT Hub's per-device
// SAS scoping happens at connect time, outside this package.
type Processor struct {
	cfg           Config
	session       *transport.Session
	shadowDeleter ShadowDeleter
}

// New builds an IoT Hub processor bound to the shared session sess.
func New(cfg Config, sess *transport.Session) *Processor {
	return &Processor{cfg: cfg, session: sess}
}

func telemetryTopic(ep string) string {
	return fmt.Sprintf("devices/%s/messages/events/", ep)
}

func c2dTopicFilter(ep string) string {
	return fmt.Sprintf("devices/%s/messages/devicebound/#", ep)
}

func twinPatchTopicFilter() string { return "$iothub/twin/PATCH/properties/desired/#" }

func directMethodTopicFilter() string { return "$iothub/methods/POST/#" }

// CreateAndStartMQTTForEndpoint returns the shared session; IoT Hub
// devices differ only by client-id/SAS at connect time, which this
// processor does not own.
func (p *Processor) CreateAndStartMQTTForEndpoint(ctx context.Context, ep, ept string) (*transport.Session, error) {
	if p.session == nil {
		return nil, fmt.Errorf("iothub: shared session not connected")
	}
	return p.session, nil
}

// CreateEndpointTopicData implements createEndpointTopicData for IoT Hub.
func (p *Processor) CreateEndpointTopicData(ep, ept string) (model.TopicSet, error) {
	return model.TopicSet{
		model.TopicEvent:  telemetryTopic(ep),
		model.TopicPUT:    c2dTopicFilter(ep),
		model.TopicConfig: twinPatchTopicFilter(),
		model.TopicPOST:   directMethodTopicFilter(),
	}, nil
}

// CreateObservation wraps nothing additional: IoT Hub telemetry messages
// carry the canonical payload as-is in the message body.
func (p *Processor) CreateObservation(verb model.CoapVerb, ep, uri string, value interface{}) model.ObservationPayload {
	return model.ObservationPayload{Path: uri, Ep: ep, Value: value, CoapVerb: verb}
}

// EndpointFromTopic extracts <device> from devices/<device>/messages/....
func (p *Processor) EndpointFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 && parts[0] == "devices" {
		return parts[1], true
	}
	return "", false
}

// VerbFromTopic reports PUT for cloud-to-device messages and twin
// desired-property patches, POST for direct methods; IoT Hub has no
// positional GET/DELETE (spec.md §4.2's per-cloud decoding hooks).
func (p *Processor) VerbFromTopic(topic string) (model.CoapVerb, bool) {
	switch {
	case strings.Contains(topic, "/messages/devicebound/"):
		return model.VerbPUT, true
	case strings.HasPrefix(topic, "$iothub/methods/POST/"):
		return model.VerbPOST, true
	case strings.HasPrefix(topic, "$iothub/twin/PATCH/"):
		return model.VerbPUT, true
	default:
		return "", false
	}
}

// URIFromTopic decodes the CoAP-style resource path IoT Hub carries as
// the URL-encoded "$.to" property appended to the cloud-to-device topic
// (devices/{device}/messages/devicebound/%24.to=%2F...&a=b), matching the
// property-bag the teacher's parseC2DTopic unpacks.
func (p *Processor) URIFromTopic(topic string) (string, bool) {
	idx := strings.Index(topic, "/messages/devicebound/")
	if idx == -1 {
		return "", false
	}
	propertyBag := topic[idx+len("/messages/devicebound/"):]
	values, err := url.ParseQuery(propertyBag)
	if err != nil {
		return "", false
	}
	to := values.Get("$.to")
	if to == "" {
		return "", false
	}
	return to, true
}

// ReplyTopicFor returns the telemetry topic: IoT Hub reflects command
// results back over the same telemetry channel tagged by the caller.
func (p *Processor) ReplyTopicFor(ep, ept, defaultTopic string) string {
	if ep == "" {
		return defaultTopic
	}
	return telemetryTopic(ep)
}

// RequestTopicFilter listens for API-request envelopes on the shared
// direct-method channel.
func (p *Processor) RequestTopicFilter() string {
	return directMethodTopicFilter()
}

// ShadowDeleter removes a device from IoT Hub's device registry, supplied
// by the caller since registry CRUD is out of this package's scope.
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

// CloseSession is a no-op: IoT Hub devices share one gateway session, so
// deregistering one device must not disconnect the others.
func (p *Processor) CloseSession(ep string) {}
