// Package mqttproc is the generic MQTT processor (spec.md §4.1): it owns
// the endpoint map, subscription manager and async correlator, formats
// CoAP notifications as observations, and routes inbound MQTT messages to
// either the API-request path or the CoAP-command path. Per-cloud
// specifics are supplied by a CloudHooks implementation (spec.md §4.2,
// §9's "composable base, not a superclass").
package mqttproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/asyncresp"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/endpoint"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/orchestrator"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/subscription"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/transport"
)

// SessionCreator is how a per-cloud variant provisions the MQTT session(s)
// backing one endpoint (spec.md §4.1's subscribe operation: "validates or
// creates the MQTT session via creator.createAndStartMQTTForEndpoint").
// Watson/generic return the same shared session for every ep; Google
// returns a freshly dialed per-device session.
type SessionCreator interface {
	CreateAndStartMQTTForEndpoint(ctx context.Context, ep, ept string) (*transport.Session, error)
}

// CloudHooks is the per-cloud capability set spec.md §9 asks for:
// {connect, publishObservation, formatCommand, replyTopicFor, createShadow,
// deleteShadow, refreshCredentials}, narrowed to what the generic
// processor needs to call out to.
type CloudHooks interface {
	SessionCreator

	// CreateEndpointTopicData computes the full topic set for ep/ept using
	// the cloud's templates (spec.md §4.2).
	CreateEndpointTopicData(ep, ept string) (model.TopicSet, error)

	// CreateObservation wraps the canonical payload per the cloud's
	// envelope policy (spec.md §4.2, §3).
	CreateObservation(verb model.CoapVerb, ep, uri string, value interface{}) model.ObservationPayload

	// EndpointFromTopic, VerbFromTopic and URIFromTopic extract a CoAP
	// command's pieces from positional topic segments (spec.md §4.2).
	// ok is false when the topic is wildcarded and the caller should fall
	// back to the JSON body instead.
	EndpointFromTopic(topic string) (ep string, ok bool)
	VerbFromTopic(topic string) (verb model.CoapVerb, ok bool)
	URIFromTopic(topic string) (uri string, ok bool)

	// ReplyTopicFor computes where async/sync replies publish, typically
	// the observation topic with the event key swapped for the response
	// key (spec.md §4.2).
	ReplyTopicFor(ep, ept, defaultTopic string) string

	// RequestTopicFilter is the wildcard subscription for API-request
	// envelopes (spec.md §4.1 initListener).
	RequestTopicFilter() string

	// DeleteShadow removes the backend-side device record through the
	// cloud SDK (spec.md §4.1 processDeviceDeletions).
	DeleteShadow(ctx context.Context, ep string) error

	// CloseSession tears down whatever per-device MQTT session and
	// credential-refresh timer the cloud keeps for ep, independent of
	// DeleteShadow's registry deletion. Unsubscribe calls this
	// unconditionally so deregistering ep (spec.md §8) never leaves a
	// connected session or a running refresh timer for an endpoint no
	// longer in the registry. Clouds that share one session across every
	// device (Watson, IoT Hub, the generic broker) have nothing per-device
	// to tear down and implement this as a no-op.
	CloseSession(ep string)
}

// Config configures the generic processor, mirroring the keys spec.md §6
// lists as core configuration.
type Config struct {
	Domain            string
	AutoSubscribe     bool // mqtt_obs_auto_subscribe
	DeleteOnDeregister bool
	MaxRetries        int
	LockWaitMs        int // lock_wait_ms for the command-dispatch critical section
	DraftFormat       bool
	TenantID          string // for draft-format topic rewrite
}

// Processor is the generic MQTT processor base (spec.md §4.1, "Generic
// MQTT processor (base)" in the component table).
type Processor struct {
	cfg    Config
	hooks  CloudHooks
	orch   orchestrator.Orchestrator
	reg    *endpoint.Registry
	keys   *endpoint.KeyLock
	subs   *subscription.Manager
	async  *asyncresp.Correlator
	reqIDs model.RequestIDSequence

	mu      sync.Mutex // serializes request-id issuance
	dialect sync.Mutex // command-dispatch critical section (spec.md §5)

	defaultSession *transport.Session
}

// New builds a Processor. reg/subs/async are injected so multiple
// processors sharing a domain can share the subscription manager and
// correlator if the deployment calls for it; normally each processor owns
// its own.
func New(cfg Config, hooks CloudHooks, orch orchestrator.Orchestrator, reg *endpoint.Registry, subs *subscription.Manager, async *asyncresp.Correlator) *Processor {
	return &Processor{
		cfg:   cfg,
		hooks: hooks,
		orch:  orch,
		reg:   reg,
		keys:  endpoint.NewKeyLock(),
		subs:  subs,
		async: async,
	}
}

// InitListener establishes the default session, subscribes to the request
// topic filter, and starts the receive loop (spec.md §4.1). Per-device
// clouds pass an empty default topic filter here and rely on per-endpoint
// subscriptions instead; sess may be nil for those.
func (p *Processor) InitListener(ctx context.Context, sess *transport.Session) error {
	if sess == nil {
		return nil
	}
	p.defaultSession = sess
	filter := p.hooks.RequestTopicFilter()
	if filter == "" {
		return nil
	}
	return sess.Subscribe(filter, 1, p.OnMessageReceive)
}

// StopListener closes the default session. Idempotent.
func (p *Processor) StopListener() {
	if p.defaultSession != nil {
		p.defaultSession.Close()
	}
}

// OnMessageReceive is the receive-loop callback (spec.md §4.1). It never
// panics out to the caller: transport.Session already recovers around the
// paho callback, but errors here are contained and logged, matching the
// "receive-loop callbacks must never let an exception escape" policy
// (spec.md §7).
func (p *Processor) OnMessageReceive(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("mqttproc: onMessageReceive panic on topic %s: %v", topic, r)
		}
	}()

	var envelope map[string]interface{}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		logging.Warnf("mqttproc: malformed message on %s: %v", topic, err)
		return
	}

	if _, isAPIRequest := envelope["api_verb"]; isAPIRequest {
		p.handleAPIRequest(topic, envelope)
		return
	}
	p.handlePeerMessage(topic, envelope)
}

func (p *Processor) handleAPIRequest(topic string, envelope map[string]interface{}) {
	req := model.ApiRequest{
		URI:         stringField(envelope, "api_uri"),
		Data:        stringField(envelope, "api_request_data"),
		Options:     stringField(envelope, "api_options"),
		Verb:        stringField(envelope, "api_verb"),
		Key:         stringField(envelope, "api_key"),
		CallerID:    stringField(envelope, "api_caller_id"),
		ContentType: stringField(envelope, "api_content_type"),
	}
	req.RequestID = p.nextRequestID()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := p.orch.ProcessApiRequest(ctx, req)
	if err != nil {
		logging.Warnf("mqttproc: api request %d failed: %v", req.RequestID, err)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		logging.Errorf("mqttproc: marshal api response %d: %v", req.RequestID, err)
		return
	}
	replyTopic := p.hooks.ReplyTopicFor("", "", topic)
	if err := p.SendMessage(replyTopic, body); err != nil {
		logging.Warnf("mqttproc: publish api response %d to %s: %v", req.RequestID, replyTopic, err)
	}
}

func (p *Processor) nextRequestID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqIDs.Next()
}

// handlePeerMessage routes an inbound CoAP command: decode, dispatch under
// the command critical section, then publish or register an async record
// (spec.md §4.1's "base peer message path", §4.2's async handling, §5's
// command-dispatch critical section).
func (p *Processor) handlePeerMessage(topic string, envelope map[string]interface{}) {
	ep, ok := p.hooks.EndpointFromTopic(topic)
	if !ok {
		ep = stringField(envelope, "ep")
	}
	verb, ok := p.hooks.VerbFromTopic(topic)
	if !ok {
		verb = model.CoapVerb(stringField(envelope, "coap_verb"))
	}
	uri, ok := p.hooks.URIFromTopic(topic)
	if !ok {
		uri = stringField(envelope, "path")
	}
	if ep == "" || uri == "" {
		logging.Warnf("mqttproc: could not decode command from topic %s", topic)
		return
	}

	cmd := model.CoapCommand{
		Path:     uri,
		Verb:     verb,
		NewValue: stringField(envelope, "new_value"),
		Ep:       ep,
		Options:  stringField(envelope, "options"),
	}

	ept, _ := p.reg.EpType(ep)
	replyTopic := p.hooks.ReplyTopicFor(ep, ept, topic)

	ctx, cancel := p.acquireDispatchLock()
	defer cancel()

	result, err := p.orch.ProcessEndpointResource(ctx, cmd)
	if err != nil {
		logging.Warnf("mqttproc: command dispatch for %s %s failed: %v", ep, uri, err)
		return
	}

	if result.IsAsyncResponse() {
		rec := model.AsyncRecord{
			AsyncID:    result.AsyncID,
			Verb:       verb,
			ReplyTopic: replyTopic,
			EpName:     ep,
			URI:        uri,
		}
		p.async.Register(rec)
		return
	}
	if verb == model.VerbGET {
		obs := p.hooks.CreateObservation(verb, ep, uri, result.Payload)
		p.publishObservation(replyTopic, obs)
	}
}

// acquireDispatchLock implements spec.md §5's command-dispatch critical
// section: bounded wait, then retry indefinitely if unacquirable.
func (p *Processor) acquireDispatchLock() (context.Context, func()) {
	wait := time.Duration(p.cfg.LockWaitMs) * time.Millisecond
	if wait <= 0 {
		wait = 2500 * time.Millisecond
	}
	acquired := make(chan struct{})
	go func() {
		p.dialect.Lock()
		close(acquired)
	}()
	for {
		select {
		case <-acquired:
			ctx, cancel := context.WithCancel(context.Background())
			return ctx, func() {
				cancel()
				p.dialect.Unlock()
			}
		case <-time.After(wait):
			logging.Warnf("mqttproc: command-dispatch lock not acquired within %s, retrying", wait)
		}
	}
}

// CompleteAsyncResponse is called when the backend emits a completion
// carrying a previously-registered async-id (spec.md §4.5). It publishes
// exactly once.
func (p *Processor) CompleteAsyncResponse(asyncID, payloadB64 string) {
	rec, ok := p.async.Take(asyncID)
	if !ok {
		logging.Debugf("mqttproc: completion for unknown async-id %s dropped", asyncID)
		return
	}
	obs := asyncresp.FormatAsyncResponseAsReply(rec, payloadB64)
	p.publishObservation(rec.ReplyTopic, obs)
}

func (p *Processor) publishObservation(topic string, obs model.ObservationPayload) {
	body, err := json.Marshal(obs)
	if err != nil {
		logging.Errorf("mqttproc: marshal observation for %s: %v", topic, err)
		return
	}
	if err := p.SendMessage(topic, body); err != nil {
		logging.Warnf("mqttproc: publish observation to %s: %v", topic, err)
	}
}

// SendMessage publishes on the default session (spec.md §4.1). When draft
// MQTT format is enabled, the topic and body are rewritten to the
// tenant-scoped CBOR envelope.
func (p *Processor) SendMessage(topic string, payload []byte) error {
	if p.defaultSession == nil {
		return fmt.Errorf("mqttproc: no default session")
	}
	if p.cfg.DraftFormat {
		var err error
		topic, payload, err = rewriteDraftFormat(p.cfg.TenantID, topic, payload)
		if err != nil {
			return err
		}
	}
	return p.defaultSession.Publish(topic, 1, payload)
}

// ProcessRegistration implements spec.md §4.1's processRegistration:
// iterate data[key] as endpoints, (re)subscribe observable resources, and
// kick off metadata retrieval.
func (p *Processor) ProcessRegistration(ctx context.Context, data map[string]interface{}, key string) {
	entries, _ := data[key].([]interface{})
	for _, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		ep, _ := entry["ep"].(string)
		ept, _ := entry["ept"].(string)
		if ep == "" {
			continue
		}
		p.registerEndpoint(ctx, ep, ept, entry)
	}
}

func (p *Processor) registerEndpoint(ctx context.Context, ep, ept string, entry map[string]interface{}) {
	unlock := p.keys.Lock(ep)
	defer unlock()

	if p.reg.Get(ep) == nil {
		if _, err := p.subscribeLocked(ctx, ep, ept, p.OnMessageReceive); err != nil {
			logging.Warnf("mqttproc: subscribe(%s) during registration: %v", ep, err)
			return
		}
	}

	resources, _ := entry["resources"].([]interface{})
	for _, raw := range resources {
		res, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		path, _ := res["path"].(string)
		if path == "" {
			continue
		}
		observable := res["obs"] == "true" || res["obs"] == true
		subKey := model.SubscriptionKey{Domain: p.cfg.Domain, EpName: ep, EpType: ept, Resource: path}

		if p.subs.Contains(subKey) {
			p.subscribeResource(ctx, ep, ept, path)
		} else if observable && p.cfg.AutoSubscribe {
			p.subscribeResource(ctx, ep, ept, path)
		}
		p.subs.Put(subKey, observable)
	}

	if err := p.orch.PullDeviceMetadata(ctx, ep); err != nil {
		logging.Warnf("mqttproc: retrieveEndpointAttributes(%s): %v", ep, err)
	}
}

func (p *Processor) subscribeResource(ctx context.Context, ep, ept, path string) {
	if err := p.orch.SubscribeToEndpointResource(ctx, ep, path); err != nil {
		logging.Warnf("mqttproc: subscribe %s%s: %v", ep, path, err)
	}
}

// ProcessReRegistration implements spec.md §4.1's processReRegistration:
// an endpoint with no recorded subscriptions is treated as a fresh
// registration; otherwise it is a no-op.
func (p *Processor) ProcessReRegistration(ctx context.Context, data map[string]interface{}) {
	entries, _ := data["reg-updates"].([]interface{})
	for _, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		ep, _ := entry["ep"].(string)
		ept, _ := entry["ept"].(string)
		if ep == "" {
			continue
		}
		if !p.subs.HasAny(ep) {
			p.registerEndpoint(ctx, ep, ept, entry)
		}
	}
}

// ProcessDeregistrations returns the affected endpoint names and, when the
// delete-on-deregister policy is set, also deletes each device (spec.md
// §4.1).
func (p *Processor) ProcessDeregistrations(ctx context.Context, data map[string]interface{}) []string {
	names := stringList(data["de-registrations"])
	for _, ep := range names {
		p.Unsubscribe(ep)
		if p.cfg.DeleteOnDeregister {
			p.deleteDevice(ctx, ep)
		}
	}
	return names
}

// ProcessDeviceDeletions returns the affected endpoint names and tears
// down every device listed (spec.md §4.1).
func (p *Processor) ProcessDeviceDeletions(ctx context.Context, data map[string]interface{}) []string {
	names := stringList(data["registrations-expired"])
	for _, ep := range names {
		p.deleteDevice(ctx, ep)
	}
	return names
}

func (p *Processor) deleteDevice(ctx context.Context, ep string) {
	p.Unsubscribe(ep)
	if err := p.hooks.DeleteShadow(ctx, ep); err != nil {
		logging.Warnf("mqttproc: deleteShadow(%s): %v", ep, err)
	}
}

// Subscribe implements spec.md §4.1's subscribe operation: validate or
// create the MQTT session for ep via the CloudHooks creator, store
// topic_data in the endpoint map, and subscribe to every topic.
func (p *Processor) Subscribe(ctx context.Context, ep, ept string, handler transport.MessageHandler) (*transport.Session, error) {
	unlock := p.keys.Lock(ep)
	defer unlock()
	return p.subscribeLocked(ctx, ep, ept, handler)
}

// subscribeLocked is Subscribe's body, callable from code that already
// holds ep's key lock (registerEndpoint does, since it must serialize the
// whole registration, not just the session creation).
func (p *Processor) subscribeLocked(ctx context.Context, ep, ept string, handler transport.MessageHandler) (*transport.Session, error) {
	topics, err := p.hooks.CreateEndpointTopicData(ep, ept)
	if err != nil {
		return nil, fmt.Errorf("mqttproc: createEndpointTopicData(%s): %w", ep, err)
	}
	sess, err := p.hooks.CreateAndStartMQTTForEndpoint(ctx, ep, ept)
	if err != nil {
		return nil, fmt.Errorf("mqttproc: createAndStartMQTTForEndpoint(%s): %w", ep, err)
	}

	e := model.NewEndpoint(ep, ept)
	e.Topics = topics
	if err := p.reg.Put(e); err != nil {
		return nil, err
	}

	for verb, topic := range topics {
		if verb == model.TopicGET || verb == model.TopicPUT || verb == model.TopicPOST || verb == model.TopicDELETE || verb == model.TopicConfig {
			if err := sess.Subscribe(topic, 1, handler); err != nil {
				logging.Warnf("mqttproc: subscribe %s for %s: %v", topic, ep, err)
			}
		}
	}
	return sess, nil
}

// Unsubscribe implements spec.md §4.1's unsubscribe operation: unsubscribe
// every topic string, remove the endpoint-map entry, clear the ep→ept
// mapping. Idempotent (spec.md §8's round-trip property).
func (p *Processor) Unsubscribe(ep string) {
	e := p.reg.Get(ep)
	if e == nil {
		return
	}
	if p.defaultSession != nil {
		if err := p.defaultSession.Unsubscribe(e.Topics.Strings()...); err != nil {
			logging.Warnf("mqttproc: unsubscribe(%s): %v", ep, err)
		}
	}
	p.hooks.CloseSession(ep)
	p.subs.RemoveEndpoint(ep)
	p.reg.Remove(ep)
}

func stringField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := model.CoerceJSONValue(v).(string)
	return s
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
