// Package google is the Google Cloud IoT Core per-cloud processor
// (spec.md §4.2): one MQTT session per device because each JWT is
// device-scoped, topic templates rooted at /devices/<device_id>/..., and
// a credential-refresh state machine driven by internal/jwtrefresh.
package google

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/jwtrefresh"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/transport"
)

// State is a per-device session's position in the reconnect state machine
// (spec.md §4.2).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRefreshing
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateRefreshing:
		return "Refreshing"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// PrivateKeyProvider resolves the signing key for a device, sourced from
// whatever out-of-scope provisioning store holds it (spec.md §1 lists
// "X.509 key generation" as an external collaborator).
type PrivateKeyProvider func(ep string) ([]byte, error)

// Config is the Google-specific template and connection configuration
// (spec.md §4.2, §6's google_cloud_* keys).
type Config struct {
	ProjectID       string
	Region          string
	Registry        string
	MqttHost        string
	MqttPort        int
	ProtocolVersion uint
	JWTExpirationSecs int
	RefreshSlackSecs  int
	MaxRetries        int
	RefreshWaitMs     int
	ConnectRetries    int
}

// Processor implements mqttproc.CloudHooks for Google Cloud IoT Core.
type Processor struct {
	cfg     Config
	keys    PrivateKeyProvider
	handler transport.MessageHandler

	mu       sync.Mutex
	sessions map[string]*transport.Session
	states   map[string]State

	refresh       *jwtrefresh.Scheduler
	shadowDeleter ShadowDeleter
}

// New builds a Google processor. handler receives every inbound config
// message for every device session.
func New(cfg Config, keys PrivateKeyProvider, handler transport.MessageHandler) *Processor {
	p := &Processor{
		cfg:      cfg,
		keys:     keys,
		handler:  handler,
		sessions: make(map[string]*transport.Session),
		states:   make(map[string]State),
	}
	p.refresh = jwtrefresh.NewScheduler(jwtrefresh.Config{
		MaxRetries:     cfg.MaxRetries,
		RefreshWaitMs:  cfg.RefreshWaitMs,
		RefreshSlack:   time.Duration(cfg.RefreshSlackSecs) * time.Second,
		Audience:       cfg.ProjectID,
		ExpirationSecs: cfg.JWTExpirationSecs,
	}, p, nil)
	return p
}

// SetMessageHandler sets the callback used for every device session's
// config-topic subscription. Needed because the mqttproc.Processor that
// owns the handler (Processor.OnMessageReceive) is constructed after this
// CloudHooks implementation, which it depends on.
func (p *Processor) SetMessageHandler(h transport.MessageHandler) {
	p.handler = h
}

// deviceClientID builds the MQTT client-id Cloud IoT Core expects.
func (p *Processor) deviceClientID(ep string) string {
	return fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s",
		p.cfg.ProjectID, p.cfg.Region, p.cfg.Registry, ep)
}

func (p *Processor) setState(ep string, s State) {
	p.mu.Lock()
	p.states[ep] = s
	p.mu.Unlock()
}

// State reports ep's current connection state.
func (p *Processor) State(ep string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[ep]
}

// CreateAndStartMQTTForEndpoint dials a fresh per-device MQTT session
// bound to a newly minted JWT (spec.md §4.2 "session topology").
func (p *Processor) CreateAndStartMQTTForEndpoint(ctx context.Context, ep, ept string) (*transport.Session, error) {
	p.setState(ep, StateConnecting)

	privateKey, err := p.keys(ep)
	if err != nil {
		p.setState(ep, StateDisconnected)
		return nil, fmt.Errorf("google: private key for %s: %w", ep, err)
	}
	cred, err := jwtrefresh.Mint(privateKey, p.cfg.ProjectID, p.cfg.JWTExpirationSecs)
	if err != nil {
		p.setState(ep, StateDisconnected)
		return nil, fmt.Errorf("google: mint jwt for %s: %w", ep, err)
	}

	sess, err := transport.NewSession(ctx, transport.Config{
		ClientID:     p.deviceClientID(ep),
		Brokers:      []string{fmt.Sprintf("ssl://%s:%d", p.cfg.MqttHost, p.cfg.MqttPort)},
		Credentials:  transport.Credentials{Username: "unused", Password: cred.Token, TLS: &tls.Config{MinVersion: tls.VersionTLS12}},
		CleanSession: true,
		ProtocolVersion: p.cfg.ProtocolVersion,
	})
	if err != nil {
		p.setState(ep, StateDisconnected)
		return nil, fmt.Errorf("google: connect %s: %w", ep, err)
	}

	p.mu.Lock()
	p.sessions[ep] = sess
	p.mu.Unlock()
	p.setState(ep, StateConnected)
	p.refresh.Schedule(ep, cred)

	configTopic := p.configTopic(ep)
	if err := sess.Subscribe(configTopic, 1, p.handler); err != nil {
		logging.Warnf("google: subscribe %s for %s: %v", configTopic, ep, err)
	}
	return sess, nil
}

func (p *Processor) eventsTopic(ep string) string { return fmt.Sprintf("/devices/%s/events", ep) }
func (p *Processor) stateTopic(ep string) string  { return fmt.Sprintf("/devices/%s/state", ep) }
func (p *Processor) configTopic(ep string) string { return fmt.Sprintf("/devices/%s/config", ep) }

// CreateEndpointTopicData implements createEndpointTopicData for Google:
// events/state are publish topics, config is the subscribe topic
// (spec.md §6).
func (p *Processor) CreateEndpointTopicData(ep, ept string) (model.TopicSet, error) {
	return model.TopicSet{
		model.TopicEvent:  p.eventsTopic(ep),
		model.TopicState:  p.stateTopic(ep),
		model.TopicConfig: p.configTopic(ep),
	}, nil
}

// CreateObservation wraps nothing additional for Google (spec.md §4.2:
// "Google wraps nothing additional").
func (p *Processor) CreateObservation(verb model.CoapVerb, ep, uri string, value interface{}) model.ObservationPayload {
	return model.ObservationPayload{Path: uri, Ep: ep, Value: value, CoapVerb: verb}
}

// EndpointFromTopic extracts the device id from /devices/<id>/... .
func (p *Processor) EndpointFromTopic(topic string) (string, bool) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) >= 2 && parts[0] == "devices" {
		return parts[1], true
	}
	return "", false
}

// VerbFromTopic has no positional verb in Google's topic layout: every
// config message is a PUT by convention.
func (p *Processor) VerbFromTopic(topic string) (model.CoapVerb, bool) {
	if strings.HasSuffix(topic, "/config") {
		return model.VerbPUT, true
	}
	return "", false
}

// URIFromTopic has no positional URI; the resource path travels in the
// JSON body for Google.
func (p *Processor) URIFromTopic(topic string) (string, bool) { return "", false }

// ReplyTopicFor returns the state topic: Google's convention for
// reflecting a command's result back is the device's state channel.
func (p *Processor) ReplyTopicFor(ep, ept, defaultTopic string) string {
	if ep == "" {
		return defaultTopic
	}
	return p.stateTopic(ep)
}

// RequestTopicFilter is empty: Google has no shared default session to
// subscribe an API-request wildcard on; every session is per-device.
func (p *Processor) RequestTopicFilter() string { return "" }

// ShadowDeleter removes a device from the Cloud IoT Core device registry.
// The registry CRUD lives in internal/provisioning/google, out of this
// package's CloudHooks scope (spec.md §1 lists provisioning SDKs as out of
// scope for the core); the caller wires that provisioning client in via
// WithShadowDeleter instead of this package importing it directly. With no
// deleter set, DeleteShadow only closes the device's session.
type ShadowDeleter interface {
	DeleteDevice(ctx context.Context, ep string) error
}

func (p *Processor) WithShadowDeleter(d ShadowDeleter) *Processor {
	p.shadowDeleter = d
	return p
}

func (p *Processor) DeleteShadow(ctx context.Context, ep string) error {
	p.CloseSession(ep)
	if p.shadowDeleter == nil {
		return nil
	}
	return p.shadowDeleter.DeleteDevice(ctx, ep)
}

// CloseSession closes ep's per-device MQTT session and stops its
// credential-refresh timer. Unlike DeleteShadow, this never touches the
// Cloud IoT Core device registry: it is called unconditionally on
// deregistration (mqttproc.Processor.Unsubscribe), whether or not the
// delete-on-deregister policy also removes the device from the registry,
// so a deregistered device never leaves a connected session or a running
// refresh timer behind (spec.md §8).
func (p *Processor) CloseSession(ep string) {
	p.mu.Lock()
	sess := p.sessions[ep]
	delete(p.sessions, ep)
	delete(p.states, ep)
	p.mu.Unlock()
	p.refresh.Stop(ep)
	if sess != nil {
		sess.Close()
	}
}

// Reconnector implementation (consumed by internal/jwtrefresh.Scheduler).

func (p *Processor) StopReceiveLoop(ep string) {
	p.setState(ep, StateRefreshing)
}

func (p *Processor) Disconnect(ep string) {
	p.mu.Lock()
	sess := p.sessions[ep]
	p.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (p *Processor) Reconnect(ctx context.Context, ep string, cred model.Credential) error {
	sess, err := transport.NewSession(ctx, transport.Config{
		ClientID:        p.deviceClientID(ep),
		Brokers:         []string{fmt.Sprintf("ssl://%s:%d", p.cfg.MqttHost, p.cfg.MqttPort)},
		Credentials:     transport.Credentials{Username: "unused", Password: cred.Token, TLS: &tls.Config{MinVersion: tls.VersionTLS12}},
		CleanSession:    true,
		ProtocolVersion: p.cfg.ProtocolVersion,
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sessions[ep] = sess
	p.mu.Unlock()
	return nil
}

// Resubscribe re-issues the config-topic subscription after a refresh, the
// invariant spec.md §4.2/§8 requires ("on every successful transition into
// Connected, re-subscribes to the full topic_string_list").
func (p *Processor) Resubscribe(ep string) error {
	p.mu.Lock()
	sess := p.sessions[ep]
	p.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("google: no session for %s", ep)
	}
	return sess.Subscribe(p.configTopic(ep), 1, p.handler)
}

func (p *Processor) StartReceiveLoop(ep string) {
	p.setState(ep, StateConnected)
}
