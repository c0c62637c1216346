// Package transport wraps github.com/eclipse/paho.mqtt.golang into the
// shape the bridge needs: a Session per MQTT connection that knows how to
// resubscribe everything on reconnect, generalizing the teacher's
// web-backend newMQTTClient/listenMQTTEvents (single shared client) to
// support the per-device sessions spec.md §4.2 requires for Google.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
)

// MessageHandler receives one (topic, payload) tuple from the receive
// loop (spec.md §2's "Receive loop" component).
type MessageHandler func(topic string, payload []byte)

// Credentials configures how a Session authenticates.
type Credentials struct {
	Username string
	Password string
	TLS      *tls.Config
}

// Config describes one MQTT session.
type Config struct {
	ClientID        string
	Brokers         []string
	Credentials     Credentials
	CleanSession    bool
	ConnectTimeout  time.Duration
	ReconnectSleep  time.Duration
	ProtocolVersion uint
}

// Session is one MQTT connection. It remembers every successful
// subscription so it can be replayed after a reconnect, matching the
// on-connect resubscribe behavior of haylesnortal's iothub Transport and
// the state-machine invariant in spec.md §4.2 ("on every successful
// transition into Connected, the processor re-subscribes to the full
// topic_string_list").
type Session struct {
	mu     sync.RWMutex
	client mqtt.Client
	subs   map[string]MessageHandler
	cfg    Config
}

// NewSession constructs a Session and connects it. The caller owns
// calling Close when done.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("mqtt: no brokers configured")
	}
	s := &Session{
		subs: make(map[string]MessageHandler),
		cfg:  cfg,
	}

	opts := mqtt.NewClientOptions().
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Credentials.Username).
		SetPassword(cfg.Credentials.Password).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if cfg.ProtocolVersion != 0 {
		opts.SetProtocolVersion(cfg.ProtocolVersion)
	}
	if cfg.ReconnectSleep > 0 {
		opts.SetMaxReconnectInterval(cfg.ReconnectSleep)
	}
	if cfg.Credentials.TLS != nil {
		opts.SetTLSConfig(cfg.Credentials.TLS)
	}
	for _, b := range cfg.Brokers {
		opts.AddBroker(b)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logging.Debugf("mqtt session %s connected, resubscribing %d topics", cfg.ClientID, s.subCount())
		s.resubscribe()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logging.Warnf("mqtt session %s lost connection: %v", cfg.ClientID, err)
	})

	s.client = mqtt.NewClient(opts)
	if err := waitToken(ctx, s.client.Connect(), cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.ClientID, err)
	}
	return s, nil
}

func (s *Session) subCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Session) resubscribe() {
	s.mu.RLock()
	subs := make(map[string]MessageHandler, len(s.subs))
	for topic, h := range s.subs {
		subs[topic] = h
	}
	s.mu.RUnlock()
	for topic, h := range subs {
		if err := s.subscribeNow(topic, h); err != nil {
			logging.Errorf("mqtt session %s: resubscribe %s failed: %v", s.cfg.ClientID, topic, err)
		}
	}
}

// Subscribe registers topic with handler and remembers it for replay on
// reconnect.
func (s *Session) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := s.subscribeNowQoS(topic, qos, handler); err != nil {
		return err
	}
	s.mu.Lock()
	s.subs[topic] = handler
	s.mu.Unlock()
	return nil
}

func (s *Session) subscribeNow(topic string, handler MessageHandler) error {
	return s.subscribeNowQoS(topic, 1, handler)
}

func (s *Session) subscribeNowQoS(topic string, qos byte, handler MessageHandler) error {
	token := s.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("mqtt session %s: receive callback panicked: %v", s.cfg.ClientID, r)
			}
		}()
		handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	return token.Error()
}

// Unsubscribe removes the topic and forgets it for reconnect replay. It is
// idempotent: unsubscribing an unknown topic is a no-op success, matching
// the "not in list, OK" round-trip property from spec.md §8.
func (s *Session) Unsubscribe(topics ...string) error {
	s.mu.Lock()
	for _, t := range topics {
		delete(s.subs, t)
	}
	s.mu.Unlock()
	if s.client == nil || !s.client.IsConnected() {
		return nil
	}
	token := s.client.Unsubscribe(topics...)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe: timeout")
	}
	return token.Error()
}

// Publish sends payload to topic and waits for the publish to complete.
func (s *Session) Publish(topic string, qos byte, payload []byte) error {
	token := s.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// Connected reports whether the underlying client believes it's connected.
func (s *Session) Connected() bool {
	return s.client != nil && s.client.IsConnected()
}

// Close disconnects the session. Idempotent and safe to call more than
// once (spec.md §5 cancellation requirement).
func (s *Session) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		token.WaitTimeout(timeout)
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
