// Package model holds the data shapes shared across the bridge: endpoints,
// topic sets, API requests, CoAP commands, async records and the canonical
// observation payload.
package model

import (
	"encoding/base64"
	"fmt"
	"time"
)

// CoapVerb is one of the LwM2M/CoAP verbs the bridge can dispatch or
// receive a notification for.
type CoapVerb string

const (
	VerbGET    CoapVerb = "GET"
	VerbPUT    CoapVerb = "PUT"
	VerbPOST   CoapVerb = "POST"
	VerbDELETE CoapVerb = "DELETE"
)

// TopicVerb enumerates the named channels a TopicSet can bind, beyond the
// plain CoAP verbs: API requests/responses and the observation channels.
type TopicVerb string

const (
	TopicGET    TopicVerb = "GET"
	TopicPUT    TopicVerb = "PUT"
	TopicPOST   TopicVerb = "POST"
	TopicDELETE TopicVerb = "DELETE"
	TopicAPI    TopicVerb = "API"
	TopicConfig TopicVerb = "CONFIG"
	TopicState  TopicVerb = "STATE"
	TopicEvent  TopicVerb = "EVENT"
)

// TopicSet maps a verb to the concrete topic string a per-cloud processor
// computed for one endpoint. Some verbs are subscribe (inbound commands),
// some are publish (outbound observations/state/responses); that policy
// lives with the per-cloud processor, not here.
type TopicSet map[TopicVerb]string

// Strings returns every topic string in the set, used when subscribing or
// unsubscribing in bulk.
func (t TopicSet) Strings() []string {
	out := make([]string, 0, len(t))
	for _, topic := range t {
		out = append(out, topic)
	}
	return out
}

// Credential is either a long-lived username/password pair or a
// short-lived signed token with an expiry.
type Credential struct {
	Username string
	Password string

	Token      string
	Expiry     time.Time
	PrivateKey []byte // signing key for minting the next token
}

// IsJWT reports whether this credential is the short-lived token variant.
func (c Credential) IsJWT() bool {
	return !c.Expiry.IsZero()
}

// RefreshAt returns when the credential-refresh scheduler should fire:
// expiry minus refreshSlack (spec.md §3 invariant:
// refreshSlack <= jwtExpiration-1h, enforced by the caller that picks
// refreshSlack).
func (c Credential) RefreshAt(refreshSlack time.Duration) time.Time {
	return c.Expiry.Add(-refreshSlack)
}

// Endpoint is a device known to the backend, mirrored cloud-side.
type Endpoint struct {
	EpName          string
	EpType          string
	Credential      Credential
	Topics          TopicSet
	SubscribedPaths map[string]struct{}
}

// NewEndpoint creates an Endpoint with its subscribed-path set initialized.
func NewEndpoint(epName, epType string) *Endpoint {
	return &Endpoint{
		EpName:          epName,
		EpType:          epType,
		SubscribedPaths: make(map[string]struct{}),
	}
}

// ApiRequest is extracted from an API-request envelope tunneled over MQTT
// (spec.md §3, §4.1, §6).
type ApiRequest struct {
	RequestID   int
	URI         string
	Data        string
	Options     string
	Verb        string
	Key         string
	CallerID    string
	ContentType string
}

// ApiResponse is the JSON envelope returned for an ApiRequest.
type ApiResponse struct {
	RequestID int    `json:"request_id"`
	Status    int    `json:"status"`
	Body      string `json:"body,omitempty"`
}

// CoapCommand is either carried explicitly in a message body or derived
// from positional topic segments by the per-cloud processor.
type CoapCommand struct {
	Path     string
	Verb     CoapVerb
	NewValue string
	Ep       string
	Options  string
}

// AsyncRecord correlates an outstanding CoAP async response with the
// MQTT reply topic it must eventually be published to (spec.md §3, §4.5).
type AsyncRecord struct {
	AsyncID         string
	Verb            CoapVerb
	ReplyTopic      string
	OriginalTopic   string
	OriginalMessage []byte
	EpName          string
	URI             string
	CreatedAt       time.Time
}

// ObservationPayload is the canonical shape emitted to every cloud
// (spec.md §3). The unified-format fields are only populated when that
// feature is enabled by the caller.
type ObservationPayload struct {
	Path     string      `json:"path"`
	Ep       string      `json:"ep"`
	Value    interface{} `json:"value"`
	CoapVerb CoapVerb    `json:"coap_verb"`

	ResourceID string `json:"resourceId,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	Payload    string `json:"payload,omitempty"`
	Method     string `json:"method,omitempty"`
}

// WithUnifiedFormat returns a copy of the observation with the unified
// format keys filled in (resourceId without leading slash, deviceId,
// base64 payload of the string form of value, method=verb).
func (o ObservationPayload) WithUnifiedFormat() ObservationPayload {
	out := o
	out.ResourceID = trimLeadingSlash(o.Path)
	out.DeviceID = o.Ep
	out.Payload = base64.StdEncoding.EncodeToString([]byte(fmt.Sprint(o.Value)))
	out.Method = string(o.CoapVerb)
	return out
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

// SubscriptionKey uniquely identifies one observed resource.
type SubscriptionKey struct {
	Domain   string
	EpName   string
	EpType   string
	Resource string
}

// RequestIDSequence implements the API-request-id counter from spec.md
// §4.1: starts at 0, increments before returning, wraps to 1 (never 0)
// once it would reach 32768. Not required to be monotonic across restarts
// and not safe for concurrent use without external locking (callers hold
// the processor's own mutex, see internal/mqttproc).
type RequestIDSequence struct {
	current int
}

// Next returns the next request id in [1, 32767].
func (s *RequestIDSequence) Next() int {
	s.current++
	if s.current >= 32768 {
		s.current = 1
	}
	return s.current
}
