// Package asyncresp is the async-response correlator (spec.md §3, §4.5):
// it records outstanding CoAP async ids and resumes them when the backend
// emits the matching completion, formatting the result as an observation
// published to the stored reply topic.
package asyncresp

import (
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

// Correlator is keyed by async_id (spec.md §4.5 invariant: every recorded
// AsyncRecord is delivered exactly once or times out).
type Correlator struct {
	mu      sync.Mutex
	records map[string]model.AsyncRecord
	now     func() time.Time
}

// New returns an empty Correlator.
func New() *Correlator {
	return &Correlator{
		records: make(map[string]model.AsyncRecord),
		now:     time.Now,
	}
}

// Register stores rec, only if its verb is GET or PUT — other verbs'
// asyncs are dropped by policy (spec.md §4.2: "we do not bridge HTTP
// status back").
func (c *Correlator) Register(rec model.AsyncRecord) bool {
	if rec.Verb != model.VerbGET && rec.Verb != model.VerbPUT {
		logging.Debugf("dropping async record for verb %s (async-id %s): not bridged", rec.Verb, rec.AsyncID)
		return false
	}
	rec.CreatedAt = c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.AsyncID] = rec
	return true
}

// Take removes and returns the record for asyncID, if any.
func (c *Correlator) Take(asyncID string) (model.AsyncRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[asyncID]
	if ok {
		delete(c.records, asyncID)
	}
	return rec, ok
}

// Pending returns the number of outstanding records, for diagnostics.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// SweepExpired removes and returns every record older than maxAge. Policy
// is not specified by spec.md §4.5 (timeouts are "not required for
// correctness"); callers that care about bounding memory should run this
// periodically.
func (c *Correlator) SweepExpired(maxAge time.Duration) []model.AsyncRecord {
	cutoff := c.now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []model.AsyncRecord
	for id, rec := range c.records {
		if rec.CreatedAt.Before(cutoff) {
			expired = append(expired, rec)
			delete(c.records, id)
		}
	}
	return expired
}

// FormatAsyncResponseAsReply implements spec.md §4.5's
// formatAsyncResponseAsReply: for GET, base64-decode payload and place the
// decoded value (numeric when it parses as one, per spec.md §8 scenario 1)
// in value; for PUT, do the same, or fall back to the async-id placeholder
// when payload is empty.
func FormatAsyncResponseAsReply(rec model.AsyncRecord, payloadB64 string) model.ObservationPayload {
	obs := model.ObservationPayload{
		Path:     rec.URI,
		Ep:       rec.EpName,
		CoapVerb: rec.Verb,
	}
	switch rec.Verb {
	case model.VerbGET:
		obs.Value = decodeOrEmpty(payloadB64)
	case model.VerbPUT:
		if payloadB64 == "" {
			obs.Value = rec.AsyncID
		} else {
			obs.Value = decodeOrEmpty(payloadB64)
		}
	}
	return obs
}

func decodeOrEmpty(payloadB64 string) interface{} {
	if payloadB64 == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		logging.Warnf("failed to decode async reply payload: %v", err)
		return ""
	}
	s := string(decoded)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
