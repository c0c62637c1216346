// Package longpoll is the backend registration long-poll reader (spec.md
// §4.4): a single task that blocks on a GET to the backend's notification
// channel in an unbounded loop, dispatching non-empty bodies to a
// callback, grounded on the teacher's httputil.go request-building
// pattern (http.NewRequestWithContext + status-code branching).
package longpoll

import (
	"context"
	"io"
	"net/http"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
)

// Dispatcher receives a non-empty long-poll response body (spec.md §4.4's
// processDeviceServerMessage).
type Dispatcher func(body []byte)

// Reader runs the long-poll loop against one backend notification-channel
// URL.
type Reader struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	Dispatch   Dispatcher
}

// NewReader builds a Reader with a client tuned for a long-lived GET: no
// overall request timeout (the server holds the connection open), but a
// dial/TLS handshake timeout via the default transport.
func NewReader(url, apiKey string, dispatch Dispatcher) *Reader {
	return &Reader{
		URL:        url,
		APIKey:     apiKey,
		HTTPClient: &http.Client{},
		Dispatch:   dispatch,
	}
}

// Run loops until ctx is cancelled. It never exits on a non-fatal status
// code (spec.md §4.4: "the loop does not exit on non-fatal codes").
func (r *Reader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.poll(ctx)
	}
}

func (r *Reader) poll(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		logging.Errorf("longpoll: build request: %v", err)
		return
	}
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Warnf("longpoll: request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadRequest:
		logging.Warnf("longpoll: API key already has callback webhook")
		return
	case http.StatusUnauthorized:
		logging.Warnf("longpoll: unauthorized, check key")
		return
	case http.StatusGone:
		logging.Criticalf("longpoll: pull channel dead, create a new key")
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logging.Warnf("longpoll: read response body: %v", err)
		return
	}
	if len(body) == 0 {
		return
	}
	r.safeDispatch(body)
}

func (r *Reader) safeDispatch(body []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Errorf("longpoll: dispatch panicked: %v", rec)
		}
	}()
	r.Dispatch(body)
}
