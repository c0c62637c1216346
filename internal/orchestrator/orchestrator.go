// Package orchestrator is the facade the per-cloud processors call into
// (spec.md §2's "Orchestrator facade"). Each processor holds a non-owning
// reference to an Orchestrator to invoke these operations;
// HTTPOrchestrator itself keeps no reference back to the processors.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

// Orchestrator is the interface a per-cloud processor consumes. It is
// deliberately small: the backend REST surface, CoAP details and
// shadow-metadata store behind it are out of scope (spec.md §1).
type Orchestrator interface {
	// ProcessApiRequest dispatches a tunneled bridge-administration
	// REST call and returns its response body (spec.md §4.1, scenario 5).
	ProcessApiRequest(ctx context.Context, req model.ApiRequest) (model.ApiResponse, error)

	// ProcessEndpointResource dispatches a CoAP command to the backend.
	// The returned Result may be synchronous (Async==false) or carry an
	// async-id the caller should correlate (spec.md §4.2).
	ProcessEndpointResource(ctx context.Context, cmd model.CoapCommand) (Result, error)

	// SubscribeToEndpointResource asks the backend to start observing a
	// resource (spec.md §2).
	SubscribeToEndpointResource(ctx context.Context, ep, path string) error

	// PullDeviceMetadata retrieves endpoint attributes asynchronously
	// following registration (spec.md §4.1 retrieveEndpointAttributes).
	PullDeviceMetadata(ctx context.Context, ep string) error
}

// Result is what the backend call for a CoAP command returned.
type Result struct {
	Async    bool
	AsyncID  string
	Payload  string // base64, for synchronous GET results
	RawBody  string
	HTTPCode int
}

// IsAsyncResponse implements spec.md §4.2's isAsyncResponse predicate:
// true exactly when the backend handed back an async-response-id instead
// of a synchronous result.
func (r Result) IsAsyncResponse() bool { return r.Async && r.AsyncID != "" }

// HTTPOrchestrator talks to the device-management backend's REST API over
// plain net/http, the way the teacher's device-management handlers call
// out to Cloud IoT Core — here the backend plays that role instead.
type HTTPOrchestrator struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPOrchestrator returns an Orchestrator bound to baseURL.
func NewHTTPOrchestrator(baseURL, apiKey string) *HTTPOrchestrator {
	return &HTTPOrchestrator{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *HTTPOrchestrator) ProcessApiRequest(ctx context.Context, req model.ApiRequest) (model.ApiResponse, error) {
	body, err := o.do(ctx, req.Verb, req.URI, []byte(req.Data))
	if err != nil {
		return model.ApiResponse{RequestID: req.RequestID, Status: http.StatusBadGateway}, err
	}
	return model.ApiResponse{RequestID: req.RequestID, Status: http.StatusOK, Body: string(body)}, nil
}

func (o *HTTPOrchestrator) ProcessEndpointResource(ctx context.Context, cmd model.CoapCommand) (Result, error) {
	body, err := o.do(ctx, string(cmd.Verb), fmt.Sprintf("/endpoints/%s%s", cmd.Ep, cmd.Path), []byte(cmd.NewValue))
	if err != nil {
		return Result{}, err
	}
	var parsed struct {
		AsyncResponseID string `json:"async-response-id"`
		Payload         string `json:"payload"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		logging.Warnf("orchestrator: malformed response for %s %s: %v", cmd.Verb, cmd.Path, err)
		return Result{RawBody: string(body)}, nil
	}
	if parsed.AsyncResponseID != "" {
		return Result{Async: true, AsyncID: parsed.AsyncResponseID}, nil
	}
	return Result{Payload: parsed.Payload, RawBody: string(body)}, nil
}

func (o *HTTPOrchestrator) SubscribeToEndpointResource(ctx context.Context, ep, path string) error {
	_, err := o.do(ctx, http.MethodPut, fmt.Sprintf("/subscriptions/%s%s", ep, path), nil)
	return err
}

func (o *HTTPOrchestrator) PullDeviceMetadata(ctx context.Context, ep string) error {
	_, err := o.do(ctx, http.MethodGet, fmt.Sprintf("/endpoints/%s", ep), nil)
	return err
}

func (o *HTTPOrchestrator) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, o.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if o.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return respBody, fmt.Errorf("orchestrator: %s %s: status %d", method, path, resp.StatusCode)
	}
	return respBody, nil
}
