package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

func TestIsAsyncResponse(t *testing.T) {
	assert.True(t, Result{Async: true, AsyncID: "x"}.IsAsyncResponse())
	assert.False(t, Result{Async: true}.IsAsyncResponse())
	assert.False(t, Result{Async: false, AsyncID: "x"}.IsAsyncResponse())
}

func TestProcessEndpointResourceAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/endpoints/d1/3303/0/5700", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"async-response-id":"async-1"}`))
	}))
	defer srv.Close()

	o := NewHTTPOrchestrator(srv.URL, "key")
	result, err := o.ProcessEndpointResource(context.Background(), model.CoapCommand{Ep: "d1", Path: "/3303/0/5700", Verb: model.VerbPUT})
	require.NoError(t, err)
	assert.True(t, result.IsAsyncResponse())
	assert.Equal(t, "async-1", result.AsyncID)
}

func TestProcessEndpointResourceSynchronous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"payload":"MjkuNzU="}`))
	}))
	defer srv.Close()

	o := NewHTTPOrchestrator(srv.URL, "")
	result, err := o.ProcessEndpointResource(context.Background(), model.CoapCommand{Ep: "d1", Path: "/3303/0/5700", Verb: model.VerbGET})
	require.NoError(t, err)
	assert.False(t, result.IsAsyncResponse())
	assert.Equal(t, "MjkuNzU=", result.Payload)
}

func TestProcessApiRequestReturnsErrorOnBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := NewHTTPOrchestrator(srv.URL, "")
	_, err := o.ProcessApiRequest(context.Background(), model.ApiRequest{RequestID: 1, Verb: "GET", URI: "/x"})
	assert.Error(t, err)
}

func TestSubscribeAndPullDeviceMetadata(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	o := NewHTTPOrchestrator(srv.URL, "")
	require.NoError(t, o.SubscribeToEndpointResource(context.Background(), "d1", "/3303/0/5700"))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/subscriptions/d1/3303/0/5700", gotPath)

	require.NoError(t, o.PullDeviceMetadata(context.Background(), "d1"))
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/endpoints/d1", gotPath)
}
