package bridgehttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	endpoints int
	byCloud   map[string]int
	pending   int
}

func (f fakeStatus) EndpointCount() int               { return f.endpoints }
func (f fakeStatus) EndpointsByCloud() map[string]int { return f.byCloud }
func (f fakeStatus) PendingAsyncCount() int           { return f.pending }

func TestHealthz(t *testing.T) {
	r := NewRouter(fakeStatus{}, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthzIgnoresAdminKey(t *testing.T) {
	r := NewRouter(fakeStatus{}, "secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusWithoutAdminKeyConfigured(t *testing.T) {
	r := NewRouter(fakeStatus{endpoints: 3, byCloud: map[string]int{"watson": 3}, pending: 1}, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["endpoints"])
	assert.Equal(t, float64(1), body["pending_async"])
	assert.Equal(t, map[string]interface{}{"watson": float64(3)}, body["endpoints_by_cloud"])
}

func TestStatusRejectsMissingOrWrongAdminKey(t *testing.T) {
	r := NewRouter(fakeStatus{}, "secret")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusAcceptsCorrectAdminKey(t *testing.T) {
	r := NewRouter(fakeStatus{endpoints: 1, byCloud: map[string]int{}}, "secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotFound(t *testing.T) {
	r := NewRouter(fakeStatus{}, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
