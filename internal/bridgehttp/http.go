// Package bridgehttp is the bridge's admin/health HTTP surface: /healthz
// for liveness, /status for an authenticated snapshot of live endpoint and
// async-correlation counts per cloud. The response writers and middleware
// chain are grounded on the teacher's http.go (writeJSON/writeErrMsg,
// loggerResponseWriter, requestLoggerMiddleware, recoverPanicMiddleware),
// routed with gorilla/mux the way the teacher's own main.go already does.
package bridgehttp

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
)

type jsonObj map[string]interface{}

func writeJSON(rw http.ResponseWriter, val interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(val); err != nil {
		logging.Infoln("failed to write response:", err)
	}
}

func writeErrMsg(rw http.ResponseWriter, code int, msg string) {
	rw.WriteHeader(code)
	writeJSON(rw, jsonObj{"error": msg})
}

type loggerResponseWriter struct {
	http.ResponseWriter
	code int
}

func newLoggerResponseWriter(rw http.ResponseWriter) *loggerResponseWriter {
	return &loggerResponseWriter{ResponseWriter: rw, code: -1}
}

func (rw *loggerResponseWriter) WriteHeader(code int) {
	if rw.code < 0 {
		rw.code = code
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *loggerResponseWriter) Write(data []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	return rw.ResponseWriter.Write(data)
}

func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		logrw := newLoggerResponseWriter(rw)
		next.ServeHTTP(logrw, r)
		logging.Infof("%s %s %d %s", r.Proto, r.Method, logrw.code, r.URL.String())
	})
}

func recoverPanicMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Errorf("panic occurred: %v, stacktrace: %s", rec, string(debug.Stack()))
				writeErrMsg(wr, http.StatusInternalServerError, "something went wrong")
			}
		}()
		next.ServeHTTP(wr, r)
	})
}

func notFoundHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		writeErrMsg(rw, http.StatusNotFound, "not found")
	})
}

func methodNotAllowedHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		writeErrMsg(rw, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// requireAdminKey gates a handler behind a Bearer token comparison against
// adminKey. An empty adminKey leaves the route open, matching how
// cfg.AdminAPIKey defaults to "" for single-operator/local deployments that
// have no separate secret to manage.
func requireAdminKey(adminKey string, next http.Handler) http.Handler {
	if adminKey == "" {
		return next
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != adminKey {
			writeErrMsg(rw, http.StatusUnauthorized, "missing or invalid admin token")
			return
		}
		next.ServeHTTP(rw, r)
	})
}

// StatusProvider reports the bridge's live counters for /status,
// implemented by the per-cloud registry/correlator aggregation in
// cmd/bridge.
type StatusProvider interface {
	EndpointCount() int
	EndpointsByCloud() map[string]int
	PendingAsyncCount() int
}

// NewRouter builds the bridge's HTTP surface: /healthz for liveness (no
// auth, so orchestrators can probe it unconditionally), /status for a
// per-cloud JSON snapshot of in-memory state behind adminKey, every route
// wrapped by the logging and panic-recovery middleware.
func NewRouter(status StatusProvider, adminKey string) http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = notFoundHandler()
	r.MethodNotAllowedHandler = methodNotAllowedHandler()

	r.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, jsonObj{"status": "ok"})
	}).Methods(http.MethodGet)

	r.Handle("/status", requireAdminKey(adminKey, http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, jsonObj{
			"endpoints":          status.EndpointCount(),
			"endpoints_by_cloud": status.EndpointsByCloud(),
			"pending_async":      status.PendingAsyncCount(),
		})
	}))).Methods(http.MethodGet)

	r.Use(recoverPanicMiddleware)
	r.Use(requestLoggerMiddleware)
	return r
}
