package longpoll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollDispatchesNonEmptyBody(t *testing.T) {
	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"notifications":[]}`))
	}))
	defer srv.Close()

	reader := NewReader(srv.URL, "secret", func(body []byte) {
		mu.Lock()
		got = body
		mu.Unlock()
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go reader.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.JSONEq(t, `{"notifications":[]}`, string(got))
}

func TestPollSkipsDispatchOnUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	called := false
	reader := NewReader(srv.URL, "bad-key", func([]byte) { called = true })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	reader.poll(ctx)
	assert.False(t, called)
}

func TestPollContinuesOnGoneWithoutDispatching(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	called := false
	reader := NewReader(srv.URL, "dead-key", func([]byte) { called = true })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	reader.poll(ctx)
	assert.False(t, called)
}

// TestRunKeepsPollingAfterGone pins spec.md §8 scenario 6: a 410 Gone
// response is logged as critical but, as with 401 and every other status,
// the loop keeps running instead of giving up, since create-a-new-key
// recovery happens out of band.
func TestRunKeepsPollingAfterGone(t *testing.T) {
	var mu sync.Mutex
	requests := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	reader := NewReader(srv.URL, "dead-key", func([]byte) {})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	reader.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, requests, 1, "reader should keep polling past a 410 instead of stopping")
}

func TestDispatchPanicIsRecovered(t *testing.T) {
	reader := &Reader{Dispatch: func([]byte) { panic("boom") }}
	assert.NotPanics(t, func() { reader.safeDispatch([]byte("x")) })
}
