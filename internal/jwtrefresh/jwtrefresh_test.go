package jwtrefresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

type fakeReconnector struct {
	mu          sync.Mutex
	stopped     []string
	disconn     []string
	reconnected []string
	resubbed    []string
	started     []string
	reconnErr   error
}

func (f *fakeReconnector) StopReceiveLoop(ep string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ep)
}
func (f *fakeReconnector) Disconnect(ep string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconn = append(f.disconn, ep)
}
func (f *fakeReconnector) Reconnect(ctx context.Context, ep string, cred model.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnected = append(f.reconnected, ep)
	return f.reconnErr
}
func (f *fakeReconnector) Resubscribe(ep string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resubbed = append(f.resubbed, ep)
	return nil
}
func (f *fakeReconnector) StartReceiveLoop(ep string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, ep)
}

func fakeMint(expiry time.Duration) MintFunc {
	return func(ep string, privateKey []byte, audience string, expirationSecs int) (model.Credential, error) {
		return model.Credential{Token: "tok-" + ep, Expiry: time.Now().Add(expiry)}, nil
	}
}

func TestScheduleFiresRefreshAndRearms(t *testing.T) {
	reconn := &fakeReconnector{}
	s := NewScheduler(Config{RefreshWaitMs: 1}, reconn, fakeMint(50*time.Millisecond))

	cred := model.Credential{Expiry: time.Now().Add(5 * time.Millisecond)}
	s.Schedule("d1", cred)

	require.Eventually(t, func() bool {
		reconn.mu.Lock()
		defer reconn.mu.Unlock()
		return len(reconn.reconnected) >= 1
	}, time.Second, 5*time.Millisecond)

	reconn.mu.Lock()
	defer reconn.mu.Unlock()
	assert.Equal(t, []string{"d1"}, reconn.stopped)
	assert.Equal(t, []string{"d1"}, reconn.disconn)
	assert.Equal(t, []string{"d1"}, reconn.reconnected)
	assert.Equal(t, []string{"d1"}, reconn.resubbed)
	assert.Equal(t, []string{"d1"}, reconn.started)

	s.StopAll()
}

func TestStopCancelsBeforeFire(t *testing.T) {
	reconn := &fakeReconnector{}
	s := NewScheduler(Config{}, reconn, fakeMint(time.Minute))

	cred := model.Credential{Expiry: time.Now().Add(time.Hour)}
	s.Schedule("d1", cred)
	s.Stop("d1")

	time.Sleep(20 * time.Millisecond)
	reconn.mu.Lock()
	defer reconn.mu.Unlock()
	assert.Empty(t, reconn.reconnected)
}

func TestStopIsIdempotentOnUnknownEndpoint(t *testing.T) {
	s := NewScheduler(Config{}, &fakeReconnector{}, fakeMint(time.Minute))
	s.Stop("never-scheduled")
	s.StopAll()
}

func TestRefreshGivesUpAfterMaxRetries(t *testing.T) {
	reconn := &fakeReconnector{reconnErr: assertErr{}}
	s := NewScheduler(Config{MaxRetries: 2, RefreshWaitMs: 1}, reconn, fakeMint(time.Minute))

	cred := model.Credential{Expiry: time.Now().Add(5 * time.Millisecond)}
	s.Schedule("d1", cred)

	require.Eventually(t, func() bool {
		reconn.mu.Lock()
		defer reconn.mu.Unlock()
		return len(reconn.reconnected) >= 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	reconn.mu.Lock()
	defer reconn.mu.Unlock()
	assert.Empty(t, reconn.resubbed, "resubscribe must not run once retries are exhausted")
}

type assertErr struct{}

func (assertErr) Error() string { return "reconnect failed" }
