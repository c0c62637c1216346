// Package jwtrefresh mints per-device signed tokens and schedules their
// rotation before expiry (spec.md §4.3), grounded on the
// jwt.NewWithClaims(...).SignedString pattern the teacher's simulation
// coordinator uses to sign a device-scoped JWT.
package jwtrefresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/model"
)

// deviceClaims is the JWT claim set spec.md §4.3 specifies:
// {iat: now, exp: now + jwt_expiration_secs, aud: project_id}.
type deviceClaims struct {
	jwt.RegisteredClaims
}

// Mint signs a fresh RS256 token for privateKey, valid for expirationSecs
// seconds and scoped to audience (the cloud project id).
func Mint(privateKey []byte, audience string, expirationSecs int) (model.Credential, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKey)
	if err != nil {
		return model.Credential{}, fmt.Errorf("jwtrefresh: parse private key: %w", err)
	}
	now := time.Now()
	expiry := now.Add(time.Duration(expirationSecs) * time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			Audience:  jwt.ClaimStrings{audience},
		},
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return model.Credential{}, fmt.Errorf("jwtrefresh: sign token: %w", err)
	}
	return model.Credential{
		Token:      signed,
		Expiry:     expiry,
		PrivateKey: privateKey,
	}, nil
}

// Reconnector performs the disconnect/reconnect/resubscribe dance around a
// refreshed credential for one device (spec.md §4.3 steps b-g). It is
// supplied by the per-cloud processor since only it knows how to build a
// new session and which topics to resubscribe.
type Reconnector interface {
	StopReceiveLoop(ep string)
	Disconnect(ep string)
	Reconnect(ctx context.Context, ep string, cred model.Credential) error
	Resubscribe(ep string) error
	StartReceiveLoop(ep string)
}

// MintFunc mints the next credential for ep given its current private key.
type MintFunc func(ep string, privateKey []byte, audience string, expirationSecs int) (model.Credential, error)

// Scheduler runs one refresh timer per device (spec.md §4.3, "per-device
// session clouds").
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*refresher
	reconn  Reconnector
	mint    MintFunc
	maxRet  int
	waitMs  int
	slack   time.Duration
	aud     string
	expSecs int
}

type refresher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Config carries the scheduler's tunables (spec.md §3, §6).
type Config struct {
	MaxRetries      int
	RefreshWaitMs   int // jwt_refresh_wait_ms
	RefreshSlack    time.Duration
	Audience        string // project_id
	ExpirationSecs  int
}

// NewScheduler builds a Scheduler. mint defaults to jwtrefresh.Mint when
// nil, letting tests inject a deterministic signer.
func NewScheduler(cfg Config, reconn Reconnector, mint MintFunc) *Scheduler {
	if mint == nil {
		mint = func(_ string, privateKey []byte, audience string, expirationSecs int) (model.Credential, error) {
			return Mint(privateKey, audience, expirationSecs)
		}
	}
	return &Scheduler{
		timers:  make(map[string]*refresher),
		reconn:  reconn,
		mint:    mint,
		maxRet:  cfg.MaxRetries,
		waitMs:  cfg.RefreshWaitMs,
		slack:   cfg.RefreshSlack,
		aud:     cfg.Audience,
		expSecs: cfg.ExpirationSecs,
	}
}

// Schedule arms (or re-arms) the refresh timer for ep so it fires at
// cred.RefreshAt(slack).
func (s *Scheduler) Schedule(ep string, cred model.Credential) {
	s.Stop(ep)

	fireAt := cred.RefreshAt(s.slack)
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.timers[ep] = &refresher{cancel: cancel, done: done}
	s.mu.Unlock()

	go func() {
		defer close(done)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.refresh(ctx, ep, cred.PrivateKey)
		}
	}()
}

// refresh implements spec.md §4.3's steps (a)-(g). On success it
// re-arms itself for the newly minted credential's own expiry.
func (s *Scheduler) refresh(ctx context.Context, ep string, privateKey []byte) {
	s.reconn.StopReceiveLoop(ep)
	s.reconn.Disconnect(ep)

	var cred model.Credential
	var err error
	retries := s.maxRet
	if retries <= 0 {
		retries = 5
	}
	wait := time.Duration(s.waitMs) * time.Millisecond
	if wait <= 0 {
		wait = time.Second
	}

	for attempt := 0; attempt < retries; attempt++ {
		cred, err = s.mint(ep, privateKey, s.aud, s.expSecs)
		if err == nil {
			err = s.reconn.Reconnect(ctx, ep, cred)
		}
		if err == nil {
			break
		}
		logging.Warnf("jwtrefresh: attempt %d/%d for %s failed: %v", attempt+1, retries, ep, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait * time.Duration(1<<uint(attempt))):
		}
	}
	if err != nil {
		logging.Errorf("jwtrefresh: giving up reconnecting %s after %d attempts: %v", ep, retries, err)
		return
	}

	if err := s.reconn.Resubscribe(ep); err != nil {
		logging.Errorf("jwtrefresh: resubscribe %s after refresh: %v", ep, err)
	}
	s.reconn.StartReceiveLoop(ep)
	s.Schedule(ep, cred)
}

// Stop cancels the refresh timer for ep, if any. Safe to call on an
// endpoint with no timer (spec.md §5 cancellation requirement:
// "safe to call on an already-stopped target").
func (s *Scheduler) Stop(ep string) {
	s.mu.Lock()
	r, ok := s.timers[ep]
	delete(s.timers, ep)
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// StopAll cancels every outstanding timer, used on shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	eps := make([]string, 0, len(s.timers))
	for ep := range s.timers {
		eps = append(eps, ep)
	}
	s.mu.Unlock()
	for _, ep := range eps {
		s.Stop(ep)
	}
}
