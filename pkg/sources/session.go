package sources

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"arisbot/internal/util"
)

// ErrNotConfigured is returned by adapters missing credentials or endpoints.
var ErrNotConfigured = errors.New("source not configured")

// Credential is an upstream session value (cookie header, token) and the
// time after which it must not be used.
type Credential struct {
	Value  string
	Expiry time.Time
}

// LoginFunc performs a fresh upstream login.
type LoginFunc func(ctx context.Context) (Credential, error)

// Session caches one credential per adapter. Concurrent callers that find
// it missing, expired or rejected share a single in-flight login.
type Session struct {
	name   string
	login  LoginFunc
	margin time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	current Credential
	group   singleflight.Group
}

// NewSession builds a session renewing margin before the credential expiry.
func NewSession(name string, margin time.Duration, login LoginFunc) *Session {
	return &Session{
		name:   name,
		login:  login,
		margin: margin,
		now:    time.Now,
	}
}

// Get returns a usable credential, logging in when none is cached.
func (s *Session) Get(ctx context.Context) (string, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur.Value != "" && s.now().Add(s.margin).Before(cur.Expiry) {
		return cur.Value, nil
	}
	return s.Renew(ctx, cur.Value)
}

// Renew replaces stale with a fresh credential. If another caller already
// replaced it, the newer credential is returned without a second login.
func (s *Session) Renew(ctx context.Context, stale string) (string, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur.Value != "" && cur.Value != stale && s.now().Add(s.margin).Before(cur.Expiry) {
		return cur.Value, nil
	}

	// The login outlives any single caller so one cancelled request does
	// not fail everyone waiting on it.
	loginCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan("login", func() (any, error) {
		cred, err := s.login(loginCtx)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.current = cred
		s.mu.Unlock()
		util.LoggerFromContext(loginCtx).Info("source_login", "source", s.name, "expires_at", cred.Expiry)
		return cred.Value, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops stale if it is still the cached credential.
func (s *Session) Invalidate(stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Value == stale {
		s.current = Credential{}
	}
}
