package tradovate

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TokenSnapshot is one consistent view of the session credentials.
type TokenSnapshot struct {
	AccessToken string
	MarketToken string
	ExpiresAt   time.Time
	IssuedAt    time.Time
}

// TokenStore holds the current bearer and market tokens. Updates replace the whole
// snapshot under a write lock so readers never see a half-updated pair.
type TokenStore struct {
	mu       sync.RWMutex
	snapshot TokenSnapshot
	now      Clock
}

// NewTokenStore creates an empty store. A nil clock uses time.Now.
func NewTokenStore(now Clock) *TokenStore {
	if now == nil {
		now = time.Now
	}
	return &TokenStore{now: now}
}

// Update replaces the snapshot with a freshly issued token.
func (s *TokenStore) Update(info TokenInfo) error {
	if info.AccessToken == "" {
		return fmt.Errorf("token update rejected: empty access token")
	}

	issuedAt := s.now()
	if !info.ExpiresAt.After(issuedAt) {
		return fmt.Errorf("token update rejected: expiration %v is not after issue time %v",
			info.ExpiresAt, issuedAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = TokenSnapshot{
		AccessToken: info.AccessToken,
		MarketToken: info.MarketToken,
		ExpiresAt:   info.ExpiresAt,
		IssuedAt:    issuedAt,
	}
	return nil
}

// Clear drops the current snapshot.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = TokenSnapshot{}
}

// Snapshot returns a copy of the current tokens.
func (s *TokenStore) Snapshot() TokenSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *TokenStore) AccessToken() string {
	return s.Snapshot().AccessToken
}

func (s *TokenStore) MarketToken() string {
	return s.Snapshot().MarketToken
}

func (s *TokenStore) ExpiresAt() time.Time {
	return s.Snapshot().ExpiresAt
}

// Authenticated reports whether a bearer token is held.
func (s *TokenStore) Authenticated() bool {
	return s.AccessToken() != ""
}

// RemainingValidity returns expiresAt - now - offset. Negative once inside the offset window.
func (s *TokenStore) RemainingValidity(offset time.Duration) time.Duration {
	expiresAt := s.ExpiresAt()
	if expiresAt.IsZero() {
		return 0
	}
	return expiresAt.Sub(s.now()) - offset
}

// Expired reports whether the token is gone or expires within offset.
func (s *TokenStore) Expired(offset time.Duration) bool {
	if !s.Authenticated() {
		return true
	}
	return s.RemainingValidity(offset) <= 0
}

// Token implements oauth2.TokenSource so REST calls can ride on the session's bearer token.
func (s *TokenStore) Token() (*oauth2.Token, error) {
	snap := s.Snapshot()
	if snap.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}
	return &oauth2.Token{
		AccessToken: snap.AccessToken,
		TokenType:   "Bearer",
		Expiry:      snap.ExpiresAt,
	}, nil
}
