package tradovate

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestTokenStore_Update(t *testing.T) {
	clock := newFakeClock()
	store := NewTokenStore(clock.Now)

	if store.Authenticated() {
		t.Fatal("New store should not be authenticated")
	}

	err := store.Update(TokenInfo{
		AccessToken: "access",
		MarketToken: "md",
		ExpiresAt:   clock.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	snap := store.Snapshot()
	if snap.AccessToken != "access" || snap.MarketToken != "md" {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
	if !snap.IssuedAt.Equal(clock.now) {
		t.Errorf("Expected issuedAt %v, got %v", clock.now, snap.IssuedAt)
	}
	if !store.Authenticated() {
		t.Error("Store should be authenticated after update")
	}
}

func TestTokenStore_UpdateRejectsInvalid(t *testing.T) {
	clock := newFakeClock()
	store := NewTokenStore(clock.Now)
	store.Update(TokenInfo{AccessToken: "keep", ExpiresAt: clock.now.Add(time.Hour)})

	if err := store.Update(TokenInfo{ExpiresAt: clock.now.Add(time.Hour)}); err == nil {
		t.Error("Expected empty access token to be rejected")
	}
	if err := store.Update(TokenInfo{AccessToken: "stale", ExpiresAt: clock.now}); err == nil {
		t.Error("Expected expiration at issue time to be rejected")
	}

	if store.AccessToken() != "keep" {
		t.Errorf("Rejected update must not change the snapshot, got %s", store.AccessToken())
	}
}

func TestTokenStore_RemainingValidity(t *testing.T) {
	clock := newFakeClock()
	store := NewTokenStore(clock.Now)

	if got := store.RemainingValidity(0); got != 0 {
		t.Errorf("Empty store should report zero validity, got %v", got)
	}

	store.Update(TokenInfo{AccessToken: "a", ExpiresAt: clock.now.Add(15 * time.Minute)})

	if got := store.RemainingValidity(10 * time.Minute); got != 5*time.Minute {
		t.Errorf("Expected 5m, got %v", got)
	}

	clock.Advance(7 * time.Minute)
	if got := store.RemainingValidity(10 * time.Minute); got != -2*time.Minute {
		t.Errorf("Expected -2m inside the margin, got %v", got)
	}
	if !store.Expired(10 * time.Minute) {
		t.Error("Expected token to count as expired inside the offset")
	}
	if store.Expired(0) {
		t.Error("Token should not be expired without offset")
	}

	clock.Advance(10 * time.Minute)
	if !store.Expired(0) {
		t.Error("Token should be expired after expiresAt")
	}
}

func TestTokenStore_TokenSource(t *testing.T) {
	clock := newFakeClock()
	store := NewTokenStore(clock.Now)

	if _, err := store.Token(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}

	expiresAt := clock.now.Add(time.Hour)
	store.Update(TokenInfo{AccessToken: "bearer", ExpiresAt: expiresAt})

	tok, err := store.Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok.AccessToken != "bearer" || tok.Type() != "Bearer" || !tok.Expiry.Equal(expiresAt) {
		t.Errorf("Unexpected oauth2 token: %+v", tok)
	}

	store.Clear()
	if store.Authenticated() || !store.ExpiresAt().IsZero() {
		t.Error("Clear should drop the snapshot")
	}
}
