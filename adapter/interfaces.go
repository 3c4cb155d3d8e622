package tradovate

import (
	"context"
	"time"
)

// ============================================================================
// INTERFACES - Capability-typed collaborators of the session manager
// ============================================================================
// The session composes these instead of inheriting from a common base:
// - AuthClient talks HTTP to the auth endpoints
// - Heartbeater is anything with a keep-alive write path (the socket channel)
// - Clock lets timing-sensitive code run against a fixed time in tests
// ============================================================================

// AuthClient performs the HTTP token calls and maps responses to typed outcomes.
type AuthClient interface {
	RequestToken(ctx context.Context, creds Credentials) (TokenInfo, error)
	RenewToken(ctx context.Context, bearer string) (TokenInfo, error)
	Me(ctx context.Context, bearer string) (*UserProfile, error)
}

// Heartbeater sends one keep-alive frame. A returned error means the connection is lost.
type Heartbeater interface {
	Heartbeat() error
}

// Clock returns the current time.
type Clock func() time.Time
