package tradovate

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the auth client, the socket channel and the session manager.
// Callers branch on them with errors.Is.
var (
	ErrTimeout           = errors.New("request timed out waiting for response")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrNotAuthorized     = errors.New("socket channel not authorized")
	ErrNotAuthenticated  = errors.New("session not authenticated")
	ErrAlreadyAuthorized = errors.New("session already authorized or authorizing")
	ErrTokenExpired      = errors.New("access token expired")
)

// TransportError reports a network failure, a non-2xx HTTP status or a response body
// that could not be understood.
type TransportError struct {
	Op         string // "accesstokenrequest", "renewaccesstoken", "me"
	StatusCode int    // 0 when no HTTP response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvalidCredentialsError is returned when the broker rejects the identity (errorText in body).
type InvalidCredentialsError struct {
	Message string
}

func (e *InvalidCredentialsError) Error() string {
	return "invalid credentials: " + e.Message
}

// RateLimitedError is returned when the broker throttles login attempts with a penalty ticket.
type RateLimitedError struct {
	Ticket          string
	Wait            time.Duration
	CaptchaRequired bool
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("unable to login due to rate limiting. ticket: %s, %d seconds. captcha required: %t",
		e.Ticket, int(e.Wait/time.Second), e.CaptchaRequired)
}

// OpenFailureError means the socket could not be opened or the "o" handshake frame never arrived.
type OpenFailureError struct {
	URL    string
	Reason string
	Err    error
}

func (e *OpenFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("websocket open failed (%s): %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("websocket open failed (%s): %s", e.URL, e.Reason)
}

func (e *OpenFailureError) Unwrap() error { return e.Err }

// AuthorizationFailureError means the socket-level authorize frame was answered with a non-200 status.
type AuthorizationFailureError struct {
	Status int
}

func (e *AuthorizationFailureError) Error() string {
	return fmt.Sprintf("websocket authorization rejected with status %d", e.Status)
}
