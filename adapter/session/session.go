package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	tradovate "github.com/bjoelf/tradovate-adapter/adapter"
	"github.com/bjoelf/tradovate-adapter/adapter/websocket"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// State is the lifecycle position of a Manager.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateRenewing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRenewing:
		return "renewing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChangeHandler observes transitions. It runs outside the manager's locks.
type StateChangeHandler func(from, to State)

// Manager owns one authenticated Tradovate session: the token lifecycle over HTTP and the
// authorized socket channel, kept alive by heartbeats and, optionally, token renewal.
//
//	Unauthenticated -> Authenticating -> Authenticated <-> Renewing
//	any failure -> Unauthenticated, Close -> Closed (terminal)
type Manager struct {
	id      string
	cfg     tradovate.Config
	auth    tradovate.AuthClient
	store   *tradovate.TokenStore
	logger  *slog.Logger
	metrics *Metrics

	renewal   *tradovate.RenewalScheduler
	heartbeat *tradovate.HeartbeatScheduler

	// opMu serializes Authorize, Close and failure teardown.
	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastErr      error
	userID       int64
	channel      *websocket.Channel
	handlers     map[websocket.EventCategory]websocket.EventHandler
	stateChanges []StateChangeHandler
}

// NewManager creates an unauthenticated session. A nil auth uses the HTTP client for
// cfg.BaseURL, nil metrics are kept private.
func NewManager(cfg tradovate.Config, auth tradovate.AuthClient, logger *slog.Logger, metrics *Metrics) *Manager {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	id := uuid.NewString()
	logger = logger.With("session_id", id)
	if auth == nil {
		auth = tradovate.NewHTTPAuthClient(cfg, nil, logger)
	}

	m := &Manager{
		id:       id,
		cfg:      cfg,
		auth:     auth,
		store:    tradovate.NewTokenStore(nil),
		logger:   logger,
		metrics:  metrics,
		state:    StateUnauthenticated,
		handlers: make(map[websocket.EventCategory]websocket.EventHandler),
	}

	m.renewal = tradovate.NewRenewalScheduler(auth, m.store, cfg, tradovate.RenewalHooks{
		OnFiring:  m.renewalFiring,
		OnRenewed: m.renewalSucceeded,
		OnFailure: m.renewalFailed,
	}, logger)
	m.heartbeat = tradovate.NewHeartbeatScheduler(cfg.HeartbeatInterval, tradovate.HeartbeatHooks{
		OnBeat:    metrics.observeHeartbeat,
		OnFailure: m.heartbeatFailed,
	}, logger)

	metrics.setState(StateUnauthenticated)
	return m
}

// Authorize requests a token, opens the socket and authorizes it with the market data
// token. On success heartbeats run; renewal runs only when autoRenew is set. On failure
// the session is back to Unauthenticated with no socket and no schedulers.
func (m *Manager) Authorize(ctx context.Context, creds tradovate.Credentials, autoRenew bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return tradovate.ErrConnectionClosed
	case StateUnauthenticated:
	default:
		m.mu.Unlock()
		return tradovate.ErrAlreadyAuthorized
	}
	m.lastErr = nil
	from := m.transitionLocked(StateAuthenticating)
	m.mu.Unlock()
	m.notify(from, StateAuthenticating)

	m.logger.Info("Authorizing session",
		"function", "Authorize",
		"user", creds.Name,
		"auto_renew", autoRenew)

	info, err := m.auth.RequestToken(ctx, creds)
	if err != nil {
		return m.abortAuthorize(fmt.Errorf("request access token: %w", err))
	}
	if err := m.store.Update(info); err != nil {
		return m.abortAuthorize(err)
	}

	ch, err := websocket.Dial(ctx, m.cfg.WebSocketURL, websocket.Config{
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		RequestTimeout:   m.cfg.RequestTimeout,
		Logger:           m.logger,
		Handlers:         m.handlersSnapshot(),
	})
	if err != nil {
		return m.abortAuthorize(err)
	}
	ch.OnClose(func(err error) { m.channelClosed(ch, err) })

	if err := ch.Authorize(ctx, info.MarketToken); err != nil {
		ch.Close()
		return m.abortAuthorize(err)
	}

	m.mu.Lock()
	m.channel = ch
	m.userID = info.UserID
	from = m.transitionLocked(StateAuthenticated)
	m.mu.Unlock()

	m.heartbeat.Start(ch)
	if autoRenew {
		m.renewal.Start()
	}
	m.notify(from, StateAuthenticated)

	m.logger.Info("Session authenticated",
		"function", "Authorize",
		"user_id", info.UserID,
		"channel_id", ch.ID(),
		"expires_at", info.ExpiresAt)
	return nil
}

// AuthorizeFromConfig authorizes with the configured credentials and renewal policy.
func (m *Manager) AuthorizeFromConfig(ctx context.Context) error {
	return m.Authorize(ctx, m.cfg.Credentials, m.cfg.AutoRenew)
}

func (m *Manager) abortAuthorize(err error) error {
	m.store.Clear()

	m.mu.Lock()
	m.lastErr = err
	from := m.transitionLocked(StateUnauthenticated)
	m.mu.Unlock()
	m.notify(from, StateUnauthenticated)

	m.logger.Error("Session authorization failed",
		"function", "Authorize",
		"error", err)
	return err
}

// Request sends one request over the authorized channel and waits for its response.
func (m *Manager) Request(ctx context.Context, path string, query map[string]string, body interface{}) (*websocket.Response, error) {
	m.mu.Lock()
	state, ch := m.state, m.channel
	m.mu.Unlock()

	switch state {
	case StateAuthenticated, StateRenewing:
	case StateClosed:
		return nil, tradovate.ErrConnectionClosed
	default:
		return nil, tradovate.ErrNotAuthenticated
	}
	if m.store.Expired(m.cfg.RequestGuard) {
		m.metrics.observeRequest("error")
		return nil, tradovate.ErrTokenExpired
	}

	m.metrics.pending.Inc()
	defer m.metrics.pending.Dec()

	resp, err := ch.Request(ctx, path, query, body)
	switch {
	case errors.Is(err, tradovate.ErrTimeout):
		m.metrics.observeRequest("timeout")
	case err != nil:
		m.metrics.observeRequest("error")
	case !resp.OK():
		m.metrics.observeRequest("rejected")
	default:
		m.metrics.observeRequest("ok")
	}
	return resp, err
}

// Close stops both schedulers, closes the socket and clears the tokens. The session
// cannot be used afterwards. Safe to call more than once.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	ch := m.channel
	m.channel = nil
	from := m.transitionLocked(StateClosed)
	m.mu.Unlock()

	m.renewal.Stop()
	m.heartbeat.Stop()
	if ch != nil {
		ch.Close()
	}
	m.store.Clear()
	m.notify(from, StateClosed)

	m.logger.Info("Session closed",
		"function", "Close")
	return nil
}

// fail drops an authenticated session to Unauthenticated after a renewal or transport failure.
func (m *Manager) fail(err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state != StateAuthenticated && m.state != StateRenewing {
		m.mu.Unlock()
		return
	}
	ch := m.channel
	m.channel = nil
	m.lastErr = err
	from := m.transitionLocked(StateUnauthenticated)
	m.mu.Unlock()

	m.logger.Error("Session lost",
		"function", "fail",
		"error", err)

	m.renewal.Stop()
	m.heartbeat.Stop()
	if ch != nil {
		ch.Close()
	}
	m.store.Clear()
	m.notify(from, StateUnauthenticated)
}

func (m *Manager) renewalFiring() {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return
	}
	from := m.transitionLocked(StateRenewing)
	m.mu.Unlock()
	m.notify(from, StateRenewing)
}

func (m *Manager) renewalSucceeded(info tradovate.TokenInfo) {
	m.metrics.observeRenewal(nil)

	m.mu.Lock()
	if m.state != StateRenewing {
		m.mu.Unlock()
		return
	}
	from := m.transitionLocked(StateAuthenticated)
	m.mu.Unlock()
	m.notify(from, StateAuthenticated)
}

func (m *Manager) renewalFailed(err error) {
	m.metrics.observeRenewal(err)
	m.fail(err)
}

func (m *Manager) heartbeatFailed(err error) {
	m.fail(err)
}

// channelClosed reacts to the socket going away. A nil err is our own Close.
func (m *Manager) channelClosed(ch *websocket.Channel, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	current := m.channel == ch
	m.mu.Unlock()
	if current {
		m.fail(err)
	}
}

func (m *Manager) transitionLocked(to State) State {
	from := m.state
	m.state = to
	m.metrics.setState(to)
	return from
}

func (m *Manager) notify(from, to State) {
	if from == to {
		return
	}
	m.logger.Debug("Session state changed",
		"function", "notify",
		"from", from.String(),
		"to", to.String())

	m.mu.Lock()
	handlers := make([]StateChangeHandler, len(m.stateChanges))
	copy(handlers, m.stateChanges)
	m.mu.Unlock()

	for _, h := range handlers {
		h(from, to)
	}
}

func (m *Manager) handlersSnapshot() map[websocket.EventCategory]websocket.EventHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[websocket.EventCategory]websocket.EventHandler, len(m.handlers))
	for k, v := range m.handlers {
		out[k] = v
	}
	return out
}

// OnEvent registers a handler for socket events of category. Handlers survive
// re-authorization and apply to the current channel immediately.
func (m *Manager) OnEvent(category websocket.EventCategory, handler websocket.EventHandler) {
	m.mu.Lock()
	if handler == nil {
		delete(m.handlers, category)
	} else {
		m.handlers[category] = handler
	}
	ch := m.channel
	m.mu.Unlock()

	if ch != nil {
		ch.OnEvent(category, handler)
	}
}

// OnStateChange adds an observer for state transitions.
func (m *Manager) OnStateChange(handler StateChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChanges = append(m.stateChanges, handler)
}

// Me fetches the authenticated user's profile.
func (m *Manager) Me(ctx context.Context) (*tradovate.UserProfile, error) {
	bearer := m.store.AccessToken()
	if bearer == "" {
		return nil, tradovate.ErrNotAuthenticated
	}
	return m.auth.Me(ctx, bearer)
}

// HTTPClient returns a client that sends the session's current bearer token, so REST calls
// pick up renewed tokens automatically.
func (m *Manager) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, m.store)
}

func (m *Manager) ID() string { return m.id }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Authenticated is true while Authenticated or Renewing.
func (m *Manager) Authenticated() bool {
	s := m.State()
	return s == StateAuthenticated || s == StateRenewing
}

// LastError is the error that last sent the session to Unauthenticated.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// UserID is the user id from the last token request, zero before authorization.
func (m *Manager) UserID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Tokens returns the current token snapshot.
func (m *Manager) Tokens() tradovate.TokenSnapshot {
	return m.store.Snapshot()
}

// RenewalArmed reports whether automatic renewal is scheduled.
func (m *Manager) RenewalArmed() bool {
	return m.renewal.Armed()
}

// HeartbeatRunning reports whether the keep-alive loop is active.
func (m *Manager) HeartbeatRunning() bool {
	return m.heartbeat.Running()
}
