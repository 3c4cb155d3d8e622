package tradovate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	accessTokenRequestPath = "/auth/accesstokenrequest"
	renewAccessTokenPath   = "/auth/renewaccesstoken"
	mePath                 = "/auth/me"
)

// HTTPAuthClient implements AuthClient against the Tradovate REST auth endpoints.
// It never retries: every failure is surfaced to the caller as a typed error.
type HTTPAuthClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NewHTTPAuthClient creates an auth client. A nil httpClient uses http.DefaultClient.
func NewHTTPAuthClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *HTTPAuthClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPAuthClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}
}

// RequestToken exchanges credentials for a bearer token and a market data token.
func (c *HTTPAuthClient) RequestToken(ctx context.Context, creds Credentials) (TokenInfo, error) {
	const op = "accesstokenrequest"

	c.logger.Debug("Requesting access token",
		"function", "RequestToken",
		"user", creds.Name,
		"app_id", creds.AppID)

	body, err := json.Marshal(creds)
	if err != nil {
		return TokenInfo{}, &TransportError{Op: op, Err: fmt.Errorf("failed to marshal credentials: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+accessTokenRequestPath, bytes.NewReader(body))
	if err != nil {
		return TokenInfo{}, &TransportError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenInfo{}, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	info, err := decodeTokenResponse(op, resp)
	if err != nil {
		c.logger.Warn("Access token request failed",
			"function", "RequestToken",
			"user", creds.Name,
			"error", err)
		return TokenInfo{}, err
	}

	c.logger.Info("Access token granted",
		"function", "RequestToken",
		"user_id", info.UserID,
		"expires_at", info.ExpiresAt)
	return info, nil
}

// RenewToken extends the session using the current bearer token.
func (c *HTTPAuthClient) RenewToken(ctx context.Context, bearer string) (TokenInfo, error) {
	const op = "renewaccesstoken"

	if bearer == "" {
		return TokenInfo{}, ErrNotAuthenticated
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+renewAccessTokenPath, nil)
	if err != nil {
		return TokenInfo{}, &TransportError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.bearerClient(ctx, bearer).Do(req)
	if err != nil {
		return TokenInfo{}, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	info, err := decodeTokenResponse(op, resp)
	if err != nil {
		c.logger.Warn("Access token renewal failed",
			"function", "RenewToken",
			"error", err)
		return TokenInfo{}, err
	}

	c.logger.Info("Access token renewed",
		"function", "RenewToken",
		"expires_at", info.ExpiresAt)
	return info, nil
}

// Me fetches the profile of the authenticated user.
func (c *HTTPAuthClient) Me(ctx context.Context, bearer string) (*UserProfile, error) {
	const op = "me"

	if bearer == "" {
		return nil, ErrNotAuthenticated
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+mePath, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.bearerClient(ctx, bearer).Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, handleErrorResponse(op, resp)
	}

	var profile UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return &profile, nil
}

// bearerClient wraps the configured HTTP client in an oauth2 transport that sets
// "Authorization: Bearer <token>" on every request.
func (c *HTTPAuthClient) bearerClient(ctx context.Context, bearer string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"})
	return oauth2.NewClient(ctx, src)
}

// decodeTokenResponse maps a token endpoint response onto TokenInfo or the auth error taxonomy.
func decodeTokenResponse(op string, resp *http.Response) (TokenInfo, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TokenInfo{}, handleErrorResponse(op, resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return TokenInfo{}, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if tr.ErrorText != "" {
		return TokenInfo{}, &InvalidCredentialsError{Message: tr.ErrorText}
	}
	if tr.PTicket != "" || tr.PTime != 0 || tr.PCaptcha {
		return TokenInfo{}, &RateLimitedError{
			Ticket:          tr.PTicket,
			Wait:            time.Duration(tr.PTime) * time.Second,
			CaptchaRequired: tr.PCaptcha,
		}
	}
	if tr.AccessToken == "" {
		return TokenInfo{}, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New("response carries no accessToken")}
	}

	expiresAt, err := ParseExpirationTime(tr.ExpirationTime)
	if err != nil {
		return TokenInfo{}, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	return TokenInfo{
		AccessToken: tr.AccessToken,
		MarketToken: tr.MdAccessToken,
		ExpiresAt:   expiresAt,
		UserID:      tr.UserID,
	}, nil
}

// handleErrorResponse turns a non-2xx response into a TransportError carrying the body text.
func handleErrorResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &TransportError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
	}
}

// ParseExpirationTime parses the ISO-8601 expirationTime field, e.g. "2021-06-15T15:40:30.056Z".
func ParseExpirationTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("response carries no expirationTime")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expirationTime %q: %w", s, err)
	}
	return t, nil
}
