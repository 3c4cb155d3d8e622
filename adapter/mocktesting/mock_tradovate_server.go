package mocktesting

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Paths served by the mock, mirroring the Tradovate API layout under the base URL.
const (
	AccessTokenRequestPath = "/auth/accesstokenrequest"
	RenewAccessTokenPath   = "/auth/renewaccesstoken"
	MePath                 = "/auth/me"
	WebSocketPath          = "/websocket"
)

// MockTradovateServer is an httptest server answering the auth endpoints over HTTP and
// the market data protocol over a WebSocket on the same listener.
type MockTradovateServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	responses map[string]MockResponse
	requests  []MockRequest

	socket *socketState
}

// MockResponse is a configured HTTP answer. Body may be a func() interface{} to build the
// payload at request time (token expirations relative to now).
type MockResponse struct {
	StatusCode int
	Body       interface{}
	Headers    map[string]string
}

// MockRequest records an HTTP request for later assertions.
type MockRequest struct {
	Method  string
	Path    string
	Body    string
	Headers map[string]string
}

// NewMockTradovateServer starts the server with successful default auth responses.
func NewMockTradovateServer() *MockTradovateServer {
	mock := &MockTradovateServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		responses: make(map[string]MockResponse),
		socket:    newSocketState(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, mock.handleWebSocket)
	mux.HandleFunc("/", mock.handleRequest)
	mock.server = httptest.NewServer(mux)

	mock.setDefaultResponses()
	return mock
}

// Close drops every socket client and shuts the server down.
func (m *MockTradovateServer) Close() {
	m.socket.closeAll()
	m.server.Close()
}

// GetBaseURL returns the REST base URL (http://127.0.0.1:port).
func (m *MockTradovateServer) GetBaseURL() string {
	return m.server.URL
}

// GetWebSocketURL returns the ws:// URL of the market data endpoint.
func (m *MockTradovateServer) GetWebSocketURL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1) + WebSocketPath
}

// SetTokenResponse makes /auth/accesstokenrequest grant tokens valid for ttl.
func (m *MockTradovateServer) SetTokenResponse(accessToken, mdAccessToken string, ttl time.Duration, userID int64) {
	m.SetResponse(http.MethodPost, AccessTokenRequestPath, http.StatusOK, tokenBody(accessToken, mdAccessToken, ttl, userID))
}

// SetRenewResponse makes /auth/renewaccesstoken grant tokens valid for ttl.
func (m *MockTradovateServer) SetRenewResponse(accessToken, mdAccessToken string, ttl time.Duration) {
	m.SetResponse(http.MethodPost, RenewAccessTokenPath, http.StatusOK, tokenBody(accessToken, mdAccessToken, ttl, 0))
}

// SetInvalidCredentials makes the token request answer with an errorText body.
func (m *MockTradovateServer) SetInvalidCredentials(message string) {
	m.SetResponse(http.MethodPost, AccessTokenRequestPath, http.StatusOK, map[string]interface{}{
		"errorText": message,
	})
}

// SetRateLimited makes the token request answer with a penalty ticket.
func (m *MockTradovateServer) SetRateLimited(ticket string, seconds int, captcha bool) {
	m.SetResponse(http.MethodPost, AccessTokenRequestPath, http.StatusOK, map[string]interface{}{
		"p-ticket":  ticket,
		"p-time":    seconds,
		"p-captcha": captcha,
	})
}

// SetResponse configures the answer for method and path.
func (m *MockTradovateServer) SetResponse(method, path string, statusCode int, body interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method+" "+path] = MockResponse{
		StatusCode: statusCode,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// GetRequests returns a copy of the captured HTTP requests.
func (m *MockTradovateServer) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CountRequests returns how many captured HTTP requests hit path.
func (m *MockTradovateServer) CountRequests(path string) int {
	n := 0
	for _, r := range m.GetRequests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (m *MockTradovateServer) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func (m *MockTradovateServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body := ""
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
	}

	headers := make(map[string]string)
	for key, values := range r.Header {
		headers[key] = strings.Join(values, ", ")
	}

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    body,
		Headers: headers,
	})
	response, exists := m.responses[fmt.Sprintf("%s %s", r.Method, r.URL.Path)]
	m.mu.Unlock()

	if !exists {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"errorText": "Endpoint not found"})
		return
	}

	if r.URL.Path == RenewAccessTokenPath || r.URL.Path == MePath {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)

	payload := response.Body
	if build, ok := payload.(func() interface{}); ok {
		payload = build()
	}
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (m *MockTradovateServer) setDefaultResponses() {
	m.SetTokenResponse("mock_access_token", "mock_md_access_token", 80*time.Minute, 4242)
	m.SetRenewResponse("mock_renewed_token", "mock_renewed_md_token", 80*time.Minute)
	m.SetResponse(http.MethodGet, MePath, http.StatusOK, map[string]interface{}{
		"userId":        4242,
		"name":          "mockuser",
		"fullName":      "Mock User",
		"email":         "mock@example.com",
		"emailVerified": true,
		"isTrial":       true,
	})
}

func tokenBody(accessToken, mdAccessToken string, ttl time.Duration, userID int64) func() interface{} {
	return func() interface{} {
		body := map[string]interface{}{
			"accessToken":    accessToken,
			"mdAccessToken":  mdAccessToken,
			"expirationTime": time.Now().Add(ttl).UTC().Format(time.RFC3339Nano),
		}
		if userID != 0 {
			body["userId"] = userID
			body["name"] = "mockuser"
		}
		return body
	}
}
