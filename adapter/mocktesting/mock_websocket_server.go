package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SocketRequest is one decoded client frame: path\nseq\nquery\nbody.
type SocketRequest struct {
	Path  string
	Seq   uint64
	Query string
	Body  string
}

// SocketReply is the mock's answer to a SocketRequest.
type SocketReply struct {
	Status int
	Data   interface{}
	Delay  time.Duration // answer asynchronously after Delay
	Drop   bool          // never answer
}

// SocketHandler builds the reply for requests on one path.
type SocketHandler func(SocketRequest) SocketReply

type mockClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *mockClient) write(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

type socketState struct {
	mu              sync.Mutex
	clients         map[*mockClient]struct{}
	handshake       string
	authorizeStatus int
	expectedToken   string
	handlers        map[string]SocketHandler

	frames         []string
	heartbeats     int
	authorizations int
	connections    int
}

func newSocketState() *socketState {
	return &socketState{
		clients:         make(map[*mockClient]struct{}),
		handshake:       "o",
		authorizeStatus: http.StatusOK,
		handlers:        make(map[string]SocketHandler),
	}
}

func (s *socketState) closeAll() {
	s.mu.Lock()
	clients := make([]*mockClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*mockClient]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// SetHandshakeFrame sets the first frame sent after upgrade. Empty sends nothing.
func (m *MockTradovateServer) SetHandshakeFrame(frame string) {
	m.socket.mu.Lock()
	defer m.socket.mu.Unlock()
	m.socket.handshake = frame
}

// SetAuthorizeStatus sets the status answered to authorize frames.
func (m *MockTradovateServer) SetAuthorizeStatus(status int) {
	m.socket.mu.Lock()
	defer m.socket.mu.Unlock()
	m.socket.authorizeStatus = status
}

// SetExpectedMarketToken makes authorize answer 401 unless the body carries token.
func (m *MockTradovateServer) SetExpectedMarketToken(token string) {
	m.socket.mu.Lock()
	defer m.socket.mu.Unlock()
	m.socket.expectedToken = token
}

// HandleSocketRequest installs a reply builder for path. Unhandled paths echo the request
// back with status 200.
func (m *MockTradovateServer) HandleSocketRequest(path string, handler SocketHandler) {
	m.socket.mu.Lock()
	defer m.socket.mu.Unlock()
	m.socket.handlers[path] = handler
}

// SendEvent pushes a{"e":event,"d":data} to every connected client.
func (m *MockTradovateServer) SendEvent(event string, data interface{}) error {
	frame, err := arrayFrame(map[string]interface{}{"e": event, "d": data})
	if err != nil {
		return err
	}
	return m.SendRaw(frame)
}

// SendServerHeartbeat pushes an "h" frame.
func (m *MockTradovateServer) SendServerHeartbeat() error {
	return m.SendRaw("h")
}

// SendServerClose pushes a c[code,"reason"] frame.
func (m *MockTradovateServer) SendServerClose(code int, reason string) error {
	payload, err := json.Marshal([]interface{}{code, reason})
	if err != nil {
		return err
	}
	return m.SendRaw("c" + string(payload))
}

// SendRaw writes frame verbatim to every connected client.
func (m *MockTradovateServer) SendRaw(frame string) error {
	m.socket.mu.Lock()
	clients := make([]*mockClient, 0, len(m.socket.clients))
	for c := range m.socket.clients {
		clients = append(clients, c)
	}
	m.socket.mu.Unlock()

	for _, c := range clients {
		if err := c.write(frame); err != nil {
			return fmt.Errorf("failed to send test frame: %w", err)
		}
	}
	return nil
}

// DropConnections closes every client socket without a close frame.
func (m *MockTradovateServer) DropConnections() {
	m.socket.closeAll()
}

// HeartbeatCount is the number of "[]" frames received.
func (m *MockTradovateServer) HeartbeatCount() int {
	m.socket.mu.Lock()
	defer m.socket.mu.Unlock()
	return m.socket.heartbeats
}

// AuthorizationCount is the number of authorize frames received.
func (m *MockTradovateServer) AuthorizationCount() int {
	m.socket.mu.Lock()
	defer m.socket.mu.Unlock()
	return m.socket.authorizations
}

// ConnectionCount is the number of sockets accepted since start.
func (m *MockTradovateServer) ConnectionCount() int {
	m.socket.mu.Lock()
	defer m.socket.mu.Unlock()
	return m.socket.connections
}

// ActiveConnections is the number of sockets currently open.
func (m *MockTradovateServer) ActiveConnections() int {
	m.socket.mu.Lock()
	defer m.socket.mu.Unlock()
	return len(m.socket.clients)
}

// ReceivedFrames returns every text frame received, heartbeats included.
func (m *MockTradovateServer) ReceivedFrames() []string {
	m.socket.mu.Lock()
	defer m.socket.mu.Unlock()
	out := make([]string, len(m.socket.frames))
	copy(out, m.socket.frames)
	return out
}

func (m *MockTradovateServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &mockClient{conn: conn}

	m.socket.mu.Lock()
	m.socket.clients[client] = struct{}{}
	m.socket.connections++
	handshake := m.socket.handshake
	m.socket.mu.Unlock()

	defer func() {
		m.socket.mu.Lock()
		delete(m.socket.clients, client)
		m.socket.mu.Unlock()
		conn.Close()
	}()

	if handshake != "" {
		if err := client.write(handshake); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.handleFrame(client, string(data))
	}
}

func (m *MockTradovateServer) handleFrame(client *mockClient, frame string) {
	m.socket.mu.Lock()
	m.socket.frames = append(m.socket.frames, frame)
	if frame == "[]" {
		m.socket.heartbeats++
		m.socket.mu.Unlock()
		return
	}
	m.socket.mu.Unlock()

	parts := strings.SplitN(frame, "\n", 4)
	if len(parts) != 4 {
		return
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return
	}
	req := SocketRequest{Path: parts[0], Seq: seq, Query: parts[2], Body: parts[3]}

	var reply SocketReply
	m.socket.mu.Lock()
	if req.Path == "authorize" {
		m.socket.authorizations++
		reply.Status = m.socket.authorizeStatus
		if m.socket.expectedToken != "" && req.Body != m.socket.expectedToken {
			reply.Status = http.StatusUnauthorized
		}
		m.socket.mu.Unlock()
	} else {
		handler := m.socket.handlers[req.Path]
		m.socket.mu.Unlock()
		if handler != nil {
			reply = handler(req)
		} else {
			reply = SocketReply{Status: http.StatusOK, Data: echo(req)}
		}
	}

	if reply.Drop {
		return
	}

	elem := map[string]interface{}{"s": reply.Status, "i": req.Seq}
	if reply.Data != nil {
		elem["d"] = reply.Data
	}
	out, err := arrayFrame(elem)
	if err != nil {
		return
	}

	if reply.Delay > 0 {
		go func() {
			time.Sleep(reply.Delay)
			client.write(out)
		}()
		return
	}
	client.write(out)
}

func echo(req SocketRequest) map[string]interface{} {
	data := map[string]interface{}{
		"path":  req.Path,
		"query": req.Query,
	}
	if req.Body != "" {
		data["body"] = json.RawMessage(req.Body)
	}
	return data
}

func arrayFrame(elems ...interface{}) (string, error) {
	payload, err := json.Marshal(elems)
	if err != nil {
		return "", fmt.Errorf("failed to marshal test frame: %w", err)
	}
	return "a" + string(payload), nil
}
