package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tradovate "github.com/bjoelf/tradovate-adapter/adapter"
	"github.com/bjoelf/tradovate-adapter/adapter/mocktesting"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialAuthorized(t *testing.T, mockServer *mocktesting.MockTradovateServer, cfg Config) *Channel {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = newTestLogger()
	}
	ch, err := Dial(context.Background(), mockServer.GetWebSocketURL(), cfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := ch.Authorize(context.Background(), "mock_md_access_token"); err != nil {
		ch.Close()
		t.Fatalf("Authorize failed: %v", err)
	}
	return ch
}

func TestChannel_DialAndAuthorize(t *testing.T) {
	mockServer := mocktesting.NewMockTradovateServer()
	defer mockServer.Close()
	mockServer.SetExpectedMarketToken("mock_md_access_token")

	connected := make(chan Event, 1)
	ch, err := Dial(context.Background(), mockServer.GetWebSocketURL(), Config{
		Logger: newTestLogger(),
		Handlers: map[EventCategory]EventHandler{
			EventConnect: func(e Event) { connected <- e },
		},
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ch.Close()

	select {
	case e := <-connected:
		if e.Category != EventConnect {
			t.Errorf("Expected connect event, got %s", e.Category)
		}
	default:
		t.Error("Connect event not dispatched on handshake")
	}

	if ch.Authorized() {
		t.Error("Channel must not be authorized before the authorize frame")
	}
	if _, err := ch.Request(context.Background(), "md/getChart", nil, nil); !errors.Is(err, tradovate.ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized before authorize, got %v", err)
	}

	if err := ch.Authorize(context.Background(), "mock_md_access_token"); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !ch.Authorized() {
		t.Error("Channel should be authorized")
	}

	frames := mockServer.ReceivedFrames()
	if len(frames) != 1 || frames[0] != "authorize\n1\n\nmock_md_access_token" {
		t.Errorf("Unexpected authorize frame: %q", frames)
	}
}

func TestChannel_AuthorizeRejected(t *testing.T) {
	mockServer := mocktesting.NewMockTradovateServer()
	defer mockServer.Close()
	mockServer.SetExpectedMarketToken("the_right_token")

	ch, err := Dial(context.Background(), mockServer.GetWebSocketURL(), Config{Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ch.Close()

	err = ch.Authorize(context.Background(), "the_wrong_token")
	var authErr *tradovate.AuthorizationFailureError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthorizationFailureError, got %v", err)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", authErr.Status)
	}
	if ch.Authorized() {
		t.Error("Rejected channel must not be authorized")
	}
}

func TestChannel_OpenFailure(t *testing.T) {
	t.Run("wrong open frame", func(t *testing.T) {
		mockServer := mocktesting.NewMockTradovateServer()
		defer mockServer.Close()
		mockServer.SetHandshakeFrame("x")

		_, err := Dial(context.Background(), mockServer.GetWebSocketURL(), Config{Logger: newTestLogger()})
		var openErr *tradovate.OpenFailureError
		if !errors.As(err, &openErr) {
			t.Fatalf("Expected OpenFailureError, got %v", err)
		}
		if !strings.Contains(openErr.Reason, "unexpected open frame") {
			t.Errorf("Unexpected reason: %s", openErr.Reason)
		}
		waitFor(t, time.Second, func() bool { return mockServer.ActiveConnections() == 0 })
	})

	t.Run("no open frame", func(t *testing.T) {
		mockServer := mocktesting.NewMockTradovateServer()
		defer mockServer.Close()
		mockServer.SetHandshakeFrame("")

		start := time.Now()
		_, err := Dial(context.Background(), mockServer.GetWebSocketURL(), Config{
			Logger:           newTestLogger(),
			HandshakeTimeout: 100 * time.Millisecond,
		})
		var openErr *tradovate.OpenFailureError
		if !errors.As(err, &openErr) {
			t.Fatalf("Expected OpenFailureError, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("Handshake timeout not honoured, took %v", elapsed)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		mockServer := mocktesting.NewMockTradovateServer()
		url := mockServer.GetWebSocketURL()
		mockServer.Close()

		_, err := Dial(context.Background(), url, Config{Logger: newTestLogger()})
		var openErr *tradovate.OpenFailureError
		if !errors.As(err, &openErr) {
			t.Fatalf("Expected OpenFailureError, got %v", err)
		}
	})
}

func TestChannel_RequestFrame(t *testing.T) {
	mockServer := mocktesting.NewMockTradovateServer()
	defer mockServer.Close()

	ch := dialAuthorized(t, mockServer, Config{})
	defer ch.Close()

	resp, err := ch.Request(context.Background(), "md/getChart",
		map[string]string{"b": "2", "a": "1"},
		map[string]int{"x": 1})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if !resp.OK() || resp.ID != 2 {
		t.Errorf("Unexpected response: %+v", resp)
	}

	var echo struct {
		Path  string          `json:"path"`
		Query string          `json:"query"`
		Body  json.RawMessage `json:"body"`
	}
	if err := resp.Decode(&echo); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if echo.Path != "md/getChart" || echo.Query != "a=1&b=2" || string(echo.Body) != `{"x":1}` {
		t.Errorf("Unexpected echo: %+v", echo)
	}

	frames := mockServer.ReceivedFrames()
	if frames[len(frames)-1] != "md/getChart\n2\na=1&b=2\n{\"x\":1}" {
		t.Errorf("Unexpected wire frame %q", frames[len(frames)-1])
	}
}

func TestChannel_NonOKStatusIsResponse(t *testing.T) {
	mockServer := mocktesting.NewMockTradovateServer()
	defer mockServer.Close()
	mockServer.HandleSocketRequest("md/subscribeQuote", func(req mocktesting.SocketRequest) mocktesting.SocketReply {
		return mocktesting.SocketReply{Status: http.StatusNotFound, Data: "Unknown symbol"}
	})

	ch := dialAuthorized(t, mockServer, Config{})
	defer ch.Close()

	resp, err := ch.Request(context.Background(), "md/subscribeQuote", nil, map[string]string{"symbol": "NOPE"})
	if err != nil {
		t.Fatalf("Non-200 answer should not be an error: %v", err)
	}
	if resp.OK() || resp.Status != http.StatusNotFound {
		t.Errorf("Expected 404 response, got %+v", resp)
	}
}

func TestChannel_ConcurrentRequestCorrelation(t *testing.T) {
	mockServer := mocktesting.NewMockTradovateServer()
	defer mockServer.Close()

	// Later requests are answered first so responses arrive out of order.
	mockServer.HandleSocketRequest("test/delayed", func(req mocktesting.SocketRequest) mocktesting.SocketReply {
		var body struct {
			N int `json:"n"`
		}
		json.Unmarshal([]byte(req.Body), &body)
		return mocktesting.SocketReply{
			Status: http.StatusOK,
			Data:   map[string]int{"n": body.N},
			Delay:  time.Duration(20-body.N) * 5 * time.Millisecond,
		}
	})

	ch := dialAuthorized(t, mockServer, Config{})
	defer ch.Close()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := ch.Request(context.Background(), "test/delayed", nil, map[string]int{"n": i})
			if err != nil {
				errs <- err
				return
			}
			var got struct {
				N int `json:"n"`
			}
			if err := resp.Decode(&got); err != nil {
				errs <- err
				return
			}
			if got.N != i {
				errs <- errors.New("response routed to the wrong request")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Sequence numbers on the wire are strictly increasing.
	var last uint64
	for _, frame := range mockServer.ReceivedFrames() {
		_, seq, _, _, err := decodeRequestFrame(frame)
		if err != nil {
			continue
		}
		if seq <= last {
			t.Fatalf("Sequence %d sent after %d", seq, last)
		}
		last = seq
	}
	if ch.PendingCount() != 0 {
		t.Errorf("Expected no pending requests, got %d", ch.PendingCount())
	}
}

func TestChannel_RequestTimeout(t *testing.T) {
	mockServer := mocktesting.NewMockTradovateServer()
	defer mockServer.Close()
	mockServer.HandleSocketRequest("test/silent", func(req mocktesting.SocketRequest) mocktesting.SocketReply {
		return mocktesting.SocketReply{Drop: true}
	})

	ch := dialAuthorized(t, mockServer, Config{RequestTimeout: 100 * time.Millisecond})
	defer ch.Close()

	_, err := ch.Request(context.Background(), "test/silent", nil, nil)
	if !errors.Is(err, tradovate.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if ch.PendingCount() != 0 {
		t.Error("Timed out request must leave the pending table")
	}
	if ch.Closed() {
		t.Error("A timeout must not close the channel")
	}
}

func TestChannel_CloseFailsPending(t *testing.T) {
	mockServer := mocktesting.NewMockTradovateServer()
	defer mockServer.Close()
	mockServer.HandleSocketRequest("test/silent", func(req mocktesting.SocketRequest) mocktesting.SocketReply {
		return mocktesting.SocketReply{Drop: true}
	})

	var closeCalls int
	var closeErr error
	var mu sync.Mutex
	ch := dialAuthorized(t, mockServer, Config{
		RequestTimeout: 5 * time.Second,
		OnClose: func(err error) {
			mu.Lock()
			closeCalls++
			closeErr = err
			mu.Unlock()
		},
	})

	result := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), "test/silent", nil, nil)
		result <- err
	}()
	waitFor(t, time.Second, func() bool { return ch.PendingCount() == 1 })

	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, tradovate.ErrConnectionClosed) {
			t.Errorf("Expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pending request not failed by Close")
	}

	mu.Lock()
	if closeCalls != 1 || closeErr != nil {
		t.Errorf("Expected one OnClose(nil), got %d calls err=%v", closeCalls, closeErr)
	}
	mu.Unlock()

	if _, err := ch.Request(context.Background(), "test/silent", nil, nil); !errors.Is(err, tradovate.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed after close, got %v", err)
	}
	if err := ch.Heartbeat(); !errors.Is(err, tradovate.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed heartbeat after close, got %v", err)
	}
}

func TestChannel_ConnectionLost(t *testing.T) {
	tests := []struct {
		name     string
		trigger  func(*mocktesting.MockTradovateServer)
		contains string
	}{
		{
			name:    "socket dropped",
			trigger: func(m *mocktesting.MockTradovateServer) { m.DropConnections() },
		},
		{
			name:     "server close frame",
			trigger:  func(m *mocktesting.MockTradovateServer) { m.SendServerClose(1000, "maintenance") },
			contains: "server close",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockServer := mocktesting.NewMockTradovateServer()
			defer mockServer.Close()

			closed := make(chan error, 2)
			ch := dialAuthorized(t, mockServer, Config{OnClose: func(err error) { closed <- err }})
			defer ch.Close()

			tt.trigger(mockServer)

			select {
			case err := <-closed:
				if !errors.Is(err, tradovate.ErrConnectionClosed) {
					t.Errorf("Expected ErrConnectionClosed reason, got %v", err)
				}
				if tt.contains != "" && !strings.Contains(err.Error(), tt.contains) {
					t.Errorf("Expected %q in reason, got %v", tt.contains, err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("OnClose not fired on connection loss")
			}

			if !ch.Closed() || ch.Authorized() {
				t.Error("Channel should be closed and unauthorized")
			}
			if ch.Err() == nil {
				t.Error("Err should report the close reason")
			}
			ch.Close()
			if len(closed) != 0 {
				t.Error("OnClose must fire only once")
			}
		})
	}
}

func TestChannel_Events(t *testing.T) {
	mockServer := mocktesting.NewMockTradovateServer()
	defer mockServer.Close()

	ch := dialAuthorized(t, mockServer, Config{})
	defer ch.Close()

	quotes := make(chan Event, 1)
	orders := make(chan Event, 1)
	ch.OnEvent(EventQuote, func(e Event) { quotes <- e })
	ch.OnEvent(EventOrder, func(e Event) { orders <- e })
	ch.OnEvent(EventDOM, func(e Event) { panic("handler bug") })

	mockServer.SendServerHeartbeat()
	mockServer.SendEvent("md", map[string]interface{}{"doms": []interface{}{}})
	mockServer.SendEvent("clock", map[string]interface{}{"t": 1})
	mockServer.SendEvent("md", map[string]interface{}{
		"quotes": []interface{}{map[string]interface{}{"contractId": 123}},
	})
	mockServer.SendEvent("props", map[string]interface{}{"entityType": "order"})

	select {
	case e := <-quotes:
		if e.Name != "md" || !strings.Contains(string(e.Data), "contractId") {
			t.Errorf("Unexpected quote event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Quote event not delivered")
	}
	select {
	case e := <-orders:
		if e.Category != EventOrder || e.Name != "props" {
			t.Errorf("Unexpected order event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Order event not delivered")
	}

	// A panicking handler and unhandled events leave the channel usable.
	if _, err := ch.Request(context.Background(), "md/ping", nil, nil); err != nil {
		t.Errorf("Channel unusable after events: %v", err)
	}
}

func TestChannel_Heartbeat(t *testing.T) {
	mockServer := mocktesting.NewMockTradovateServer()
	defer mockServer.Close()

	ch := dialAuthorized(t, mockServer, Config{})
	defer ch.Close()

	for i := 0; i < 3; i++ {
		if err := ch.Heartbeat(); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
	}
	waitFor(t, time.Second, func() bool { return mockServer.HeartbeatCount() == 3 })

	// Heartbeats consume no sequence numbers.
	resp, err := ch.Request(context.Background(), "md/ping", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.ID != 2 {
		t.Errorf("Expected seq 2 after authorize, got %d", resp.ID)
	}
}
