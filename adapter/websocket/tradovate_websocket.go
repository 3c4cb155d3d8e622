package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	tradovate "github.com/bjoelf/tradovate-adapter/adapter"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Channel is one open Tradovate socket. It owns the connection exclusively: every write
// goes through writeMu and every read happens on the reader goroutine.
type Channel struct {
	id             string
	url            string
	conn           *websocket.Conn
	logger         *slog.Logger
	requestTimeout time.Duration
	messageHandler *MessageHandler

	// writeMu serializes socket writes and sequence assignment so wire order equals seq order.
	writeMu sync.Mutex
	seq     uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan Response
	closed    bool

	handlersMu sync.RWMutex
	handlers   map[EventCategory]EventHandler
	onClose    func(error)

	authorized atomic.Bool

	// Reader to processor queue, buffered so slow handlers do not stall reads.
	incomingMessages chan websocketMessage

	ctx           context.Context
	cancel        context.CancelFunc
	readerDone    chan struct{}
	processorDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newChannel(conn *websocket.Conn, url string, cfg Config, logger *slog.Logger) *Channel {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = tradovate.DefaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:               uuid.NewString(),
		url:              url,
		conn:             conn,
		logger:           logger,
		requestTimeout:   requestTimeout,
		pending:          make(map[uint64]chan Response),
		handlers:         make(map[EventCategory]EventHandler),
		onClose:          cfg.OnClose,
		incomingMessages: make(chan websocketMessage, 100),
		ctx:              ctx,
		cancel:           cancel,
		readerDone:       make(chan struct{}),
		processorDone:    make(chan struct{}),
	}
	for category, handler := range cfg.Handlers {
		c.handlers[category] = handler
	}
	c.messageHandler = NewMessageHandler(c)
	return c
}

func (c *Channel) start() {
	go c.readMessages()
	go c.processMessages()
}

// ID identifies the channel in logs.
func (c *Channel) ID() string { return c.id }

func (c *Channel) URL() string { return c.url }

// Authorized reports whether the authorize handshake succeeded and the channel is still open.
func (c *Channel) Authorized() bool { return c.authorized.Load() }

// Closed reports whether Close was called or the connection was lost.
func (c *Channel) Closed() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closed
}

// Err returns why the channel closed; nil while open or after a local Close.
func (c *Channel) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closeErr
}

// PendingCount is the number of requests awaiting a response.
func (c *Channel) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// OnEvent registers handler for category, replacing any previous one. A nil handler removes it.
func (c *Channel) OnEvent(category EventCategory, handler EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if handler == nil {
		delete(c.handlers, category)
		return
	}
	c.handlers[category] = handler
}

// OnClose replaces the close callback.
func (c *Channel) OnClose(fn func(err error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onClose = fn
}

// Authorize sends the market data token and waits for a 200 answer.
func (c *Channel) Authorize(ctx context.Context, marketToken string) error {
	c.logger.Debug("Authorizing socket channel",
		"function", "Authorize",
		"channel_id", c.id,
		"token", maskToken(marketToken))

	resp, err := c.roundTrip(ctx, "authorize", "", marketToken)
	if err != nil {
		return fmt.Errorf("socket authorize: %w", err)
	}
	if !resp.OK() {
		c.logger.Warn("Socket authorization rejected",
			"function", "Authorize",
			"channel_id", c.id,
			"status", resp.Status)
		return &tradovate.AuthorizationFailureError{Status: resp.Status}
	}

	c.authorized.Store(true)
	c.logger.Info("Socket channel authorized",
		"function", "Authorize",
		"channel_id", c.id)
	return nil
}

// Request sends path with query and body and waits for the correlated response. Non-200
// statuses are returned as a Response, not an error.
func (c *Channel) Request(ctx context.Context, path string, query map[string]string, body interface{}) (*Response, error) {
	if !c.authorized.Load() {
		if c.Closed() {
			return nil, tradovate.ErrConnectionClosed
		}
		return nil, tradovate.ErrNotAuthorized
	}

	encoded, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, path, encodeQuery(query), encoded)
}

// Heartbeat writes the bare "[]" keep-alive frame.
func (c *Channel) Heartbeat() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return tradovate.ErrConnectionClosed
	}
	if err := c.writeLocked(heartbeatFrame); err != nil {
		go c.fail(fmt.Errorf("%w: heartbeat write: %v", tradovate.ErrConnectionClosed, err))
		return err
	}
	return nil
}

func (c *Channel) roundTrip(ctx context.Context, path, query, body string) (*Response, error) {
	slot := make(chan Response, 1)

	c.writeMu.Lock()
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		c.writeMu.Unlock()
		return nil, tradovate.ErrConnectionClosed
	}
	c.seq++
	seq := c.seq
	c.pending[seq] = slot
	c.pendingMu.Unlock()

	err := c.writeLocked(encodeFrame(path, seq, query, body))
	c.writeMu.Unlock()

	if err != nil {
		c.removePending(seq)
		go c.fail(fmt.Errorf("%w: write: %v", tradovate.ErrConnectionClosed, err))
		return nil, fmt.Errorf("%w: %v", tradovate.ErrConnectionClosed, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-slot:
		if !ok {
			return nil, tradovate.ErrConnectionClosed
		}
		return &resp, nil
	case <-timer.C:
		c.removePending(seq)
		c.logger.Warn("Request timed out",
			"function", "roundTrip",
			"channel_id", c.id,
			"path", path,
			"seq", seq,
			"timeout", c.requestTimeout)
		return nil, fmt.Errorf("%s seq %d: %w", path, seq, tradovate.ErrTimeout)
	case <-ctx.Done():
		c.removePending(seq)
		return nil, ctx.Err()
	}
}

// writeLocked writes one text frame. Caller holds writeMu.
func (c *Channel) writeLocked(frame string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.requestTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// routeResponse delivers resp to its pending request. Returns false if nothing was waiting.
func (c *Channel) routeResponse(resp Response) bool {
	c.pendingMu.Lock()
	slot, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return false
	}
	slot <- resp
	return true
}

func (c *Channel) removePending(seq uint64) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

// dispatch hands an event to its category handler; events without one are dropped.
func (c *Channel) dispatch(event Event) {
	c.handlersMu.RLock()
	handler := c.handlers[event.Category]
	c.handlersMu.RUnlock()

	if handler == nil {
		c.logger.Debug("No handler for event",
			"function", "dispatch",
			"channel_id", c.id,
			"category", event.Category)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in event handler",
				"function", "dispatch",
				"channel_id", c.id,
				"category", event.Category,
				"panic", r)
		}
	}()
	handler(event)
}

// readMessages is the only reader of the socket. It never processes frames itself.
func (c *Channel) readMessages() {
	defer func() {
		close(c.readerDone)
		if r := recover(); r != nil {
			c.logger.Error("Panic in readMessages",
				"function", "readMessages",
				"channel_id", c.id,
				"panic", r)
		}
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		msg := websocketMessage{MessageType: messageType, ReceivedAt: time.Now()}
		if err != nil {
			msg.Err = err
		} else {
			msg.Data = make([]byte, len(message))
			copy(msg.Data, message)
		}

		select {
		case c.incomingMessages <- msg:
		case <-c.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// processMessages handles queued frames in arrival order.
func (c *Channel) processMessages() {
	defer func() {
		close(c.processorDone)
		if r := recover(); r != nil {
			c.logger.Error("Panic in processMessages",
				"function", "processMessages",
				"channel_id", c.id,
				"panic", r)
			c.fail(fmt.Errorf("%w: processor panic: %v", tradovate.ErrConnectionClosed, r))
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.incomingMessages:
			if msg.Err != nil {
				c.handleConnectionError(msg.Err)
				return
			}
			c.processOneMessage(msg)
		}
	}
}

func (c *Channel) processOneMessage(msg websocketMessage) {
	if msg.MessageType != websocket.TextMessage {
		c.logger.Warn("Received unexpected non-text frame",
			"function", "processOneMessage",
			"channel_id", c.id,
			"message_type", msg.MessageType)
		return
	}
	if err := c.messageHandler.ProcessMessage(msg.Data); err != nil {
		c.logger.Error("Message handling error",
			"function", "processOneMessage",
			"channel_id", c.id,
			"error", err)
	}
}

func (c *Channel) handleConnectionError(err error) {
	c.logger.Error("Socket read failed",
		"function", "handleConnectionError",
		"channel_id", c.id,
		"reason", describeReadError(err),
		"error", err)
	c.fail(fmt.Errorf("%w: %s", tradovate.ErrConnectionClosed, describeReadError(err)))
}

// fail closes the channel because the connection was lost and reports reason to OnClose.
func (c *Channel) fail(reason error) {
	if c.shutdown(reason) {
		c.fireOnClose(reason)
	}
}

// Close closes the socket without a protocol frame, fails every pending request with
// ErrConnectionClosed and fires OnClose once. Safe to call more than once.
func (c *Channel) Close() error {
	if !c.shutdown(nil) {
		return nil
	}

	select {
	case <-c.readerDone:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Reader exit timeout (forced shutdown)",
			"function", "Close",
			"channel_id", c.id)
	}

	c.logger.Info("Socket channel closed",
		"function", "Close",
		"channel_id", c.id)
	c.fireOnClose(nil)
	return nil
}

// shutdown tears the channel down once. Returns true for the call that did it.
func (c *Channel) shutdown(reason error) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.authorized.Store(false)
		c.cancel()
		c.conn.Close()

		c.pendingMu.Lock()
		c.closed = true
		c.closeErr = reason
		pending := c.pending
		c.pending = make(map[uint64]chan Response)
		c.pendingMu.Unlock()

		for _, slot := range pending {
			close(slot)
		}
	})
	return first
}

func (c *Channel) fireOnClose(reason error) {
	c.handlersMu.RLock()
	fn := c.onClose
	c.handlersMu.RUnlock()
	if fn != nil {
		fn(reason)
	}
}
