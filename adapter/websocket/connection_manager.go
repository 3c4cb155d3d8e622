package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	tradovate "github.com/bjoelf/tradovate-adapter/adapter"
	"github.com/gorilla/websocket"
)

// Dial opens the socket at url and waits for the server's "o" open frame.
// Any failure before the open frame is an *tradovate.OpenFailureError and leaves no socket behind.
func Dial(ctx context.Context, url string, cfg Config) (*Channel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = tradovate.DefaultHandshakeTimeout
	}

	logger.Info("Dialing market data socket",
		"function", "Dial",
		"url", url)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	conn, resp, err := dialer.DialContext(ctx, url, cfg.Header)
	if err != nil {
		reason := "dial failed"
		if resp != nil {
			reason = fmt.Sprintf("upgrade rejected with status %d", resp.StatusCode)
		}
		logger.Error("Socket dial failed",
			"function", "Dial",
			"url", url,
			"reason", reason,
			"error", err)
		return nil, &tradovate.OpenFailureError{URL: url, Reason: reason, Err: err}
	}

	if err := awaitOpenFrame(ctx, conn, url, handshakeTimeout); err != nil {
		conn.Close()
		logger.Error("Socket handshake failed",
			"function", "Dial",
			"url", url,
			"error", err)
		return nil, err
	}

	c := newChannel(conn, url, cfg, logger)
	c.dispatch(Event{Category: EventConnect, Name: string(EventConnect)})
	c.start()

	logger.Info("Socket channel open",
		"function", "Dial",
		"channel_id", c.id,
		"local_addr", conn.LocalAddr(),
		"remote_addr", conn.RemoteAddr())
	return c, nil
}

// awaitOpenFrame reads the first frame within timeout (or the ctx deadline, if sooner).
func awaitOpenFrame(ctx context.Context, conn *websocket.Conn, url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return &tradovate.OpenFailureError{URL: url, Reason: "set read deadline", Err: err}
	}

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		reason := "no open frame"
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			reason = fmt.Sprintf("no open frame within %v", timeout)
		}
		return &tradovate.OpenFailureError{URL: url, Reason: reason, Err: err}
	}
	if messageType != websocket.TextMessage || string(data) != "o" {
		return &tradovate.OpenFailureError{URL: url, Reason: fmt.Sprintf("unexpected open frame %q", data)}
	}

	return conn.SetReadDeadline(time.Time{})
}

// describeReadError classifies a reader error for the close reason and logs.
func describeReadError(err error) string {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		return fmt.Sprintf("close frame code=%d text=%q", closeErr.Code, closeErr.Text)
	case errors.Is(err, net.ErrClosed):
		return "use of closed network connection"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "read timeout"
	}
	return err.Error()
}
