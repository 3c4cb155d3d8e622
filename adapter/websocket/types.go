package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// websocketMessage is one frame handed from the reader goroutine to the processor.
// A read error travels on the same queue so it is handled after every frame before it.
type websocketMessage struct {
	MessageType int
	Data        []byte
	ReceivedAt  time.Time
	Err         error
}

// Response is the correlated answer to a request: a{"s":status,"i":seq,"d":data}.
type Response struct {
	Status int             `json:"s"`
	ID     uint64          `json:"i"`
	Data   json.RawMessage `json:"d,omitempty"`
}

// OK reports a 200 status.
func (r *Response) OK() bool {
	return r.Status == http.StatusOK
}

// Decode unmarshals the response payload into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response %d carries no data", r.ID)
	}
	return json.Unmarshal(r.Data, v)
}

// EventCategory groups server-pushed events for handler registration.
type EventCategory string

const (
	EventConnect   EventCategory = "connect"
	EventQuote     EventCategory = "quote"
	EventDOM       EventCategory = "dom"
	EventChart     EventCategory = "chart"
	EventHistogram EventCategory = "histogram"
	EventOrder     EventCategory = "order"
	EventShutdown  EventCategory = "shutdown"
)

// Event is an unsolicited server message {"e":name,"d":data}.
type Event struct {
	Category EventCategory
	Name     string
	Data     json.RawMessage
}

// EventHandler receives events on the channel's processor goroutine, in arrival order.
type EventHandler func(Event)

// Config controls dialing and request timing of a Channel.
type Config struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	Header           http.Header
	Logger           *slog.Logger
	// Handlers are installed before the handshake so the connect event reaches them.
	Handlers map[EventCategory]EventHandler
	// OnClose fires once when the channel closes; err is nil for a local Close.
	OnClose func(err error)
}

// element is one entry of an "a" array frame. ID is a pointer so an untagged
// event can be told apart from a response to sequence 0.
type element struct {
	Status int             `json:"s"`
	ID     *uint64         `json:"i"`
	Data   json.RawMessage `json:"d"`
	Event  string          `json:"e"`
}
