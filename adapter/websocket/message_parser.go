package websocket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Tradovate socket protocol, text frames only.
//
// Client to server:
//
//	<path>\n<seq>\n<query>\n<body>    request, e.g. "md/subscribeQuote\n2\n\n{\"symbol\":\"MESM4\"}"
//	[]                                keep-alive
//
// Server to client, the first character selects the frame kind:
//
//	o          open, must be the first frame after upgrade
//	h          server heartbeat
//	a[...]     JSON array of responses {s,i,d} and events {e,d}
//	c[...]     server close
type frameKind byte

const (
	frameOpen      frameKind = 'o'
	frameHeartbeat frameKind = 'h'
	frameArray     frameKind = 'a'
	frameClose     frameKind = 'c'
)

const heartbeatFrame = "[]"

// parsedFrame is the decoded form of one server frame.
type parsedFrame struct {
	Kind     frameKind
	Elements []element // frameArray
	Close    string    // frameClose payload, verbatim
}

// encodeFrame builds the four-field request frame.
func encodeFrame(path string, seq uint64, query, body string) string {
	var b strings.Builder
	b.Grow(len(path) + len(query) + len(body) + 24)
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatUint(seq, 10))
	b.WriteByte('\n')
	b.WriteString(query)
	b.WriteByte('\n')
	b.WriteString(body)
	return b.String()
}

// decodeFrame strips the framing character and parses the payload.
func decodeFrame(data []byte) (*parsedFrame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	kind := frameKind(data[0])
	payload := data[1:]

	switch kind {
	case frameOpen, frameHeartbeat:
		return &parsedFrame{Kind: kind}, nil
	case frameClose:
		return &parsedFrame{Kind: kind, Close: string(payload)}, nil
	case frameArray:
		var elements []element
		if err := json.Unmarshal(payload, &elements); err != nil {
			return nil, fmt.Errorf("failed to parse array frame: %w", err)
		}
		return &parsedFrame{Kind: kind, Elements: elements}, nil
	default:
		return nil, fmt.Errorf("unknown frame kind %q", data[0])
	}
}

// String provides a debug representation
func (f *parsedFrame) String() string {
	return fmt.Sprintf("Frame{Kind:%c, Elements:%d}", f.Kind, len(f.Elements))
}
