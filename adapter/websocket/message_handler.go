package websocket

import (
	"fmt"

	tradovate "github.com/bjoelf/tradovate-adapter/adapter"
)

// MessageHandler decodes server frames and routes their contents: responses to the
// pending request with the same sequence, events to the registered category handler.
type MessageHandler struct {
	client *Channel
}

func NewMessageHandler(client *Channel) *MessageHandler {
	return &MessageHandler{client: client}
}

// ProcessMessage handles one text frame.
func (mh *MessageHandler) ProcessMessage(message []byte) error {
	frame, err := decodeFrame(message)
	if err != nil {
		return err
	}

	switch frame.Kind {
	case frameOpen:
		mh.client.logger.Debug("Duplicate open frame ignored",
			"function", "ProcessMessage",
			"channel_id", mh.client.id)
	case frameHeartbeat:
		// server keep-alive, nothing to do
	case frameClose:
		mh.client.logger.Warn("Server closed the socket",
			"function", "ProcessMessage",
			"channel_id", mh.client.id,
			"payload", frame.Close)
		mh.client.fail(fmt.Errorf("%w: server close %s", tradovate.ErrConnectionClosed, frame.Close))
	case frameArray:
		for _, elem := range frame.Elements {
			mh.handleElement(elem)
		}
	}
	return nil
}

func (mh *MessageHandler) handleElement(elem element) {
	if elem.ID != nil {
		resp := Response{Status: elem.Status, ID: *elem.ID, Data: elem.Data}
		if mh.client.routeResponse(resp) {
			return
		}
		if elem.Event == "" {
			mh.client.logger.Debug("Response without pending request dropped",
				"function", "handleElement",
				"channel_id", mh.client.id,
				"seq", resp.ID,
				"status", resp.Status)
			return
		}
	}

	if elem.Event == "" {
		mh.client.logger.Debug("Element without id or event dropped",
			"function", "handleElement",
			"channel_id", mh.client.id)
		return
	}

	mh.client.dispatch(Event{
		Category: categorize(elem.Event, elem.Data),
		Name:     elem.Event,
		Data:     elem.Data,
	})
}
