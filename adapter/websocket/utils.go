package websocket

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// encodeQuery joins key=value pairs with '&' in key order. Values are sent as-is.
func encodeQuery(query map[string]string) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+query[k])
	}
	return strings.Join(pairs, "&")
}

// encodeBody renders a request body. nil is empty, raw bytes and strings pass through,
// anything else is marshaled to JSON.
func encodeBody(body interface{}) (string, error) {
	switch v := body.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal request body: %w", err)
		}
		return string(data), nil
	}
}

// categorize maps an event name and payload onto its handler category.
// Market data events ("md") are split by the collection they carry.
func categorize(name string, data json.RawMessage) EventCategory {
	switch name {
	case "md":
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(data, &keys); err == nil {
			switch {
			case keys["quotes"] != nil:
				return EventQuote
			case keys["doms"] != nil:
				return EventDOM
			case keys["histograms"] != nil:
				return EventHistogram
			case keys["charts"] != nil:
				return EventChart
			}
		}
		return EventCategory(name)
	case "chart":
		return EventChart
	case "props":
		return EventOrder
	case "shutdown":
		return EventShutdown
	default:
		return EventCategory(name)
	}
}

// maskToken keeps a short prefix of a token for logs.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****"
}
