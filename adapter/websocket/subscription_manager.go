package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Market data subscription endpoints.
const (
	subscribeQuotePath   = "md/subscribeQuote"
	unsubscribeQuotePath = "md/unsubscribeQuote"
	subscribeDOMPath     = "md/subscribeDOM"
	unsubscribeDOMPath   = "md/unsubscribeDOM"
)

// SubscriptionKind is the market data stream a subscription feeds.
type SubscriptionKind string

const (
	SubscriptionQuote SubscriptionKind = "quote"
	SubscriptionDOM   SubscriptionKind = "dom"
)

// Requester is the request path shared by Channel and the session manager.
type Requester interface {
	Request(ctx context.Context, path string, query map[string]string, body interface{}) (*Response, error)
}

// Subscription is one active market data subscription.
type Subscription struct {
	Symbol       string
	Kind         SubscriptionKind
	SubscribedAt time.Time
}

// SubscriptionManager issues md/subscribe* requests and remembers what is active so a
// caller can restore the set on a fresh session.
type SubscriptionManager struct {
	requester Requester
	logger    *slog.Logger

	subscriptionMu sync.RWMutex
	subscriptions  map[string]*Subscription
}

func NewSubscriptionManager(requester Requester, logger *slog.Logger) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		requester:     requester,
		logger:        logger,
		subscriptions: make(map[string]*Subscription),
	}
}

// SubscribeQuote starts quote events for symbol (e.g. "MESM4").
func (sm *SubscriptionManager) SubscribeQuote(ctx context.Context, symbol string) error {
	return sm.subscribe(ctx, SubscriptionQuote, symbol)
}

// SubscribeDOM starts depth-of-market events for symbol.
func (sm *SubscriptionManager) SubscribeDOM(ctx context.Context, symbol string) error {
	return sm.subscribe(ctx, SubscriptionDOM, symbol)
}

func (sm *SubscriptionManager) UnsubscribeQuote(ctx context.Context, symbol string) error {
	return sm.unsubscribe(ctx, SubscriptionQuote, symbol)
}

func (sm *SubscriptionManager) UnsubscribeDOM(ctx context.Context, symbol string) error {
	return sm.unsubscribe(ctx, SubscriptionDOM, symbol)
}

// ResubscribeAll re-issues every tracked subscription, e.g. after re-authorizing.
func (sm *SubscriptionManager) ResubscribeAll(ctx context.Context) error {
	active := sm.GetActiveSubscriptions()
	for _, sub := range active {
		if err := sm.send(ctx, subscribePath(sub.Kind), sub.Symbol); err != nil {
			return fmt.Errorf("resubscribe %s %s: %w", sub.Kind, sub.Symbol, err)
		}
	}
	sm.logger.Info("Subscriptions restored",
		"function", "ResubscribeAll",
		"count", len(active))
	return nil
}

// GetActiveSubscriptions returns the tracked subscriptions ordered by kind then symbol.
func (sm *SubscriptionManager) GetActiveSubscriptions() []Subscription {
	sm.subscriptionMu.RLock()
	defer sm.subscriptionMu.RUnlock()

	result := make([]Subscription, 0, len(sm.subscriptions))
	for _, sub := range sm.subscriptions {
		result = append(result, *sub)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Kind != result[j].Kind {
			return result[i].Kind < result[j].Kind
		}
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

func (sm *SubscriptionManager) subscribe(ctx context.Context, kind SubscriptionKind, symbol string) error {
	if err := sm.send(ctx, subscribePath(kind), symbol); err != nil {
		sm.logger.Error("Subscription failed",
			"function", "subscribe",
			"kind", kind,
			"symbol", symbol,
			"error", err)
		return err
	}

	sm.subscriptionMu.Lock()
	sm.subscriptions[subscriptionKey(kind, symbol)] = &Subscription{
		Symbol:       symbol,
		Kind:         kind,
		SubscribedAt: time.Now(),
	}
	sm.subscriptionMu.Unlock()

	sm.logger.Info("Subscribed",
		"function", "subscribe",
		"kind", kind,
		"symbol", symbol)
	return nil
}

func (sm *SubscriptionManager) unsubscribe(ctx context.Context, kind SubscriptionKind, symbol string) error {
	path := unsubscribeQuotePath
	if kind == SubscriptionDOM {
		path = unsubscribeDOMPath
	}
	if err := sm.send(ctx, path, symbol); err != nil {
		return err
	}

	sm.subscriptionMu.Lock()
	delete(sm.subscriptions, subscriptionKey(kind, symbol))
	sm.subscriptionMu.Unlock()
	return nil
}

func (sm *SubscriptionManager) send(ctx context.Context, path, symbol string) error {
	resp, err := sm.requester.Request(ctx, path, nil, map[string]string{"symbol": symbol})
	if err != nil {
		return fmt.Errorf("%s %s: %w", path, symbol, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%s %s: rejected with status %d: %s", path, symbol, resp.Status, string(resp.Data))
	}
	return nil
}

func subscribePath(kind SubscriptionKind) string {
	if kind == SubscriptionDOM {
		return subscribeDOMPath
	}
	return subscribeQuotePath
}

func subscriptionKey(kind SubscriptionKind, symbol string) string {
	return string(kind) + ":" + symbol
}
