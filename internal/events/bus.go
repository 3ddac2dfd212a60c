// Package events implements the Event Broadcaster boundary (§4.9): a
// minimal pub/sub the core publishes typed events onto, with a default
// in-process fan-out Hub grounded on the teacher's websocket dashboard
// hub (teacher: internal/api/stream.go) generalized from "websocket
// dashboard clients" to "any channel-based Sink", so the core carries no
// net/http dependency.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind enumerates the event types the core publishes (§4.9).
type Kind string

const (
	LiquidationDetected Kind = "liquidationDetected"
	TradeOpportunity    Kind = "tradeOpportunity"
	PositionOpened      Kind = "positionOpened"
	PositionUpdate      Kind = "positionUpdate"
	PositionClosed      Kind = "positionClosed"
	BalanceUpdate       Kind = "balanceUpdate"
	MarkPriceUpdate     Kind = "markPriceUpdate"
	ErrorEvent          Kind = "error"
	Toast               Kind = "toast"
)

// ToastLevel classifies a Toast event's severity.
type ToastLevel string

const (
	ToastInfo  ToastLevel = "info"
	ToastWarn  ToastLevel = "warn"
	ToastError ToastLevel = "error"
)

// Event is the envelope published on the bus. Data holds the kind-specific
// payload (see the New*Event constructors below).
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Symbol    string // empty for account-wide events
	Paper     bool   // true when emitted in paper/dry-run mode (§7)
	Data      interface{}
}

// ErrorPayload is the Data for an ErrorEvent (§7 user-visible failure shape).
type ErrorPayload struct {
	Kind      string
	Component string
	Symbol    string
	Code      int
	Message   string
}

// ToastPayload is the Data for a Toast event.
type ToastPayload struct {
	Level ToastLevel
	Title string
	Msg   string
}

// NewLiquidationDetectedEvent reports an incoming liquidation the hunter
// evaluated, whether or not it triggered a trade.
func NewLiquidationDetectedEvent(symbol string, volumeUSDT, price float64) Event {
	return Event{Kind: LiquidationDetected, Timestamp: now(), Symbol: symbol, Data: map[string]float64{
		"volumeUSDT": volumeUSDT,
		"price":      price,
	}}
}

// NewTradeOpportunityEvent reports a hunter decision to open a counter-trade.
func NewTradeOpportunityEvent(symbol string, side string, quantity, price float64) Event {
	return Event{Kind: TradeOpportunity, Timestamp: now(), Symbol: symbol, Data: map[string]interface{}{
		"side": side, "quantity": quantity, "price": price,
	}}
}

// NewPositionOpenedEvent reports a position created by an entry fill.
func NewPositionOpenedEvent(symbol, side string, quantity, entryPrice float64) Event {
	return Event{Kind: PositionOpened, Timestamp: now(), Symbol: symbol, Data: map[string]interface{}{
		"side": side, "quantity": quantity, "entryPrice": entryPrice,
	}}
}

// NewPositionUpdateEvent reports a reconciliation-driven position change.
func NewPositionUpdateEvent(symbol string, quantity, markPrice, unrealizedPnL float64) Event {
	return Event{Kind: PositionUpdate, Timestamp: now(), Symbol: symbol, Data: map[string]float64{
		"quantity": quantity, "markPrice": markPrice, "unrealizedPnL": unrealizedPnL,
	}}
}

// NewPositionClosedEvent reports a position returning to zero size.
func NewPositionClosedEvent(symbol string, realizedPnL float64) Event {
	return Event{Kind: PositionClosed, Timestamp: now(), Symbol: symbol, Data: map[string]float64{
		"realizedPnL": realizedPnL,
	}}
}

// NewBalanceUpdateEvent reports a wallet balance change.
func NewBalanceUpdateEvent(asset string, walletBalance, availableBalance float64) Event {
	return Event{Kind: BalanceUpdate, Timestamp: now(), Data: map[string]interface{}{
		"asset": asset, "walletBalance": walletBalance, "availableBalance": availableBalance,
	}}
}

// NewMarkPriceUpdateEvent reports a mark price tick for a tracked symbol.
func NewMarkPriceUpdateEvent(symbol string, markPrice float64) Event {
	return Event{Kind: MarkPriceUpdate, Timestamp: now(), Symbol: symbol, Data: map[string]float64{
		"markPrice": markPrice,
	}}
}

// NewErrorEvent reports a surfaced failure per the §7 taxonomy.
func NewErrorEvent(kind, component, symbol string, code int, message string) Event {
	return Event{Kind: ErrorEvent, Timestamp: now(), Symbol: symbol, Data: ErrorPayload{
		Kind: kind, Component: component, Symbol: symbol, Code: code, Message: message,
	}}
}

// NewToastEvent reports a user-facing informational/warning/error message.
func NewToastEvent(level ToastLevel, title, msg string) Event {
	return Event{Kind: Toast, Timestamp: now(), Data: ToastPayload{Level: level, Title: title, Msg: msg}}
}

var nowFunc = time.Now

func now() time.Time { return nowFunc() }

// Sink receives published events. Implementations must not block; Hub's own
// Sink implementations fan out over buffered channels and drop on overflow.
type Sink interface {
	Publish(Event)
}

// Hub is the default in-process Event Broadcaster: register/unregister/
// broadcast over a single goroutine, fanning events out to every
// registered subscriber channel (teacher: internal/api/stream.go Hub).
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]bool
	register    chan chan Event
	unregister  chan chan Event
	broadcast   chan Event
	logger      *slog.Logger
	done        chan struct{}
}

// NewHub creates a broadcaster hub. Call Run in a goroutine before
// publishing.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[chan Event]bool),
		register:    make(chan chan Event),
		unregister:  make(chan chan Event),
		broadcast:   make(chan Event, 256),
		logger:      logger.With("component", "events"),
		done:        make(chan struct{}),
	}
}

// Run drives the hub's register/unregister/broadcast loop until ctx done
// is signaled via Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case ch := <-h.register:
			h.mu.Lock()
			h.subscribers[ch] = true
			h.mu.Unlock()
		case ch := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[ch]; ok {
				delete(h.subscribers, ch)
				close(ch)
			}
			h.mu.Unlock()
		case evt := <-h.broadcast:
			h.mu.RLock()
			for ch := range h.subscribers {
				select {
				case ch <- evt:
				default:
					h.logger.Warn("subscriber channel full, dropping event", "kind", evt.Kind)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop halts Run.
func (h *Hub) Stop() { close(h.done) }

// Publish satisfies Sink, queuing evt for fan-out.
func (h *Hub) Publish(evt Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "kind", evt.Kind)
	}
}

// Subscribe registers a new subscriber channel and returns it; the caller
// must eventually call Unsubscribe to release it.
func (h *Hub) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	h.register <- ch
	return ch
}

// Unsubscribe removes a subscriber channel registered via Subscribe.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.unregister <- ch
}
