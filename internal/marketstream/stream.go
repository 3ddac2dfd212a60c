// Package marketstream implements the public Market Stream (§4.4): a
// combined-stream WebSocket subscription to !forceOrder@arr and
// !markPrice@arr@1s, grounded on the same single-connection reconnect
// shape as the user-data stream but with no auth and no listenKey.
package marketstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aster-lick-hunter/node/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	maxReconnectAttempts = 5
	eventBufferSize  = 256
)

// Stream is the public liquidation/mark-price WebSocket feed (§4.4).
type Stream struct {
	url     string
	symbols map[string]bool
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	liquidationCh chan types.LiquidationEvent
	markPriceCh   chan types.MarkPriceUpdate
}

// New creates a market stream subscribed to !forceOrder@arr and
// !markPrice@arr@1s on wsBase, filtering to the given symbol set in-process
// (the exchange does not support per-symbol combined-stream filtering for
// these two channels).
func New(wsBase string, symbols []string, logger *slog.Logger) *Stream {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &Stream{
		url:           wsBase + "/stream?streams=!forceOrder@arr/!markPrice@arr@1s",
		symbols:       set,
		logger:        logger.With("component", "marketstream"),
		liquidationCh: make(chan types.LiquidationEvent, eventBufferSize),
		markPriceCh:   make(chan types.MarkPriceUpdate, eventBufferSize),
	}
}

// Liquidations returns the channel of symbol-filtered liquidation events.
func (s *Stream) Liquidations() <-chan types.LiquidationEvent { return s.liquidationCh }

// MarkPrices returns the channel of symbol-filtered mark price updates.
func (s *Stream) MarkPrices() <-chan types.MarkPriceUpdate { return s.markPriceCh }

// Run connects and maintains the connection with exponential backoff,
// giving up after maxReconnectAttempts consecutive failures (§4.4).
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= maxReconnectAttempts {
			return fmt.Errorf("market stream: giving up after %d attempts: %w", attempts, err)
		}

		s.logger.Warn("market stream disconnected, reconnecting",
			"error", err, "attempt", attempts, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.logger.Info("market stream connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatch(msg)
	}
}

// combinedEnvelope wraps every frame on a /stream?streams=... connection.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (s *Stream) dispatch(raw []byte) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Debug("ignoring non-json market stream message", "data", string(raw))
		return
	}

	var eventType struct {
		E string `json:"e"`
	}
	if err := json.Unmarshal(env.Data, &eventType); err != nil {
		return
	}

	switch eventType.E {
	case "forceOrder":
		s.dispatchLiquidation(env.Data)
	case "markPriceUpdate":
		s.dispatchMarkPrice(env.Data)
	default:
		s.logger.Debug("unhandled market stream event", "type", eventType.E)
	}
}

func (s *Stream) dispatchLiquidation(data []byte) {
	var frame struct {
		EventTime int64 `json:"E"`
		O         struct {
			Symbol       string `json:"s"`
			Side         string `json:"S"`
			OrderType    string `json:"o"`
			Price        string `json:"p"`
			AveragePrice string `json:"ap"`
			Quantity     string `json:"q"`
		} `json:"o"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Error("unmarshal forceOrder event", "error", err)
		return
	}
	if !s.symbols[frame.O.Symbol] {
		return
	}

	evt := types.LiquidationEvent{
		Symbol:       frame.O.Symbol,
		Side:         types.Side(frame.O.Side),
		OrderType:    frame.O.OrderType,
		Price:        parseFloat(frame.O.Price),
		AveragePrice: parseFloat(frame.O.AveragePrice),
		Quantity:     parseFloat(frame.O.Quantity),
		EventTime:    time.UnixMilli(frame.EventTime),
	}

	select {
	case s.liquidationCh <- evt:
	default:
		s.logger.Warn("liquidation channel full, dropping event", "symbol", evt.Symbol)
	}
}

func (s *Stream) dispatchMarkPrice(data []byte) {
	var frame struct {
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Error("unmarshal markPriceUpdate event", "error", err)
		return
	}
	if !s.symbols[frame.Symbol] {
		return
	}

	evt := types.MarkPriceUpdate{
		Symbol:    frame.Symbol,
		MarkPrice: parseFloat(frame.MarkPrice),
		EventTime: time.UnixMilli(frame.EventTime),
	}

	select {
	case s.markPriceCh <- evt:
	default:
		s.logger.Warn("mark price channel full, dropping event", "symbol", evt.Symbol)
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// Close closes the active connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
