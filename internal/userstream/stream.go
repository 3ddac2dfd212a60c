// Package userstream implements the authenticated User-Data Stream (§4.3):
// a listenKey-gated WebSocket delivering ACCOUNT_UPDATE and
// ORDER_TRADE_UPDATE frames, with automatic reconnection, keep-alive, and a
// read-deadline watchdog grounded on the market data feed's connection
// handling, adapted to the listenKey lifecycle this channel requires.
package userstream

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

// State is the listen-key connection lifecycle (§4.3).
type State int

const (
	Disconnected State = iota
	ObtainingKey
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case ObtainingKey:
		return "OBTAINING_KEY"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	keepAliveInterval = 50 * time.Minute
	readTimeout       = 90 * time.Second
	maxReconnectWait  = 30 * time.Second
	writeTimeout      = 10 * time.Second
	eventBufferSize   = 128
)

// KeyManager issues and maintains a listenKey. Satisfied by *exchange.Client.
type KeyManager interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
	CloseListenKey(ctx context.Context) error
}

// Stream is the authenticated user-data WebSocket (§4.3).
type Stream struct {
	wsBase string
	keys   KeyManager
	logger *slog.Logger

	stateMu sync.RWMutex
	state   State

	conn   *websocket.Conn
	connMu sync.Mutex

	accountCh chan types.AccountUpdate
	orderCh   chan types.OrderTradeUpdate
}

// New creates a user-data stream client. wsBase is the stream host
// (e.g. "wss://fstream.asterdex.com/ws"); the listenKey is appended to it.
func New(wsBase string, keys KeyManager, logger *slog.Logger) *Stream {
	return &Stream{
		wsBase:    wsBase,
		keys:      keys,
		logger:    logger.With("component", "userstream"),
		accountCh: make(chan types.AccountUpdate, eventBufferSize),
		orderCh:   make(chan types.OrderTradeUpdate, eventBufferSize),
	}
}

// AccountUpdates returns the channel of normalized ACCOUNT_UPDATE frames.
func (s *Stream) AccountUpdates() <-chan types.AccountUpdate { return s.accountCh }

// OrderUpdates returns the channel of normalized ORDER_TRADE_UPDATE frames.
func (s *Stream) OrderUpdates() <-chan types.OrderTradeUpdate { return s.orderCh }

// State reports the current lifecycle state.
func (s *Stream) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Stream) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Run drives the listenKey lifecycle and WebSocket connection until ctx is
// cancelled: obtain a key, connect, keep the key alive, reconnect on any
// failure with exponential backoff, and re-obtain the key if it expires.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			s.setState(Closed)
			return ctx.Err()
		}

		s.setState(ObtainingKey)
		listenKey, err := s.keys.CreateListenKey(ctx)
		if err != nil {
			s.logger.Error("obtain listen key failed", "error", err)
			s.setState(Disconnected)
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		expired, err := s.connectAndRead(ctx, listenKey)
		if ctx.Err() != nil {
			s.setState(Closed)
			return ctx.Err()
		}

		s.setState(Disconnected)
		if expired {
			s.logger.Warn("listen key expired, re-obtaining")
			backoff = time.Second
			continue
		}

		s.logger.Warn("user stream disconnected, reconnecting", "error", err, "backoff", backoff)
		if !sleepBackoff(ctx, &backoff) {
			return ctx.Err()
		}
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > maxReconnectWait {
		*backoff = maxReconnectWait
	}
	return true
}

// connectAndRead returns (expired, err): expired is true if the connection
// ended because the listen key expired (requiring a fresh key rather than a
// plain reconnect).
func (s *Stream) connectAndRead(ctx context.Context, listenKey string) (bool, error) {
	s.setState(Connecting)

	url := s.wsBase + "/" + listenKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.setState(Open)

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	keepAliveCtx, cancelKeepAlive := context.WithCancel(ctx)
	defer cancelKeepAlive()
	go s.keepAliveLoop(keepAliveCtx)

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return false, fmt.Errorf("read: %w", err)
		}

		if expired := s.dispatch(msg); expired {
			return true, nil
		}
	}
}

func (s *Stream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.keys.KeepAliveListenKey(ctx); err != nil {
				s.logger.Warn("keep-alive listen key failed", "error", err)
			}
		}
	}
}

// dispatch parses the event envelope and fans out to the typed channels. It
// returns true if the frame signals listenKeyExpired.
func (s *Stream) dispatch(data []byte) bool {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json user stream message", "data", string(data))
		return false
	}

	switch envelope.EventType {
	case "ACCOUNT_UPDATE":
		s.dispatchAccountUpdate(data)
	case "ORDER_TRADE_UPDATE":
		s.dispatchOrderUpdate(data)
	case "listenKeyExpired":
		return true
	case "MARGIN_CALL":
		s.logger.Warn("margin call event received")
	default:
		s.logger.Debug("unhandled user stream event", "type", envelope.EventType)
	}
	return false
}

func (s *Stream) dispatchAccountUpdate(data []byte) {
	var frame struct {
		EventTime int64 `json:"E"`
		A         struct {
			Balances []struct {
				Asset         string `json:"a"`
				WalletBalance string `json:"wb"`
				CrossWallet   string `json:"cw"`
				BalanceChange string `json:"bc"`
			} `json:"B"`
			Positions []struct {
				Symbol           string `json:"s"`
				PositionAmt      string `json:"pa"`
				EntryPrice       string `json:"ep"`
				UnrealizedProfit string `json:"up"`
				PositionSide     string `json:"ps"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Error("unmarshal ACCOUNT_UPDATE", "error", err)
		return
	}

	update := types.AccountUpdate{EventTime: time.UnixMilli(frame.EventTime)}
	for _, b := range frame.A.Balances {
		update.Balances = append(update.Balances, types.BalanceDelta{
			Asset:         b.Asset,
			WalletBalance: parseFloat(b.WalletBalance),
			CrossWallet:   parseFloat(b.CrossWallet),
			BalanceChange: parseFloat(b.BalanceChange),
		})
	}
	for _, p := range frame.A.Positions {
		update.Positions = append(update.Positions, types.Position{
			Symbol:           p.Symbol,
			PositionSide:     types.PositionSide(p.PositionSide),
			PositionAmt:      parseFloat(p.PositionAmt),
			EntryPrice:       parseFloat(p.EntryPrice),
			UnrealizedProfit: parseFloat(p.UnrealizedProfit),
			UpdateTime:       update.EventTime,
		})
	}

	select {
	case s.accountCh <- update:
	default:
		s.logger.Warn("account update channel full, dropping event")
	}
}

func (s *Stream) dispatchOrderUpdate(data []byte) {
	var frame struct {
		EventTime int64 `json:"E"`
		O         struct {
			Symbol          string `json:"s"`
			ClientOrderID   string `json:"c"`
			Side            string `json:"S"`
			Type            string `json:"o"`
			PositionSide    string `json:"ps"`
			OrderStatus     string `json:"X"`
			OrigQty         string `json:"q"`
			Price           string `json:"p"`
			LastFilledQty   string `json:"l"`
			LastFilledPrice string `json:"L"`
			OrderID         int64  `json:"i"`
			ReduceOnly      bool   `json:"R"`
		} `json:"o"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Error("unmarshal ORDER_TRADE_UPDATE", "error", err)
		return
	}

	update := types.OrderTradeUpdate{
		EventTime:       time.UnixMilli(frame.EventTime),
		Symbol:          frame.O.Symbol,
		OrderID:         frame.O.OrderID,
		ClientOrderID:   frame.O.ClientOrderID,
		Side:            types.Side(frame.O.Side),
		Type:            types.OrderType(frame.O.Type),
		PositionSide:    types.PositionSide(frame.O.PositionSide),
		Status:          types.OrderStatus(frame.O.OrderStatus),
		OrigQty:         parseFloat(frame.O.OrigQty),
		Price:           parseFloat(frame.O.Price),
		LastFilledQty:   parseFloat(frame.O.LastFilledQty),
		LastFilledPrice: parseFloat(frame.O.LastFilledPrice),
		ReduceOnly:      frame.O.ReduceOnly,
	}

	select {
	case s.orderCh <- update:
	default:
		s.logger.Warn("order update channel full, dropping event", "orderID", update.OrderID)
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// Close shuts down the active connection and releases the listen key.
func (s *Stream) Close(ctx context.Context) error {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
	s.setState(Closed)
	return s.keys.CloseListenKey(ctx)
}
