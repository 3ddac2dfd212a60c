// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the hunter — symbol metadata,
// liquidation/order wire payloads, and the internal position/config model.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or liquidation: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide tags a position under one-way (BOTH) or hedge (LONG/SHORT) mode.
type PositionSide string

const (
	PositionBoth  PositionSide = "BOTH"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionMode is the account-wide setting controlling whether LONG and SHORT
// positions coexist per symbol (HEDGE) or a single net position is kept (ONE_WAY).
type PositionMode string

const (
	OneWay PositionMode = "ONE_WAY"
	Hedge  PositionMode = "HEDGE"
)

// OrderType enumerates the order types the hunter places.
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus mirrors the exchange's order lifecycle states.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Priority classifies an outbound REST request for the rate-limit manager.
// Lower numeric value is serviced first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Symbol metadata / precision
// ————————————————————————————————————————————————————————————————————————

// SymbolFilters holds the exchange-published precision constraints for one
// symbol, as extracted from /fapi/v1/exchangeInfo.
type SymbolFilters struct {
	Symbol      string
	TickSize    float64 // PRICE_FILTER.tickSize
	StepSize    float64 // LOT_SIZE.stepSize
	MinQty      float64 // LOT_SIZE.minQty
	MaxQty      float64 // LOT_SIZE.maxQty
	MinNotional float64 // MIN_NOTIONAL.minNotional
}

// ————————————————————————————————————————————————————————————————————————
// Liquidation / mark price stream
// ————————————————————————————————————————————————————————————————————————

// LiquidationEvent is a forced-liquidation order broadcast on the public
// !forceOrder@arr stream. Side is the side of the liquidation order itself
// (SELL means a long position was force-closed; BUY means a short was).
type LiquidationEvent struct {
	Symbol       string
	Side         Side
	OrderType    string
	Price        float64
	AveragePrice float64
	Quantity     float64
	EventTime    time.Time
}

// VolumeUSDT returns the notional size of the liquidation in quote currency.
func (l LiquidationEvent) VolumeUSDT() float64 {
	return l.Quantity * l.Price
}

// MarkPriceUpdate is a single symbol's mark price from !markPrice@arr@1s.
type MarkPriceUpdate struct {
	Symbol    string
	MarkPrice float64
	EventTime time.Time
}

// Kline is a single candlestick from GET /fapi/v1/klines, used for the
// hunter's VWAP protection band (§4.6).
type Kline struct {
	OpenTime  time.Time
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// BookTicker is the best bid/ask snapshot from GET /fapi/v1/ticker/bookTicker.
type BookTicker struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
}

// OpenOrder is a single resting order from GET /fapi/v1/openOrders, used by
// the Position Manager to verify tracked protective orders are still live.
type OpenOrder struct {
	OrderID      int64
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Status       OrderStatus
	ReduceOnly   bool
	OrigQty      float64
	StopPrice    float64
}

// ————————————————————————————————————————————————————————————————————————
// Positions and protective orders
// ————————————————————————————————————————————————————————————————————————

// PositionKey uniquely identifies a tracked position: symbol + side tag.
type PositionKey struct {
	Symbol       string
	PositionSide PositionSide
}

func (k PositionKey) String() string {
	return k.Symbol + "_" + string(k.PositionSide)
}

// Position is the authoritative account position for one key, as reported by
// GET /fapi/v2/positionRisk or an ACCOUNT_UPDATE frame.
type Position struct {
	Symbol           string
	PositionSide     PositionSide
	PositionAmt      float64 // signed: positive long, negative short
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedProfit float64
	UpdateTime       time.Time
}

// Key returns the position's identity key.
func (p Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, PositionSide: p.PositionSide}
}

// Side returns LONG or SHORT based on the sign of PositionAmt.
func (p Position) Side() PositionSide {
	if p.PositionAmt < 0 {
		return PositionShort
	}
	return PositionLong
}

// IsOpen reports whether the position carries nonzero size.
func (p Position) IsOpen() bool {
	return p.PositionAmt != 0
}

// ProtectiveOrders tracks the stop-loss and take-profit order ids bound to a
// position key. Either field may be empty, meaning no live order of that kind.
type ProtectiveOrders struct {
	SLOrderID int64
	TPOrderID int64
}

// HasSL reports whether a stop-loss order is tracked.
func (p ProtectiveOrders) HasSL() bool { return p.SLOrderID != 0 }

// HasTP reports whether a take-profit order is tracked.
func (p ProtectiveOrders) HasTP() bool { return p.TPOrderID != 0 }

// PendingEntry records an in-flight entry order before its fill is confirmed.
// Keyed by (Symbol, Side) at the hunter layer; TempKey is the hunter-generated
// placeholder id used until the exchange returns a real order id.
type PendingEntry struct {
	TempKey   string
	Symbol    string
	Side      Side
	CreatedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order wire shapes
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the set of parameters the hunter/position manager builds
// for a single order; the signing client turns this into a signed query
// string before transmission.
type OrderRequest struct {
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Quantity     string // pre-formatted by the precision registry
	Price        string // pre-formatted; empty for MARKET orders
	StopPrice    string // pre-formatted; for STOP_MARKET/TAKE_PROFIT_MARKET
	WorkingType  string // "MARK_PRICE" for protective orders
	ReduceOnly   bool   // only set in ONE_WAY mode
	PriceProtect bool
	PostOnly     bool
	TimeInForce  string
}

// OrderResult is the exchange's response to a single order placement.
type OrderResult struct {
	OrderID       int64
	Symbol        string
	Status        OrderStatus
	ClientOrderID string
	Code          int    // nonzero on a per-item batch failure
	Msg           string // populated alongside Code
}

// AccountUpdate is the normalized ACCOUNT_UPDATE frame delivered by the
// user-data stream: balance deltas plus the position set included in this
// update (which may be a strict subset of all open positions — see the
// cross-symbol preservation invariant).
type AccountUpdate struct {
	EventTime time.Time
	Balances  []BalanceDelta
	Positions []Position
}

// BalanceDelta is one asset's wallet balance change within an ACCOUNT_UPDATE.
type BalanceDelta struct {
	Asset         string
	WalletBalance float64
	CrossWallet   float64
	BalanceChange float64
}

// OrderTradeUpdate is the normalized ORDER_TRADE_UPDATE frame.
type OrderTradeUpdate struct {
	EventTime        time.Time
	Symbol           string
	OrderID          int64
	ClientOrderID    string
	Side             Side
	Type             OrderType
	PositionSide     PositionSide
	Status           OrderStatus
	OrigQty          float64
	Price            float64
	LastFilledQty    float64
	LastFilledPrice  float64
	ReduceOnly       bool
}

// IsEntryFill reports whether this update represents a completed entry fill
// (as opposed to a protective-order fill or a cancel/reject).
func (u OrderTradeUpdate) IsEntryFill() bool {
	return u.Status == OrderFilled && u.Type != OrderTypeStopMarket && u.Type != OrderTypeTakeProfitMarket
}
