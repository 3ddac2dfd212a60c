package hunter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aster-lick-hunter/node/internal/config"
	"github.com/aster-lick-hunter/node/internal/events"
	"github.com/aster-lick-hunter/node/internal/exchange"
	"github.com/aster-lick-hunter/node/internal/precision"
	"github.com/aster-lick-hunter/node/internal/risk"
	"github.com/aster-lick-hunter/node/pkg/types"
)

const (
	reaperInterval = 30 * time.Second
	pendingTTL     = 5 * time.Minute
)

// PositionView is the read-only slice of Position Manager state the hunter
// needs to gate new entries: how many positions are open account-wide, and
// how much notional a symbol already carries. Implemented by *position.Manager;
// declared here (not imported) so the two packages don't form a cycle.
type PositionView interface {
	PositionCount() int
	SymbolNotionalUSDT(symbol string) float64
	HasPosition(key types.PositionKey) bool
}

type pendingKey struct {
	Symbol string
	Side   types.Side
}

// Hunter consumes LiquidationEvent frames and decides whether to open a
// counter-trade (§4.6). It owns the pending-entry map exclusively; no other
// task may mutate it (§5).
type Hunter struct {
	symbols  map[string]config.SymbolConfig
	global   config.GlobalConfig
	client   *exchange.Client
	registry *precision.Registry
	sink     events.Sink
	positions PositionView
	risk     *risk.Manager
	logger   *slog.Logger
	paper    bool

	mu      sync.Mutex
	pending map[pendingKey]types.PendingEntry

	vwapMu    sync.Mutex
	vwapCache map[string]vwapEntry
}

type vwapEntry struct {
	value     float64
	computed  time.Time
}

// SetPositionView wires the Position Manager in after construction, to
// break the Hunter/Position-Manager construction cycle (each needs a
// reference to the other: the Manager needs the Hunter to forget pending
// entries on fill, the Hunter needs the Manager's position counts to gate
// new entries).
func (h *Hunter) SetPositionView(positions PositionView) {
	h.positions = positions
}

// SetPositionMode overrides the position mode the hunter gates entries
// against, called once at startup after the exchange's actual dual-side
// setting is queried (§4.6). Must be called before Run, since it is not
// synchronized against concurrent reads.
func (h *Hunter) SetPositionMode(mode types.PositionMode) {
	h.global.PositionMode = mode
}

// New builds a Hunter. positions may be nil at construction time — wire it
// in afterward with SetPositionView once the Position Manager exists.
func New(cfg *config.Config, client *exchange.Client, registry *precision.Registry, sink events.Sink, positions PositionView, riskMgr *risk.Manager, logger *slog.Logger) *Hunter {
	return &Hunter{
		symbols:   cfg.Symbols,
		global:    cfg.Global,
		client:    client,
		registry:  registry,
		sink:      sink,
		positions: positions,
		risk:      riskMgr,
		logger:    logger.With("component", "hunter"),
		paper:     cfg.DryRun,
		pending:   make(map[pendingKey]types.PendingEntry),
		vwapCache: make(map[string]vwapEntry),
	}
}

// Run starts the stale-pending reaper; it blocks until ctx is canceled.
func (h *Hunter) Run(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapStalePending()
		}
	}
}

// reapStalePending removes pending records older than pendingTTL. Otherwise a
// record is cleared only when the Position Manager observes the entry fill on
// the user-data stream and calls ForgetPending; no open-order check is made.
func (h *Hunter) reapStalePending() {
	cutoff := time.Now().Add(-pendingTTL)
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, p := range h.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(h.pending, k)
			h.logger.Info("reaped stale pending entry", "symbol", k.Symbol, "side", k.Side, "age", time.Since(p.CreatedAt))
		}
	}
}

// ForgetPending drops a pending record, called by the Position Manager once
// an entry fill is observed via the user-data stream.
func (h *Hunter) ForgetPending(symbol string, side types.Side) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, pendingKey{Symbol: symbol, Side: side})
}

// Snapshot returns a copy of the pending-entry map keyed by "<symbol>_<side>",
// for the core to persist across restarts via internal/store.
func (h *Hunter) Snapshot() map[string]types.PendingEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]types.PendingEntry, len(h.pending))
	for k, v := range h.pending {
		out[k.Symbol+"_"+string(k.Side)] = v
	}
	return out
}

// Restore seeds the pending-entry map from a previously saved snapshot. Call
// once at startup, before Run.
func (h *Hunter) Restore(snapshot map[string]types.PendingEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range snapshot {
		h.pending[pendingKey{Symbol: p.Symbol, Side: p.Side}] = p
	}
}

// HandleLiquidation evaluates one LiquidationEvent and, if the trigger rule
// fires, places a counter-trade (§4.6). Safe to call concurrently per-event;
// internal state mutation is serialized by h.mu.
func (h *Hunter) HandleLiquidation(ctx context.Context, evt types.LiquidationEvent) {
	volumeUSDT := evt.VolumeUSDT()
	h.sink.Publish(events.NewLiquidationDetectedEvent(evt.Symbol, volumeUSDT, evt.Price))

	cfg, ok := h.symbols[evt.Symbol]
	if !ok {
		return
	}

	side, ok := h.triggerSide(evt, cfg, volumeUSDT)
	if !ok {
		return
	}

	if h.vwapRejects(ctx, evt.Symbol, cfg, side, evt.Price) {
		h.logger.Debug("VWAP protection rejected intent", "symbol", evt.Symbol, "side", side)
		return
	}

	if h.isPending(evt.Symbol, side) {
		return
	}
	if h.risk != nil {
		if h.risk.IsKillSwitchActive() {
			h.logger.Debug("entry skipped, risk kill switch active", "symbol", evt.Symbol)
			return
		}
		if notional := cfg.EffectiveTradeSize(side) * evt.Price; h.risk.RemainingBudget(evt.Symbol) < notional {
			h.logger.Debug("entry skipped, risk budget exhausted", "symbol", evt.Symbol, "notional", notional)
			return
		}
	}
	if h.positions != nil {
		if h.global.MaxConcurrentPositions > 0 && h.positions.PositionCount() >= h.global.MaxConcurrentPositions {
			return
		}
		if cfg.MaxPositionMarginUSDT > 0 && cfg.Leverage > 0 {
			existing := h.positions.SymbolNotionalUSDT(evt.Symbol)
			if existing >= cfg.MaxPositionMarginUSDT*float64(cfg.Leverage) {
				return
			}
		}
	}

	h.openEntry(ctx, evt, cfg, side)
}

// triggerSide implements the per-event trigger rule (§4.6).
func (h *Hunter) triggerSide(evt types.LiquidationEvent, cfg config.SymbolConfig, volumeUSDT float64) (types.Side, bool) {
	switch evt.Side {
	case types.SELL:
		if cfg.LongVolumeThresholdUSDT > 0 && volumeUSDT >= cfg.LongVolumeThresholdUSDT {
			return types.BUY, true
		}
	case types.BUY:
		if cfg.ShortVolumeThresholdUSDT > 0 && volumeUSDT >= cfg.ShortVolumeThresholdUSDT {
			return types.SELL, true
		}
	}
	return "", false
}

// vwapRejects applies the optional VWAP protection band.
func (h *Hunter) vwapRejects(ctx context.Context, symbol string, cfg config.SymbolConfig, side types.Side, mark float64) bool {
	if !cfg.VWAPProtection {
		return false
	}
	vwap, err := h.vwap(ctx, symbol, cfg)
	if err != nil {
		h.logger.Warn("VWAP lookup failed, allowing intent through", "symbol", symbol, "err", err)
		return false
	}
	band := cfg.VWAPBandPct / 100
	if side == types.BUY {
		return mark < vwap*(1-band)
	}
	return mark > vwap*(1+band)
}

func (h *Hunter) vwap(ctx context.Context, symbol string, cfg config.SymbolConfig) (float64, error) {
	h.vwapMu.Lock()
	if cached, ok := h.vwapCache[symbol]; ok && time.Since(cached.computed) < time.Minute {
		h.vwapMu.Unlock()
		return cached.value, nil
	}
	h.vwapMu.Unlock()

	lookback := cfg.VWAPLookback
	if lookback <= 0 {
		lookback = 20
	}
	timeframe := cfg.VWAPTimeframe
	if timeframe == "" {
		timeframe = "1m"
	}
	klines, err := h.client.GetKlines(ctx, symbol, timeframe, lookback)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 {
		return 0, fmt.Errorf("no klines returned for %s", symbol)
	}

	var pv, v float64
	for _, k := range klines {
		pv += k.Close * k.Volume
		v += k.Volume
	}
	if v == 0 {
		return 0, fmt.Errorf("zero volume across klines for %s", symbol)
	}
	vwap := pv / v

	h.vwapMu.Lock()
	h.vwapCache[symbol] = vwapEntry{value: vwap, computed: time.Now()}
	h.vwapMu.Unlock()
	return vwap, nil
}

func (h *Hunter) isPending(symbol string, side types.Side) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, exists := h.pending[pendingKey{Symbol: symbol, Side: side}]
	return exists
}

// openEntry translates a triggered intent into an order and submits it,
// registering a temp pending-entry key for the duration of the attempt.
func (h *Hunter) openEntry(ctx context.Context, evt types.LiquidationEvent, cfg config.SymbolConfig, side types.Side) {
	quantity := cfg.EffectiveTradeSize(side)
	adjustedQty, err := h.registry.ValidateAndAdjustQuantity(evt.Symbol, quantity, evt.Price)
	if err != nil {
		h.sink.Publish(events.NewErrorEvent(string(KindValidation), "hunter", evt.Symbol, 0, err.Error()))
		return
	}

	posSide := types.PositionBoth
	if h.global.PositionMode == types.Hedge {
		if side == types.BUY {
			posSide = types.PositionLong
		} else {
			posSide = types.PositionShort
		}
	}

	req := types.OrderRequest{
		Symbol:       evt.Symbol,
		Side:         side,
		PositionSide: posSide,
		Quantity:     h.registry.FormatQuantity(evt.Symbol, parseDecimalFloat(adjustedQty.String())),
	}

	orderType := cfg.OrderType
	if orderType == "" {
		orderType = string(types.OrderTypeMarket)
	}

	if orderType == string(types.OrderTypeLimit) {
		price, ok := h.limitPrice(ctx, evt.Symbol, cfg, side)
		if !ok {
			return
		}
		req.Type = types.OrderTypeLimit
		req.Price = h.registry.FormatPrice(evt.Symbol, price)
		req.PostOnly = cfg.PostOnly
	} else {
		req.Type = types.OrderTypeMarket
	}

	tempKey := fmt.Sprintf("temp_%d_%s_%s", time.Now().UnixNano(), evt.Symbol, side)
	h.mu.Lock()
	h.pending[pendingKey{Symbol: evt.Symbol, Side: side}] = types.PendingEntry{
		TempKey: tempKey, Symbol: evt.Symbol, Side: side, CreatedAt: time.Now(),
	}
	h.mu.Unlock()

	result, err := h.client.PlaceOrder(ctx, req, types.PriorityCritical)
	if err != nil {
		if ex, ok := AsExchangeError(err); ok && ex.Code == PositionModeMismatchCode {
			result, err = h.retryWithInferredMode(ctx, req)
		}
	}
	if err != nil {
		h.mu.Lock()
		delete(h.pending, pendingKey{Symbol: evt.Symbol, Side: side})
		h.mu.Unlock()
		h.sink.Publish(events.NewErrorEvent(string(KindExchangeReject), "hunter", evt.Symbol, 0, err.Error()))
		return
	}

	entryPrice := evt.Price
	if req.Type == types.OrderTypeLimit {
		entryPrice = parseDecimalFloat(req.Price)
	}
	h.sink.Publish(events.NewTradeOpportunityEvent(evt.Symbol, string(side), quantity, entryPrice))

	h.mu.Lock()
	h.pending[pendingKey{Symbol: evt.Symbol, Side: side}] = types.PendingEntry{
		TempKey: fmt.Sprintf("%d", result.OrderID), Symbol: evt.Symbol, Side: side, CreatedAt: time.Now(),
	}
	h.mu.Unlock()

	if h.paper {
		opened := events.NewPositionOpenedEvent(evt.Symbol, string(side), quantity, entryPrice)
		opened.Paper = true
		h.sink.Publish(opened)
	}
}

// retryWithInferredMode implements the position-mode-mismatch retry (§4.6):
// a single retry with the opposite positionSide tag, in retry scope only —
// it never mutates the hunter's persistent mode understanding.
func (h *Hunter) retryWithInferredMode(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	inferred := req
	switch req.PositionSide {
	case types.PositionLong, types.PositionShort:
		inferred.PositionSide = types.PositionBoth
	default:
		if req.Side == types.BUY {
			inferred.PositionSide = types.PositionLong
		} else {
			inferred.PositionSide = types.PositionShort
		}
	}
	return h.client.PlaceOrder(ctx, inferred, types.PriorityCritical)
}

// limitPrice derives the LIMIT order price from the current book (§4.6) and
// enforces the max-slippage band and (if post-only) the maker-side check.
func (h *Hunter) limitPrice(ctx context.Context, symbol string, cfg config.SymbolConfig, side types.Side) (float64, bool) {
	ticker, err := h.client.GetBookTicker(ctx, symbol)
	if err != nil {
		h.logger.Warn("bookTicker lookup failed", "symbol", symbol, "err", err)
		return 0, false
	}

	offset := cfg.PriceOffsetBps / 10000
	var price float64
	if side == types.BUY {
		price = ticker.BidPrice * (1 - offset)
	} else {
		price = ticker.AskPrice * (1 + offset)
	}

	mid := (ticker.BidPrice + ticker.AskPrice) / 2
	if mid <= 0 {
		return 0, false
	}
	if cfg.MaxSlippageBps > 0 {
		slippage := abs(price-mid) / mid
		if slippage > cfg.MaxSlippageBps/10000 {
			h.logger.Debug("limit price exceeds max slippage", "symbol", symbol, "price", price, "mid", mid)
			return 0, false
		}
	}

	if cfg.PostOnly {
		if side == types.BUY && price >= ticker.AskPrice {
			price = ticker.AskPrice * (1 - offset)
		}
		if side == types.SELL && price <= ticker.BidPrice {
			price = ticker.BidPrice * (1 + offset)
		}
	}

	return price, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// parseDecimalFloat converts a precision-registry-formatted decimal string
// back to float64 for callers that still need numeric comparisons (the wire
// value sent to the exchange always uses the original formatted string).
func parseDecimalFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
