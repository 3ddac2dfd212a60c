// Package position implements the Position Manager (§4.7): it keeps every
// open position paired with exactly one stop-loss and one take-profit order,
// detects and corrects drift via periodic reconciliation, and auto-closes
// positions that sail past their take-profit target.
//
// This is a direct generalization of a diff-desired-vs-tracked reconciling
// controller (teacher: internal/engine/engine.go — reconcileMarkets,
// startMarketLocked/stopMarketLocked, a single mutex-guarded map mutated
// only by its owning task) from "diff desired markets vs. tracked market
// slots" to "diff authoritative positions vs. tracked protective-order
// records"; the auto-close/TP-breach thresholds are grounded on the
// teacher's risk.Manager kill-switch pattern (internal/risk/manager.go,
// checkPriceMovement/emitKill).
package position

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aster-lick-hunter/node/internal/config"
	"github.com/aster-lick-hunter/node/internal/events"
	"github.com/aster-lick-hunter/node/internal/exchange"
	"github.com/aster-lick-hunter/node/internal/hunter"
	"github.com/aster-lick-hunter/node/internal/precision"
	"github.com/aster-lick-hunter/node/internal/risk"
	"github.com/aster-lick-hunter/node/pkg/types"
)

const (
	reconcileInterval = 30 * time.Second
	autoCloseInterval = 30 * time.Second
	autoCloseMultiple = 1.5
	tpDangerBandPct   = 0.3
)

// PendingForgetter is the slice of *hunter.Hunter the manager needs: clearing
// a pending-entry record once its fill has been observed. Declared as an
// interface to avoid a hunter<->position import cycle.
type PendingForgetter interface {
	ForgetPending(symbol string, side types.Side)
}

// Manager owns the tracked position and protective-order maps exclusively;
// no other task may mutate them (§5).
type Manager struct {
	client   *exchange.Client
	registry *precision.Registry
	sink     events.Sink
	symbols  map[string]config.SymbolConfig
	global   config.GlobalConfig
	pending  PendingForgetter
	risk     *risk.Manager
	logger   *slog.Logger

	mu         sync.Mutex
	positions  map[types.PositionKey]types.Position
	protective map[types.PositionKey]types.ProtectiveOrders
}

// NewManager builds a Position Manager. riskMgr may be nil, in which case
// exposure/PnL reporting to the account-wide risk circuit breaker is skipped.
func NewManager(cfg *config.Config, client *exchange.Client, registry *precision.Registry, sink events.Sink, pending PendingForgetter, riskMgr *risk.Manager, logger *slog.Logger) *Manager {
	return &Manager{
		client:     client,
		registry:   registry,
		sink:       sink,
		symbols:    cfg.Symbols,
		global:     cfg.Global,
		pending:    pending,
		risk:       riskMgr,
		logger:     logger.With("component", "position"),
		positions:  make(map[types.PositionKey]types.Position),
		protective: make(map[types.PositionKey]types.ProtectiveOrders),
	}
}

// PositionCount satisfies hunter.PositionView.
func (m *Manager) PositionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// SymbolNotionalUSDT satisfies hunter.PositionView: the live notional value
// of every tracked position on symbol, at its own mark price.
func (m *Manager) SymbolNotionalUSDT(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for key, pos := range m.positions {
		if key.Symbol == symbol {
			total += abs(pos.PositionAmt) * pos.MarkPrice
		}
	}
	return total
}

// HasPosition satisfies hunter.PositionView.
func (m *Manager) HasPosition(key types.PositionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[key]
	return ok
}

var _ hunter.PositionView = (*Manager)(nil)

// UpdateMarkPrice bumps every tracked position on symbol to a fresh mark
// price observed from the public mark-price stream, ahead of the next
// reconciliation pass — keeps auto-close's PnL% check responsive between
// the 30s reconciliation ticks.
func (m *Manager) UpdateMarkPrice(symbol string, mark float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, pos := range m.positions {
		if key.Symbol == symbol {
			pos.MarkPrice = mark
			m.positions[key] = pos
		}
	}
}

// SnapshotProtective returns a copy of the tracked protective-order map keyed
// by PositionKey.String(), for the core to persist via internal/store.
func (m *Manager) SnapshotProtective() map[string]types.ProtectiveOrders {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.ProtectiveOrders, len(m.protective))
	for k, v := range m.protective {
		out[k.String()] = v
	}
	return out
}

// SetPositionMode overrides the position mode the manager uses for
// reduceOnly/positionSide bookkeeping, called once at startup after the
// exchange's actual dual-side setting is queried (§4.6). Must be called
// before Run, since it is not synchronized against concurrent reads.
func (m *Manager) SetPositionMode(mode types.PositionMode) {
	m.global.PositionMode = mode
}

// RestoreProtective seeds the protective-order map from a previously saved
// snapshot. Call once at startup, before Run; the next Reconcile verifies
// every restored id is still a live order and corrects drift.
func (m *Manager) RestoreProtective(snapshot map[string]types.ProtectiveOrders) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for keyStr, po := range snapshot {
		symbol, side, ok := splitPositionKey(keyStr)
		if !ok {
			continue
		}
		m.protective[types.PositionKey{Symbol: symbol, PositionSide: side}] = po
	}
}

// splitPositionKey parses a PositionKey.String() value ("<symbol>_<side>")
// back into its parts. PositionSide is always one of BOTH/LONG/SHORT, so the
// split point is the last underscore.
func splitPositionKey(s string) (symbol string, side types.PositionSide, ok bool) {
	idx := strings.LastIndex(s, "_")
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], types.PositionSide(s[idx+1:]), true
}

// Run drives the reconciliation and auto-close timer tasks until ctx is
// canceled (§5).
func (m *Manager) Run(ctx context.Context) {
	reconcileTicker := time.NewTicker(reconcileInterval)
	autoCloseTicker := time.NewTicker(autoCloseInterval)
	defer reconcileTicker.Stop()
	defer autoCloseTicker.Stop()

	if err := m.Reconcile(ctx); err != nil {
		m.logger.Error("initial reconciliation failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileTicker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.logger.Error("reconciliation failed", "err", err)
			}
		case <-autoCloseTicker.C:
			m.autoCloseSweep(ctx)
		}
	}
}

// HandleAccountUpdate merges a (possibly partial) position set from an
// ACCOUNT_UPDATE frame. Per the cross-symbol preservation invariant, keys
// absent from upd.Positions are left untouched; a key the frame reports as
// flat is dropped together with its protective-order record (§4.7, §8
// property 6).
func (m *Manager) HandleAccountUpdate(ctx context.Context, upd types.AccountUpdate) {
	var needsProtective []types.PositionKey
	var closed []types.PositionKey

	m.mu.Lock()
	for _, pos := range upd.Positions {
		key := pos.Key()
		if !pos.IsOpen() {
			if _, tracked := m.positions[key]; tracked {
				closed = append(closed, key)
			}
			delete(m.positions, key)
			delete(m.protective, key)
			continue
		}
		_, existed := m.positions[key]
		m.positions[key] = pos
		if !existed {
			needsProtective = append(needsProtective, key)
		} else {
			m.sink.Publish(events.NewPositionUpdateEvent(key.Symbol, pos.PositionAmt, pos.MarkPrice, pos.UnrealizedProfit))
		}
	}
	m.mu.Unlock()

	for _, key := range closed {
		m.sink.Publish(events.NewPositionClosedEvent(key.Symbol, 0))
	}
	for _, key := range needsProtective {
		m.mu.Lock()
		pos := m.positions[key]
		m.mu.Unlock()
		m.sink.Publish(events.NewPositionOpenedEvent(key.Symbol, string(pos.Side()), abs(pos.PositionAmt), pos.EntryPrice))
		m.placeProtectiveOrders(ctx, key, pos)
	}
}

// HandleOrderTradeUpdate reacts to a single order's lifecycle update: an
// entry fill schedules SL/TP placement immediately (§4.7 scenario S3)
// instead of waiting for the next reconciliation tick; a protective-order
// fill or cancel clears its tracked id.
func (m *Manager) HandleOrderTradeUpdate(ctx context.Context, upd types.OrderTradeUpdate) {
	if upd.IsEntryFill() {
		m.pending.ForgetPending(upd.Symbol, upd.Side)
		key := types.PositionKey{Symbol: upd.Symbol, PositionSide: upd.PositionSide}
		pos := types.Position{
			Symbol:       upd.Symbol,
			PositionSide: upd.PositionSide,
			EntryPrice:   upd.LastFilledPrice,
			MarkPrice:    upd.LastFilledPrice,
			UpdateTime:   upd.EventTime,
		}
		if upd.Side == types.SELL {
			pos.PositionAmt = -upd.LastFilledQty
		} else {
			pos.PositionAmt = upd.LastFilledQty
		}
		m.mu.Lock()
		m.positions[key] = pos
		m.mu.Unlock()
		m.sink.Publish(events.NewPositionOpenedEvent(upd.Symbol, string(upd.Side), upd.LastFilledQty, upd.LastFilledPrice))
		m.placeProtectiveOrders(ctx, key, pos)
		return
	}

	if upd.Type != types.OrderTypeStopMarket && upd.Type != types.OrderTypeTakeProfitMarket {
		return
	}
	if upd.Status != types.OrderFilled && upd.Status != types.OrderCanceled {
		return
	}
	key := types.PositionKey{Symbol: upd.Symbol, PositionSide: upd.PositionSide}
	m.mu.Lock()
	po := m.protective[key]
	if po.SLOrderID == upd.OrderID {
		po.SLOrderID = 0
	}
	if po.TPOrderID == upd.OrderID {
		po.TPOrderID = 0
	}
	m.protective[key] = po
	position, tracked := m.positions[key]
	m.mu.Unlock()

	if upd.Status == types.OrderFilled && tracked {
		m.mu.Lock()
		delete(m.positions, key)
		delete(m.protective, key)
		m.mu.Unlock()
		m.sink.Publish(events.NewPositionClosedEvent(upd.Symbol, position.UnrealizedProfit))
	}
}

// Reconcile fetches authoritative positions and open orders and corrects
// drift against the tracked maps (§4.7 steps 1-3). It is the only pass that
// drops a tracked protective-order record for a key no update has reported
// closed; elsewhere a record goes only when its own key is seen flat in an
// ACCOUNT_UPDATE, a protective order fills, or the position is auto-closed.
func (m *Manager) Reconcile(ctx context.Context) error {
	live, err := m.client.GetPositionRisk(ctx)
	if err != nil {
		return fmt.Errorf("fetch position risk: %w", err)
	}

	authoritative := make(map[types.PositionKey]types.Position, len(live))
	for _, p := range live {
		if p.IsOpen() {
			authoritative[p.Key()] = p
		}
	}

	var disappeared []types.PositionKey
	var newKeys []types.PositionKey

	m.mu.Lock()
	for key := range m.positions {
		if _, ok := authoritative[key]; !ok {
			disappeared = append(disappeared, key)
		}
	}
	for key, pos := range authoritative {
		_, existed := m.positions[key]
		m.positions[key] = pos
		if !existed {
			newKeys = append(newKeys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range disappeared {
		m.mu.Lock()
		po := m.protective[key]
		delete(m.positions, key)
		delete(m.protective, key)
		m.mu.Unlock()
		m.cancelProtectiveOrders(ctx, key, po)
		m.sink.Publish(events.NewPositionClosedEvent(key.Symbol, 0))
	}

	bySymbol := make(map[string][]types.PositionKey)
	m.mu.Lock()
	for key := range m.positions {
		bySymbol[key.Symbol] = append(bySymbol[key.Symbol], key)
	}
	m.mu.Unlock()

	for symbol, keys := range bySymbol {
		openOrders, err := m.client.GetOpenOrders(ctx, symbol)
		if err != nil {
			m.logger.Error("fetch open orders failed", "symbol", symbol, "err", err)
			continue
		}
		for _, key := range keys {
			m.mu.Lock()
			pos := m.positions[key]
			po := m.protective[key]
			m.mu.Unlock()
			m.verifyProtectiveOrders(ctx, key, pos, po, openOrders)
		}
	}

	for _, key := range newKeys {
		m.mu.Lock()
		pos := m.positions[key]
		m.mu.Unlock()
		m.placeProtectiveOrders(ctx, key, pos)
	}

	m.reportRisk(disappeared)
	return nil
}

// reportRisk aggregates tracked positions by symbol and forwards exposure
// and unrealized PnL to the account-wide risk manager (no-op if none is
// wired). Symbols that lost their last tracked position are dropped from
// risk tracking entirely rather than reported at zero exposure.
func (m *Manager) reportRisk(disappeared []types.PositionKey) {
	if m.risk == nil {
		return
	}

	m.mu.Lock()
	bySymbol := make(map[string]risk.PositionReport)
	for _, pos := range m.positions {
		r := bySymbol[pos.Symbol]
		r.Symbol = pos.Symbol
		r.PositionAmt += pos.PositionAmt
		r.MarkPrice = pos.MarkPrice
		r.ExposureUSDT += abs(pos.PositionAmt) * pos.MarkPrice
		r.UnrealizedPnL += pos.UnrealizedProfit
		bySymbol[pos.Symbol] = r
	}
	m.mu.Unlock()

	now := time.Now()
	for _, r := range bySymbol {
		r.Timestamp = now
		m.risk.Report(r)
	}

	for _, key := range disappeared {
		if _, stillTracked := bySymbol[key.Symbol]; !stillTracked {
			m.risk.RemoveSymbol(key.Symbol)
		}
	}
}

// verifyProtectiveOrders checks that po's SL/TP ids correspond to live open
// orders with matching side and quantity ≥ position quantity (§4.7 step 3);
// anything stale is cleared and re-issued.
func (m *Manager) verifyProtectiveOrders(ctx context.Context, key types.PositionKey, pos types.Position, po types.ProtectiveOrders, openOrders []types.OpenOrder) {
	liveByID := make(map[int64]types.OpenOrder, len(openOrders))
	for _, o := range openOrders {
		liveByID[o.OrderID] = o
	}
	qty := abs(pos.PositionAmt)
	closingSide := types.BUY
	if pos.Side() == types.PositionLong {
		closingSide = types.SELL
	}

	slOK := po.HasSL()
	if slOK {
		o, found := liveByID[po.SLOrderID]
		slOK = found && o.Side == closingSide && o.OrigQty >= qty
	}
	tpOK := po.HasTP()
	if tpOK {
		o, found := liveByID[po.TPOrderID]
		tpOK = found && o.Side == closingSide && o.OrigQty >= qty
	}
	if slOK && tpOK {
		return
	}

	m.mu.Lock()
	if !slOK {
		po.SLOrderID = 0
	}
	if !tpOK {
		po.TPOrderID = 0
	}
	m.protective[key] = po
	m.mu.Unlock()

	m.placeProtectiveOrders(ctx, key, pos)
}

// placeProtectiveOrders (re)issues whichever of SL/TP is currently missing
// for key, as a single batch (§4.7). If the position's PnL already exceeds
// its TP target, it auto-closes instead of posting a TP.
func (m *Manager) placeProtectiveOrders(ctx context.Context, key types.PositionKey, pos types.Position) {
	cfg, ok := m.symbols[key.Symbol]
	if !ok {
		return
	}

	m.mu.Lock()
	po := m.protective[key]
	m.mu.Unlock()

	needSL := !po.HasSL()
	needTP := !po.HasTP()
	if !needSL && !needTP {
		return
	}

	if needTP && priceMovePercent(pos) >= cfg.TPPercent {
		m.marketClose(ctx, key, pos, "take-profit target already reached at placement time")
		return
	}

	side := pos.Side()
	closingSide := types.BUY
	if side == types.PositionLong {
		closingSide = types.SELL
	}
	reduceOnly := m.global.PositionMode == types.OneWay
	qtyStr := m.registry.FormatQuantity(key.Symbol, abs(pos.PositionAmt))

	var batch []types.OrderRequest
	if needSL {
		slPrice := slPrice(pos, cfg.SLPercent)
		batch = append(batch, types.OrderRequest{
			Symbol: key.Symbol, Side: closingSide, PositionSide: key.PositionSide,
			Type: types.OrderTypeStopMarket, Quantity: qtyStr,
			StopPrice: m.registry.FormatPrice(key.Symbol, slPrice),
			WorkingType: "MARK_PRICE", PriceProtect: true, ReduceOnly: reduceOnly,
		})
	}
	if needTP {
		tpPrice := tpPrice(pos, cfg.TPPercent)
		batch = append(batch, types.OrderRequest{
			Symbol: key.Symbol, Side: closingSide, PositionSide: key.PositionSide,
			Type: types.OrderTypeTakeProfitMarket, Quantity: qtyStr,
			StopPrice: m.registry.FormatPrice(key.Symbol, tpPrice),
			WorkingType: "MARK_PRICE", PriceProtect: true, ReduceOnly: reduceOnly,
		})
	}
	results, err := m.client.PlaceBatchOrders(ctx, batch, types.PriorityCritical)
	if err != nil {
		m.sink.Publish(events.NewErrorEvent(string(hunter.KindExchangeReject), "position", key.Symbol, 0, err.Error()))
		return
	}

	idx := 0
	if needSL {
		m.handleSLResult(ctx, key, pos, cfg, results[idx])
		idx++
	}
	if needTP {
		m.handleTPResult(ctx, key, pos, cfg, results[idx])
	}
}

func (m *Manager) handleSLResult(ctx context.Context, key types.PositionKey, pos types.Position, cfg config.SymbolConfig, result types.OrderResult) {
	if result.Code == 0 {
		m.mu.Lock()
		po := m.protective[key]
		po.SLOrderID = result.OrderID
		m.protective[key] = po
		m.mu.Unlock()
		return
	}

	// retry once with a broader, tick-aligned price (§4.7 failure semantics).
	widened := slPrice(pos, cfg.SLPercent*1.5)
	side := types.BUY
	if pos.Side() == types.PositionLong {
		side = types.SELL
	}
	req := types.OrderRequest{
		Symbol: key.Symbol, Side: side, PositionSide: key.PositionSide,
		Type: types.OrderTypeStopMarket, Quantity: m.registry.FormatQuantity(key.Symbol, abs(pos.PositionAmt)),
		StopPrice: m.registry.FormatPrice(key.Symbol, widened), WorkingType: "MARK_PRICE",
		PriceProtect: true, ReduceOnly: m.global.PositionMode == types.OneWay,
	}
	retryResult, err := m.client.PlaceOrder(ctx, req, types.PriorityCritical)
	if err == nil && retryResult.Code == 0 {
		m.mu.Lock()
		po := m.protective[key]
		po.SLOrderID = retryResult.OrderID
		m.protective[key] = po
		m.mu.Unlock()
		return
	}

	m.sink.Publish(events.NewErrorEvent(string(hunter.KindState), "position", key.Symbol, result.Code, "MISSING_PROTECTION: stop-loss could not be placed after retry"))
}

func (m *Manager) handleTPResult(ctx context.Context, key types.PositionKey, pos types.Position, cfg config.SymbolConfig, result types.OrderResult) {
	if result.Code == 0 {
		m.mu.Lock()
		po := m.protective[key]
		po.TPOrderID = result.OrderID
		m.protective[key] = po
		m.mu.Unlock()
		return
	}

	if strings.Contains(strings.ToLower(result.Msg), "immediately") {
		m.marketClose(ctx, key, pos, "take-profit would trigger immediately")
		return
	}

	m.sink.Publish(events.NewErrorEvent(string(hunter.KindState), "position", key.Symbol, result.Code, "MISSING_PROTECTION: take-profit could not be placed: "+result.Msg))
}

// autoCloseSweep runs the periodic PnL-based auto-close and near-mark TP
// adjustment pass (§4.7).
func (m *Manager) autoCloseSweep(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[types.PositionKey]types.Position, len(m.positions))
	for k, v := range m.positions {
		snapshot[k] = v
	}
	m.mu.Unlock()

	for key, pos := range snapshot {
		cfg, ok := m.symbols[key.Symbol]
		if !ok || cfg.TPPercent <= 0 {
			continue
		}
		move := priceMovePercent(pos)
		if move >= cfg.TPPercent*autoCloseMultiple {
			m.marketClose(ctx, key, pos, "PnL% exceeded 1.5x take-profit target")
			continue
		}

		m.mu.Lock()
		po := m.protective[key]
		m.mu.Unlock()
		if !po.HasTP() {
			continue
		}
		tpPrice := tpPrice(pos, cfg.TPPercent)
		bandFrac := tpDangerBandPct / 100
		if abs(tpPrice-pos.MarkPrice)/pos.MarkPrice < bandFrac {
			m.adjustTPNearMark(ctx, key, pos, po)
		}
	}
}

// adjustTPNearMark replaces a dangerously-close TP with one pinned to
// mark ± 0.3% (sign by side).
func (m *Manager) adjustTPNearMark(ctx context.Context, key types.PositionKey, pos types.Position, po types.ProtectiveOrders) {
	if po.TPOrderID != 0 {
		if err := m.client.CancelOrder(ctx, key.Symbol, po.TPOrderID, types.PriorityCritical); err != nil {
			m.logger.Warn("cancel near-mark TP failed", "symbol", key.Symbol, "err", err)
			return
		}
	}
	band := tpDangerBandPct / 100
	var newTP float64
	if pos.Side() == types.PositionLong {
		newTP = pos.MarkPrice * (1 + band)
	} else {
		newTP = pos.MarkPrice * (1 - band)
	}
	closingSide := types.BUY
	if pos.Side() == types.PositionLong {
		closingSide = types.SELL
	}
	req := types.OrderRequest{
		Symbol: key.Symbol, Side: closingSide, PositionSide: key.PositionSide,
		Type: types.OrderTypeTakeProfitMarket, Quantity: m.registry.FormatQuantity(key.Symbol, abs(pos.PositionAmt)),
		StopPrice: m.registry.FormatPrice(key.Symbol, newTP), WorkingType: "MARK_PRICE",
		PriceProtect: true, ReduceOnly: m.global.PositionMode == types.OneWay,
	}
	result, err := m.client.PlaceOrder(ctx, req, types.PriorityCritical)
	if err != nil || result.Code != 0 {
		m.sink.Publish(events.NewErrorEvent(string(hunter.KindExchangeReject), "position", key.Symbol, 0, "near-mark TP adjustment failed"))
		return
	}
	m.mu.Lock()
	p := m.protective[key]
	p.TPOrderID = result.OrderID
	m.protective[key] = p
	m.mu.Unlock()
}

// marketClose submits a reduce-only market order to fully close key and
// cancels any remaining protective orders for it.
func (m *Manager) marketClose(ctx context.Context, key types.PositionKey, pos types.Position, reason string) {
	closingSide := types.BUY
	if pos.Side() == types.PositionLong {
		closingSide = types.SELL
	}
	req := types.OrderRequest{
		Symbol: key.Symbol, Side: closingSide, PositionSide: key.PositionSide,
		Type: types.OrderTypeMarket, Quantity: m.registry.FormatQuantity(key.Symbol, abs(pos.PositionAmt)),
		ReduceOnly: m.global.PositionMode == types.OneWay,
	}
	result, err := m.client.PlaceOrder(ctx, req, types.PriorityCritical)
	if err != nil {
		m.sink.Publish(events.NewErrorEvent(string(hunter.KindExchangeReject), "position", key.Symbol, 0, "auto-close failed: "+err.Error()))
		return
	}

	m.mu.Lock()
	po := m.protective[key]
	delete(m.positions, key)
	delete(m.protective, key)
	m.mu.Unlock()

	m.cancelProtectiveOrders(ctx, key, po)
	m.logger.Info("auto-closed position", "symbol", key.Symbol, "positionSide", key.PositionSide, "reason", reason, "orderId", result.OrderID)
	m.sink.Publish(events.NewPositionClosedEvent(key.Symbol, pos.UnrealizedProfit))
}

func (m *Manager) cancelProtectiveOrders(ctx context.Context, key types.PositionKey, po types.ProtectiveOrders) {
	if po.HasSL() {
		if err := m.client.CancelOrder(ctx, key.Symbol, po.SLOrderID, types.PriorityHigh); err != nil {
			m.logger.Warn("cancel SL failed", "symbol", key.Symbol, "orderID", po.SLOrderID, "err", err)
		}
	}
	if po.HasTP() {
		if err := m.client.CancelOrder(ctx, key.Symbol, po.TPOrderID, types.PriorityHigh); err != nil {
			m.logger.Warn("cancel TP failed", "symbol", key.Symbol, "orderID", po.TPOrderID, "err", err)
		}
	}
}

// priceMovePercent returns the position's favorable price move, as a
// percentage of entry price (positive means in-profit).
func priceMovePercent(pos types.Position) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	if pos.Side() == types.PositionLong {
		return (pos.MarkPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}
	return (pos.EntryPrice - pos.MarkPrice) / pos.EntryPrice * 100
}

func slPrice(pos types.Position, slPercent float64) float64 {
	if pos.Side() == types.PositionLong {
		return pos.EntryPrice * (1 - slPercent/100)
	}
	return pos.EntryPrice * (1 + slPercent/100)
}

func tpPrice(pos types.Position, tpPercent float64) float64 {
	if pos.Side() == types.PositionLong {
		return pos.EntryPrice * (1 + tpPercent/100)
	}
	return pos.EntryPrice * (1 - tpPercent/100)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
