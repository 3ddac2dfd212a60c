// Package risk enforces account-wide exposure and loss limits across all
// symbols the hunter trades — a circuit breaker independent of any single
// symbol's own volume threshold or TP/SL percentages.
//
// The risk manager runs as a standalone goroutine that receives
// PositionReports from the Position Manager's reconciliation loop and
// checks them against configured limits:
//
//   - Per-symbol exposure:  caps USDT notional in any single symbol
//   - Global exposure:      caps total USDT notional across all symbols
//   - Daily loss:           triggers kill switch if realized+unrealized PnL exceeds threshold
//   - Rapid price movement: triggers kill switch if mark price moves more than
//     KillSwitchDropPct within KillSwitchWindowSec seconds
//
// When a limit is breached, the manager emits a KillSignal on KillCh(). The
// core reads this signal and cancels all open orders (globally or per
// symbol); open positions are not closed. After a kill, the kill
// switch stays active for CooldownAfterKill duration, during which the
// hunter skips new entries.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aster-lick-hunter/node/internal/config"
)

// PositionReport is sent by the Position Manager every reconciliation pass.
// It contains the current exposure and PnL for one symbol for risk evaluation.
type PositionReport struct {
	Symbol        string
	PositionAmt   float64 // signed: positive long, negative short
	MarkPrice     float64
	ExposureUSDT  float64 // |PositionAmt| * MarkPrice
	UnrealizedPnL float64
	RealizedPnL   float64
	Timestamp     time.Time
}

// KillSignal tells the core to cancel all orders. If Symbol is empty, it
// means cancel across ALL symbols (global kill).
type KillSignal struct {
	Symbol string // empty = kill ALL symbols
	Reason string
}

// priceAnchor stores a reference price at a point in time for detecting
// rapid price movements within a rolling window.
type priceAnchor struct {
	price     float64
	timestamp time.Time
}

// Manager enforces risk limits across all active symbols. It aggregates
// position reports, checks limits, and emits kill signals when breached.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.RWMutex
	positions        map[string]PositionReport // latest report per symbol
	totalExposure    float64                   // sum of all ExposureUSDT
	totalRealizedPnL float64                   // sum of all RealizedPnL
	killSwitchActive bool                      // true while in cooldown
	killSwitchUntil  time.Time                 // when cooldown expires
	priceAnchors     map[string]priceAnchor    // reference prices for movement detection

	reportCh chan PositionReport // Position Manager writes here
	killCh   chan KillSignal     // core reads kill signals from here
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		positions:    make(map[string]PositionReport),
		priceAnchors: make(map[string]priceAnchor),
		reportCh:     make(chan PositionReport, 100),
		killCh:       make(chan KillSignal, 10),
	}
}

// Run starts the risk monitoring loop; blocks until ctx is canceled.
func (rm *Manager) Run(ctx context.Context) {
	// Periodic check clears kill switch even when no reports arrive.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking).
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report", "symbol", report.Symbol)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// RemoveSymbol cleans up state for a symbol with no remaining position.
func (rm *Manager) RemoveSymbol(symbol string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.positions, symbol)
	delete(rm.priceAnchors, symbol)
	rm.recalculateTotalsLocked()
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// RemainingBudget returns how much additional USDT exposure is allowed for
// the given symbol. It takes the minimum of:
//   - per-symbol headroom: MaxPositionPerSymbolUSDT − current symbol exposure
//   - global headroom:     MaxGlobalExposureUSDT − total exposure across all symbols
//
// A non-positive limit in the config disables that check (its headroom is
// taken as 1e18), so a symbol with no configured cap is bounded only by the other one.
func (rm *Manager) RemainingBudget(symbol string) float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var currentExposure float64
	if pos, ok := rm.positions[symbol]; ok {
		currentExposure = pos.ExposureUSDT
	}

	remaining := unbounded
	if rm.cfg.MaxPositionPerSymbolUSDT > 0 {
		remaining = rm.cfg.MaxPositionPerSymbolUSDT - currentExposure
	}
	if rm.cfg.MaxGlobalExposureUSDT > 0 {
		global := rm.cfg.MaxGlobalExposureUSDT - rm.totalExposure
		if global < remaining {
			remaining = global
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

const unbounded = 1e18

// Snapshot returns current aggregate risk metrics, for status reporting.
func (rm *Manager) Snapshot() Snapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var totalUnrealizedPnL float64
	for _, pos := range rm.positions {
		totalUnrealizedPnL += pos.UnrealizedPnL
	}

	var exposurePct float64
	if rm.cfg.MaxGlobalExposureUSDT > 0 {
		exposurePct = (rm.totalExposure / rm.cfg.MaxGlobalExposureUSDT) * 100
	}

	var killReason string
	if rm.killSwitchActive {
		killReason = "cooldown"
	}

	return Snapshot{
		GlobalExposureUSDT:    rm.totalExposure,
		MaxGlobalExposureUSDT: rm.cfg.MaxGlobalExposureUSDT,
		ExposurePct:           exposurePct,
		KillSwitchActive:      rm.killSwitchActive,
		KillSwitchUntil:       rm.killSwitchUntil,
		KillSwitchReason:      killReason,
		TotalRealizedPnL:      rm.totalRealizedPnL,
		TotalUnrealizedPnL:    totalUnrealizedPnL,
		TrackedSymbols:        len(rm.positions),
	}
}

// Snapshot represents aggregate risk metrics for external reporting.
type Snapshot struct {
	GlobalExposureUSDT    float64
	MaxGlobalExposureUSDT float64
	ExposurePct           float64
	KillSwitchActive      bool
	KillSwitchUntil       time.Time
	KillSwitchReason      string
	TotalRealizedPnL      float64
	TotalUnrealizedPnL    float64
	TrackedSymbols        int
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.positions[report.Symbol] = report
	rm.recalculateTotalsLocked()

	if rm.cfg.MaxPositionPerSymbolUSDT > 0 && report.ExposureUSDT > rm.cfg.MaxPositionPerSymbolUSDT {
		rm.emitKill(report.Symbol, "per-symbol exposure limit breached")
	}

	if rm.cfg.MaxGlobalExposureUSDT > 0 && rm.totalExposure > rm.cfg.MaxGlobalExposureUSDT {
		rm.emitKill("", "global exposure limit breached")
	}

	var totalUnrealizedPnL float64
	for _, pos := range rm.positions {
		totalUnrealizedPnL += pos.UnrealizedPnL
	}
	totalPnL := rm.totalRealizedPnL + totalUnrealizedPnL
	if rm.cfg.MaxDailyLossUSDT > 0 && totalPnL < -rm.cfg.MaxDailyLossUSDT {
		rm.emitKill("", "max daily loss breached")
	}

	rm.checkPriceMovement(report)
}

// recalculateTotalsLocked rebuilds totalExposure/totalRealizedPnL from the
// tracked position map. Caller must hold rm.mu.
func (rm *Manager) recalculateTotalsLocked() {
	rm.totalExposure = 0
	rm.totalRealizedPnL = 0
	for _, pos := range rm.positions {
		rm.totalExposure += pos.ExposureUSDT
		rm.totalRealizedPnL += pos.RealizedPnL
	}
}

// checkPriceMovement detects rapid price swings using a rolling anchor. On
// each report, it compares mark price to the anchor set at the start of the
// window. If the anchor is older than KillSwitchWindowSec, it resets. If
// price moved more than KillSwitchDropPct from anchor, kill switch fires.
func (rm *Manager) checkPriceMovement(report PositionReport) {
	if report.MarkPrice == 0 {
		return
	}
	window := time.Duration(rm.cfg.KillSwitchWindowSec) * time.Second

	anchor, ok := rm.priceAnchors[report.Symbol]
	if !ok || report.Timestamp.Sub(anchor.timestamp) > window {
		rm.priceAnchors[report.Symbol] = priceAnchor{price: report.MarkPrice, timestamp: report.Timestamp}
		return
	}

	if anchor.price == 0 || rm.cfg.KillSwitchDropPct <= 0 {
		return
	}

	pctChange := (report.MarkPrice - anchor.price) / anchor.price
	if pctChange < 0 {
		pctChange = -pctChange
	}

	if pctChange > rm.cfg.KillSwitchDropPct {
		rm.emitKill(report.Symbol, fmt.Sprintf("rapid price movement: %.1f%% in %ds", pctChange*100, rm.cfg.KillSwitchWindowSec))
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKill activates the kill switch, starts the cooldown timer, and sends
// a KillSignal to the core. If the kill channel is full, it drains the stale
// signal first to ensure the latest kill reason is always delivered. Caller
// must hold rm.mu.
func (rm *Manager) emitKill(symbol, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)

	rm.logger.Error("KILL SWITCH", "symbol", symbol, "reason", reason, "cooldown_until", rm.killSwitchUntil)

	sig := KillSignal{Symbol: symbol, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}
