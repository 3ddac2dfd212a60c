package hunter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aster-lick-hunter/node/internal/config"
	"github.com/aster-lick-hunter/node/internal/events"
	"github.com/aster-lick-hunter/node/internal/exchange"
	"github.com/aster-lick-hunter/node/internal/precision"
	"github.com/aster-lick-hunter/node/internal/ratelimit"
	"github.com/aster-lick-hunter/node/internal/risk"
	"github.com/aster-lick-hunter/node/internal/signing"
	"github.com/aster-lick-hunter/node/pkg/types"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type recordingSink struct {
	events []events.Event
}

func (s *recordingSink) Publish(e events.Event) { s.events = append(s.events, e) }

func (s *recordingSink) kinds() []events.Kind {
	out := make([]events.Kind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func testHunter(t *testing.T, handler http.HandlerFunc, symCfg config.SymbolConfig) (*Hunter, *recordingSink, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)

	cfg := &config.Config{
		API:     config.APIConfig{BaseURL: srv.URL},
		Symbols: map[string]config.SymbolConfig{"BTCUSDT": symCfg},
		Global:  config.GlobalConfig{PositionMode: types.OneWay, MaxConcurrentPositions: 10},
		DryRun:  true,
	}
	signer := signing.New("key", "secret")
	rl := ratelimit.NewManager(ratelimit.Config{MaxWeight: 2400, MaxOrderCount: 1200, ReservePercent: 20}, nil)
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	client := exchange.NewClient(cfg, signer, rl, logger)
	registry := precision.New()
	registry.Load([]types.SymbolFilters{{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MaxQty: 1000, MinNotional: 5}})
	sink := &recordingSink{}

	h := New(cfg, client, registry, sink, nil, nil, logger)
	cleanup := func() {
		rl.Stop()
		srv.Close()
	}
	return h, sink, cleanup
}

func marketOrderHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{"orderId": 1001, "status": "NEW"})
}

func TestHandleLiquidationTriggersLongEntry(t *testing.T) {
	t.Parallel()
	h, sink, cleanup := testHunter(t, marketOrderHandler, config.SymbolConfig{
		LongVolumeThresholdUSDT: 10000,
		TradeSize:               0.001,
		OrderType:               "MARKET",
	})
	defer cleanup()

	evt := types.LiquidationEvent{Symbol: "BTCUSDT", Side: types.SELL, Price: 50000, Quantity: 0.3, EventTime: time.Now()}
	h.HandleLiquidation(context.Background(), evt)

	found := false
	for _, k := range sink.kinds() {
		if k == events.TradeOpportunity {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a tradeOpportunity event, got kinds %v", sink.kinds())
	}
	if !h.isPending("BTCUSDT", types.BUY) {
		t.Error("expected a pending entry to be registered for (BTCUSDT, BUY)")
	}
}

func TestHandleLiquidationBelowThresholdIsIgnored(t *testing.T) {
	t.Parallel()
	h, sink, cleanup := testHunter(t, marketOrderHandler, config.SymbolConfig{
		LongVolumeThresholdUSDT: 1_000_000,
		TradeSize:               0.001,
		OrderType:               "MARKET",
	})
	defer cleanup()

	evt := types.LiquidationEvent{Symbol: "BTCUSDT", Side: types.SELL, Price: 50000, Quantity: 0.1, EventTime: time.Now()}
	h.HandleLiquidation(context.Background(), evt)

	for _, k := range sink.kinds() {
		if k == events.TradeOpportunity {
			t.Error("did not expect a tradeOpportunity event below threshold")
		}
	}
}

func TestDuplicateLiquidationSuppressedByPendingRecord(t *testing.T) {
	t.Parallel()
	var orderCalls int
	h, sink, cleanup := testHunter(t, func(w http.ResponseWriter, r *http.Request) {
		orderCalls++
		marketOrderHandler(w, r)
	}, config.SymbolConfig{
		LongVolumeThresholdUSDT: 10000,
		TradeSize:               0.001,
		OrderType:               "MARKET",
	})
	defer cleanup()

	evt := types.LiquidationEvent{Symbol: "BTCUSDT", Side: types.SELL, Price: 50000, Quantity: 0.3, EventTime: time.Now()}
	h.HandleLiquidation(context.Background(), evt)
	h.HandleLiquidation(context.Background(), evt)

	count := 0
	for _, k := range sink.kinds() {
		if k == events.TradeOpportunity {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one tradeOpportunity across duplicate frames, got %d", count)
	}
}

func TestStaleReaperRemovesOldPendingEntries(t *testing.T) {
	t.Parallel()
	h, _, cleanup := testHunter(t, marketOrderHandler, config.SymbolConfig{
		LongVolumeThresholdUSDT: 10000,
		TradeSize:               0.001,
		OrderType:               "MARKET",
	})
	defer cleanup()

	h.mu.Lock()
	h.pending[pendingKey{Symbol: "BTCUSDT", Side: types.BUY}] = types.PendingEntry{
		TempKey: "temp_1", Symbol: "BTCUSDT", Side: types.BUY, CreatedAt: time.Now().Add(-6 * time.Minute),
	}
	h.mu.Unlock()

	h.reapStalePending()

	if h.isPending("BTCUSDT", types.BUY) {
		t.Error("expected stale pending entry to be reaped")
	}
}

func TestPaperModeEmitsPositionOpenedEvent(t *testing.T) {
	t.Parallel()
	h, sink, cleanup := testHunter(t, marketOrderHandler, config.SymbolConfig{
		LongVolumeThresholdUSDT: 10000,
		TradeSize:               0.001,
		OrderType:               "MARKET",
	})
	defer cleanup()

	evt := types.LiquidationEvent{Symbol: "BTCUSDT", Side: types.SELL, Price: 50000, Quantity: 0.3, EventTime: time.Now()}
	h.HandleLiquidation(context.Background(), evt)

	var opened *events.Event
	for i, e := range sink.events {
		if e.Kind == events.PositionOpened {
			opened = &sink.events[i]
		}
	}
	if opened == nil {
		t.Fatal("expected a positionOpened event in paper mode")
	}
	if !opened.Paper {
		t.Error("expected positionOpened event to carry paper=true")
	}
}

func TestRiskKillSwitchBlocksEntry(t *testing.T) {
	t.Parallel()
	h, sink, cleanup := testHunter(t, marketOrderHandler, config.SymbolConfig{
		LongVolumeThresholdUSDT: 10000,
		TradeSize:               0.001,
		OrderType:               "MARKET",
	})
	defer cleanup()

	riskMgr := risk.NewManager(riskConfigForTest(), slog.New(slog.NewTextHandler(discardWriter{}, nil)))
	riskCtx, riskCancel := context.WithCancel(context.Background())
	defer riskCancel()
	go riskMgr.Run(riskCtx)
	riskMgr.Report(risk.PositionReport{Symbol: "BTCUSDT", ExposureUSDT: 999999, MarkPrice: 50000, Timestamp: time.Now()})
	time.Sleep(20 * time.Millisecond)
	h.risk = riskMgr

	evt := types.LiquidationEvent{Symbol: "BTCUSDT", Side: types.SELL, Price: 50000, Quantity: 0.3, EventTime: time.Now()}
	h.HandleLiquidation(context.Background(), evt)

	for _, k := range sink.kinds() {
		if k == events.TradeOpportunity {
			t.Error("did not expect a tradeOpportunity event while the risk kill switch is active")
		}
	}
}

func riskConfigForTest() config.RiskConfig {
	return config.RiskConfig{MaxPositionPerSymbolUSDT: 100, MaxGlobalExposureUSDT: 500, CooldownAfterKill: time.Minute}
}
