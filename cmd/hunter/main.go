// Liquidation Hunter — an automated futures trading daemon that watches a
// perpetual-futures exchange's liquidation feed and opens positions in the
// direction liquidation flow implies, protecting every position with
// exchange-side stop-loss and take-profit orders.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts core, waits for SIGINT/SIGTERM
//	internal/core/core.go      — orchestrator: wires every subsystem, manages goroutine lifecycle
//	internal/hunter/hunter.go  — liquidation-driven entry logic: threshold gating, VWAP band, dedup
//	internal/position/manager.go — reconciling position tracker: SL/TP placement, auto-close
//	internal/ratelimit/manager.go — sliding-window weight budget, priority queue, circuit breaker
//	internal/userstream/stream.go — listenKey-backed user data websocket (account/order updates)
//	internal/marketstream/stream.go — combined-stream websocket (liquidations, mark prices)
//	internal/exchange/client.go — signed REST client for the exchange's futures API
//	internal/precision/registry.go — tick/step/min-notional rounding from exchange filters
//	internal/events/bus.go     — typed pub/sub broadcaster for downstream consumers
//	internal/store/store.go    — JSON file persistence for in-flight reconciliation state
//
// How it makes money:
//
//	Large forced liquidations move price sharply and briefly overshoot fair
//	value as the exchange's liquidation engine dumps or buys inventory into
//	thin order book depth. The hunter watches for liquidation events above a
//	configured notional threshold and opens a position biased to ride the
//	reversion: a large SELL liquidation (forced long unwind) biases long, a
//	large BUY liquidation (forced short unwind) biases short. An optional
//	VWAP band rejects entries where price has already reverted past fair
//	value. Every entry is immediately protected with exchange-side stop-loss
//	and take-profit orders, so the daemon carries no unprotected exposure
//	between reconciliation passes.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aster-lick-hunter/node/internal/config"
	"github.com/aster-lick-hunter/node/internal/core"
	"github.com/aster-lick-hunter/node/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ASTER_CONFIG"); p != "" {
		cfgPath = p
	}

	cmd := "start"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	switch cmd {
	case "start":
		runStart(cfg, logger)
	case "status":
		runStatus(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [start|status]\n", os.Args[0])
		os.Exit(1)
	}
}

func runStart(cfg *config.Config, logger *slog.Logger) {
	c, err := core.New(cfg, logger)
	if err != nil {
		logger.Error("failed to construct core", "error", err)
		os.Exit(1)
	}

	if err := c.Start(); err != nil {
		logger.Error("failed to start core", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("PAPER MODE — no real orders will be placed")
	}

	logger.Info("liquidation hunter started",
		"symbols", len(cfg.Symbols),
		"position_mode", cfg.Global.PositionMode,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	c.Stop()
}

// runStatus performs a lightweight local healthcheck: it reads the
// persisted reconciliation snapshot rather than starting the full core, so
// it can report on a running (or previously running) daemon's last-known
// state without contending for the exchange connection.
func runStatus(cfg *config.Config, logger *slog.Logger) {
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	snapshot, err := st.Load()
	if err != nil {
		logger.Error("failed to read persisted state", "error", err)
		os.Exit(1)
	}

	fmt.Printf("pending entries: %d\n", len(snapshot.Pending))
	fmt.Printf("tracked positions: %d\n", len(snapshot.Protective))
	for key, po := range snapshot.Protective {
		fmt.Printf("  %s  sl=%d tp=%d\n", key, po.SLOrderID, po.TPOrderID)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
