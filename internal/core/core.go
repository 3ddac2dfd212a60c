// Package core is the central orchestrator of the liquidation-hunting
// daemon: it wires together the signed REST client, rate-limit manager,
// precision registry, both websocket feeds, the Hunter, and the Position
// Manager, and owns their goroutine lifecycle (teacher: internal/engine/engine.go —
// New/Start/Stop launching one goroutine per subsystem with a shared
// sync.WaitGroup and cancellation context).
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aster-lick-hunter/node/internal/config"
	"github.com/aster-lick-hunter/node/internal/events"
	"github.com/aster-lick-hunter/node/internal/exchange"
	"github.com/aster-lick-hunter/node/internal/hunter"
	"github.com/aster-lick-hunter/node/internal/marketstream"
	"github.com/aster-lick-hunter/node/internal/position"
	"github.com/aster-lick-hunter/node/internal/precision"
	"github.com/aster-lick-hunter/node/internal/ratelimit"
	"github.com/aster-lick-hunter/node/internal/risk"
	"github.com/aster-lick-hunter/node/internal/signing"
	"github.com/aster-lick-hunter/node/internal/store"
	"github.com/aster-lick-hunter/node/internal/userstream"
	"github.com/aster-lick-hunter/node/pkg/types"
)

const stateSaveInterval = 30 * time.Second

// Core owns every subsystem's lifecycle. Construct with New, then Start;
// Stop triggers a graceful shutdown.
type Core struct {
	cfg      *config.Config
	client   *exchange.Client
	rl       *ratelimit.Manager
	registry *precision.Registry
	userStr  *userstream.Stream
	marketStr *marketstream.Stream
	hunter   *hunter.Hunter
	positions *position.Manager
	risk     *risk.Manager
	hub      *events.Hub
	store    *store.Store
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// rateLimitEventAdapter bridges ratelimit.Sink onto the event bus, so the
// rate-limit manager's highUsage/rateLimitExceeded/circuitBreakerReset
// observability events become user-visible toasts (§4.9).
type rateLimitEventAdapter struct {
	hub *events.Hub
}

func (a rateLimitEventAdapter) Publish(e ratelimit.Event) {
	level := events.ToastInfo
	if e.Kind == "rateLimitExceeded" {
		level = events.ToastWarn
	}
	a.hub.Publish(events.NewToastEvent(level, e.Kind, e.Detail))
}

// New wires every component per the config; it does not start any
// goroutines (call Start for that).
func New(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	hub := events.NewHub(logger)

	rl := ratelimit.NewManager(ratelimit.Config{
		MaxWeight:           cfg.Global.RateLimit.MaxWeight,
		MaxOrderCount:       cfg.Global.RateLimit.MaxOrderCount,
		ReservePercent:      cfg.Global.RateLimit.ReservePercent,
		QueueTimeout:        cfg.Global.RateLimit.QueueTimeout,
		DeduplicationWindow: cfg.Global.RateLimit.DeduplicationWindow,
		MaxConcurrent:       cfg.Global.RateLimit.MaxConcurrent,
	}, rateLimitEventAdapter{hub: hub})

	signer := signing.New(cfg.API.APIKey, cfg.API.SecretKey)
	client := exchange.NewClient(cfg, signer, rl, logger)

	registry := precision.New()

	symbols := make([]string, 0, len(cfg.Symbols))
	for s := range cfg.Symbols {
		symbols = append(symbols, s)
	}

	userStr := userstream.New(cfg.API.WSUserBase, client, logger)
	marketStr := marketstream.New(cfg.API.WSStreamBase, symbols, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	riskMgr := risk.NewManager(cfg.Global.Risk, logger)

	h := hunter.New(cfg, client, registry, hub, nil, riskMgr, logger)
	pm := position.NewManager(cfg, client, registry, hub, h, riskMgr, logger)
	h.SetPositionView(pm)

	ctx, cancel := context.WithCancel(context.Background())

	return &Core{
		cfg:       cfg,
		client:    client,
		rl:        rl,
		registry:  registry,
		userStr:   userStr,
		marketStr: marketStr,
		hunter:    h,
		positions: pm,
		risk:      riskMgr,
		hub:       hub,
		store:     st,
		logger:    logger.With("component", "core"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start fetches exchange metadata, restores persisted state, and launches
// every subsystem goroutine (§5).
func (c *Core) Start() error {
	if mode, err := c.client.GetPositionMode(c.ctx); err != nil {
		c.logger.Warn("failed to query account position mode, using configured value", "err", err, "configured", c.cfg.Global.PositionMode)
	} else if mode != c.cfg.Global.PositionMode {
		c.logger.Warn("account position mode differs from config, using exchange value", "configured", c.cfg.Global.PositionMode, "exchange", mode)
		c.cfg.Global.PositionMode = mode
		c.hunter.SetPositionMode(mode)
		c.positions.SetPositionMode(mode)
	}

	filters, err := c.client.GetExchangeInfo(c.ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange info: %w", err)
	}
	c.registry.Load(filters)

	saved, err := c.store.Load()
	if err != nil {
		c.logger.Warn("failed to load persisted state, starting fresh", "err", err)
	} else {
		c.hunter.Restore(saved.Pending)
		c.positions.RestoreProtective(saved.Protective)
	}

	go c.hub.Run()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.userStr.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("user stream error", "err", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.marketStr.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("market stream error", "err", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.hunter.Run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.positions.Run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchAccountUpdates()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchOrderUpdates()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLiquidations()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchMarkPrices()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.persistStateLoop()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.risk.Run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchKillSignals()
	}()

	return nil
}

// dispatchKillSignals reacts to the risk manager's circuit breaker: a
// symbol-scoped signal cancels that symbol's open orders, a blank-symbol
// signal (global breach) cancels every symbol's. Entry is gated separately
// by the hunter checking IsKillSwitchActive before each new trade.
func (c *Core) dispatchKillSignals() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case sig, ok := <-c.risk.KillCh():
			if !ok {
				return
			}
			c.logger.Warn("risk kill switch triggered", "symbol", sig.Symbol, "reason", sig.Reason)
			c.hub.Publish(events.NewToastEvent(events.ToastError, "risk kill switch", sig.Reason))

			symbols := []string{sig.Symbol}
			if sig.Symbol == "" {
				symbols = symbols[:0]
				for s := range c.cfg.Symbols {
					symbols = append(symbols, s)
				}
			}
			cancelCtx, cancelDone := context.WithTimeout(c.ctx, 5*time.Second)
			for _, symbol := range symbols {
				if err := c.client.CancelAllOpenOrders(cancelCtx, symbol, types.PriorityCritical); err != nil {
					c.logger.Error("kill-switch cancel failed", "symbol", symbol, "err", err)
				}
			}
			cancelDone()
		}
	}
}

func (c *Core) dispatchAccountUpdates() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case upd, ok := <-c.userStr.AccountUpdates():
			if !ok {
				return
			}
			c.positions.HandleAccountUpdate(c.ctx, upd)
		}
	}
}

func (c *Core) dispatchOrderUpdates() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case upd, ok := <-c.userStr.OrderUpdates():
			if !ok {
				return
			}
			c.positions.HandleOrderTradeUpdate(c.ctx, upd)
		}
	}
}

func (c *Core) dispatchLiquidations() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case evt, ok := <-c.marketStr.Liquidations():
			if !ok {
				return
			}
			c.hunter.HandleLiquidation(c.ctx, evt)
		}
	}
}

func (c *Core) dispatchMarkPrices() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case upd, ok := <-c.marketStr.MarkPrices():
			if !ok {
				return
			}
			c.positions.UpdateMarkPrice(upd.Symbol, upd.MarkPrice)
			c.hub.Publish(events.NewMarkPriceUpdateEvent(upd.Symbol, upd.MarkPrice))
		}
	}
}

func (c *Core) persistStateLoop() {
	ticker := time.NewTicker(stateSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.persistState()
		}
	}
}

func (c *Core) persistState() {
	state := store.State{
		Pending:    c.hunter.Snapshot(),
		Protective: c.positions.SnapshotProtective(),
	}
	if err := c.store.Save(state); err != nil {
		c.logger.Error("failed to persist state", "err", err)
	}
}

// Stop cancels every task, cancels all open orders on the exchange as a
// safety net, persists final state, waits for goroutines to drain, and
// closes resources (teacher: Engine.Stop — cancel context → safety-net
// cancel-all → persist state → wg.Wait() → close feeds/store).
func (c *Core) Stop() {
	c.logger.Info("shutting down")
	c.cancel()

	cancelCtx, cancelDone := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDone()
	for symbol := range c.cfg.Symbols {
		if err := c.client.CancelAllOpenOrders(cancelCtx, symbol, types.PriorityHigh); err != nil {
			c.logger.Error("failed to cancel open orders on shutdown", "symbol", symbol, "err", err)
		}
	}

	c.persistState()

	c.wg.Wait()

	if err := c.userStr.Close(context.Background()); err != nil {
		c.logger.Warn("user stream close error", "err", err)
	}
	if err := c.marketStr.Close(); err != nil {
		c.logger.Warn("market stream close error", "err", err)
	}
	c.rl.Stop()
	c.hub.Stop()
	c.store.Close()

	c.logger.Info("shutdown complete")
}

// EventSink exposes the core's broadcaster for external hosts (e.g. a
// websocket server) to subscribe to (§4.9).
func (c *Core) EventSink() *events.Hub { return c.hub }
