// Package engine is the central orchestrator for mercury.
//
// It wires together every subsystem over the event bus:
//
//  1. marketdata.Service maintains order books and publishes
//     market.orderbook.<id> snapshots.
//  2. strategy.Registry dispatches each snapshot to enabled strategies
//     and publishes signal.generated.<id> for detected opportunities.
//  3. Engine itself bridges signal.generated -> risk.Manager.CheckPreTrade,
//     which publishes risk.approved.<id> or risk.rejected.<id>.
//  4. execution.Engine consumes risk.approved.<id>, places the dual-leg
//     order, and persists the outcome.
//  5. settlement.Manager polls resolved positions and claims winnings.
//
// Lifecycle: New() -> Start(ctx) -> [runs until signalled] -> Stop(ctx).
//
// This replaces the teacher's per-market-slot orchestrator
// (goroutine-per-market over two WebSocket feeds) with a single set of
// long-lived services coordinated entirely through the event bus, since
// §4's components already own their own concurrency and only need to be
// started, wired, and shut down in the right order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0xtitan6/mercury/internal/claim"
	"github.com/0xtitan6/mercury/internal/config"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/internal/exchange"
	"github.com/0xtitan6/mercury/internal/execution"
	"github.com/0xtitan6/mercury/internal/health"
	"github.com/0xtitan6/mercury/internal/lifecycle"
	"github.com/0xtitan6/mercury/internal/marketdata"
	"github.com/0xtitan6/mercury/internal/oracle"
	"github.com/0xtitan6/mercury/internal/risk"
	"github.com/0xtitan6/mercury/internal/settlement"
	"github.com/0xtitan6/mercury/internal/store"
	"github.com/0xtitan6/mercury/internal/strategy"
	"github.com/0xtitan6/mercury/pkg/types"
)

// Engine orchestrates all mercury components.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	bus        *eventbus.Bus
	market     *marketdata.Service
	registry   *strategy.Registry
	riskMgr    *risk.Manager
	executor   *execution.Engine
	settler    *settlement.Manager
	store      *store.Store
	transport  exchange.Transport
	claimBack  claim.Backend
	healthSrv  *health.Server
	shutdownMg *lifecycle.Controller

	inFlightMu sync.Mutex
	inFlight   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs and wires every component from config, but starts
// nothing yet.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	bus := eventbus.New(logger)

	st, err := store.Open(cfg.Store.DataDir, cfg.Store.DBFile)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	transport := exchange.NewRestAdapter(cfg.API.CLOBBaseURL, cfg.Mercury.DryRun, logger)
	market := marketdata.New(cfg.API.WSMarketURL, bus, logger)
	registry := strategy.NewRegistry(bus, logger)
	riskMgr := risk.New(cfg.Risk, bus, logger)

	if state, found, err := st.LoadCircuitBreakerState(context.Background()); err != nil {
		logger.Warn("failed to load circuit breaker state", "error", err)
	} else if found {
		riskMgr.Restore(state)
	}

	executor := execution.New(execution.Config{
		MaxLiquidityConsumptionPct: cfg.Execution.MaxLiquidityConsumptionPct,
		Parallel:                   cfg.Execution.Parallel,
	}, transport, market, st, bus, logger)

	o := oracle.NewRestOracle(cfg.API.GammaBaseURL, 30*time.Second, cfg.Retry, logger)

	var claimBack claim.Backend
	if cfg.Mercury.DryRun || cfg.Wallet.PrivateKey == "" {
		claimBack = claim.NewDryRunBackend(logger)
	} else {
		cb, err := claim.NewChainBackend(cfg.API.ClaimRPCURL, cfg.Wallet.PrivateKey, int64(cfg.Wallet.ChainID), logger)
		if err != nil {
			return nil, fmt.Errorf("new chain claim backend: %w", err)
		}
		claimBack = cb
	}

	settler := settlement.New(settlement.Config{
		CheckInterval:    time.Duration(cfg.Settlement.CheckIntervalSeconds) * time.Second,
		MaxClaimAttempts: cfg.Settlement.MaxClaimAttempts,
	}, st, o, claimBack, bus, cfg.Mercury.DryRun, logger)

	for name, entry := range cfg.Strategies {
		if !entry.Enabled {
			continue
		}
		switch name {
		case "gabagool":
			registry.Register(strategy.NewGabagool(gabagoolConfigFrom(entry), logger))
		default:
			logger.Warn("unknown strategy in configuration, skipping", "name", name)
		}
	}

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.New(fmt.Sprintf(":%d", cfg.Health.Port), health.Providers{
			WebsocketConnected: market.Connected,
			CircuitBreaker:     func() string { return string(riskMgr.State().State) },
			ActiveStrategies: func() int {
				count := 0
				for _, n := range registry.Names() {
					if s, ok := registry.Get(n); ok && s.Enabled() {
						count++
					}
				}
				return count
			},
			OpenPositions: func() int {
				positions, err := st.GetOpenPositions(context.Background())
				if err != nil {
					return 0
				}
				return len(positions)
			},
		}, logger)
	}

	shutdownMg := lifecycle.New(cfg.ShutdownTimeout(), cfg.DrainTimeout(), logger)

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		bus:        bus,
		market:     market,
		registry:   registry,
		riskMgr:    riskMgr,
		executor:   executor,
		settler:    settler,
		store:      st,
		transport:  transport,
		claimBack:  claimBack,
		healthSrv:  healthSrv,
		shutdownMg: shutdownMg,
	}, nil
}

// gabagoolConfigFrom extracts strategy.GabagoolConfig from the
// strategies.gabagool.* parameter map, falling back to defaults for
// any key not present.
func gabagoolConfigFrom(entry config.StrategyEntry) strategy.GabagoolConfig {
	cfg := strategy.DefaultGabagoolConfig()
	if v, ok := paramFloat(entry.Params, "min_spread_threshold"); ok {
		cfg.MinSpreadCents = v
	}
	if v, ok := paramFloat(entry.Params, "max_trade_size_usd"); ok {
		cfg.MaxTradeSizeUSD = v
	}
	return cfg
}

// paramFloat reads a strategy param as float64, accepting either a YAML
// float or a bare integer (viper's mapstructure decodes whole numbers
// like `100` as int, not float64).
func paramFloat(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Start wires the signal.generated -> risk-gate bridge, subscribes the
// execution-outcome accounting hooks, and launches every background
// service. Non-blocking: returns once everything is running.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wireBridges(runCtx)

	e.runGoroutine(func() { e.market.Run(runCtx) })
	e.runGoroutine(func() { e.registry.Run(runCtx) })
	e.runGoroutine(func() { e.executor.Run(runCtx) })
	e.runGoroutine(func() { e.settler.Run(runCtx) })

	if e.healthSrv != nil {
		e.runGoroutine(func() {
			if err := e.healthSrv.Start(); err != nil {
				e.logger.Error("health server error", "error", err)
			}
		})
	}

	e.installShutdownHooks(runCtx)
	e.logger.Info("mercury engine started", "dry_run", e.cfg.Mercury.DryRun, "strategies", e.registry.Names())
	return nil
}

// wireBridges subscribes the two event-bus links nothing else in the
// topology provides: signal.generated -> risk gate, and execution
// outcomes -> risk accounting.
func (e *Engine) wireBridges(ctx context.Context) {
	e.bus.Subscribe(ctx, "signal.generated.*", func(ctx context.Context, topic string, payload eventbus.Payload) {
		signal, ok := payload["signal"].(types.TradingSignal)
		if !ok {
			return
		}
		if approved, reason := e.riskMgr.CheckPreTrade(ctx, signal); !approved {
			e.logger.Info("signal rejected by risk gate", "signal_id", signal.SignalID, "reason", reason)
		}
	})

	e.bus.Subscribe(ctx, "execution.completed.*", func(ctx context.Context, topic string, payload eventbus.Payload) {
		e.trackExecutionOutcome(payload)
	})
}

// runGoroutine launches fn tracked by the engine's WaitGroup so Stop can
// wait for clean exit.
func (e *Engine) runGoroutine(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// trackExecutionOutcome feeds fill/failure accounting back into the risk
// manager per §4.F.7: record_success() only on full_fill, record_failure()
// only on no_fill. A partial fill is exposure-increasing, not a gate
// success, so it leaves consecutive_failures untouched.
func (e *Engine) trackExecutionOutcome(payload eventbus.Payload) {
	outcome, _ := payload["outcome"].(string)
	switch execution.Outcome(outcome) {
	case execution.OutcomeBothFilled:
		e.riskMgr.RecordSuccess()
	case execution.OutcomeBothRejected:
		e.riskMgr.RecordFailure()
	}
}

// InFlightOrderCount reports the engine's inFlight counter, used by the
// shutdown controller's drain phase. No code path increments the counter,
// so it reports zero and the drain phase ends at once.
func (e *Engine) InFlightOrderCount() int {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	return e.inFlight
}

// installShutdownHooks wires every component's teardown into the
// phased shutdown controller (§4.I).
func (e *Engine) installShutdownHooks(ctx context.Context) {
	e.shutdownMg.OnStopNewWork("strategy_registry", func(ctx context.Context) error {
		for _, name := range e.registry.Names() {
			if s, ok := e.registry.Get(name); ok {
				s.Disable()
			}
		}
		return nil
	})
	// Cancel the run context as part of stopping new work, not during
	// cleanup: background services must stop reading from the bus before
	// the close-connections/cleanup phases tear down the store and
	// transport they use.
	e.shutdownMg.OnStopNewWork("background_services", func(ctx context.Context) error {
		if e.cancel != nil {
			e.cancel()
		}
		return nil
	})

	// The execution engine places FOK-only dual-leg orders (§4.F): each
	// attempt resolves within a single REST round trip, so there is
	// nothing to force-cancel if the drain timeout is hit.
	e.shutdownMg.SetInFlightTracker(e.InFlightOrderCount, func(ctx context.Context) error {
		return nil
	})

	e.shutdownMg.OnCloseConnections("transport", func(ctx context.Context) error {
		return e.transport.Close(ctx)
	})
	if e.healthSrv != nil {
		e.shutdownMg.OnCloseConnections("health_server", func(ctx context.Context) error {
			return e.healthSrv.Stop(ctx)
		})
	}

	e.shutdownMg.OnCleanup("store", func(ctx context.Context) error {
		return e.store.Close()
	})
}

// Stop triggers the phased shutdown sequence (idempotent: a no-op if a
// signal already drove it via the installed handler) and waits for
// every background goroutine to finish.
func (e *Engine) Stop(ctx context.Context) {
	e.logger.Info("shutting down...")

	e.shutdownMg.Shutdown(ctx)
	e.shutdownMg.WaitForShutdown()
	e.wg.Wait()

	progress := e.shutdownMg.Progress()
	e.logger.Info("shutdown complete", "duration_seconds", progress.DurationSeconds(), "errors", len(progress.Errors))
}

// RiskManager exposes the risk manager for the health server and tests.
func (e *Engine) RiskManager() *risk.Manager { return e.riskMgr }

// Store exposes the state store for the health server and tests.
func (e *Engine) Store() *store.Store { return e.store }

// ShutdownController exposes the lifecycle controller for wiring signal
// handlers from main.
func (e *Engine) ShutdownController() *lifecycle.Controller { return e.shutdownMg }
