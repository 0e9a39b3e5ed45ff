// Command mercury runs the asymmetric binary-arbitrage trading bot.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine          — orchestrator: wires marketdata → strategy → risk → execution → settlement
//	internal/marketdata      — WebSocket order-book feed with reconnect/staleness monitoring
//	internal/strategy        — pluggable strategy registry; gabagool is the built-in arbitrage strategy
//	internal/risk            — pre-trade gate and circuit breaker
//	internal/execution       — dual-leg order placement and outcome accounting
//	internal/settlement      — polls resolved markets and claims winnings on-chain
//	internal/store           — SQLite persistence for trades, positions, and circuit-breaker state
//	internal/health          — /health and /metrics HTTP surface
//	internal/lifecycle       — phased graceful shutdown
//
// How it makes money:
//
//	gabagool buys YES and NO simultaneously whenever their combined ask
//	price is under $1, locking a risk-free profit once both legs fill.
package main

import (
	"context"
	"os"

	"log/slog"

	"github.com/0xtitan6/mercury/internal/config"
	"github.com/0xtitan6/mercury/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MERCURY_CONFIG"); p != "" {
		cfgPath = p
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

	logger := slog.New(newHandler(cfg.Logging))

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Mercury.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed, no on-chain claims submitted")
	}

	logger.Info("mercury started", "dry_run", cfg.Mercury.DryRun)

	stop := eng.ShutdownController().InstallSignalHandlers(ctx)
	defer stop()
	eng.ShutdownController().WaitForShutdown()

	eng.Stop(context.Background())
}

func newHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
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
