package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xtitan6/mercury/internal/config"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/internal/risk"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func relaxedRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLossUSD:               1000,
		MaxPositionSizeUSD:            1000,
		MaxUnhedgedExposureUSD:        1000,
		CircuitBreakerWarningFailures: 10,
		CircuitBreakerCautionFailures: 20,
		CircuitBreakerHaltFailures:    30,
		CircuitBreakerWarningLoss:     1000,
		CircuitBreakerCautionLoss:     2000,
		CircuitBreakerHaltLoss:        3000,
		CooldownMinutes:               1,
	}
}

func TestWireBridgesForwardsApprovedSignalToRiskApprovedTopic(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Shutdown()

	e := &Engine{
		bus:     bus,
		riskMgr: risk.New(relaxedRiskConfig(), bus, testLogger()),
		logger:  testLogger(),
	}
	ctx := context.Background()
	e.wireBridges(ctx)

	approved := make(chan eventbus.Payload, 1)
	bus.Subscribe(ctx, "risk.approved.*", func(ctx context.Context, topic string, payload eventbus.Payload) {
		approved <- payload
	})

	targetSize, err := money.AmountFromString("50")
	require.NoError(t, err)
	signal := types.TradingSignal{
		SignalID:      "sig-1",
		MarketID:      "market-1",
		SignalType:    types.SignalArbitrage,
		TargetSizeUSD: targetSize,
	}
	require.NoError(t, bus.Publish(ctx, "signal.generated.sig-1", eventbus.Payload{"signal": signal}))

	select {
	case payload := <-approved:
		got, ok := payload["signal"].(types.TradingSignal)
		require.True(t, ok)
		require.Equal(t, "sig-1", got.SignalID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for risk.approved")
	}
}

func TestWireBridgesRejectsSignalOverPositionLimit(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Shutdown()

	e := &Engine{
		bus:     bus,
		riskMgr: risk.New(relaxedRiskConfig(), bus, testLogger()),
		logger:  testLogger(),
	}
	ctx := context.Background()
	e.wireBridges(ctx)

	rejected := make(chan eventbus.Payload, 1)
	bus.Subscribe(ctx, "risk.rejected.*", func(ctx context.Context, topic string, payload eventbus.Payload) {
		rejected <- payload
	})

	targetSize, err := money.AmountFromString("5000")
	require.NoError(t, err)
	signal := types.TradingSignal{
		SignalID:      "sig-2",
		MarketID:      "market-1",
		SignalType:    types.SignalArbitrage,
		TargetSizeUSD: targetSize,
	}
	require.NoError(t, bus.Publish(ctx, "signal.generated.sig-2", eventbus.Payload{"signal": signal}))

	select {
	case payload := <-rejected:
		require.Equal(t, "sig-2", payload["signal_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for risk.rejected")
	}
}

func TestTrackExecutionOutcomeRecordsSuccessAndFailure(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Shutdown()

	riskMgr := risk.New(relaxedRiskConfig(), bus, testLogger())
	e := &Engine{bus: bus, riskMgr: riskMgr, logger: testLogger()}

	e.trackExecutionOutcome(eventbus.Payload{"outcome": "BOTH_REJECTED"})
	require.Equal(t, 1, riskMgr.State().ConsecutiveFailures)

	e.trackExecutionOutcome(eventbus.Payload{"outcome": "BOTH_FILLED"})
	require.Equal(t, 0, riskMgr.State().ConsecutiveFailures)
}

func TestGabagoolConfigFromAppliesParams(t *testing.T) {
	entry := config.StrategyEntry{
		Enabled: true,
		Params: map[string]interface{}{
			"min_spread_threshold": 2.5,
			"max_trade_size_usd":   150,
		},
	}
	cfg := gabagoolConfigFrom(entry)
	require.Equal(t, 2.5, cfg.MinSpreadCents)
	require.Equal(t, 150.0, cfg.MaxTradeSizeUSD)
}

func TestGabagoolConfigFromFallsBackToDefaults(t *testing.T) {
	cfg := gabagoolConfigFrom(config.StrategyEntry{Enabled: true})
	require.Equal(t, 1.5, cfg.MinSpreadCents)
	require.Equal(t, 100.0, cfg.MaxTradeSizeUSD)
}
