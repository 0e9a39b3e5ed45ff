package risk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/0xtitan6/mercury/internal/config"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLossUSD:               1000,
		MaxPositionSizeUSD:            100,
		MaxUnhedgedExposureUSD:        50,
		CircuitBreakerWarningFailures: 3,
		CircuitBreakerCautionFailures: 4,
		CircuitBreakerHaltFailures:    5,
		CircuitBreakerWarningLoss:     100,
		CircuitBreakerCautionLoss:     200,
		CircuitBreakerHaltLoss:        300,
		CooldownMinutes:               15,
	}
}

func newTestManager() *Manager {
	return New(testRiskConfig(), eventbus.New(testLogger()), testLogger())
}

func TestCircuitBreakerEscalation(t *testing.T) {
	m := newTestManager()

	m.RecordFailure()
	m.RecordFailure()
	m.RecordFailure()
	require.Equal(t, types.CBWarning, m.State().State)

	m.RecordSuccess()
	require.Equal(t, types.CBNormal, m.State().State)

	for i := 0; i < 5; i++ {
		m.RecordFailure()
	}
	require.Equal(t, types.CBHalt, m.State().State)

	sig := types.TradingSignal{SignalID: "s1", SignalType: types.SignalArbitrage, TargetSizeUSD: money.NewAmount(money.PriceFromFloat(10).Decimal)}
	allowed, reason := m.CheckPreTrade(context.Background(), sig)
	require.False(t, allowed)
	require.Equal(t, "Circuit breaker triggered", reason)
}

func TestCheckPreTradeRejectsOverSizedSignal(t *testing.T) {
	m := newTestManager()
	sig := types.TradingSignal{
		SignalID:      "s1",
		SignalType:    types.SignalArbitrage,
		TargetSizeUSD: money.NewAmount(money.PriceFromFloat(500).Decimal),
	}
	allowed, reason := m.CheckPreTrade(context.Background(), sig)
	require.False(t, allowed)
	require.Equal(t, "Position size exceeds limit", reason)
}

func TestCheckPreTradeApprovesWithinLimits(t *testing.T) {
	m := newTestManager()
	sig := types.TradingSignal{
		SignalID:      "s1",
		SignalType:    types.SignalArbitrage,
		TargetSizeUSD: money.NewAmount(money.PriceFromFloat(9.80).Decimal),
	}
	allowed, reason := m.CheckPreTrade(context.Background(), sig)
	require.True(t, allowed)
	require.Empty(t, reason)
}

func TestResetDailyReturnsToNormal(t *testing.T) {
	m := newTestManager()
	for i := 0; i < 5; i++ {
		m.RecordFailure()
	}
	require.Equal(t, types.CBHalt, m.State().State)

	m.ResetDaily()
	state := m.State()
	require.Equal(t, types.CBNormal, state.State)
	require.Equal(t, 0, state.ConsecutiveFailures)
	require.True(t, state.DailyPnL.IsZero())
}

func TestDailyLossLimitRejectsTrade(t *testing.T) {
	m := newTestManager()
	// A $1000 loss also trips HALT (halt loss is $300); with no cooldown the
	// breaker check passes and the daily-loss check is the one that rejects.
	m.cfg.CooldownMinutes = 0
	m.RecordPnL(money.NewAmount(money.PriceFromFloat(-1000).Decimal))

	sig := types.TradingSignal{
		SignalID:      "s1",
		SignalType:    types.SignalArbitrage,
		TargetSizeUSD: money.NewAmount(money.PriceFromFloat(10).Decimal),
	}
	allowed, reason := m.CheckPreTrade(context.Background(), sig)
	require.False(t, allowed)
	require.Equal(t, "Daily loss limit reached", reason)
}

func TestHaltCooldownExpiresAndAllowsApproval(t *testing.T) {
	m := newTestManager()
	m.cfg.CooldownMinutes = 0
	for i := 0; i < 5; i++ {
		m.RecordFailure()
	}
	time.Sleep(time.Millisecond)

	sig := types.TradingSignal{
		SignalID:      "s1",
		SignalType:    types.SignalArbitrage,
		TargetSizeUSD: money.NewAmount(money.PriceFromFloat(10).Decimal),
	}
	allowed, _ := m.CheckPreTrade(context.Background(), sig)
	require.True(t, allowed)
}
