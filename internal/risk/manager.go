// Package risk implements the pre-trade gate and circuit breaker (§4.E).
// It is the synchronous decision point between an approved TradingSignal
// and the Execution Engine: every signal is checked against exposure,
// daily-loss and failure-count limits before it is allowed to trade.
//
// The state-machine shape (mutex-protected aggregate state, a pure
// recompute function driven by accounting hooks) is grounded in the
// teacher's internal/risk/manager.go; unlike the teacher's dashboard-
// oriented Manager, this one gates individual signals synchronously
// rather than only emitting an async kill signal, per §4.E's
// check_pre_trade contract.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0xtitan6/mercury/internal/config"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

// Fill is the minimal accounting input record_fill needs.
type Fill struct {
	Cost money.Amount
}

// Manager enforces the pre-trade gate and owns the circuit breaker state.
// All mutation happens through its Record*, ResetDaily and Restore
// methods, each serialized by mu.
type Manager struct {
	cfg    config.RiskConfig
	bus    *eventbus.Bus
	logger *slog.Logger

	mu sync.Mutex

	dailyPnL            money.Amount
	dailyTrades         int
	currentExposure     money.Amount
	unhedgedExposure    money.Amount
	consecutiveFailures int
	breakerState        types.CircuitBreakerLevel
	breakerTriggeredAt  *time.Time
}

// New creates a risk manager in the NORMAL state.
func New(cfg config.RiskConfig, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:             cfg,
		bus:             bus,
		logger:          logger.With("component", "risk"),
		dailyPnL:        money.ZeroAmount(),
		currentExposure: money.ZeroAmount(),
		unhedgedExposure: money.ZeroAmount(),
		breakerState:    types.CBNormal,
	}
}

// CheckPreTrade implements §4.E.check_pre_trade. On approval it publishes
// risk.approved.<signal_id>; on rejection risk.rejected.<signal_id>.
func (m *Manager) CheckPreTrade(ctx context.Context, signal types.TradingSignal) (bool, string) {
	m.mu.Lock()
	state := m.breakerState
	triggeredAt := m.breakerTriggeredAt
	dailyPnL := m.dailyPnL
	unhedged := m.unhedgedExposure
	m.mu.Unlock()

	var reason string
	switch {
	case state == types.CBHalt && !m.cooldownElapsed(triggeredAt):
		reason = "Circuit breaker triggered"
	case dailyPnL.Decimal.LessThanOrEqual(money.PriceFromFloat(m.cfg.MaxDailyLossUSD).Decimal.Neg()):
		reason = "Daily loss limit reached"
	case signal.TargetSizeUSD.Decimal.GreaterThan(money.PriceFromFloat(m.cfg.MaxPositionSizeUSD).Decimal):
		reason = "Position size exceeds limit"
	case signal.SignalType != types.SignalArbitrage &&
		unhedged.Decimal.Add(signal.TargetSizeUSD.Decimal).GreaterThan(money.PriceFromFloat(m.cfg.MaxUnhedgedExposureUSD).Decimal):
		reason = "Unhedged exposure exceeds limit"
	}

	approved := reason == ""
	topic := fmt.Sprintf("risk.rejected.%s", signal.SignalID)
	payload := eventbus.Payload{"signal_id": signal.SignalID, "market_id": signal.MarketID}
	if approved {
		topic = fmt.Sprintf("risk.approved.%s", signal.SignalID)
		payload["signal"] = signal
		payload["approved_size_usd"] = signal.TargetSizeUSD.String()
		payload["size_multiplier"] = state.SizeMultiplier()
	} else {
		payload["reason"] = reason
	}
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		m.logger.Warn("risk gate publish failed", "topic", topic, "error", err)
	}
	return approved, reason
}

func (m *Manager) cooldownElapsed(triggeredAt *time.Time) bool {
	if triggeredAt == nil {
		return true
	}
	return time.Since(*triggeredAt) >= m.cfg.CooldownAfterHalt()
}

// RecordFill implements record_fill(fill): current_exposure += fill.cost;
// daily_trades += 1.
func (m *Manager) RecordFill(fill Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentExposure = m.currentExposure.Add(fill.Cost)
	m.dailyTrades++
}

// RecordUnhedged adds to the unhedged-exposure accumulator, used when a
// partial fill leaves a position hedged below 1.
func (m *Manager) RecordUnhedged(amount money.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhedgedExposure = m.unhedgedExposure.Add(amount)
}

// RecordPnL implements record_pnl(amount): daily_pnl += amount; recompute
// circuit-breaker state.
func (m *Manager) RecordPnL(amount money.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = m.dailyPnL.Add(amount)
	m.recomputeLocked()
}

// RecordFailure implements record_failure(): consecutive_failures += 1;
// recompute.
func (m *Manager) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures++
	m.recomputeLocked()
}

// RecordSuccess implements record_success(): consecutive_failures = 0.
func (m *Manager) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
	m.recomputeLocked()
}

// recomputeLocked implements the §4.E circuit-breaker state table, a pure
// function of consecutive_failures and -daily_pnl. Must be called with
// m.mu held.
func (m *Manager) recomputeLocked() {
	loss := m.dailyPnL.Neg().Decimal
	var next types.CircuitBreakerLevel
	switch {
	case m.consecutiveFailures >= m.cfg.CircuitBreakerHaltFailures ||
		loss.GreaterThanOrEqual(money.PriceFromFloat(m.cfg.CircuitBreakerHaltLoss).Decimal):
		next = types.CBHalt
	case m.consecutiveFailures >= m.cfg.CircuitBreakerCautionFailures ||
		loss.GreaterThanOrEqual(money.PriceFromFloat(m.cfg.CircuitBreakerCautionLoss).Decimal):
		next = types.CBCaution
	case m.consecutiveFailures >= m.cfg.CircuitBreakerWarningFailures ||
		loss.GreaterThanOrEqual(money.PriceFromFloat(m.cfg.CircuitBreakerWarningLoss).Decimal):
		next = types.CBWarning
	default:
		next = types.CBNormal
	}

	if next == types.CBHalt && m.breakerState != types.CBHalt {
		now := time.Now()
		m.breakerTriggeredAt = &now
		m.logger.Error("circuit breaker HALT",
			"consecutive_failures", m.consecutiveFailures, "daily_pnl", m.dailyPnL.String())
	}
	if next != types.CBHalt {
		m.breakerTriggeredAt = nil
	}
	m.breakerState = next
}

// ResetDaily implements reset_daily(): zeroes all counters and returns to
// NORMAL.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = money.ZeroAmount()
	m.dailyTrades = 0
	m.currentExposure = money.ZeroAmount()
	m.unhedgedExposure = money.ZeroAmount()
	m.consecutiveFailures = 0
	m.breakerState = types.CBNormal
	m.breakerTriggeredAt = nil
}

// State returns a snapshot of the breaker state in the shape of the
// circuit_breaker_state row (§4.H), read by the /health endpoint.
func (m *Manager) State() types.CircuitBreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.CircuitBreakerState{
		State:               m.breakerState,
		TriggeredAt:         m.breakerTriggeredAt,
		ConsecutiveFailures: m.consecutiveFailures,
		DailyPnL:            m.dailyPnL,
		DailyTrades:         m.dailyTrades,
	}
}

// Restore installs a previously persisted breaker state, used on startup
// to survive restarts (§4.H circuit_breaker_state "survives restart").
func (m *Manager) Restore(state types.CircuitBreakerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerState = state.State
	m.breakerTriggeredAt = state.TriggeredAt
	m.consecutiveFailures = state.ConsecutiveFailures
	m.dailyPnL = state.DailyPnL
	m.dailyTrades = state.DailyTrades
}
