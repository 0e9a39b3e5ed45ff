// Package settlement implements the Settlement Manager (§4.G): it polls
// open positions for resolution, claims winnings through the abstract
// claims backend, and retries failed claims with capped exponential
// backoff.
//
// The fixed-interval polling loop plus per-tick batch processing is
// grounded in the teacher's reconcile/kill-switch polling pattern in
// internal/risk/manager.go (a ticker-driven goroutine checking
// accumulated state each tick), generalized here to settlement-queue
// entries instead of risk thresholds.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/0xtitan6/mercury/internal/claim"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/internal/oracle"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

// Store is the narrow persistence surface the settlement loop needs.
type Store interface {
	QueueForSettlement(ctx context.Context, entry types.SettlementQueueEntry) error
	GetClaimablePositions(ctx context.Context, now time.Time) ([]types.SettlementQueueEntry, error)
	MarkClaimed(ctx context.Context, positionID string, proceeds, realizedPnL money.Amount, ledger types.RealizedPnLEntry) error
	MarkClaimFailed(ctx context.Context, positionID string, attempts int, lastError string, nextRetryAt time.Time, permanent bool) error
	GetOpenPositions(ctx context.Context) ([]types.Position, error)
}

// Config holds the §4.G tunables.
type Config struct {
	CheckInterval    time.Duration
	MaxClaimAttempts int
}

// Manager is the Settlement Manager.
type Manager struct {
	cfg     Config
	store   Store
	oracle  oracle.Oracle
	backend claim.Backend
	bus     *eventbus.Bus
	logger  *slog.Logger
	dryRun  bool
}

// New creates a settlement manager.
func New(cfg Config, store Store, o oracle.Oracle, backend claim.Backend, bus *eventbus.Bus, dryRun bool, logger *slog.Logger) *Manager {
	if cfg.MaxClaimAttempts == 0 {
		cfg.MaxClaimAttempts = 5
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		oracle:  o,
		backend: backend,
		bus:     bus,
		dryRun:  dryRun,
		logger:  logger.With("component", "settlement"),
	}
}

// Run subscribes to position.opened and starts the fixed-interval
// polling loop. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.bus.Subscribe(ctx, "position.opened", func(ctx context.Context, topic string, payload eventbus.Payload) {
		entry, ok := payload["entry"].(types.SettlementQueueEntry)
		if !ok {
			return
		}
		if err := m.store.QueueForSettlement(ctx, entry); err != nil {
			m.logger.Error("queue for settlement failed", "position_id", entry.PositionID, "error", err)
		}
	})

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick processes one batch of claimable settlement_queue entries.
func (m *Manager) tick(ctx context.Context) {
	entries, err := m.store.GetClaimablePositions(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Error("get claimable positions failed", "error", err)
		return
	}

	positions, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		m.logger.Error("get open positions failed", "error", err)
		return
	}
	byID := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		byID[p.PositionID] = p
	}

	for _, entry := range entries {
		if entry.Attempts >= m.cfg.MaxClaimAttempts {
			continue
		}
		pos, ok := byID[entry.PositionID]
		if !ok {
			continue
		}
		m.processEntry(ctx, entry, pos)
	}
}

func (m *Manager) processEntry(ctx context.Context, entry types.SettlementQueueEntry, pos types.Position) {
	info, err := m.oracle.GetMarketInfo(ctx, entry.ConditionID)
	if err != nil {
		m.logger.Warn("oracle lookup failed", "condition_id", entry.ConditionID, "error", err)
		return
	}
	if !info.Resolved {
		return // no attempt increment on an unresolved market
	}

	proceeds := payout(pos, info.Resolution)
	profit := money.NewAmount(proceeds.Decimal.Sub(pos.CostBasis.Decimal))

	receipt, err := m.backend.Claim(ctx, entry.PositionID, entry.ConditionID, proceeds)
	if err != nil {
		m.handleClaimFailure(ctx, entry, err)
		return
	}

	ledger := types.RealizedPnLEntry{
		TradeID:   pos.TradeID,
		TradeDate: time.Now().UTC(),
		PnLAmount: profit,
		PnLType:   types.PnLSettlement,
	}
	if err := m.store.MarkClaimed(ctx, entry.PositionID, proceeds, profit, ledger); err != nil {
		m.logger.Error("mark claimed failed", "position_id", entry.PositionID, "error", err)
		return
	}

	topic := fmt.Sprintf("settlement.claimed.%s", entry.PositionID)
	event := eventbus.Payload{
		"position_id":  entry.PositionID,
		"market_id":    entry.MarketID,
		"condition_id": entry.ConditionID,
		"resolution":   string(info.Resolution),
		"proceeds":     proceeds.String(),
		"profit":       profit.String(),
		"tx_hash":      receipt.TxHash,
		"gas_used":     receipt.GasUsed,
		"dry_run":      m.dryRun,
		"attempts":     entry.Attempts,
	}
	if err := m.bus.Publish(ctx, topic, event); err != nil {
		m.logger.Warn("settlement.claimed publish failed", "error", err)
	}
}

func (m *Manager) handleClaimFailure(ctx context.Context, entry types.SettlementQueueEntry, claimErr error) {
	attempts := entry.Attempts + 1
	permanent := attempts >= m.cfg.MaxClaimAttempts
	nextRetryAt := time.Now().UTC().Add(claim.Backoff(attempts, rand.Float64))

	if err := m.store.MarkClaimFailed(ctx, entry.PositionID, attempts, claimErr.Error(), nextRetryAt, permanent); err != nil {
		m.logger.Error("mark claim failed update failed", "position_id", entry.PositionID, "error", err)
	}

	topic := fmt.Sprintf("settlement.failed.%s", entry.PositionID)
	payload := eventbus.Payload{
		"position_id":  entry.PositionID,
		"attempts":     attempts,
		"is_permanent": permanent,
		"error":        claimErr.Error(),
	}
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		m.logger.Warn("settlement.failed publish failed", "error", err)
	}
}

// payout computes the per-side resolution payoff: shares_X * $1 if
// resolution == X, else 0 (§4.G.4).
func payout(pos types.Position, resolution oracle.Resolution) money.Amount {
	switch resolution {
	case oracle.ResolutionYes:
		return money.NewAmount(pos.YesShares.Decimal)
	case oracle.ResolutionNo:
		return money.NewAmount(pos.NoShares.Decimal)
	default:
		return money.ZeroAmount()
	}
}
