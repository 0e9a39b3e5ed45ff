package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(id string) (types.Trade, []types.Fill) {
	now := time.Now().UTC()
	trade := types.Trade{
		ID:              id,
		MarketID:        "m1",
		Strategy:        "gabagool",
		Side:            types.SignalArbitrage,
		YesTokenID:      "m1-yes",
		NoTokenID:       "m1-no",
		YesSize:         money.NewShares(money.PriceFromFloat(100).Decimal),
		NoSize:          money.NewShares(money.PriceFromFloat(100).Decimal),
		YesPrice:        money.PriceFromFloat(0.48),
		NoPrice:         money.PriceFromFloat(0.50),
		TotalCost:       money.NewAmount(money.PriceFromFloat(98).Decimal),
		GuaranteedPnL:   money.NewAmount(money.PriceFromFloat(2).Decimal),
		Status:          "BOTH_FILLED",
		ExecutionStatus: "BOTH_FILLED",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	fills := []types.Fill{
		{TradeID: id, OrderID: "o1", TokenID: "m1-yes", Side: types.BUY,
			RequestedSize: trade.YesSize, FilledSize: trade.YesSize,
			RequestedPrice: trade.YesPrice, FilledPrice: trade.YesPrice, Timestamp: now},
		{TradeID: id, OrderID: "o2", TokenID: "m1-no", Side: types.BUY,
			RequestedSize: trade.NoSize, FilledSize: trade.NoSize,
			RequestedPrice: trade.NoPrice, FilledPrice: trade.NoPrice, Timestamp: now},
	}
	return trade, fills
}

func TestRecordTradeAndFills(t *testing.T) {
	s := openTestStore(t)
	trade, fills := sampleTrade("t1")

	err := s.RecordTrade(context.Background(), trade, fills)
	require.NoError(t, err)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM fills WHERE trade_id = ?", "t1").Scan(&count))
	require.Equal(t, 2, count)
}

func TestRecordUnhedgedPositionAppearsInOpenPositions(t *testing.T) {
	s := openTestStore(t)
	trade, fills := sampleTrade("t2")
	require.NoError(t, s.RecordTrade(context.Background(), trade, fills))

	pos := types.Position{
		PositionID: "p1",
		MarketID:   "m1",
		TradeID:    "t2",
		YesShares:  trade.YesSize,
		NoShares:   money.ZeroShares(),
		CostBasis:  trade.TotalCost,
		Status:     types.PositionOpen,
		OpenedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.RecordUnhedgedPosition(context.Background(), pos))

	open, err := s.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "p1", open[0].PositionID)
}

func TestQueueForSettlementIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	entry := types.SettlementQueueEntry{
		PositionID:  "p1",
		MarketID:    "m1",
		ConditionID: "c1",
		QueuedAt:    time.Now().UTC(),
		NextRetryAt: time.Now().UTC(),
		Status:      types.SettlementPending,
	}
	require.NoError(t, s.QueueForSettlement(context.Background(), entry))
	require.NoError(t, s.QueueForSettlement(context.Background(), entry))

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM settlement_queue WHERE position_id = ?", "p1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestMarkClaimedUpdatesPositionAndLedger(t *testing.T) {
	s := openTestStore(t)
	trade, fills := sampleTrade("t3")
	require.NoError(t, s.RecordTrade(context.Background(), trade, fills))

	pos := types.Position{
		PositionID: "p2",
		MarketID:   "m1",
		TradeID:    "t3",
		YesShares:  trade.YesSize,
		Status:     types.PositionOpen,
		OpenedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.RecordUnhedgedPosition(context.Background(), pos))

	entry := types.SettlementQueueEntry{
		PositionID:  "p2",
		MarketID:    "m1",
		ConditionID: "c1",
		QueuedAt:    time.Now().UTC(),
		NextRetryAt: time.Now().UTC(),
		Status:      types.SettlementPending,
	}
	require.NoError(t, s.QueueForSettlement(context.Background(), entry))

	proceeds := money.NewAmount(money.PriceFromFloat(100).Decimal)
	realizedPnL := money.NewAmount(money.PriceFromFloat(2).Decimal)
	ledger := types.RealizedPnLEntry{
		TradeID:   "t3",
		TradeDate: time.Now().UTC(),
		PnLAmount: realizedPnL,
		PnLType:   types.PnLSettlement,
	}
	require.NoError(t, s.MarkClaimed(context.Background(), "p2", proceeds, realizedPnL, ledger))

	open, err := s.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Empty(t, open)

	// second claim attempt with the same (trade_id, pnl_type) must not error
	require.NoError(t, s.MarkClaimed(context.Background(), "p2", proceeds, realizedPnL, ledger))
}

func TestDailyStatsUpsert(t *testing.T) {
	s := openTestStore(t)
	stats := types.DailyStats{
		Date:        "2026-07-30",
		TotalTrades: 3,
		TotalVolume: money.NewAmount(money.PriceFromFloat(300).Decimal),
		RealizedPnL: money.NewAmount(money.PriceFromFloat(9).Decimal),
	}
	require.NoError(t, s.UpsertDailyStats(context.Background(), stats))

	stats.TotalTrades = 4
	require.NoError(t, s.UpsertDailyStats(context.Background(), stats))

	got, err := s.GetDailyStats(context.Background(), "2026-07-30")
	require.NoError(t, err)
	require.Equal(t, 4, got.TotalTrades)
}

func TestCircuitBreakerStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	state := types.CircuitBreakerState{
		State:               types.CBWarning,
		ConsecutiveFailures: 3,
		DailyPnL:            money.NewAmount(money.PriceFromFloat(-50).Decimal),
		DailyTrades:         5,
	}
	require.NoError(t, s.SaveCircuitBreakerState(context.Background(), state, "2026-07-30", "three failures"))

	loaded, found, err := s.LoadCircuitBreakerState(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.CBWarning, loaded.State)
	require.Equal(t, 5, loaded.DailyTrades)
}
