package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xtitan6/mercury/internal/claim"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/internal/oracle"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	claimable []types.SettlementQueueEntry
	open      []types.Position
	claimed   []string
	failed    []string
}

func (f *fakeStore) QueueForSettlement(ctx context.Context, entry types.SettlementQueueEntry) error {
	return nil
}
func (f *fakeStore) GetClaimablePositions(ctx context.Context, now time.Time) ([]types.SettlementQueueEntry, error) {
	return f.claimable, nil
}
func (f *fakeStore) MarkClaimed(ctx context.Context, positionID string, proceeds, realizedPnL money.Amount, ledger types.RealizedPnLEntry) error {
	f.claimed = append(f.claimed, positionID)
	return nil
}
func (f *fakeStore) MarkClaimFailed(ctx context.Context, positionID string, attempts int, lastError string, nextRetryAt time.Time, permanent bool) error {
	f.failed = append(f.failed, positionID)
	return nil
}
func (f *fakeStore) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	return f.open, nil
}

type fakeOracle struct {
	info oracle.MarketInfo
	err  error
}

func (f fakeOracle) GetMarketInfo(ctx context.Context, conditionID string) (oracle.MarketInfo, error) {
	return f.info, f.err
}

type fakeBackend struct {
	err error
}

func (f fakeBackend) Claim(ctx context.Context, positionID, conditionID string, proceeds money.Amount) (claim.Receipt, error) {
	if f.err != nil {
		return claim.Receipt{}, f.err
	}
	return claim.Receipt{TxHash: "0xabc"}, nil
}

func TestTickClaimsResolvedPosition(t *testing.T) {
	store := &fakeStore{
		claimable: []types.SettlementQueueEntry{
			{PositionID: "p1", MarketID: "m1", ConditionID: "c1", Status: types.SettlementPending},
		},
		open: []types.Position{
			{PositionID: "p1", MarketID: "m1", YesShares: money.NewShares(money.PriceFromFloat(50).Decimal), CostBasis: money.NewAmount(money.PriceFromFloat(24).Decimal)},
		},
	}
	o := fakeOracle{info: oracle.MarketInfo{ConditionID: "c1", Resolved: true, Resolution: oracle.ResolutionYes}}
	bus := eventbus.New(testLogger())

	m := New(Config{CheckInterval: time.Hour, MaxClaimAttempts: 5}, store, o, fakeBackend{}, bus, true, testLogger())
	m.tick(context.Background())

	require.Equal(t, []string{"p1"}, store.claimed)
	require.Empty(t, store.failed)
}

func TestTickSkipsUnresolvedMarket(t *testing.T) {
	store := &fakeStore{
		claimable: []types.SettlementQueueEntry{{PositionID: "p1", MarketID: "m1", ConditionID: "c1"}},
		open:      []types.Position{{PositionID: "p1", MarketID: "m1"}},
	}
	o := fakeOracle{info: oracle.MarketInfo{ConditionID: "c1", Resolved: false}}
	bus := eventbus.New(testLogger())

	m := New(Config{CheckInterval: time.Hour, MaxClaimAttempts: 5}, store, o, fakeBackend{}, bus, true, testLogger())
	m.tick(context.Background())

	require.Empty(t, store.claimed)
	require.Empty(t, store.failed)
}

func TestTickHandlesClaimFailureWithBackoff(t *testing.T) {
	store := &fakeStore{
		claimable: []types.SettlementQueueEntry{{PositionID: "p1", MarketID: "m1", ConditionID: "c1", Attempts: 1}},
		open:      []types.Position{{PositionID: "p1", MarketID: "m1", YesShares: money.NewShares(money.PriceFromFloat(50).Decimal)}},
	}
	o := fakeOracle{info: oracle.MarketInfo{ConditionID: "c1", Resolved: true, Resolution: oracle.ResolutionYes}}
	bus := eventbus.New(testLogger())

	m := New(Config{CheckInterval: time.Hour, MaxClaimAttempts: 5}, store, o, fakeBackend{err: errors.New("rpc timeout")}, bus, true, testLogger())
	m.tick(context.Background())

	require.Empty(t, store.claimed)
	require.Equal(t, []string{"p1"}, store.failed)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	noJitter := func() float64 { return 0.5 } // midpoint, no adjustment
	require.Equal(t, 60*time.Second, claim.Backoff(1, noJitter))
	require.Equal(t, 120*time.Second, claim.Backoff(2, noJitter))
	require.Equal(t, time.Hour, claim.Backoff(10, noJitter))
}
