package execution

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xtitan6/mercury/internal/book"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/internal/exchange"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBooks struct {
	snap book.Snapshot
}

func (f fakeBooks) Snapshot(marketID string) (book.Snapshot, bool) { return f.snap, true }

type fakeStore struct {
	trades    []types.Trade
	positions []types.Position
}

func (f *fakeStore) RecordTrade(ctx context.Context, trade types.Trade, fills []types.Fill) error {
	f.trades = append(f.trades, trade)
	return nil
}

func (f *fakeStore) RecordUnhedgedPosition(ctx context.Context, position types.Position) error {
	f.positions = append(f.positions, position)
	return nil
}

type fakeTransport struct {
	result types.DualLegOrderResult
}

func (f fakeTransport) Connect(ctx context.Context) error { return nil }
func (f fakeTransport) Close(ctx context.Context) error   { return nil }
func (f fakeTransport) GetOrderBook(ctx context.Context, tokenID string) (exchange.OrderBookData, error) {
	return exchange.OrderBookData{}, nil
}
func (f fakeTransport) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (types.Order, error) {
	return types.Order{}, nil
}
func (f fakeTransport) PlaceDualLeg(ctx context.Context, req exchange.DualLegRequest) (types.DualLegOrderResult, error) {
	return f.result, nil
}
func (f fakeTransport) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (f fakeTransport) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	return types.Order{}, nil
}

func testSignal() types.TradingSignal {
	expires := time.Now().UTC().Add(30 * time.Second)
	return types.TradingSignal{
		SignalID:      "sig-1",
		StrategyName:  "gabagool",
		MarketID:      "m1",
		SignalType:    types.SignalArbitrage,
		TargetSizeUSD: money.NewAmount(money.PriceFromFloat(100).Decimal),
		YesPrice:      money.PriceFromFloat(0.48),
		NoPrice:       money.PriceFromFloat(0.50),
		ExpiresAt:     &expires,
	}
}

func testSnapshot() book.Snapshot {
	yes := money.PriceFromFloat(0.48)
	no := money.PriceFromFloat(0.50)
	return book.Snapshot{
		MarketID:       "m1",
		YesAsks:        []types.PriceLevel{{Price: yes, Size: money.NewShares(money.PriceFromFloat(1000).Decimal)}},
		NoAsks:         []types.PriceLevel{{Price: no, Size: money.NewShares(money.PriceFromFloat(1000).Decimal)}},
		CombinedAsk:    yes.Add(no),
		HasCombinedAsk: true,
	}
}

func filledOrder(tokenID string, size money.Shares, price money.Price) types.Order {
	return types.Order{
		OrderID:        tokenID + "-order",
		TokenID:        tokenID,
		Side:           types.BUY,
		Status:         types.OrderMatched,
		RequestedSize:  size,
		FilledSize:     size,
		FilledCost:     size.Mul(price),
		UpdatedAt:      time.Now(),
	}
}

func TestExecuteBothFilled(t *testing.T) {
	size := money.NewShares(money.PriceFromFloat(100).Decimal)
	result := types.DualLegOrderResult{
		Yes:        filledOrder("m1-yes", size, money.PriceFromFloat(0.48)),
		No:         filledOrder("m1-no", size, money.PriceFromFloat(0.50)),
		BothFilled: true,
	}

	store := &fakeStore{}
	bus := eventbus.New(testLogger())
	eng := New(Config{MaxLiquidityConsumptionPct: 0.5, Parallel: true},
		fakeTransport{result: result}, fakeBooks{snap: testSnapshot()}, store, bus, testLogger())

	opened := make(chan eventbus.Payload, 1)
	bus.Subscribe(context.Background(), "position.opened", func(ctx context.Context, topic string, payload eventbus.Payload) {
		opened <- payload
	})

	err := eng.Execute(context.Background(), testSignal())
	require.NoError(t, err)
	require.Len(t, store.trades, 1)
	require.Equal(t, string(OutcomeBothFilled), store.trades[0].Status)
	require.Len(t, store.positions, 1)
	require.True(t, store.positions[0].YesShares.GreaterThan(money.ZeroShares()))
	require.True(t, store.positions[0].NoShares.GreaterThan(money.ZeroShares()))

	select {
	case payload := <-opened:
		entry, ok := payload["entry"].(types.SettlementQueueEntry)
		require.True(t, ok)
		require.Equal(t, store.positions[0].PositionID, entry.PositionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for position.opened")
	}
}

func TestExecuteExpiredSignalSkipped(t *testing.T) {
	store := &fakeStore{}
	bus := eventbus.New(testLogger())
	eng := New(Config{MaxLiquidityConsumptionPct: 0.5, Parallel: true},
		fakeTransport{}, fakeBooks{snap: testSnapshot()}, store, bus, testLogger())

	sig := testSignal()
	expired := time.Now().UTC().Add(-time.Second)
	sig.ExpiresAt = &expired

	err := eng.Execute(context.Background(), sig)
	require.NoError(t, err)
	require.Empty(t, store.trades)
}

func TestExecutePartialFillHeldNotUnwound(t *testing.T) {
	size := money.NewShares(money.PriceFromFloat(100).Decimal)
	result := types.DualLegOrderResult{
		Yes: filledOrder("m1-yes", size, money.PriceFromFloat(0.48)),
		No: types.Order{
			OrderID: "m1-no-order",
			TokenID: "m1-no",
			Status:  types.OrderRejected,
		},
	}

	store := &fakeStore{}
	bus := eventbus.New(testLogger())
	eng := New(Config{MaxLiquidityConsumptionPct: 0.5, Parallel: true},
		fakeTransport{result: result}, fakeBooks{snap: testSnapshot()}, store, bus, testLogger())

	err := eng.Execute(context.Background(), testSignal())
	require.NoError(t, err)
	require.Len(t, store.trades, 1)
	require.Equal(t, string(OutcomePartialHold), store.trades[0].Status)
	require.Len(t, store.positions, 1)
	require.True(t, store.positions[0].YesShares.GreaterThan(money.ZeroShares()))
}
