package marketdata

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xtitan6/mercury/internal/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService() *Service {
	return New("wss://example.invalid", eventbus.New(testLogger()), testLogger())
}

func TestSubscribeMarketFailsBeforeRun(t *testing.T) {
	s := newTestService()
	err := s.SubscribeMarket("m1", "yes1", "no1")
	require.Error(t, err)
}

func TestSubscribeMarketRegistersPendingSubscriptions(t *testing.T) {
	s := newTestService()
	s.running = true

	require.NoError(t, s.SubscribeMarket("m1", "yes1", "no1"))

	require.Equal(t, StatePending, s.subs["yes1"].state)
	require.Equal(t, StatePending, s.subs["no1"].state)
	require.Equal(t, "m1", s.tokenToMarket["yes1"])
}

func TestApplySnapshotActivatesSubscription(t *testing.T) {
	s := newTestService()
	s.running = true
	require.NoError(t, s.SubscribeMarket("m1", "yes1", "no1"))

	frame := []byte(`{"asset_id":"yes1","bids":[{"price":"0.40","size":"100","order_count":2}],"asks":[{"price":"0.45","size":"50","order_count":1}]}`)
	s.applyFrame(context.Background(), frame)

	require.Equal(t, StateActive, s.subs["yes1"].state)

	snap, ok := s.Snapshot("m1")
	require.True(t, ok)
	require.Len(t, snap.YesBids, 1)
	require.Len(t, snap.YesAsks, 1)
}

func TestApplyPriceChangeUpdatesBook(t *testing.T) {
	s := newTestService()
	s.running = true
	require.NoError(t, s.SubscribeMarket("m1", "yes1", "no1"))

	frame := []byte(`{"price_changes":[{"asset_id":"yes1","side":"SELL","price":"0.47","size":"30","order_count":1}]}`)
	s.applyFrame(context.Background(), frame)

	require.Equal(t, StateActive, s.subs["yes1"].state)
	snap, ok := s.Snapshot("m1")
	require.True(t, ok)
	require.Len(t, snap.YesAsks, 1)
}

func TestMalformedFrameIncrementsParseErrorsWithoutPanicking(t *testing.T) {
	s := newTestService()
	s.running = true
	require.NoError(t, s.SubscribeMarket("m1", "yes1", "no1"))

	frame := []byte(`{"asset_id":"yes1","bids":[{"price":"not-a-number","size":"100","order_count":1}]}`)
	s.applyFrame(context.Background(), frame)

	require.Equal(t, int64(1), s.ParseErrors())
	require.Equal(t, StatePending, s.subs["yes1"].state)
}

func TestDisconnectReenqueuesActiveSubscriptionsAsPending(t *testing.T) {
	s := newTestService()
	s.running = true
	require.NoError(t, s.SubscribeMarket("m1", "yes1", "no1"))
	s.subs["yes1"].state = StateActive

	s.reenqueueActiveSubscriptions()

	require.Equal(t, StatePending, s.subs["yes1"].state)
}

func TestSnapshotForUnknownMarketReturnsFalse(t *testing.T) {
	s := newTestService()
	_, ok := s.Snapshot("does-not-exist")
	require.False(t, ok)
}
