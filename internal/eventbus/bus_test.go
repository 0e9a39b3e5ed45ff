package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"market.orderbook.abc", "market.orderbook.abc", true},
		{"market.orderbook.abc", "market.orderbook.def", false},
		{"market.orderbook.*", "market.orderbook.abc", true},
		{"market.orderbook.*", "market.orderbook.abc.extra", true},
		{"market.*", "market.orderbook.abc", true},
		{"market.*", "market", false},
		{"signal.*", "risk.approved.x", false},
	}
	for _, c := range cases {
		require.Equalf(t, c.want, matchTopic(c.pattern, c.topic), "pattern=%s topic=%s", c.pattern, c.topic)
	}
}

func TestPublishDeliversInOrderPerSubscriber(t *testing.T) {
	bus := New(testLogger())
	defer bus.Shutdown()

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})

	bus.Subscribe(context.Background(), "market.orderbook.*", func(ctx context.Context, topic string, payload Payload) {
		mu.Lock()
		seen = append(seen, payload["seq"].(int))
		if len(seen) == 5 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "market.orderbook.m1", Payload{"seq": i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestHandlerPanicDoesNotPoisonOtherSubscribers(t *testing.T) {
	bus := New(testLogger())
	defer bus.Shutdown()

	okCh := make(chan struct{}, 1)
	bus.Subscribe(context.Background(), "risk.rejected.*", func(ctx context.Context, topic string, payload Payload) {
		panic("boom")
	})
	bus.Subscribe(context.Background(), "risk.rejected.*", func(ctx context.Context, topic string, payload Payload) {
		okCh <- struct{}{}
	})

	require.NoError(t, bus.Publish(context.Background(), "risk.rejected.sig1", Payload{}))

	select {
	case <-okCh:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving subscriber never received its event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(testLogger())
	defer bus.Shutdown()

	var count int
	var mu sync.Mutex
	id := bus.Subscribe(context.Background(), "signal.gabagool", func(ctx context.Context, topic string, payload Payload) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, bus.Publish(context.Background(), "signal.gabagool", Payload{}))
	time.Sleep(50 * time.Millisecond)
	bus.Unsubscribe(id)
	require.NoError(t, bus.Publish(context.Background(), "signal.gabagool", Payload{}))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestPublishFailsWhenExternalRequiredButDisconnected(t *testing.T) {
	bus := New(testLogger())
	defer bus.Shutdown()

	bus.mu.Lock()
	bus.brokerRequired = true
	bus.brokerConnected = false
	bus.mu.Unlock()

	err := bus.Publish(context.Background(), "market.stale.m1", Payload{})
	require.ErrorIs(t, err, ErrDisconnected{})
}
