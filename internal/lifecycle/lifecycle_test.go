package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShutdownRunsPhasesInOrder(t *testing.T) {
	c := New(time.Second, time.Second, testLogger())

	var order []string
	record := func(name string) Callback {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	c.OnStopNewWork("stop", record("stop"))
	c.OnDrainOrders("drain", record("drain"))
	c.OnCloseConnections("conns", record("conns"))
	c.OnFlushData("flush", record("flush"))
	c.OnCleanup("cleanup", record("cleanup"))

	c.Shutdown(context.Background())
	c.WaitForShutdown()

	require.Equal(t, []string{"stop", "drain", "conns", "flush", "cleanup"}, order)
	require.Equal(t, PhaseCompleted, c.Progress().Phase)
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := New(time.Second, time.Second, testLogger())
	var calls int32
	c.OnStopNewWork("count", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	c.Shutdown(context.Background())
	c.WaitForShutdown()
	c.Shutdown(context.Background()) // second call is a no-op

	require.Equal(t, int32(1), calls)
}

func TestShutdownRecordsCallbackErrors(t *testing.T) {
	c := New(time.Second, time.Second, testLogger())
	c.OnCleanup("fails", func(ctx context.Context) error {
		return errors.New("disk full")
	})

	c.Shutdown(context.Background())
	c.WaitForShutdown()

	require.Len(t, c.Progress().Errors, 1)
}

func TestDrainWaitsForInFlightOrdersToReachZero(t *testing.T) {
	c := New(time.Second, 2*time.Second, testLogger())
	var remaining int32 = 2
	c.SetInFlightTracker(func() int {
		return int(atomic.LoadInt32(&remaining))
	}, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&remaining, 0)
	}()

	c.Shutdown(context.Background())
	c.WaitForShutdown()

	require.True(t, c.Progress().OrdersDrained)
	require.Empty(t, c.Progress().Errors)
}

func TestDrainTimeoutTriggersForceCancel(t *testing.T) {
	c := New(time.Second, 100*time.Millisecond, testLogger())
	var forceCancelled int32
	c.SetInFlightTracker(func() int { return 3 }, func(ctx context.Context) error {
		atomic.StoreInt32(&forceCancelled, 1)
		return nil
	})

	c.Shutdown(context.Background())
	c.WaitForShutdown()

	require.Equal(t, int32(1), forceCancelled)
	require.NotEmpty(t, c.Progress().Errors)
}
