package oracle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xtitan6/mercury/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetMarketInfoReturnsResolvedMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "cond-1", r.URL.Query().Get("condition_id"))
		json.NewEncoder(w).Encode(marketInfoResponse{
			ConditionID: "cond-1",
			Resolved:    true,
			Resolution:  "YES",
		})
	}))
	defer srv.Close()

	o := NewRestOracle(srv.URL, time.Minute, config.RetryConfig{}, testLogger())
	info, err := o.GetMarketInfo(context.Background(), "cond-1")
	require.NoError(t, err)
	require.True(t, info.Resolved)
	require.Equal(t, ResolutionYes, info.Resolution)
}

func TestGetMarketInfoCachesWithinTTL(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(marketInfoResponse{ConditionID: "cond-1", Resolved: false})
	}))
	defer srv.Close()

	o := NewRestOracle(srv.URL, time.Minute, config.RetryConfig{}, testLogger())
	_, err := o.GetMarketInfo(context.Background(), "cond-1")
	require.NoError(t, err)
	_, err = o.GetMarketInfo(context.Background(), "cond-1")
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestGetMarketInfoRetriesOn5xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(marketInfoResponse{ConditionID: "cond-1", Resolved: true, Resolution: "NO"})
	}))
	defer srv.Close()

	o := NewRestOracle(srv.URL, time.Minute, config.RetryConfig{
		MaxAttempts:    5,
		MinWaitSeconds: 0.01,
		MaxWaitSeconds: 0.02,
	}, testLogger())

	info, err := o.GetMarketInfo(context.Background(), "cond-1")
	require.NoError(t, err)
	require.Equal(t, ResolutionNo, info.Resolution)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}
