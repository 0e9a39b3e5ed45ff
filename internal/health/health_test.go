package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthyWhenAllProvidersNominal(t *testing.T) {
	s := New(":0", Providers{
		WebsocketConnected: func() bool { return true },
		CircuitBreaker:     func() string { return "NORMAL" },
		ActiveStrategies:   func() int { return 1 },
		OpenPositions:      func() int { return 2 },
	}, testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, StatusHealthy, snap.Status)
	require.Equal(t, 2, snap.OpenPositionsCount)
}

func TestDegradedWhenWebsocketDisconnected(t *testing.T) {
	s := New(":0", Providers{
		WebsocketConnected: func() bool { return false },
	}, testLogger())

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, StatusDegraded, snap.Status)
}

func TestDegradedWhenCircuitBreakerHalted(t *testing.T) {
	s := New(":0", Providers{
		WebsocketConnected: func() bool { return true },
		CircuitBreaker:     func() string { return "HALT" },
	}, testLogger())

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, StatusDegraded, snap.Status)
}

func TestUnhealthyWhenRegisteredCheckFailsNonDegraded(t *testing.T) {
	s := New(":0", Providers{WebsocketConnected: func() bool { return true }}, testLogger())
	s.RegisterCheck("store", func() (bool, bool, string) {
		return false, false, "db unreachable"
	})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, StatusUnhealthy, snap.Status)
}

func TestMetricsEndpointProducesTextFormat(t *testing.T) {
	s := New(":0", Providers{
		WebsocketConnected: func() bool { return true },
		ActiveStrategies:   func() int { return 1 },
		OpenPositions:      func() int { return 3 },
	}, testLogger())

	rec := httptest.NewRecorder()
	s.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "mercury_open_positions 3")
	require.Contains(t, rec.Body.String(), "mercury_websocket_connected 1")
}
