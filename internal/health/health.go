// Package health serves the §5 health/metrics HTTP surface: a JSON
// `/health` endpoint and a Prometheus `/metrics` endpoint, backed by a
// small set of named checks aggregated into one overall status.
//
// The registered-check aggregation pattern (name -> func() error,
// rolled up into one overall verdict) is grounded in the
// tommy-ca-opensqt_market_maker HealthManager
// (internal/infrastructure/health/manager.go); the HTTP server wiring
// (net/http.ServeMux, http.Server with explicit timeouts,
// ListenAndServe/Shutdown) is grounded in the teacher's dashboard
// (internal/api/server.go), narrowed to the two endpoints this module
// needs — no dashboard or WebSocket hub (§1 non-goals). /metrics is
// served with prometheus/client_golang rather than hand-formatted text,
// the same exposition library pulled in (indirectly) by the rest of the
// retrieval pack.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the overall health verdict (§5).
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is a named component probe. Returning ok=false with degraded=true
// marks the component degraded rather than unhealthy (e.g. HALT circuit
// breaker is a known, surfaced condition, not a crash).
type Check func() (ok bool, degraded bool, detail string)

// Snapshot is the §5 /health response body.
type Snapshot struct {
	Status              Status  `json:"status"`
	RedisConnected      bool    `json:"redis_connected"`
	WebsocketConnected  bool    `json:"websocket_connected"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	ActiveStrategies    int     `json:"active_strategies"`
	OpenPositionsCount  int     `json:"open_positions_count"`
}

// Providers supply the live values the /health response reports.
type Providers struct {
	RedisConnected     func() bool
	WebsocketConnected func() bool
	CircuitBreaker     func() string
	ActiveStrategies   func() int
	OpenPositions      func() int
}

// Server serves /health and /metrics.
type Server struct {
	addr      string
	providers Providers
	startedAt time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	checks map[string]Check

	registry *prometheus.Registry
	http     *http.Server
}

// New creates a health/metrics server bound to addr (e.g. ":9090").
func New(addr string, providers Providers, logger *slog.Logger) *Server {
	s := &Server{
		addr:      addr,
		providers: providers,
		startedAt: time.Now(),
		logger:    logger.With("component", "health"),
		checks:    make(map[string]Check),
		registry:  prometheus.NewRegistry(),
	}
	s.registerGauges()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// RegisterCheck adds a named component probe folded into overall status.
func (s *Server) RegisterCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start runs the HTTP server. Blocks until the server is closed.
func (s *Server) Start() error {
	s.logger.Info("health server starting", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// snapshot computes the current health snapshot and overall status.
func (s *Server) snapshot() (Snapshot, int) {
	snap := Snapshot{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if s.providers.RedisConnected != nil {
		snap.RedisConnected = s.providers.RedisConnected()
	}
	if s.providers.WebsocketConnected != nil {
		snap.WebsocketConnected = s.providers.WebsocketConnected()
	}
	if s.providers.CircuitBreaker != nil {
		snap.CircuitBreakerState = s.providers.CircuitBreaker()
	}
	if s.providers.ActiveStrategies != nil {
		snap.ActiveStrategies = s.providers.ActiveStrategies()
	}
	if s.providers.OpenPositions != nil {
		snap.OpenPositionsCount = s.providers.OpenPositions()
	}

	status := StatusHealthy
	s.mu.Lock()
	for _, check := range s.checks {
		ok, degraded, _ := check()
		if ok {
			continue
		}
		if degraded && status != StatusUnhealthy {
			status = StatusDegraded
		} else {
			status = StatusUnhealthy
		}
	}
	s.mu.Unlock()

	if !snap.WebsocketConnected && status == StatusHealthy {
		status = StatusDegraded
	}
	if strings.EqualFold(snap.CircuitBreakerState, "HALT") {
		status = StatusDegraded
	}
	snap.Status = status

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return snap, code
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, code := s.snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// registerGauges wires each live snapshot field as a prometheus
// GaugeFunc, read lazily on every /metrics scrape.
func (s *Server) registerGauges() {
	gauge := func(name, help string, value func() float64) {
		s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, value))
	}

	gauge("mercury_uptime_seconds", "Process uptime in seconds.", func() float64 {
		return time.Since(s.startedAt).Seconds()
	})
	gauge("mercury_websocket_connected", "Whether the market-data websocket is connected.", func() float64 {
		snap, _ := s.snapshot()
		return float64(boolToInt(snap.WebsocketConnected))
	})
	gauge("mercury_active_strategies", "Number of enabled strategies.", func() float64 {
		snap, _ := s.snapshot()
		return float64(snap.ActiveStrategies)
	})
	gauge("mercury_open_positions", "Number of open (unsettled) positions.", func() float64 {
		snap, _ := s.snapshot()
		return float64(snap.OpenPositionsCount)
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
