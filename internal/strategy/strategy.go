// Package strategy implements the Strategy Engine (§4.D): a registry of
// pluggable strategies that turn market-data events into TradingSignals,
// plus the gabagool asymmetric-arbitrage strategy itself.
//
// The registry shape (name-keyed map, Enable/Disable, config-gated
// construction) is grounded in the teacher's single-strategy Maker
// wiring (internal/strategy/maker.go) generalized to support more than
// one concurrent strategy, since §4.D requires runtime enable/disable
// per named strategy rather than a single hardcoded one.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/0xtitan6/mercury/internal/book"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/pkg/types"
)

// Strategy is implemented by every pluggable trading strategy.
type Strategy interface {
	Name() string
	Enabled() bool
	Enable()
	Disable()
	// OnMarketData evaluates a market snapshot and returns a signal if
	// an opportunity is detected, or nil otherwise.
	OnMarketData(ctx context.Context, snap book.Snapshot) (*types.TradingSignal, error)
}

// Registry holds named strategies and dispatches market.orderbook events
// to each enabled one, publishing any resulting signal.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	bus        *eventbus.Bus
	logger     *slog.Logger
}

// NewRegistry creates an empty strategy registry.
func NewRegistry(bus *eventbus.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		bus:        bus,
		logger:     logger.With("component", "strategy_registry"),
	}
}

// Register adds a strategy under its own Name().
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
	r.logger.Info("strategy registered", "name", s.Name())
}

// Get returns a registered strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns all registered strategy names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	return names
}

// Run subscribes to market.orderbook.* and dispatches each snapshot to
// every enabled strategy, publishing signal.generated.<signal_id> for
// anything returned.
func (r *Registry) Run(ctx context.Context) {
	r.bus.Subscribe(ctx, "market.orderbook.*", func(ctx context.Context, topic string, payload eventbus.Payload) {
		snap, ok := payload["snapshot"].(book.Snapshot)
		if !ok {
			return
		}
		r.dispatch(ctx, snap)
	})
}

func (r *Registry) dispatch(ctx context.Context, snap book.Snapshot) {
	r.mu.RLock()
	active := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		if s.Enabled() {
			active = append(active, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range active {
		signal, err := s.OnMarketData(ctx, snap)
		if err != nil {
			r.logger.Warn("strategy error", "strategy", s.Name(), "market", snap.MarketID, "error", err)
			continue
		}
		if signal == nil {
			continue
		}
		topic := fmt.Sprintf("signal.generated.%s", signal.SignalID)
		payload := eventbus.Payload{"signal": *signal}
		if err := r.bus.Publish(ctx, topic, payload); err != nil {
			r.logger.Warn("signal publish failed", "topic", topic, "error", err)
		}
	}
}
