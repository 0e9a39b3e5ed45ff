package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0xtitan6/mercury/internal/book"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

// GabagoolConfig holds the strategy-specific params parsed out of the
// strategies.gabagool.* configuration namespace.
type GabagoolConfig struct {
	MinSpreadCents  float64 // minimum combined-ask discount, in cents, to act on
	MaxTradeSizeUSD float64 // per-trade USD cap, also used to scale down oversized pairs
	SignalCooldown  time.Duration
}

// DefaultGabagoolConfig matches the teacher's original tuning: 1.5 cent
// minimum spread, $100 max trade, 5s cooldown between signals per market.
func DefaultGabagoolConfig() GabagoolConfig {
	return GabagoolConfig{
		MinSpreadCents:  1.5,
		MaxTradeSizeUSD: 100,
		SignalCooldown:  5 * time.Second,
	}
}

// Gabagool is the asymmetric binary-arbitrage strategy (§4.D): it never
// predicts direction, only enters when YES_ask + NO_ask < $1 by at
// least the configured threshold, and buys equal shares of both sides.
//
// Ported from the gabagool strategy's opportunity-detection and
// position-sizing arithmetic; the event-loop wiring is grounded in the
// teacher's Maker (internal/strategy/maker.go), replacing its
// Avellaneda-Stoikov quoting with gabagool's buy-and-hold arbitrage
// entry.
type Gabagool struct {
	cfg    GabagoolConfig
	logger *slog.Logger

	mu           sync.Mutex
	enabled      bool
	lastSignalAt map[string]time.Time
}

// NewGabagool constructs the strategy, enabled by default.
func NewGabagool(cfg GabagoolConfig, logger *slog.Logger) *Gabagool {
	return &Gabagool{
		cfg:          cfg,
		logger:       logger.With("component", "strategy", "strategy_name", "gabagool"),
		enabled:      true,
		lastSignalAt: make(map[string]time.Time),
	}
}

func (g *Gabagool) Name() string { return "gabagool" }

func (g *Gabagool) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

func (g *Gabagool) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = true
	g.logger.Info("gabagool strategy enabled")
}

func (g *Gabagool) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = false
	g.logger.Info("gabagool strategy disabled")
}

// OnMarketData detects a combined-ask arbitrage opportunity and, if one
// clears the minimum spread and the per-market cooldown, returns a
// TradingSignal sized to buy equal share counts of YES and NO.
func (g *Gabagool) OnMarketData(ctx context.Context, snap book.Snapshot) (*types.TradingSignal, error) {
	if !snap.HasCombinedAsk || len(snap.YesAsks) == 0 || len(snap.NoAsks) == 0 {
		return nil, nil
	}
	yesPrice := snap.YesAsks[0].Price
	noPrice := snap.NoAsks[0].Price

	combined := yesPrice.Add(noPrice)
	if combined.GreaterThanOrEqual(money.PriceFromFloat(1)) {
		return nil, nil
	}
	spread := money.PriceFromFloat(1).Sub(combined)
	spreadCents := spread.Decimal.Mul(money.PriceFromFloat(100).Decimal)

	minSpread := money.PriceFromFloat(g.cfg.MinSpreadCents / 100).Decimal
	if spread.Decimal.LessThan(minSpread) {
		return nil, nil
	}
	if yesPrice.IsZero() || noPrice.IsZero() {
		return nil, nil
	}

	if g.onCooldown(snap.MarketID) {
		return nil, nil
	}

	yesAmount, noAmount := g.calculatePositionSizes(yesPrice, noPrice)
	if yesAmount.IsZero() || noAmount.IsZero() {
		return nil, nil
	}

	expectedPnL := g.calculateExpectedProfit(yesAmount, noAmount, yesPrice, noPrice)
	confidence := g.confidence(spreadCents)
	priority := g.priority(spreadCents)

	now := time.Now().UTC()
	expiresAt := now.Add(30 * time.Second)

	signal := &types.TradingSignal{
		SignalID:      uuid.NewString(),
		StrategyName:  g.Name(),
		MarketID:      snap.MarketID,
		SignalType:    types.SignalArbitrage,
		Confidence:    confidence,
		Priority:      priority,
		TargetSizeUSD: yesAmount.Add(noAmount),
		YesPrice:      yesPrice,
		NoPrice:       noPrice,
		ExpectedPnL:   expectedPnL,
		MaxSlippage:   0.01,
		Metadata: map[string]any{
			"spread_cents": spreadCents.InexactFloat64(),
			"yes_amount":   yesAmount.String(),
			"no_amount":    noAmount.String(),
		},
		CreatedAt: now,
		ExpiresAt: &expiresAt,
	}

	g.mu.Lock()
	g.lastSignalAt[snap.MarketID] = now
	g.mu.Unlock()

	g.logger.Info("arbitrage signal generated",
		"market", snap.MarketID, "signal_id", signal.SignalID,
		"spread_cents", spreadCents.StringFixed(1),
		"target_size_usd", signal.TargetSizeUSD.String())

	return signal, nil
}

func (g *Gabagool) onCooldown(marketID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastSignalAt[marketID]
	if !ok {
		return false
	}
	return time.Since(last) < g.cfg.SignalCooldown
}

// calculatePositionSizes allocates the configured budget into equal
// SHARE counts of YES and NO: num_pairs = budget / (yes_price +
// no_price); yes_amount = num_pairs * yes_price, no_amount = num_pairs *
// no_price. Scaled down proportionally if either leg would exceed
// MaxTradeSizeUSD.
func (g *Gabagool) calculatePositionSizes(yesPrice, noPrice money.Price) (money.Amount, money.Amount) {
	costPerPair := yesPrice.Add(noPrice)
	if costPerPair.IsZero() || costPerPair.GreaterThanOrEqual(money.PriceFromFloat(1)) {
		return money.ZeroAmount(), money.ZeroAmount()
	}

	budget := money.PriceFromFloat(g.cfg.MaxTradeSizeUSD).Decimal
	numPairs := budget.Div(costPerPair.Decimal)

	yesAmount := money.NewAmount(numPairs.Mul(yesPrice.Decimal))
	noAmount := money.NewAmount(numPairs.Mul(noPrice.Decimal))

	maxSingle := money.PriceFromFloat(g.cfg.MaxTradeSizeUSD).Decimal
	larger := yesAmount.Decimal
	if noAmount.Decimal.GreaterThan(larger) {
		larger = noAmount.Decimal
	}
	if larger.GreaterThan(maxSingle) {
		scale := maxSingle.Div(larger)
		yesAmount = money.NewAmount(yesAmount.Decimal.Mul(scale))
		noAmount = money.NewAmount(noAmount.Decimal.Mul(scale))
	}

	return yesAmount, noAmount
}

// calculateExpectedProfit: payout is $1 per hedged share pair, so profit
// = min(yes_shares, no_shares) * $1 - (yes_amount + no_amount).
func (g *Gabagool) calculateExpectedProfit(yesAmount, noAmount money.Amount, yesPrice, noPrice money.Price) money.Amount {
	if yesPrice.IsZero() || noPrice.IsZero() {
		return money.ZeroAmount()
	}
	yesShares := yesAmount.Decimal.Div(yesPrice.Decimal)
	noShares := noAmount.Decimal.Div(noPrice.Decimal)
	minShares := yesShares
	if noShares.LessThan(minShares) {
		minShares = noShares
	}
	totalCost := yesAmount.Decimal.Add(noAmount.Decimal)
	return money.NewAmount(minShares.Sub(totalCost))
}

// confidence scales linearly from 0.5 at the minimum spread to 0.95 at
// a 5-cent spread (§4.D.6).
func (g *Gabagool) confidence(spreadCents decimal.Decimal) float64 {
	sc := spreadCents.InexactFloat64()
	min := g.cfg.MinSpreadCents
	max := 5.0
	if sc <= min {
		return 0.5
	}
	normalized := (sc - min) / (max - min)
	if normalized > 1 {
		normalized = 1
	}
	conf := 0.5 + 0.45*normalized
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// priority buckets by spread size: >=4c CRITICAL, >=3c HIGH, >=2c
// MEDIUM, else LOW (§4.D.7).
func (g *Gabagool) priority(spreadCents decimal.Decimal) types.Priority {
	sc := spreadCents.InexactFloat64()
	switch {
	case sc >= 4.0:
		return types.PriorityCritical
	case sc >= 3.0:
		return types.PriorityHigh
	case sc >= 2.0:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}
