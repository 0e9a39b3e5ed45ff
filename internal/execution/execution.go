// Package execution implements the Execution Engine (§4.F): it turns an
// approved TradingSignal into an atomic dual-leg order against the CLOB
// transport, classifies the outcome, and never unwinds a partial fill.
//
// The orchestration shape — one engine owning the transport, a
// persistence sink and the event bus, with each incoming signal handled
// by a dedicated call rather than a goroutine-per-market slot — is
// grounded in the teacher's Engine (internal/engine/engine.go), trimmed
// to the single-responsibility dual-leg executor §4.F describes instead
// of the teacher's per-market quoting loop.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0xtitan6/mercury/internal/book"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/internal/exchange"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

// topOfBookDepth is the number of price levels the liquidity precheck
// sums on each side (§4.F.2: "top-3 asks"), independent of how many
// levels the Market-Data Service's snapshot itself carries.
const topOfBookDepth = 3

// shareSearchIncrement is the step the clean-share search backs off by
// when the floor share count doesn't produce a clean currency amount.
// It matches the Price type's own decimal precision (§3 PriceLevel),
// the finest grid a clean amount could possibly land on.
var shareSearchIncrement = decimal.New(1, -4)

// Outcome classifies a completed dual-leg attempt, per §4.F.5.
type Outcome string

const (
	OutcomeBothFilled    Outcome = "BOTH_FILLED"
	OutcomeBothRejected  Outcome = "BOTH_REJECTED"
	OutcomePartialHold   Outcome = "PARTIAL_HOLD"
	OutcomeLiquiditySkip Outcome = "LIQUIDITY_INSUFFICIENT"
	OutcomeStaleSkip     Outcome = "STALE_OPPORTUNITY"
)

// TradeRecorder persists the outcome of an execution attempt. Satisfied
// by the state store; kept as a narrow interface so execution does not
// depend on store's SQL details.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, trade types.Trade, fills []types.Fill) error
	RecordUnhedgedPosition(ctx context.Context, position types.Position) error
}

// Books resolves the current per-market order book state used for the
// liquidity precheck and arbitrage re-validation.
type Books interface {
	Snapshot(marketID string) (book.Snapshot, bool)
}

// Engine executes approved TradingSignals.
type Engine struct {
	transport       exchange.Transport
	books           Books
	store           TradeRecorder
	bus             *eventbus.Bus
	logger          *slog.Logger
	maxLiquidityPct float64
	placementMode   exchange.PlacementMode
}

// Config holds the tunables §4.F.2-3 describe.
type Config struct {
	MaxLiquidityConsumptionPct float64
	Parallel                   bool
}

// New creates an execution engine.
func New(cfg Config, transport exchange.Transport, books Books, store TradeRecorder, bus *eventbus.Bus, logger *slog.Logger) *Engine {
	mode := exchange.ModeSequential
	if cfg.Parallel {
		mode = exchange.ModeParallel
	}
	return &Engine{
		transport:       transport,
		books:           books,
		store:           store,
		bus:             bus,
		logger:          logger.With("component", "execution"),
		maxLiquidityPct: cfg.MaxLiquidityConsumptionPct,
		placementMode:   mode,
	}
}

// Run subscribes to risk.approved.* and executes every approved signal.
func (e *Engine) Run(ctx context.Context) {
	e.bus.Subscribe(ctx, "risk.approved.*", func(ctx context.Context, topic string, payload eventbus.Payload) {
		signal, ok := payload["signal"].(types.TradingSignal)
		if !ok {
			return
		}
		if err := e.Execute(ctx, signal); err != nil {
			e.logger.Error("execution failed", "signal_id", signal.SignalID, "error", err)
		}
	})
}

// Execute implements §4.F's full pipeline: liquidity precheck → arbitrage
// re-check → rounding → placement → classification → persistence →
// publication.
func (e *Engine) Execute(ctx context.Context, signal types.TradingSignal) error {
	if signal.Expired(time.Now().UTC()) {
		e.publishOutcome(ctx, signal, OutcomeStaleSkip, nil)
		return nil
	}

	snap, ok := e.books.Snapshot(signal.MarketID)
	if !ok || !snap.HasCombinedAsk {
		e.publishOutcome(ctx, signal, OutcomeStaleSkip, nil)
		return nil
	}

	// Arbitrage re-check: the opportunity must still clear 1.0 at current
	// book prices, not just at signal-generation time (§4.F.2).
	currentYes := snap.YesAsks[0].Price
	currentNo := snap.NoAsks[0].Price
	if currentYes.Add(currentNo).GreaterThanOrEqual(money.PriceFromFloat(1)) {
		e.publishOutcome(ctx, signal, OutcomeStaleSkip, nil)
		return nil
	}

	yesDepth := sumDepth(topLevels(snap.YesAsks, topOfBookDepth))
	noDepth := sumDepth(topLevels(snap.NoAsks, topOfBookDepth))

	// Equal-shares invariant (§4.D/§4.F): both legs always transact the
	// same number of pairs, sized off the combined ask so the budget is
	// spent once across both legs rather than independently per leg.
	numPairs := moneyDiv(signal.TargetSizeUSD, currentYes.Add(currentNo))
	sharedShares := numPairs

	maxConsumable := money.NewShares(yesDepth.Decimal.Mul(money.PriceFromFloat(e.maxLiquidityPct).Decimal))
	if maxNo := money.NewShares(noDepth.Decimal.Mul(money.PriceFromFloat(e.maxLiquidityPct).Decimal)); maxNo.LessThan(maxConsumable) {
		maxConsumable = maxNo
	}
	if sharedShares.GreaterThan(maxConsumable) {
		sharedShares = maxConsumable
	}

	sharedShares, ok = roundToClean(sharedShares, currentYes, currentNo)
	if !ok {
		e.publishOutcome(ctx, signal, OutcomeLiquiditySkip, nil)
		return nil
	}

	req := exchange.DualLegRequest{
		YesTokenID: signal.MarketID + "-yes",
		YesPrice:   currentYes,
		YesSize:    sharedShares,
		NoTokenID:  signal.MarketID + "-no",
		NoPrice:    currentNo,
		NoSize:     sharedShares,
		TIF:        exchange.FOK,
		Mode:       e.placementMode,
	}

	result, err := e.transport.PlaceDualLeg(ctx, req)
	if err != nil {
		return fmt.Errorf("place dual leg: %w", err)
	}
	result.MarketID = signal.MarketID
	result.PreFillYesDepth = yesDepth
	result.PreFillNoDepth = noDepth

	outcome := classify(result)
	trade := e.buildTrade(signal, result, outcome)

	fills := []types.Fill{
		legFill(trade.ID, result.Yes),
		legFill(trade.ID, result.No),
	}

	if err := e.store.RecordTrade(ctx, trade, fills); err != nil {
		e.logger.Error("record trade failed", "trade_id", trade.ID, "error", err)
	}

	// Any outcome with at least one MATCHED leg opens a Position (§4.F.7):
	// fully hedged on BOTH_FILLED, partially hedged (hedge ratio < 1) on
	// PARTIAL_HOLD. HOLD-never-unwind: a partial fill's matched leg is
	// never cancelled or market-sold to rebalance; the unmatched leg, if
	// still LIVE, is the only thing ever cancelled (§4.F.6).
	switch outcome {
	case OutcomeBothFilled:
		position := e.buildPosition(trade, result)
		if err := e.store.RecordUnhedgedPosition(ctx, position); err != nil {
			e.logger.Error("record position failed", "trade_id", trade.ID, "error", err)
		}
		// position.opened fires only for a newly hedged position
		// (§4.F.7); a partial hold is reconciled manually instead.
		e.publishPositionOpened(ctx, position)
	case OutcomePartialHold:
		e.cancelUnmatchedLeg(ctx, result)
		position := e.buildPosition(trade, result)
		if err := e.store.RecordUnhedgedPosition(ctx, position); err != nil {
			e.logger.Error("record unhedged position failed", "trade_id", trade.ID, "error", err)
		}
	}

	e.publishOutcome(ctx, signal, outcome, &trade)
	return nil
}

// publishPositionOpened queues the new position for settlement polling,
// grounded in §4.G's position.opened -> QueueForSettlement wiring.
func (e *Engine) publishPositionOpened(ctx context.Context, position types.Position) {
	entry := types.SettlementQueueEntry{
		PositionID: position.PositionID,
		// The binary market's condition ID and its order-book/signal
		// MarketID are the same identifier throughout mercury (one
		// condition, one YES/NO token pair) -- there is no separate
		// condition-ID field carried on TradingSignal/Trade.
		ConditionID: position.MarketID,
		MarketID:    position.MarketID,
		QueuedAt:    position.OpenedAt,
		Status:      types.SettlementPending,
	}
	payload := eventbus.Payload{"entry": entry, "position_id": position.PositionID}
	if err := e.bus.Publish(ctx, "position.opened", payload); err != nil {
		e.logger.Warn("position.opened publish failed", "position_id", position.PositionID, "error", err)
	}
}

// cancelUnmatchedLeg cancels only the leg that is still LIVE (unfilled
// and still resting), never a MATCHED leg.
func (e *Engine) cancelUnmatchedLeg(ctx context.Context, result types.DualLegOrderResult) {
	for _, leg := range []types.Order{result.Yes, result.No} {
		if leg.Status == types.OrderLive && leg.OrderID != "" {
			if err := e.transport.CancelOrder(ctx, leg.OrderID); err != nil {
				e.logger.Warn("cancel unmatched leg failed", "order_id", leg.OrderID, "error", err)
			}
		}
	}
}

// classify maps a DualLegOrderResult onto the §4.F.5 outcome table.
func classify(r types.DualLegOrderResult) Outcome {
	switch {
	case r.BothFilled:
		return OutcomeBothFilled
	case r.Yes.Status.IsRejection() && r.No.Status.IsRejection():
		return OutcomeBothRejected
	default:
		return OutcomePartialHold
	}
}

func (e *Engine) buildTrade(signal types.TradingSignal, result types.DualLegOrderResult, outcome Outcome) types.Trade {
	now := time.Now().UTC()
	return types.Trade{
		ID:              uuid.NewString(),
		MarketID:        signal.MarketID,
		Strategy:        signal.StrategyName,
		Side:            signal.SignalType,
		YesTokenID:      result.Yes.TokenID,
		NoTokenID:       result.No.TokenID,
		YesSize:         result.Yes.FilledSize,
		NoSize:          result.No.FilledSize,
		YesPrice:        signal.YesPrice,
		NoPrice:         signal.NoPrice,
		TotalCost:       result.Yes.FilledCost.Add(result.No.FilledCost),
		GuaranteedPnL:   result.GuaranteedPnL(),
		Status:          string(outcome),
		PreFillYesDepth: result.PreFillYesDepth,
		PreFillNoDepth:  result.PreFillNoDepth,
		ExecutionStatus: string(outcome),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// buildPosition constructs the Position opened by a trade with at least
// one MATCHED leg. The hedge ratio (min(yes,no)/max(yes,no) shares) is <1 for a
// PARTIAL_HOLD and 1 for BOTH_FILLED; both are persisted identically.
func (e *Engine) buildPosition(trade types.Trade, result types.DualLegOrderResult) types.Position {
	now := time.Now().UTC()
	return types.Position{
		PositionID: uuid.NewString(),
		MarketID:   trade.MarketID,
		TradeID:    trade.ID,
		YesShares:  result.Yes.FilledSize,
		NoShares:   result.No.FilledSize,
		CostBasis:  trade.TotalCost,
		Status:     types.PositionOpen,
		OpenedAt:   now,
	}
}

func (e *Engine) publishOutcome(ctx context.Context, signal types.TradingSignal, outcome Outcome, trade *types.Trade) {
	topic := fmt.Sprintf("execution.completed.%s", signal.SignalID)
	payload := eventbus.Payload{
		"signal_id": signal.SignalID,
		"market_id": signal.MarketID,
		"outcome":   string(outcome),
	}
	if trade != nil {
		payload["trade_id"] = trade.ID
		payload["guaranteed_pnl"] = trade.GuaranteedPnL.String()
	}
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn("execution outcome publish failed", "topic", topic, "error", err)
	}
}

func legFill(tradeID string, order types.Order) types.Fill {
	avgPrice, _ := order.AverageFillPrice()
	return types.Fill{
		TradeID:        tradeID,
		OrderID:        order.OrderID,
		TokenID:        order.TokenID,
		Side:           order.Side,
		RequestedSize:  order.RequestedSize,
		FilledSize:     order.FilledSize,
		RequestedPrice: order.RequestedPrice,
		FilledPrice:    avgPrice,
		Timestamp:      order.UpdatedAt,
	}
}

func sumDepth(levels []types.PriceLevel) money.Shares {
	total := money.ZeroShares()
	for _, l := range levels {
		total = total.Add(l.Size)
	}
	return total
}

// topLevels returns the first n price levels, or all of them if there
// are fewer than n.
func topLevels(levels []types.PriceLevel, n int) []types.PriceLevel {
	if len(levels) <= n {
		return levels
	}
	return levels[:n]
}

// roundToClean searches downward from shares, in shareSearchIncrement
// steps, for the largest share count that produces a clean currency
// amount against both leg prices (§4.F: "round shares down to the
// nearest value that produces a clean amount"). Returns false if no
// such value exists above zero.
func roundToClean(shares money.Shares, yesPrice, noPrice money.Price) (money.Shares, bool) {
	candidate := shares.Decimal.Truncate(4)
	for candidate.GreaterThan(decimal.Zero) {
		c := money.NewShares(candidate)
		if c.IsClean(yesPrice) && c.IsClean(noPrice) {
			return c, true
		}
		candidate = candidate.Sub(shareSearchIncrement)
	}
	return money.ZeroShares(), false
}

func moneyDiv(amount money.Amount, price money.Price) money.Shares {
	if price.IsZero() {
		return money.ZeroShares()
	}
	return money.NewShares(amount.Decimal.Div(price.Decimal))
}
