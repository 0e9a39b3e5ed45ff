// Package types holds the core domain vocabulary shared by every mercury
// component: markets, tokens, price levels, signals, orders, positions and
// the settlement and ledger records derived from them. Nothing here imports
// any other mercury package, matching the event-bus rule that every
// cross-component call goes through the bus and no component imports
// another concrete component.
package types

import (
	"time"

	"github.com/0xtitan6/mercury/pkg/money"
)

// Side is the outcome side of a binary market.
type Side string

const (
	YES Side = "YES"
	NO  Side = "NO"
)

// OrderSide is the buy/sell direction of an order.
type OrderSide string

const (
	BUY  OrderSide = "BUY"
	SELL OrderSide = "SELL"
)

// ResolutionState is a market's resolution status.
type ResolutionState string

const (
	Unresolved  ResolutionState = "UNRESOLVED"
	ResolvedYes ResolutionState = "RESOLVED_YES"
	ResolvedNo  ResolutionState = "RESOLVED_NO"
)

// Market identifies one binary prediction market and its two tokens.
type Market struct {
	ConditionID string
	YesTokenID  string
	NoTokenID   string
	Resolution  ResolutionState
}

// TokenForSide returns the token ID for the given side.
func (m Market) TokenForSide(side Side) string {
	if side == YES {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// PriceLevel is one price/size pair in an order book side.
type PriceLevel struct {
	Price      money.Price
	Size       money.Shares
	OrderCount int
}

// Valid reports the §3 PriceLevel invariants: 0<=price<=1, size>=0.
func (l PriceLevel) Valid() bool {
	if !l.Price.InRange() {
		return false
	}
	return !l.Size.Decimal.IsNegative()
}

// SignalType is the kind of trading signal a strategy emits.
type SignalType string

const (
	SignalArbitrage SignalType = "ARBITRAGE"
	SignalBuyYes    SignalType = "BUY_YES"
	SignalBuyNo     SignalType = "BUY_NO"
	SignalSellYes   SignalType = "SELL_YES"
	SignalSellNo    SignalType = "SELL_NO"
	SignalExit      SignalType = "EXIT"
)

// Priority buckets a signal's urgency, driven by spread size for the
// gabagool strategy (§4.D.7).
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// TradingSignal is immutable once emitted (§3).
type TradingSignal struct {
	SignalID      string
	StrategyName  string
	MarketID      string
	SignalType    SignalType
	Confidence    float64 // [0,1]
	Priority      Priority
	TargetSizeUSD money.Amount
	YesPrice      money.Price
	NoPrice       money.Price
	ExpectedPnL   money.Amount
	MaxSlippage   float64
	Metadata      map[string]any
	CreatedAt     time.Time
	ExpiresAt     *time.Time
}

// Expired reports whether the signal has passed its expiry, if any.
func (s TradingSignal) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// OrderStatus is the lifecycle status of a placed order.
type OrderStatus string

const (
	OrderLive      OrderStatus = "LIVE"
	OrderMatched   OrderStatus = "MATCHED"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderFailed    OrderStatus = "FAILED"
)

// IsRejection reports whether the status counts as a rejection for
// dual-leg outcome classification (§4.F.5): anything that isn't a fill.
func (s OrderStatus) IsRejection() bool {
	switch s {
	case OrderMatched, OrderFilled:
		return false
	default:
		return true
	}
}

// Order represents one leg of a trade placed against the CLOB transport.
type Order struct {
	OrderID        string
	TokenID        string
	Side           OrderSide
	Status         OrderStatus
	RequestedPrice money.Price
	RequestedSize  money.Shares
	FilledSize     money.Shares
	FilledCost     money.Amount
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FillRatio is filled_size/requested_size, zero if nothing was requested.
func (o Order) FillRatio() float64 {
	if o.RequestedSize.IsZero() {
		return 0
	}
	f, _ := o.FilledSize.Decimal.Div(o.RequestedSize.Decimal).Float64()
	return f
}

// AverageFillPrice is filled_cost/filled_size, valid only if FilledSize>0.
func (o Order) AverageFillPrice() (money.Price, bool) {
	if o.FilledSize.IsZero() {
		return money.ZeroPrice(), false
	}
	return money.NewPrice(o.FilledCost.Decimal.Div(o.FilledSize.Decimal)), true
}

// DualLegOrderResult is the outcome of an atomic YES+NO placement attempt.
type DualLegOrderResult struct {
	MarketID        string
	Yes             Order
	No              Order
	PreFillYesDepth money.Shares
	PreFillNoDepth  money.Shares
	BothFilled      bool
	HasPartialFill  bool
	UnhedgedYes     money.Shares
	UnhedgedNo      money.Shares
}

// GuaranteedPnL is min(yes_filled, no_filled) - total_cost, only meaningful
// when BothFilled is true.
func (r DualLegOrderResult) GuaranteedPnL() money.Amount {
	minShares := money.Min(r.Yes.FilledSize, r.No.FilledSize)
	totalCost := r.Yes.FilledCost.Add(r.No.FilledCost)
	return money.NewAmount(minShares.Decimal.Sub(totalCost.Decimal))
}

// HedgeRatio is min(yes,no)/max(yes,no); 1 is perfectly hedged, 0 fully
// unhedged, per the GLOSSARY.
func (r DualLegOrderResult) HedgeRatio() float64 {
	yes := r.Yes.FilledSize.Decimal
	no := r.No.FilledSize.Decimal
	if yes.IsZero() && no.IsZero() {
		return 0
	}
	maxShares := yes
	if no.GreaterThan(maxShares) {
		maxShares = no
	}
	if maxShares.IsZero() {
		return 0
	}
	minShares := yes
	if no.LessThan(minShares) {
		minShares = no
	}
	f, _ := minShares.Div(maxShares).Float64()
	return f
}

// PositionStatus is the lifecycle status of a held position.
type PositionStatus string

const (
	PositionOpen      PositionStatus = "OPEN"
	PositionClaimed   PositionStatus = "CLAIMED"
	PositionSettled   PositionStatus = "SETTLED"
	PositionAbandoned PositionStatus = "ABANDONED"
)

// Position is a held, possibly partially-hedged pair of YES/NO shares.
type Position struct {
	PositionID         string
	MarketID           string
	TradeID            string
	YesShares          money.Shares
	NoShares           money.Shares
	CostBasis          money.Amount
	Status             PositionStatus
	OpenedAt           time.Time
	ClosedAt           *time.Time
	SettlementProceeds money.Amount
	RealizedPnL        money.Amount
}

// SettlementStatus is the status of a settlement queue entry.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementClaimed   SettlementStatus = "CLAIMED"
	SettlementAbandoned SettlementStatus = "ABANDONED"
)

// SettlementQueueEntry tracks claim-retry state for one position.
type SettlementQueueEntry struct {
	PositionID    string
	ConditionID   string
	MarketID      string
	QueuedAt      time.Time
	Attempts      int
	LastAttemptAt *time.Time
	NextRetryAt   time.Time
	Status        SettlementStatus
	LastError     string
}

// PnLType categorizes a RealizedPnLEntry.
type PnLType string

const (
	PnLResolution       PnLType = "resolution"
	PnLSettlement       PnLType = "settlement"
	PnLRebalance        PnLType = "rebalance"
	PnLHistoricalImport PnLType = "historical_import"
)

// RealizedPnLEntry is one append-only, idempotent ledger row, unique on
// (TradeID, PnLType).
type RealizedPnLEntry struct {
	ID        int64
	TradeID   string
	TradeDate time.Time
	PnLAmount money.Amount
	PnLType   PnLType
	Notes     string
}

// CircuitBreakerLevel is a staged global trading cutoff.
type CircuitBreakerLevel string

const (
	CBNormal  CircuitBreakerLevel = "NORMAL"
	CBWarning CircuitBreakerLevel = "WARNING"
	CBCaution CircuitBreakerLevel = "CAUTION"
	CBHalt    CircuitBreakerLevel = "HALT"
)

// CircuitBreakerState is the persisted snapshot of the risk manager's
// breaker (§3, §4.H circuit_breaker_state).
type CircuitBreakerState struct {
	State               CircuitBreakerLevel
	TriggeredAt         *time.Time
	ConsecutiveFailures int
	DailyPnL            money.Amount
	DailyTrades         int
}

// SizeMultiplier is the consumed-by-strategies scaling factor for the
// current breaker state (§4.E).
func (s CircuitBreakerLevel) SizeMultiplier() float64 {
	switch s {
	case CBNormal:
		return 1.0
	case CBWarning:
		return 0.5
	case CBCaution:
		return 0.25
	case CBHalt:
		return 0
	default:
		return 0
	}
}

// Trade is the persisted record of one execution attempt (both legs).
type Trade struct {
	ID              string
	MarketID        string
	Strategy        string
	Side            SignalType
	YesTokenID      string
	NoTokenID       string
	YesSize         money.Shares
	NoSize          money.Shares
	YesPrice        money.Price
	NoPrice         money.Price
	TotalCost       money.Amount
	GuaranteedPnL   money.Amount
	Status          string
	PreFillYesDepth money.Shares
	PreFillNoDepth  money.Shares
	ExecutionStatus string
	DryRun          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fill is one leg's execution record, persisted per §4.H.
type Fill struct {
	ID             int64
	TradeID        string
	OrderID        string
	TokenID        string
	Side           OrderSide
	RequestedSize  money.Shares
	FilledSize     money.Shares
	RequestedPrice money.Price
	FilledPrice    money.Price
	SlippageCents  float64
	LatencyMS      int64
	Timestamp      time.Time
}

// DailyStats is one upserted row of daily aggregates.
type DailyStats struct {
	Date            string
	TotalTrades     int
	TotalVolume     money.Amount
	RealizedPnL     money.Amount
	UnrealizedPnL   money.Amount
	PositionsOpened int
	PositionsClosed int
}
