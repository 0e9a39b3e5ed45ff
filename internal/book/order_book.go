package book

import (
	"sync"
	"time"

	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

// PriceUpdate is one (price, size, order_count) mutation applied to a
// side via ApplyDelta.
type PriceUpdate struct {
	Price      money.Price
	Size       money.Shares
	OrderCount int
}

// InMemoryOrderBook is the per-token book: bids descending, asks
// ascending, a monotonically increasing sequence, and a last-update
// timestamp, per §3.
type InMemoryOrderBook struct {
	TokenID string

	mu         sync.RWMutex
	bids       *SortedPriceLevels
	asks       *SortedPriceLevels
	sequence   int64
	lastUpdate time.Time
}

// NewInMemoryOrderBook creates an empty per-token book.
func NewInMemoryOrderBook(tokenID string) *InMemoryOrderBook {
	return &InMemoryOrderBook{
		TokenID: tokenID,
		bids:    NewSortedPriceLevels(false),
		asks:    NewSortedPriceLevels(true),
	}
}

func (b *InMemoryOrderBook) touch() {
	b.sequence++
	b.lastUpdate = time.Now()
}

// UpdateBid applies a single bid-side level update.
func (b *InMemoryOrderBook) UpdateBid(price money.Price, size money.Shares, orderCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.Update(price, size, orderCount)
	b.touch()
}

// UpdateAsk applies a single ask-side level update.
func (b *InMemoryOrderBook) UpdateAsk(price money.Price, size money.Shares, orderCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asks.Update(price, size, orderCount)
	b.touch()
}

// ApplySnapshot clears and replaces both sides, for a full book frame.
func (b *InMemoryOrderBook) ApplySnapshot(bids, asks []types.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.Replace(bids)
	b.asks.Replace(asks)
	b.touch()
}

// ApplyDelta applies incremental bid/ask updates in one atomic step, for
// a price_change frame.
func (b *InMemoryOrderBook) ApplyDelta(bidUpdates, askUpdates []PriceUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range bidUpdates {
		b.bids.Update(u.Price, u.Size, u.OrderCount)
	}
	for _, u := range askUpdates {
		b.asks.Update(u.Price, u.Size, u.OrderCount)
	}
	b.touch()
}

// BestBid returns the best (highest) bid level.
func (b *InMemoryOrderBook) BestBid() (types.PriceLevel, bool) { return b.bids.Best() }

// BestAsk returns the best (lowest) ask level.
func (b *InMemoryOrderBook) BestAsk() (types.PriceLevel, bool) { return b.asks.Best() }

// Bids exposes the bid side for VWAP/depth queries.
func (b *InMemoryOrderBook) Bids() *SortedPriceLevels { return b.bids }

// Asks exposes the ask side for VWAP/depth queries.
func (b *InMemoryOrderBook) Asks() *SortedPriceLevels { return b.asks }

// IsCrossed reports whether best_bid >= best_ask — a reportable anomaly,
// never a crash, per §3.
func (b *InMemoryOrderBook) IsCrossed() bool {
	bid, bidOK := b.BestBid()
	ask, askOK := b.BestAsk()
	if !bidOK || !askOK {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// Sequence returns the current monotonically increasing mutation count.
func (b *InMemoryOrderBook) Sequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

// LastUpdate returns the timestamp of the most recent mutation.
func (b *InMemoryOrderBook) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// MarketOrderBook is the named pair (yes_book, no_book) for one market,
// with derived combined-ask / arbitrage-spread metrics (§3).
type MarketOrderBook struct {
	MarketID string
	YesBook  *InMemoryOrderBook
	NoBook   *InMemoryOrderBook
}

// NewMarketOrderBook constructs both sides for a market.
func NewMarketOrderBook(marketID, yesTokenID, noTokenID string) *MarketOrderBook {
	return &MarketOrderBook{
		MarketID: marketID,
		YesBook:  NewInMemoryOrderBook(yesTokenID),
		NoBook:   NewInMemoryOrderBook(noTokenID),
	}
}

// BookForToken returns the per-token book matching tokenID, if any.
func (m *MarketOrderBook) BookForToken(tokenID string) (*InMemoryOrderBook, bool) {
	if m.YesBook.TokenID == tokenID {
		return m.YesBook, true
	}
	if m.NoBook.TokenID == tokenID {
		return m.NoBook, true
	}
	return nil, false
}

// LastUpdateAt is the max of both tokens' last_update, per §4.C staleness.
func (m *MarketOrderBook) LastUpdateAt() time.Time {
	y := m.YesBook.LastUpdate()
	n := m.NoBook.LastUpdate()
	if y.After(n) {
		return y
	}
	return n
}

// Snapshot is the self-contained derived view published on
// market.orderbook.<market_id>.
type Snapshot struct {
	MarketID        string
	YesBids         []types.PriceLevel
	YesAsks         []types.PriceLevel
	NoBids          []types.PriceLevel
	NoAsks          []types.PriceLevel
	CombinedAsk     money.Price
	HasCombinedAsk  bool
	ArbitrageSpread money.Price
	HasArbitrage    bool
	Timestamp       time.Time
}

// ToSnapshot produces the canonical snapshot with both sides and derived
// arbitrage metrics, depth levels per side capped at depth.
func (m *MarketOrderBook) ToSnapshot(depth int) Snapshot {
	snap := Snapshot{
		MarketID:  m.MarketID,
		YesBids:   m.YesBook.Bids().Depth(depth),
		YesAsks:   m.YesBook.Asks().Depth(depth),
		NoBids:    m.NoBook.Bids().Depth(depth),
		NoAsks:    m.NoBook.Asks().Depth(depth),
		Timestamp: time.Now(),
	}

	yesAsk, yesOK := m.YesBook.BestAsk()
	noAsk, noOK := m.NoBook.BestAsk()
	if yesOK && noOK {
		snap.CombinedAsk = yesAsk.Price.Add(noAsk.Price)
		snap.HasCombinedAsk = true
		snap.ArbitrageSpread = money.NewPrice(money.PriceFromFloat(1).Decimal.Sub(snap.CombinedAsk.Decimal))
		snap.HasArbitrage = snap.ArbitrageSpread.Decimal.IsPositive()
	}
	return snap
}
