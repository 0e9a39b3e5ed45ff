// Package book implements the order-book store (§4.B): per-token sorted
// price ladders, the combined YES+NO market view, and the derived
// arbitrage metrics the strategy engine reads. It generalizes the
// teacher's single-snapshot internal/market/book.go into full sorted
// ladders with VWAP helpers, using money.Price/money.Shares throughout
// instead of float64.
package book

import (
	"sort"
	"sync"

	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

// SortedPriceLevels is a side (bids or asks) of a single token's book,
// kept sorted by price: descending for bids, ascending for asks.
type SortedPriceLevels struct {
	ascending bool
	mu        sync.RWMutex
	levels    []types.PriceLevel // kept sorted
	byPrice   map[string]int     // price string -> index, for O(1) existence checks
}

// NewSortedPriceLevels creates an empty side. ascending=true for asks,
// false for bids.
func NewSortedPriceLevels(ascending bool) *SortedPriceLevels {
	return &SortedPriceLevels{
		ascending: ascending,
		byPrice:   make(map[string]int),
	}
}

func (s *SortedPriceLevels) less(a, b money.Price) bool {
	if s.ascending {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// Update inserts, replaces, or (if size<=0) removes the level at price.
func (s *SortedPriceLevels) Update(price money.Price, size money.Shares, orderCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked(price, size, orderCount)
}

func (s *SortedPriceLevels) updateLocked(price money.Price, size money.Shares, orderCount int) {
	key := price.String()
	if idx, ok := s.byPrice[key]; ok {
		if size.Decimal.Sign() <= 0 {
			s.removeAtLocked(idx)
			return
		}
		s.levels[idx].Size = size
		if orderCount > 0 {
			s.levels[idx].OrderCount = orderCount
		}
		return
	}
	if size.Decimal.Sign() <= 0 {
		return
	}
	if orderCount <= 0 {
		orderCount = 1
	}
	level := types.PriceLevel{Price: price, Size: size, OrderCount: orderCount}

	insertAt := sort.Search(len(s.levels), func(i int) bool {
		return s.less(level.Price, s.levels[i].Price) || level.Price.Decimal.Equal(s.levels[i].Price.Decimal)
	})
	s.levels = append(s.levels, types.PriceLevel{})
	copy(s.levels[insertAt+1:], s.levels[insertAt:])
	s.levels[insertAt] = level
	s.reindexFromLocked(insertAt)
}

func (s *SortedPriceLevels) removeAtLocked(idx int) {
	delete(s.byPrice, s.levels[idx].Price.String())
	s.levels = append(s.levels[:idx], s.levels[idx+1:]...)
	s.reindexFromLocked(idx)
}

func (s *SortedPriceLevels) reindexFromLocked(from int) {
	for i := from; i < len(s.levels); i++ {
		s.byPrice[s.levels[i].Price.String()] = i
	}
}

// Replace clears the side and installs the given levels, sorting them.
func (s *SortedPriceLevels) Replace(levels []types.PriceLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = nil
	s.byPrice = make(map[string]int)
	for _, l := range levels {
		if l.Size.Decimal.Sign() > 0 {
			s.updateLocked(l.Price, l.Size, l.OrderCount)
		}
	}
}

// Best returns the best (first) level, if any.
func (s *SortedPriceLevels) Best() (types.PriceLevel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.levels) == 0 {
		return types.PriceLevel{}, false
	}
	return s.levels[0], true
}

// Depth returns up to n levels from the best.
func (s *SortedPriceLevels) Depth(n int) []types.PriceLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.levels) {
		n = len(s.levels)
	}
	out := make([]types.PriceLevel, n)
	copy(out, s.levels[:n])
	return out
}

// TotalSize sums the size of up to the top n levels.
func (s *SortedPriceLevels) TotalSize(n int) money.Shares {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := money.ZeroShares()
	if n > len(s.levels) {
		n = len(s.levels)
	}
	for i := 0; i < n; i++ {
		total = total.Add(s.levels[i].Size)
	}
	return total
}

// VolumeAtPrice returns the cumulative size available at or better than
// limit: for asks (ascending), levels with price <= limit; for bids
// (descending), levels with price >= limit.
func (s *SortedPriceLevels) VolumeAtPrice(limit money.Price) money.Shares {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := money.ZeroShares()
	for _, l := range s.levels {
		if s.ascending {
			if l.Price.GreaterThan(limit) {
				break
			}
		} else {
			if l.Price.LessThan(limit) {
				break
			}
		}
		total = total.Add(l.Size)
	}
	return total
}

// ErrInsufficientLiquidity is returned by the VWAP helpers when the book
// does not have enough depth to fill the requested size.
type ErrInsufficientLiquidity struct {
	Requested money.Shares
	Available money.Shares
}

func (e ErrInsufficientLiquidity) Error() string {
	return "insufficient liquidity: requested " + e.Requested.String() + " available " + e.Available.String()
}

// VWAP walks this side from the best price, returning the volume-weighted
// average price needed to fill size shares. Used to cost a buy (walk the
// ask side) or a sell (walk the bid side).
func (s *SortedPriceLevels) VWAP(size money.Shares) (money.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	remaining := size.Decimal
	cost := money.ZeroAmount().Decimal
	filled := money.ZeroShares().Decimal

	for _, l := range s.levels {
		if remaining.Sign() <= 0 {
			break
		}
		take := l.Size.Decimal
		if take.GreaterThan(remaining) {
			take = remaining
		}
		cost = cost.Add(take.Mul(l.Price.Decimal))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}

	if remaining.Sign() > 0 {
		return money.ZeroPrice(), ErrInsufficientLiquidity{
			Requested: size,
			Available: money.NewShares(filled),
		}
	}
	if filled.Sign() == 0 {
		return money.ZeroPrice(), ErrInsufficientLiquidity{Requested: size, Available: money.ZeroShares()}
	}
	return money.NewPrice(cost.Div(filled)), nil
}

// Len returns the number of levels on this side.
func (s *SortedPriceLevels) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.levels)
}
