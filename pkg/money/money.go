// Package money provides the fixed-point decimal types used for every price
// and currency amount in mercury. Binary floating point is never used for
// summing or multiplying money: all arithmetic routes through
// github.com/shopspring/decimal.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// priceScale is the number of decimal places a Price carries (0.0000-1.0000).
const priceScale = 4

// currencyScale is the number of decimal places an Amount (currency) carries.
const currencyScale = 2

// Amount is a currency value, always rounded to two decimal places on
// construction from external input.
type Amount struct {
	decimal.Decimal
}

// NewAmount builds an Amount from a decimal, rounding to currency precision.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{d.Round(currencyScale)}
}

// AmountFromString parses a currency string such as "4.50".
func AmountFromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return NewAmount(d), nil
}

// ZeroAmount is the additive identity.
func ZeroAmount() Amount { return Amount{decimal.Zero} }

func (a Amount) Add(o Amount) Amount { return NewAmount(a.Decimal.Add(o.Decimal)) }
func (a Amount) Sub(o Amount) Amount { return NewAmount(a.Decimal.Sub(o.Decimal)) }
func (a Amount) Neg() Amount         { return NewAmount(a.Decimal.Neg()) }
func (a Amount) IsZero() bool        { return a.Decimal.IsZero() }
func (a Amount) LessThan(o Amount) bool    { return a.Decimal.LessThan(o.Decimal) }
func (a Amount) GreaterThan(o Amount) bool { return a.Decimal.GreaterThan(o.Decimal) }

// String renders the fixed-point string form used on the event bus and in
// State Store columns.
func (a Amount) String() string { return a.Decimal.StringFixed(currencyScale) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*a = NewAmount(d)
	return nil
}

// Value implements driver.Valuer so Amount can be written directly via
// database/sql as a fixed-point string column.
func (a Amount) Value() (driver.Value, error) { return a.String(), nil }

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		*a = NewAmount(d)
		return nil
	case []byte:
		return a.Scan(string(v))
	case nil:
		*a = ZeroAmount()
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}

// Price is a per-share probability price in [0, 1], carried at four decimal
// places of precision.
type Price struct {
	decimal.Decimal
}

// NewPrice builds a Price from a decimal, rounding to tick precision.
func NewPrice(d decimal.Decimal) Price {
	return Price{d.Round(priceScale)}
}

// PriceFromString parses a price string such as "0.4800".
func PriceFromString(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	return NewPrice(d), nil
}

// PriceFromFloat is a convenience constructor for literal prices in tests
// and strategy configuration; never used for accumulation.
func PriceFromFloat(f float64) Price {
	return NewPrice(decimal.NewFromFloat(f))
}

func ZeroPrice() Price { return Price{decimal.Zero} }

func (p Price) Add(o Price) Price              { return NewPrice(p.Decimal.Add(o.Decimal)) }
func (p Price) Sub(o Price) Price              { return NewPrice(p.Decimal.Sub(o.Decimal)) }
func (p Price) LessThan(o Price) bool          { return p.Decimal.LessThan(o.Decimal) }
func (p Price) GreaterThan(o Price) bool       { return p.Decimal.GreaterThan(o.Decimal) }
func (p Price) GreaterThanOrEqual(o Price) bool { return p.Decimal.GreaterThanOrEqual(o.Decimal) }
func (p Price) IsZero() bool                   { return p.Decimal.IsZero() }

// InRange reports whether 0 <= p <= 1, the PriceLevel invariant in §3.
func (p Price) InRange() bool {
	return p.Decimal.GreaterThanOrEqual(decimal.Zero) && p.Decimal.LessThanOrEqual(decimal.NewFromInt(1))
}

func (p Price) String() string { return p.Decimal.StringFixed(priceScale) }

func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

func (p *Price) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*p = NewPrice(d)
	return nil
}

func (p Price) Value() (driver.Value, error) { return p.String(), nil }

func (p *Price) Scan(src any) error {
	switch v := src.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		*p = NewPrice(d)
		return nil
	case []byte:
		return p.Scan(string(v))
	case nil:
		*p = ZeroPrice()
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Price", src)
	}
}

// Shares is a share count. Prediction-market shares are fractional (a
// position can hold 10.526 shares after a budget-constrained arbitrage
// buy), so it carries the same decimal machinery as Price rather than an
// integer count.
type Shares struct {
	decimal.Decimal
}

func NewShares(d decimal.Decimal) Shares { return Shares{d.Round(6)} }
func ZeroShares() Shares                 { return Shares{decimal.Zero} }

// ShareFromString parses a fixed-point share count, as read back from
// storage or the wire.
func ShareFromString(s string) (Shares, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Shares{}, err
	}
	return NewShares(d), nil
}

func (s Shares) Add(o Shares) Shares        { return NewShares(s.Decimal.Add(o.Decimal)) }
func (s Shares) Sub(o Shares) Shares        { return NewShares(s.Decimal.Sub(o.Decimal)) }
func (s Shares) IsZero() bool               { return s.Decimal.IsZero() }
func (s Shares) LessThan(o Shares) bool     { return s.Decimal.LessThan(o.Decimal) }
func (s Shares) GreaterThan(o Shares) bool  { return s.Decimal.GreaterThan(o.Decimal) }

// Min returns the lesser of two Shares, used for hedge-ratio and
// guaranteed-pnl computations.
func Min(a, b Shares) Shares {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MinPrice returns the lesser of two Prices.
func MinPrice(a, b Price) Price {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (s Shares) String() string { return s.Decimal.StringFixed(6) }

func (s Shares) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Shares) UnmarshalJSON(b []byte) error {
	str := string(b)
	if len(str) >= 2 && str[0] == '"' && str[len(str)-1] == '"' {
		str = str[1 : len(str)-1]
	}
	d, err := decimal.NewFromString(str)
	if err != nil {
		return err
	}
	*s = NewShares(d)
	return nil
}

func (s Shares) Value() (driver.Value, error) { return s.String(), nil }

func (s *Shares) Scan(src any) error {
	switch v := src.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		*s = NewShares(d)
		return nil
	case []byte:
		return s.Scan(string(v))
	case nil:
		*s = ZeroShares()
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Shares", src)
	}
}

// Mul multiplies a share count by a price, returning a currency Amount. All
// three types route through decimal.Decimal so the product is exact before
// rounding to currency precision.
func (s Shares) Mul(p Price) Amount {
	return NewAmount(s.Decimal.Mul(p.Decimal))
}

// IsClean reports whether shares*price produces a currency amount with no
// residual precision beyond two decimal places, per §4.F's share-count
// rounding rule.
func (s Shares) IsClean(p Price) bool {
	product := s.Decimal.Mul(p.Decimal)
	return product.Equal(product.Round(currencyScale))
}
