// Package exchange defines the abstract CLOB trading transport (§6) and a
// concrete resty/rate-limited adapter. The core components (execution
// engine, strategy engine) depend only on the Transport interface; the
// concrete transport protocol itself is explicitly out of scope (§1
// non-goals) — the adapter exists so the system is runnable, not as the
// focus of this module.
package exchange

import (
	"context"
	"time"

	"github.com/0xtitan6/mercury/internal/errs"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

// TimeInForce is the order time-in-force.
type TimeInForce string

const (
	FOK TimeInForce = "FOK" // fill-or-kill: used by every dual-leg placement (§4.F)
	GTC TimeInForce = "GTC"
)

// PlacementMode selects whether a dual-leg order is placed concurrently
// (preferred) or one leg at a time (legacy), per §4.F.4.
type PlacementMode string

const (
	ModeParallel   PlacementMode = "parallel"
	ModeSequential PlacementMode = "sequential"
)

// OrderRequest is a single-leg placement request.
type OrderRequest struct {
	TokenID string
	Side    types.OrderSide
	Size    money.Shares
	Price   money.Price
	TIF     TimeInForce
}

// DualLegRequest is an atomic YES+NO placement request.
type DualLegRequest struct {
	YesTokenID string
	YesPrice   money.Price
	YesSize    money.Shares
	NoTokenID  string
	NoPrice    money.Price
	NoSize     money.Shares
	TIF        TimeInForce
	Mode       PlacementMode
}

// OrderBookData is the transport's native order-book shape, translated
// into book.InMemoryOrderBook updates by the Market-Data Service.
type OrderBookData struct {
	TokenID string
	Bids    []types.PriceLevel
	Asks    []types.PriceLevel
	Hash    string
	AsOf    time.Time
}

// TransportErrorCode is one of the typed errors a Transport call returns,
// per §6.
type TransportErrorCode string

const (
	ErrRejected              TransportErrorCode = "REJECTED"
	ErrTimeout               TransportErrorCode = "TIMEOUT"
	ErrInsufficientLiquidity TransportErrorCode = "INSUFFICIENT_LIQUIDITY"
	ErrArbitrageInvalid      TransportErrorCode = "ARBITRAGE_INVALID"
	ErrSigningError          TransportErrorCode = "SIGNING_ERROR"
	ErrBatchError            TransportErrorCode = "BATCH_ERROR"
)

// TransportError carries one of the typed codes above plus the
// underlying cause.
type TransportError struct {
	Code TransportErrorCode
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Kind classifies the transport error per the internal/errs taxonomy
// every adapter boundary shares, so a caller (or a failsafe-go retry
// predicate) can use errs.IsTransient/errs.IsPermanent without needing
// to know about TransportErrorCode at all.
func (e *TransportError) Kind() errs.Kind {
	switch e.Code {
	case ErrTimeout:
		return errs.KindTransient
	case ErrInsufficientLiquidity, ErrArbitrageInvalid:
		return errs.KindDomain
	default:
		return errs.KindPermanent
	}
}

// asErrs wraps a TransportError as an internal/errs.Error so it carries
// the same retry-eligibility signal as every other adapter boundary.
func asErrs(te *TransportError) error {
	switch te.Kind() {
	case errs.KindTransient:
		return errs.Transient(string(te.Code), te)
	case errs.KindDomain:
		return errs.Domain(string(te.Code), te)
	default:
		return errs.Permanent(string(te.Code), te)
	}
}

// Transport is the abstract CLOB trading transport (§6). Every outbound
// call carries ctx for the §5 30s default I/O timeout.
type Transport interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	GetOrderBook(ctx context.Context, tokenID string) (OrderBookData, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (types.Order, error)
	PlaceDualLeg(ctx context.Context, req DualLegRequest) (types.DualLegOrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (types.Order, error)
}
