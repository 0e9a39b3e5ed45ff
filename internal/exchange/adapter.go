package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

// RestAdapter implements Transport against a real CLOB REST API. It
// reuses the teacher's resty-with-retry-and-rate-limit shape
// (internal/exchange/client.go) generalized to the dual-leg placement
// §6 describes; auth/signing for order placement is outside this
// module's scope (§1 non-goals) and is assumed to be attached via
// http.RoundTripper by the caller.
type RestAdapter struct {
	http   *resty.Client
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewRestAdapter creates a REST transport adapter.
func NewRestAdapter(baseURL string, dryRun bool, logger *slog.Logger) *RestAdapter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &RestAdapter{
		http:   client,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "exchange_adapter"),
	}
}

func (a *RestAdapter) Connect(ctx context.Context) error { return nil }
func (a *RestAdapter) Close(ctx context.Context) error   { return nil }

// GetOrderBook fetches the order book for a single token.
func (a *RestAdapter) GetOrderBook(ctx context.Context, tokenID string) (OrderBookData, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return OrderBookData{}, err
	}

	var result OrderBookData
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return OrderBookData{}, asErrs(&TransportError{Code: ErrTimeout, Err: err})
	}
	if resp.StatusCode() != http.StatusOK {
		return OrderBookData{}, asErrs(&TransportError{Code: ErrRejected, Err: fmt.Errorf("status %d", resp.StatusCode())})
	}
	return result, nil
}

// PlaceOrder places a single-leg order with the given time-in-force.
func (a *RestAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	if a.dryRun {
		a.logger.Info("DRY-RUN: would place order", "token", req.TokenID, "side", req.Side, "size", req.Size.String())
		return types.Order{
			OrderID:        fmt.Sprintf("dry-run-%d", time.Now().UnixNano()),
			TokenID:        req.TokenID,
			Side:           req.Side,
			Status:         types.OrderMatched,
			RequestedPrice: req.Price,
			RequestedSize:  req.Size,
			FilledSize:     req.Size,
			FilledCost:     req.Size.Mul(req.Price),
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}, nil
	}

	if err := a.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return types.Order{}, asErrs(&TransportError{Code: ErrSigningError, Err: err})
	}

	var result types.Order
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return types.Order{}, asErrs(&TransportError{Code: ErrTimeout, Err: err})
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Order{Status: types.OrderRejected}, asErrs(&TransportError{Code: ErrRejected, Err: fmt.Errorf("status %d", resp.StatusCode())})
	}
	return result, nil
}

// PlaceDualLeg places YES and NO legs atomically. In parallel mode
// (preferred) both legs are submitted concurrently; in sequential mode
// YES is placed first, then NO, matching §4.F.4. A transport error on one
// leg during parallel placement is treated as a rejection for that leg
// only — the other leg's real outcome still drives classification
// (§4.F Failure semantics).
func (a *RestAdapter) PlaceDualLeg(ctx context.Context, req DualLegRequest) (types.DualLegOrderResult, error) {
	yesReq := OrderRequest{TokenID: req.YesTokenID, Side: types.BUY, Size: req.YesSize, Price: req.YesPrice, TIF: req.TIF}
	noReq := OrderRequest{TokenID: req.NoTokenID, Side: types.BUY, Size: req.NoSize, Price: req.NoPrice, TIF: req.TIF}

	var yesOrder, noOrder types.Order
	if req.Mode == ModeSequential {
		yesOrder = a.placeLegOrReject(ctx, yesReq)
		noOrder = a.placeLegOrReject(ctx, noReq)
	} else {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			yesOrder = a.placeLegOrReject(ctx, yesReq)
		}()
		go func() {
			defer wg.Done()
			noOrder = a.placeLegOrReject(ctx, noReq)
		}()
		wg.Wait()
	}

	result := types.DualLegOrderResult{
		Yes: yesOrder,
		No:  noOrder,
	}
	result.BothFilled = !yesOrder.Status.IsRejection() && !noOrder.Status.IsRejection()
	result.HasPartialFill = yesOrder.Status.IsRejection() != noOrder.Status.IsRejection()
	return result, nil
}

// placeLegOrReject places one leg and converts any transport error into a
// REJECTED order rather than propagating the error, so the caller always
// has a status to classify against (§4.F.5's outcome table).
func (a *RestAdapter) placeLegOrReject(ctx context.Context, req OrderRequest) types.Order {
	order, err := a.PlaceOrder(ctx, req)
	if err != nil {
		return types.Order{
			TokenID:        req.TokenID,
			Side:           req.Side,
			Status:         types.OrderRejected,
			RequestedPrice: req.Price,
			RequestedSize:  req.Size,
			FilledSize:     money.ZeroShares(),
			FilledCost:     money.ZeroAmount(),
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
	}
	return order
}

// CancelOrder cancels a still-LIVE order, used to unwind the unmatched
// counterpart of a partial fill (§4.F.6) — never a MATCHED leg.
func (a *RestAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if a.dryRun {
		return nil
	}
	if err := a.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	resp, err := a.http.R().SetContext(ctx).Delete("/orders/" + orderID)
	if err != nil {
		return asErrs(&TransportError{Code: ErrTimeout, Err: err})
	}
	if resp.StatusCode() != http.StatusOK {
		return asErrs(&TransportError{Code: ErrRejected, Err: fmt.Errorf("status %d", resp.StatusCode())})
	}
	return nil
}

// GetOrder fetches the current status of an order.
func (a *RestAdapter) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}
	var result types.Order
	resp, err := a.http.R().SetContext(ctx).SetResult(&result).Get("/orders/" + orderID)
	if err != nil {
		return types.Order{}, asErrs(&TransportError{Code: ErrTimeout, Err: err})
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Order{}, asErrs(&TransportError{Code: ErrRejected, Err: fmt.Errorf("status %d", resp.StatusCode())})
	}
	return result, nil
}
