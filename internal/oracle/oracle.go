// Package oracle provides the abstract market-metadata collaborator the
// Settlement Manager consults for resolution status (§4.G.2). The
// adapter shape — resty client, TTL-cached response, typed domain
// result — is grounded in the teacher's market.Scanner
// (internal/market/scanner.go), which polls the same Gamma-style
// metadata API for market discovery; here it is narrowed to single-
// market resolution lookups instead of market discovery.
//
// The retry pipeline around the metadata fetch is grounded in
// tommy-ca-opensqt_market_maker's pkg/http.Client: a failsafe-go
// retrypolicy wrapping the transport call, built from the same
// retry.* config section the rest of mercury's adapters share. The
// retry predicate itself keys off internal/errs.Kind rather than
// inspecting status codes a second time, the same Kind taxonomy the
// exchange adapter's errors carry.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/go-resty/resty/v2"

	"github.com/0xtitan6/mercury/internal/config"
	"github.com/0xtitan6/mercury/internal/errs"
)

// Resolution is the settled outcome side of a binary market.
type Resolution string

const (
	ResolutionYes     Resolution = "YES"
	ResolutionNo      Resolution = "NO"
	ResolutionPending Resolution = ""
)

// MarketInfo is the subset of metadata the settlement path needs.
type MarketInfo struct {
	ConditionID string
	Resolved    bool
	Resolution  Resolution
}

// Oracle is the abstract metadata collaborator (§1 non-goals: the
// concrete metadata provider is out of scope, only this interface is
// load-bearing).
type Oracle interface {
	GetMarketInfo(ctx context.Context, conditionID string) (MarketInfo, error)
}

type cacheEntry struct {
	info     MarketInfo
	cachedAt time.Time
}

// RestOracle implements Oracle against a resty-backed metadata API with
// a short TTL cache, since resolution polling happens on every
// settlement tick but a market's metadata rarely changes between ticks.
type RestOracle struct {
	http     *resty.Client
	ttl      time.Duration
	executor failsafe.Executor[*resty.Response]
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewRestOracle creates a metadata oracle adapter. retry controls the
// retrypolicy wrapped around every metadata fetch; a zero-value
// RetryConfig falls back to three attempts with a 500ms-5s backoff.
func NewRestOracle(baseURL string, ttl time.Duration, retry config.RetryConfig, logger *slog.Logger) *RestOracle {
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	minWait := time.Duration(retry.MinWaitSeconds * float64(time.Second))
	maxWait := time.Duration(retry.MaxWaitSeconds * float64(time.Second))
	if minWait <= 0 {
		minWait = 500 * time.Millisecond
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	retryPolicy := retrypolicy.NewBuilder[*resty.Response]().
		HandleIf(func(resp *resty.Response, err error) bool {
			return errs.IsTransient(err)
		}).
		WithBackoff(minWait, maxWait).
		WithMaxAttempts(maxAttempts).
		Build()

	return &RestOracle{
		http:     resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
		ttl:      ttl,
		executor: failsafe.With[*resty.Response](retryPolicy),
		logger:   logger.With("component", "oracle"),
		cache:    make(map[string]cacheEntry),
	}
}

type marketInfoResponse struct {
	ConditionID string `json:"condition_id"`
	Resolved    bool   `json:"resolved"`
	Resolution  string `json:"resolution"`
}

// GetMarketInfo fetches (or returns a cached) resolution status for a
// condition ID.
func (o *RestOracle) GetMarketInfo(ctx context.Context, conditionID string) (MarketInfo, error) {
	o.mu.Lock()
	if entry, ok := o.cache[conditionID]; ok && time.Since(entry.cachedAt) < o.ttl {
		o.mu.Unlock()
		return entry.info, nil
	}
	o.mu.Unlock()

	var resp marketInfoResponse
	_, err := o.executor.GetWithExecution(func(exec failsafe.Execution[*resty.Response]) (*resty.Response, error) {
		httpResp, reqErr := o.http.R().
			SetContext(ctx).
			SetQueryParam("condition_id", conditionID).
			SetResult(&resp).
			Get("/markets")
		if reqErr != nil {
			return httpResp, errs.Transient("oracle_request_failed", reqErr)
		}
		if httpResp.StatusCode() >= 500 {
			return httpResp, errs.Transient("oracle_5xx", fmt.Errorf("status %d", httpResp.StatusCode()))
		}
		if httpResp.StatusCode() >= 400 {
			return httpResp, errs.Permanent("oracle_4xx", fmt.Errorf("status %d", httpResp.StatusCode()))
		}
		return httpResp, nil
	})
	if err != nil {
		return MarketInfo{}, err
	}

	info := MarketInfo{
		ConditionID: resp.ConditionID,
		Resolved:    resp.Resolved,
		Resolution:  Resolution(resp.Resolution),
	}

	o.mu.Lock()
	o.cache[conditionID] = cacheEntry{info: info, cachedAt: time.Now()}
	o.mu.Unlock()

	return info, nil
}
