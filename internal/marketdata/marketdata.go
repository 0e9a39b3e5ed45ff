// Package marketdata implements the Market-Data Service (§4.C): it owns
// a single long-lived WebSocket to the transport, tracks a per-token
// subscription lifecycle, decodes inbound frames into book mutations,
// and monitors connection and per-market staleness.
//
// The connection loop (dial, ping goroutine, read-deadline loop,
// exponential-backoff reconnect) is ported from the teacher's WSFeed
// (internal/exchange/ws.go), generalized from the teacher's two fixed
// channel types (market/user) to a single combined-book feed carrying
// both snapshot and delta frames, and with subscription state tracked
// explicitly (PENDING/ACTIVE/ERRORED) instead of the teacher's plain
// subscribed-set.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0xtitan6/mercury/internal/book"
	"github.com/0xtitan6/mercury/internal/eventbus"
	"github.com/0xtitan6/mercury/pkg/money"
	"github.com/0xtitan6/mercury/pkg/types"
)

const (
	pingInterval     = 20 * time.Second // §4.C PING_INTERVAL
	pongTimeout      = 10 * time.Second // §4.C PONG_TIMEOUT
	staleThreshold   = 60 * time.Second // §4.C STALE_THRESHOLD
	maxMissedPongs   = 2
	minReconnectWait = 1 * time.Second
	maxReconnectWait = 60 * time.Second
	snapshotDepth    = 10
)

// SubscriptionState is the per-token subscription lifecycle (§4.C).
type SubscriptionState string

const (
	StatePending SubscriptionState = "PENDING"
	StateActive  SubscriptionState = "ACTIVE"
	StateErrored SubscriptionState = "ERRORED"
)

type subscription struct {
	marketID string
	state    SubscriptionState
}

// rawFrame is the union of the JSON frame shapes §4.C decodes: a
// price_changes list or a full book snapshot. Literal PING/PONG frames
// are handled before JSON decoding.
type rawFrame struct {
	EventType    string           `json:"event_type"`
	AssetID      string           `json:"asset_id"`
	Bids         []rawLevel       `json:"bids"`
	Asks         []rawLevel       `json:"asks"`
	PriceChanges []rawPriceChange `json:"price_changes"`
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Count int    `json:"order_count"`
}

type rawPriceChange struct {
	AssetID string `json:"asset_id"`
	Side    string `json:"side"` // "BUY" (bid) or "SELL" (ask)
	Price   string `json:"price"`
	Size    string `json:"size"`
	Count   int    `json:"order_count"`
}

// Service is the Market-Data Service. It owns one WebSocket connection
// and every MarketOrderBook it has been asked to track.
type Service struct {
	url    string
	bus    *eventbus.Bus
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	mu            sync.Mutex
	books         map[string]*book.MarketOrderBook // market_id -> book
	tokenToMarket map[string]string                // token_id -> market_id
	subs          map[string]*subscription         // token_id -> subscription
	stale         map[string]bool                  // market_id -> currently marked stale

	parseErrors int64
	missedPongs int
	lastMessage time.Time
	running     bool
}

// New creates a Market-Data Service bound to a WebSocket URL and the
// event bus it publishes book/staleness events on.
func New(url string, bus *eventbus.Bus, logger *slog.Logger) *Service {
	return &Service{
		url:           url,
		bus:           bus,
		logger:        logger.With("component", "marketdata"),
		books:         make(map[string]*book.MarketOrderBook),
		tokenToMarket: make(map[string]string),
		subs:          make(map[string]*subscription),
		stale:         make(map[string]bool),
	}
}

// SubscribeMarket registers both tokens of a market. Fails with an error
// if the service has not started yet, per §4.C NOT_RUNNING.
func (s *Service) SubscribeMarket(marketID, yesTokenID, noTokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("marketdata: NOT_RUNNING")
	}

	s.books[marketID] = book.NewMarketOrderBook(marketID, yesTokenID, noTokenID)
	s.tokenToMarket[yesTokenID] = marketID
	s.tokenToMarket[noTokenID] = marketID
	s.subs[yesTokenID] = &subscription{marketID: marketID, state: StatePending}
	s.subs[noTokenID] = &subscription{marketID: marketID, state: StatePending}

	s.sendPendingSubscriptionsLocked()
	return nil
}

// Snapshot returns the latest derived snapshot for a market, if tracked.
func (s *Service) Snapshot(marketID string) (book.Snapshot, bool) {
	s.mu.Lock()
	mob, ok := s.books[marketID]
	s.mu.Unlock()
	if !ok {
		return book.Snapshot{}, false
	}
	return mob.ToSnapshot(snapshotDepth), true
}

// Run connects and maintains the connection with auto-reconnect until
// ctx is cancelled. Also drives the staleness monitor.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go s.staleMonitor(ctx)

	backoff := minReconnectWait
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)
		s.reenqueueActiveSubscriptions()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// reenqueueActiveSubscriptions moves every ACTIVE subscription back to
// PENDING on disconnect, per §4.C.
func (s *Service) reenqueueActiveSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.state == StateActive {
			sub.state = StatePending
		}
	}
}

func (s *Service) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.mu.Lock()
	s.missedPongs = 0
	s.lastMessage = time.Now()
	s.sendPendingSubscriptionsLocked()
	s.mu.Unlock()

	s.logger.Info("websocket connected")

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(staleThreshold))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.mu.Lock()
		s.lastMessage = time.Now()
		s.missedPongs = 0
		s.mu.Unlock()

		s.dispatch(ctx, msg)
	}
}

// sendPendingSubscriptionsLocked sends every PENDING token's subscribe
// message. Caller must hold s.mu.
func (s *Service) sendPendingSubscriptionsLocked() {
	var assetIDs []string
	for tokenID, sub := range s.subs {
		if sub.state == StatePending {
			assetIDs = append(assetIDs, tokenID)
		}
	}
	if len(assetIDs) == 0 {
		return
	}
	msg := map[string]any{"type": "market", "assets_ids": assetIDs}
	if err := s.writeJSON(msg); err != nil {
		s.logger.Warn("subscribe send failed, will retry on next connect", "error", err)
	}
}

func (s *Service) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}

			select {
			case <-time.After(pongTimeout):
				s.mu.Lock()
				s.missedPongs++
				missed := s.missedPongs
				s.mu.Unlock()
				if missed >= maxMissedPongs {
					s.logger.Warn("missed pongs threshold reached, forcing reconnect", "missed", missed)
					s.connMu.Lock()
					if s.conn != nil {
						s.conn.Close()
					}
					s.connMu.Unlock()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// staleMonitor publishes market.stale.<id> / market.fresh.<id> based on
// STALE_THRESHOLD, independent of the connection-level reconnect check.
func (s *Service) staleMonitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkStaleness(ctx)
		}
	}
}

func (s *Service) checkStaleness(ctx context.Context) {
	s.mu.Lock()
	type staleCheck struct {
		marketID string
		isStale  bool
	}
	var toPublish []staleCheck
	now := time.Now()
	for marketID, mob := range s.books {
		isStale := now.Sub(mob.LastUpdateAt()) > staleThreshold
		wasStale := s.stale[marketID]
		if isStale != wasStale {
			s.stale[marketID] = isStale
			toPublish = append(toPublish, staleCheck{marketID: marketID, isStale: isStale})
		}
	}
	s.mu.Unlock()

	for _, c := range toPublish {
		topic := "market.fresh." + c.marketID
		if c.isStale {
			topic = "market.stale." + c.marketID
		}
		if err := s.bus.Publish(ctx, topic, eventbus.Payload{"market_id": c.marketID}); err != nil {
			s.logger.Warn("staleness publish failed", "error", err)
		}
	}
}

// dispatch decodes one raw frame (or batch of frames) and applies it.
func (s *Service) dispatch(ctx context.Context, data []byte) {
	text := string(data)
	if text == "PING" || text == "PONG" {
		return
	}

	if data[0] == '[' {
		var frames []json.RawMessage
		if err := json.Unmarshal(data, &frames); err != nil {
			s.recordParseError()
			return
		}
		for _, f := range frames {
			s.applyFrame(ctx, f)
		}
		return
	}

	s.applyFrame(ctx, data)
}

func (s *Service) applyFrame(ctx context.Context, data []byte) {
	var frame rawFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.recordParseError()
		return
	}

	switch {
	case len(frame.PriceChanges) > 0:
		s.applyPriceChanges(ctx, frame.PriceChanges)
	case frame.AssetID != "" && (len(frame.Bids) > 0 || len(frame.Asks) > 0):
		s.applySnapshot(ctx, frame.AssetID, frame.Bids, frame.Asks)
	default:
		s.logger.Debug("ignoring unrecognized frame", "event_type", frame.EventType)
	}
}

func (s *Service) applySnapshot(ctx context.Context, tokenID string, bids, asks []rawLevel) {
	s.mu.Lock()
	marketID, ok := s.tokenToMarket[tokenID]
	if !ok {
		s.mu.Unlock()
		return
	}
	mob := s.books[marketID]
	s.mu.Unlock()

	tokenBook, ok := mob.BookForToken(tokenID)
	if !ok {
		return
	}

	bidLevels, err := toPriceLevels(bids)
	if err != nil {
		s.recordParseError()
		return
	}
	askLevels, err := toPriceLevels(asks)
	if err != nil {
		s.recordParseError()
		return
	}
	tokenBook.ApplySnapshot(bidLevels, askLevels)

	s.activateSubscription(tokenID)
	s.publishSnapshot(ctx, marketID, mob)
}

func (s *Service) applyPriceChanges(ctx context.Context, changes []rawPriceChange) {
	byMarket := make(map[string][]rawPriceChange)
	for _, c := range changes {
		s.mu.Lock()
		marketID, ok := s.tokenToMarket[c.AssetID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		byMarket[marketID] = append(byMarket[marketID], c)
	}

	for marketID, group := range byMarket {
		s.mu.Lock()
		mob := s.books[marketID]
		s.mu.Unlock()
		if mob == nil {
			continue
		}

		for _, c := range group {
			tokenBook, ok := mob.BookForToken(c.AssetID)
			if !ok {
				continue
			}
			price, err := money.PriceFromString(c.Price)
			if err != nil {
				s.recordParseError()
				continue
			}
			size, err := money.ShareFromString(c.Size)
			if err != nil {
				s.recordParseError()
				continue
			}
			if c.Side == "BUY" {
				tokenBook.UpdateBid(price, size, c.Count)
			} else {
				tokenBook.UpdateAsk(price, size, c.Count)
			}
			s.activateSubscription(c.AssetID)
		}

		s.publishSnapshot(ctx, marketID, mob)
	}
}

// activateSubscription transitions a token's subscription PENDING ->
// ACTIVE on its first applied message, per §4.C.
func (s *Service) activateSubscription(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[tokenID]; ok && sub.state == StatePending {
		sub.state = StateActive
	}
}

func (s *Service) publishSnapshot(ctx context.Context, marketID string, mob *book.MarketOrderBook) {
	snap := mob.ToSnapshot(snapshotDepth)
	topic := "market.orderbook." + marketID
	if err := s.bus.Publish(ctx, topic, eventbus.Payload{"market_id": marketID, "snapshot": snap}); err != nil {
		s.logger.Warn("orderbook publish failed", "error", err)
	}
}

func (s *Service) recordParseError() {
	s.mu.Lock()
	s.parseErrors++
	s.mu.Unlock()
}

// ParseErrors reports the running count of dropped unparseable frames.
func (s *Service) ParseErrors() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parseErrors
}

// Connected reports whether the service has received any message within
// STALE_THRESHOLD, used by the health endpoint (§5).
func (s *Service) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastMessage.IsZero() && time.Since(s.lastMessage) < staleThreshold
}

func toPriceLevels(raw []rawLevel) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, r := range raw {
		price, err := money.PriceFromString(r.Price)
		if err != nil {
			return nil, err
		}
		size, err := money.ShareFromString(r.Size)
		if err != nil {
			return nil, err
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size, OrderCount: r.Count})
	}
	return levels, nil
}

func (s *Service) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *Service) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(msgType, data)
}
