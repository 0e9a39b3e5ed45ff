// Package eventbus implements the in-process typed pub/sub bus every
// mercury component communicates through (§4.A). Topics are dotted paths;
// a subscription matches a topic either exactly or via a single trailing
// wildcard segment (market.orderbook.* matches one or more segments below
// orderbook, market.* matches everything below market).
//
// Delivery to a given subscriber is serialized and in publish order,
// mirroring the teacher's WSFeed typed channels and the risk manager's
// single-consumer report channel, generalized here to many topics and many
// subscribers. Each subscriber's delivery goroutine is supervised by a
// worker pool so a handler panic is recovered and logged rather than
// crashing the bus (§9: handler exceptions do not poison other handlers).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alitto/pond"
)

// Payload is the canonical event envelope: primitive values, fixed-point
// strings for money, nested maps/lists only, per §4.A.
type Payload map[string]any

// Handler processes one delivered event. Errors are logged, never
// propagated to the publisher.
type Handler func(ctx context.Context, topic string, payload Payload)

// subscriberQueueSize bounds each subscriber's inbox. Overflow drops the
// oldest queued event for that subscriber (freshness over completeness,
// §5 Backpressure).
const subscriberQueueSize = 256

// ErrDisconnected is returned by Publish when external broker backing is
// required (ConnectExternal was called) but the backing is unavailable.
type ErrDisconnected struct{}

func (ErrDisconnected) Error() string { return "DISCONNECTED" }

// ExternalBroker is the optional backing described in §4.A's connect/
// disconnect operations. Bus degrades to pure in-process delivery when no
// broker is configured.
type ExternalBroker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payloadJSON []byte) error
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
	inbox   chan event
	cancel  context.CancelFunc
}

type event struct {
	topic   string
	payload Payload
}

// Bus is the in-process pub/sub dispatcher.
type Bus struct {
	logger *slog.Logger
	pool   *pond.WorkerPool

	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	byPattern     map[string][]uint64
	nextID        uint64

	broker          ExternalBroker
	brokerRequired  bool
	brokerConnected bool
}

// New creates a bus backed by a bounded worker pool for subscriber
// dispatch, sized the way the teacher sizes its WS read buffers.
func New(logger *slog.Logger) *Bus {
	l := logger.With("component", "eventbus")
	return &Bus{
		logger: l,
		pool: pond.New(32, 4096, pond.MinWorkers(4),
			pond.PanicHandler(func(p any) {
				l.Error("eventbus worker pool panic recovered", "panic", p)
			}),
		),
		subscriptions: make(map[uint64]*subscription),
		byPattern:     make(map[string][]uint64),
	}
}

// ConnectExternal attaches an optional external broker and marks it
// required: subsequent publishes fail with ErrDisconnected if the broker
// is not connected.
func (b *Bus) ConnectExternal(ctx context.Context, broker ExternalBroker) error {
	b.mu.Lock()
	b.broker = broker
	b.brokerRequired = true
	b.mu.Unlock()

	if err := broker.Connect(ctx); err != nil {
		b.mu.Lock()
		b.brokerConnected = false
		b.mu.Unlock()
		return err
	}
	b.mu.Lock()
	b.brokerConnected = true
	b.mu.Unlock()
	return nil
}

// DisconnectExternal detaches the external broker.
func (b *Bus) DisconnectExternal(ctx context.Context) error {
	b.mu.Lock()
	broker := b.broker
	b.brokerConnected = false
	b.mu.Unlock()
	if broker == nil {
		return nil
	}
	return broker.Disconnect(ctx)
}

// Subscribe registers a handler for a topic pattern. Returns an ID usable
// with Unsubscribe.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler Handler) uint64 {
	b.mu.Lock()
	b.nextID++
	id := b.nextID

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      id,
		pattern: pattern,
		handler: handler,
		inbox:   make(chan event, subscriberQueueSize),
		cancel:  cancel,
	}
	b.subscriptions[id] = sub
	b.byPattern[pattern] = append(b.byPattern[pattern], id)
	b.mu.Unlock()

	go b.deliverLoop(subCtx, sub)
	return id
}

// Unsubscribe removes a previously registered handler by ID.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscriptions[id]
	if !ok {
		return
	}
	delete(b.subscriptions, id)
	ids := b.byPattern[sub.pattern]
	for i, existing := range ids {
		if existing == id {
			b.byPattern[sub.pattern] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	sub.cancel()
}

// deliverLoop serializes delivery to a single subscriber in publish order.
// Handler panics are recovered via the worker pool so one bad handler
// never takes down the bus or other subscribers.
func (b *Bus) deliverLoop(ctx context.Context, sub *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.inbox:
			done := make(chan struct{})
			b.pool.Submit(func() {
				defer close(done)
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("subscriber handler panicked",
							"pattern", sub.pattern, "topic", ev.topic, "panic", r)
					}
				}()
				sub.handler(ctx, ev.topic, ev.payload)
			})
			<-done
		}
	}
}

// Publish delivers payload to every subscription whose pattern matches
// topic. Delivery is synchronously queued (this call enqueues into each
// matching subscriber's inbox) and asynchronously executed (the handler
// itself runs on the subscriber's delivery goroutine). If a subscriber's
// inbox is full, the oldest queued event for that subscriber is dropped
// and the new one enqueued — freshness over completeness.
func (b *Bus) Publish(ctx context.Context, topic string, payload Payload) error {
	b.mu.RLock()
	broker := b.broker
	required := b.brokerRequired
	connected := b.brokerConnected
	b.mu.RUnlock()

	if required && !connected {
		return ErrDisconnected{}
	}
	if broker != nil && connected {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("eventbus: marshal payload for %q: %w", topic, err)
		}
		if err := broker.Publish(ctx, topic, body); err != nil {
			return fmt.Errorf("eventbus: external publish %q: %w", topic, err)
		}
	}

	b.mu.RLock()
	matches := b.matchingLocked(topic)
	b.mu.RUnlock()

	for _, sub := range matches {
		ev := event{topic: topic, payload: payload}
		select {
		case sub.inbox <- ev:
		default:
			select {
			case <-sub.inbox:
			default:
			}
			select {
			case sub.inbox <- ev:
			default:
				b.logger.Warn("subscriber inbox full, dropping oldest event",
					"pattern", sub.pattern, "topic", topic)
			}
		}
	}
	return nil
}

// matchingLocked returns every subscription whose pattern matches topic.
// Must be called with b.mu held for read.
func (b *Bus) matchingLocked(topic string) []*subscription {
	var out []*subscription
	for pattern, ids := range b.byPattern {
		if !matchTopic(pattern, topic) {
			continue
		}
		for _, id := range ids {
			if sub, ok := b.subscriptions[id]; ok {
				out = append(out, sub)
			}
		}
	}
	return out
}

// matchTopic implements the dotted-path pattern rule: exact match, or a
// single trailing wildcard segment matching one or more remaining
// segments (market.* matches all below market).
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if !strings.HasSuffix(pattern, ".*") {
		return false
	}
	prefix := strings.TrimSuffix(pattern, ".*")
	if !strings.HasPrefix(topic, prefix+".") {
		return false
	}
	remainder := strings.TrimPrefix(topic, prefix+".")
	return remainder != ""
}

// Shutdown stops all subscriber delivery loops and releases pool workers.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.subscriptions = make(map[uint64]*subscription)
	b.byPattern = make(map[string][]uint64)
	b.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	b.pool.StopAndWait()
}
