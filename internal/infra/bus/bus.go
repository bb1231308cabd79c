// Package bus provides the in-process fan-out from the frame decode loop to
// consumer subscriptions, with bounded per-subscription queues and
// drop-oldest overflow.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/metrics"
)

// noCtx feeds the otel instruments; publish is synchronous and carries no
// caller context.
var noCtx = context.Background()

// DefaultQueueCapacity is the per-subscription queue bound when the config
// does not override it.
const DefaultQueueCapacity = 1000

const dropLogEvery = 1000

// Subscription is one bounded channel from the Bus to a consumer. Queue
// buffers are owned by the Bus; consumers only receive.
type Subscription struct {
	id    uint64
	name  string
	ch    chan *schema.Event
	drops atomic.Uint64
	once  sync.Once
}

// Name returns the consumer name supplied at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// Events returns the receive side of the subscription queue. The channel is
// closed by Unsubscribe and by Bus.Close.
func (s *Subscription) Events() <-chan *schema.Event { return s.ch }

// Drops reports how many queued events were evicted for this subscription.
func (s *Subscription) Drops() uint64 { return s.drops.Load() }

// Depth reports how many events are currently queued.
func (s *Subscription) Depth() int { return len(s.ch) }

// Capacity reports the queue bound.
func (s *Subscription) Capacity() int { return cap(s.ch) }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus fans every published event out to all current subscriptions. The
// producer never blocks: a full queue loses its oldest element instead.
type Bus struct {
	capacity int
	log      zerolog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	closed bool
	nextID atomic.Uint64

	eventsPublished metric.Int64Counter
	subscriberGauge metric.Int64UpDownCounter
	droppedCounter  metric.Int64Counter
}

// New constructs a bus whose subscriptions buffer up to capacity events.
func New(capacity int, log zerolog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	b := &Bus{
		capacity: capacity,
		log:      log,
		subs:     make(map[uint64]*Subscription),
	}

	meter := otel.Meter("bus")
	b.eventsPublished, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscription}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.delivery.dropped",
		metric.WithDescription("Number of queued events evicted by drop-oldest overflow"),
		metric.WithUnit("{event}"))

	return b
}

// Subscribe registers a new consumer queue under the given name.
func (b *Bus) Subscribe(name string) *Subscription {
	sub := &Subscription{
		id:   b.nextID.Add(1),
		name: name,
		ch:   make(chan *schema.Event, b.capacity),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.subscriberGauge.Add(noCtx, 1, metric.WithAttributes(attrSub(name)))
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Queued
// events are discarded with the channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	if ok {
		b.subscriberGauge.Add(noCtx, -1, metric.WithAttributes(attrSub(sub.name)))
	}
	sub.close()
}

// Publish delivers evt to every current subscription without ever waiting
// on a consumer. A full queue evicts its oldest element first; every
// eviction is counted on the subscription and on the global drop counter.
func (b *Bus) Publish(evt *schema.Event) {
	if evt == nil {
		return
	}

	// Delivery happens under the read lock so Unsubscribe can never close a
	// channel mid-send. Every send path below is non-blocking, keeping the
	// critical section O(N) with a small constant.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, sub := range b.subs {
		b.deliver(sub, evt)
	}
	b.mu.RUnlock()

	b.eventsPublished.Add(noCtx, 1)
}

func (b *Bus) deliver(sub *Subscription, evt *schema.Event) {
	for {
		select {
		case sub.ch <- evt:
			return
		default:
		}
		// Queue full: evict the oldest queued event and retry. The evict
		// can miss when the consumer drained concurrently, in which case
		// the retry send succeeds without a drop.
		select {
		case <-sub.ch:
			n := sub.drops.Add(1)
			metrics.DropsTotal.Inc()
			b.droppedCounter.Add(noCtx, 1, metric.WithAttributes(attrSub(sub.name)))
			if n%dropLogEvery == 1 {
				b.log.Debug().Str("sub", sub.name).Uint64("drops", n).Msg("subscriber queue full, dropping oldest")
			}
		default:
		}
	}
}

// Subscriptions returns a snapshot of the active subscriptions, for queue
// depth reporting.
func (b *Bus) Subscriptions() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub)
	}
	return out
}

// Close unsubscribes everything and rejects further publishes. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.subscriberGauge.Add(noCtx, -1, metric.WithAttributes(attrSub(sub.name)))
		sub.close()
	}
}

func attrSub(name string) attribute.KeyValue {
	return attribute.String("subscription", name)
}

// String identifies the bus in logs.
func (b *Bus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("bus(capacity=%d subs=%d)", b.capacity, len(b.subs))
}
