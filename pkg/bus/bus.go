// Package bus is the in-process typed pub/sub fabric of the core.
//
// Every subscriber owns a bounded queue. Telemetry streams shed load by
// dropping the oldest queued event; decision streams apply backpressure to
// the publisher up to a timeout and then fail with Overloaded. Ordering is
// preserved per topic; delivery is at-least-once within the process, so
// subscribers dedupe on event ID where it matters.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/fault"
)

// Stream classifies a subscription's overflow behaviour.
type Stream int

const (
	// StreamTelemetry drops the oldest queued event when full.
	StreamTelemetry Stream = iota

	// StreamDecision blocks the publisher up to the publish timeout when
	// full, then fails with Overloaded.
	StreamDecision
)

// Event is a single bus message. Seq is monotonic per bus instance.
type Event struct {
	Seq     uint64
	ID      string
	Topic   string
	TS      time.Time
	Payload any
}

// Journal persists decision-stream events before fan-out. Implemented by the
// memory store's durable event log.
type Journal interface {
	AppendEvent(ev Event) error
}

// Subscription is one subscriber's bounded queue on a topic.
type Subscription struct {
	topic   string
	stream  Stream
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

// C returns the receive channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscription shed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// topicState serializes fan-out per topic so per-topic ordering holds even
// when a decision subscriber blocks the publisher.
type topicState struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Bus is the in-process event bus.
type Bus struct {
	clk        clock.Clock
	depth      int
	pubTimeout time.Duration
	journal    Journal

	journaled map[string]bool

	mu     sync.RWMutex
	topics map[string]*topicState
	seq    atomic.Uint64
	drops  atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithJournal attaches a durable journal for the given topics. Journaled
// topics are persisted on every publish, before fan-out, whether or not a
// subscriber exists yet.
func WithJournal(j Journal, topics ...string) Option {
	return func(b *Bus) {
		b.journal = j
		for _, topic := range topics {
			b.journaled[topic] = true
		}
	}
}

// New creates a bus. depth is the per-subscriber queue bound; pubTimeout
// bounds decision-stream backpressure.
func New(clk clock.Clock, depth int, pubTimeout time.Duration, opts ...Option) *Bus {
	b := &Bus{
		clk:        clk,
		depth:      depth,
		pubTimeout: pubTimeout,
		journaled:  make(map[string]bool),
		topics:     make(map[string]*topicState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscription on topic with the given stream class.
func (b *Bus) Subscribe(topic string, stream Stream) *Subscription {
	sub := &Subscription{
		topic:  topic,
		stream: stream,
		ch:     make(chan Event, b.depth),
	}

	b.mu.Lock()
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{}
		b.topics[topic] = ts
	}
	b.mu.Unlock()

	ts.mu.Lock()
	ts.subs = append(ts.subs, sub)
	ts.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.RLock()
	ts := b.topics[sub.topic]
	b.mu.RUnlock()
	if ts != nil {
		ts.mu.Lock()
		for i, s := range ts.subs {
			if s == sub {
				ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
				break
			}
		}
		ts.mu.Unlock()
	}
	close(sub.ch)
}

// Publish delivers payload to every subscriber of topic. Journaled topics
// are persisted before fan-out when a journal is attached. A full
// decision subscriber that stays full past the publish timeout fails the
// publish with Overloaded; telemetry subscribers never fail a publish.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) (Event, error) {
	ev := Event{
		Seq:     b.seq.Add(1),
		ID:      uuid.New().String(),
		Topic:   topic,
		TS:      b.clk.Now(),
		Payload: payload,
	}

	// Journal before fan-out so a catchup reader never misses an event that
	// some live subscriber already saw.
	if b.journal != nil && b.journaled[topic] {
		if err := b.journal.AppendEvent(ev); err != nil {
			return Event{}, fmt.Errorf("journal event %d: %w", ev.Seq, err)
		}
	}

	b.mu.RLock()
	ts := b.topics[topic]
	b.mu.RUnlock()
	if ts == nil {
		return ev, nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, sub := range ts.subs {
		if sub.closed.Load() {
			continue
		}
		switch sub.stream {
		case StreamTelemetry:
			b.sendDropOldest(sub, ev)
		case StreamDecision:
			if err := b.sendBlocking(ctx, sub, ev); err != nil {
				return ev, err
			}
		}
	}
	return ev, nil
}

// sendDropOldest enqueues ev, shedding the oldest queued event when full.
func (b *Bus) sendDropOldest(sub *Subscription, ev Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.drops.Add(1)
		default:
		}
	}
}

// sendBlocking enqueues ev, blocking up to the publish timeout.
func (b *Bus) sendBlocking(ctx context.Context, sub *Subscription, ev Event) error {
	select {
	case sub.ch <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(b.pubTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", sub.topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: decision subscriber on %s full for %s",
			fault.ErrOverloaded, sub.topic, b.pubTimeout)
	}
}

// Depths returns the current queued-event count per topic, summed across the
// topic's subscriptions. Used by the health monitor.
func (b *Bus) Depths() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	depths := make(map[string]int, len(b.topics))
	for name, ts := range b.topics {
		ts.mu.Lock()
		total := 0
		for _, sub := range ts.subs {
			total += len(sub.ch)
		}
		ts.mu.Unlock()
		depths[name] = total
	}
	return depths
}

// DroppedTotal returns the lifetime count of shed telemetry events.
func (b *Bus) DroppedTotal() uint64 { return b.drops.Load() }
