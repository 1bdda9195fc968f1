package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberQueueSize bounds the per-subscriber delivery channel. Subscribers
// are internal components; a full queue drops the event with a warning
// rather than blocking the publisher.
const subscriberQueueSize = 256

// Event pairs a type with its payload.
type Event struct {
	Type    EventType
	Payload Payload
}

// Handler processes one event. Handlers run on their subscription's own
// goroutine; a slow handler delays only its own subscription.
type Handler func(Event)

// Subscription identifies one registered handler. Cancel is idempotent.
type Subscription struct {
	id    string
	types []EventType
	bus   *Bus
	once  sync.Once
}

// Cancel removes the subscription from the bus.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.bus.remove(s.types, s.id) })
}

type subscriber struct {
	id   string
	ch   chan Event
	done chan struct{}
}

func (s *subscriber) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Bus is an in-process typed pub/sub. Publish never blocks; each subscriber
// receives events of one type in FIFO order on a dedicated goroutine.
// Handler errors and panics are isolated from the publisher and from
// sibling handlers.
type Bus struct {
	mu     sync.Mutex
	subs   map[EventType][]*subscriber // slices are copy-on-write
	closed bool
	wg     sync.WaitGroup
	drops  atomic.Int64
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[EventType][]*subscriber)}
}

// Subscribe registers an async handler for one event type.
func (b *Bus) Subscribe(t EventType, fn Handler) *Subscription {
	return b.SubscribeTypes(fn, t)
}

// SubscribeTypes registers one handler for several event types sharing a
// single FIFO queue: events of the listed types reach the handler in
// publish order relative to each other, not just within one type.
func (b *Bus) SubscribeTypes(fn Handler, types ...EventType) *Subscription {
	sub := &subscriber{
		id:   uuid.NewString(),
		ch:   make(chan Event, subscriberQueueSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		return &Subscription{id: sub.id, types: types, bus: b}
	}
	for _, t := range types {
		existing := b.subs[t]
		next := make([]*subscriber, len(existing), len(existing)+1)
		copy(next, existing)
		b.subs[t] = append(next, sub)
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-sub.ch:
				b.invoke(fn, ev)
			case <-sub.done:
				// Drain anything already queued, then exit.
				for {
					select {
					case ev := <-sub.ch:
						b.invoke(fn, ev)
					default:
						return
					}
				}
			}
		}
	}()

	return &Subscription{id: sub.id, types: types, bus: b}
}

func (b *Bus) invoke(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.handler_panic", "event", string(ev.Type), "panic", r)
		}
	}()
	fn(ev)
}

func (b *Bus) remove(types []EventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		existing := b.subs[t]
		next := make([]*subscriber, 0, len(existing))
		for _, s := range existing {
			if s.id == id {
				s.stop()
				continue
			}
			next = append(next, s)
		}
		b.subs[t] = next
	}
}

// Publish delivers the event to every subscriber of t, asynchronously.
// The publisher is never blocked; a subscriber whose queue is full loses
// the event (counted and logged).
func (b *Bus) Publish(t EventType, p Payload) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	snapshot := b.subs[t] // copy-on-write: safe to iterate unlocked
	b.mu.Unlock()

	ev := Event{Type: t, Payload: p}
	for _, s := range snapshot {
		select {
		case s.ch <- ev:
		default:
			n := b.drops.Add(1)
			slog.Warn("bus.subscriber_overflow", "event", string(t), "total_drops", n)
		}
	}
}

// Drops returns the total number of events dropped on overflowing
// subscriber queues.
func (b *Bus) Drops() int64 { return b.drops.Load() }

// Close stops accepting publishes, drains queued events, and waits for all
// subscriber goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for t, subs := range b.subs {
		for _, s := range subs {
			s.stop()
		}
		b.subs[t] = nil
	}
	b.mu.Unlock()
	b.wg.Wait()
}
