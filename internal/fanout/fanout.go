// Package fanout is the cross-process publish/subscribe layer. A chat answer
// computed on one backend instance reaches a browser connection held open on
// another instance by traveling over the bus.
//
// All events share a single well-known channel; each event carries a routing
// key (the target user id) and subscribers filter on it. Delivery is
// at-most-once per subscriber process with no persistence: a subscriber that
// is not currently listening misses the event, which is acceptable because
// the connection registry only subscribes while a matching connection is
// live.
package fanout

import (
	"context"
	"sync"

	"github.com/relaygate/relaygate/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handler receives one event. Handlers for a single subscription are invoked
// sequentially, in publish order per producer.
type Handler func(event models.ChatEvent)

// Unsubscribe detaches a subscription. Idempotent.
type Unsubscribe func()

// Bus is the fanout contract shared by the NATS-backed and in-process
// implementations.
type Bus interface {
	Publish(ctx context.Context, event models.ChatEvent) error
	Subscribe(ctx context.Context, fn Handler) (Unsubscribe, error)
	Close() error
}

// ── In-process bus ──────────────────────────────────────────

const subscriberBuffer = 64

// MemoryBus is the single-instance Bus: per-subscriber buffered channels
// drained by one goroutine each, dropping events for slow consumers rather
// than blocking publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan models.ChatEvent
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan models.ChatEvent)}
}

// Publish delivers event to every live subscriber. Slow subscribers whose
// buffer is full are skipped.
func (b *MemoryBus) Publish(_ context.Context, event models.ChatEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}

	if dropped > 0 {
		log.Warn().
			Int("dropped", dropped).
			Str("key", event.RoutingKey()).
			Msg("fanout dropped events for slow subscribers")
	}
	return nil
}

// Subscribe registers fn and starts a drain goroutine for it. The
// subscription ends when the returned Unsubscribe is called, the context is
// cancelled, or the bus is closed.
func (b *MemoryBus) Subscribe(ctx context.Context, fn Handler) (Unsubscribe, error) {
	ch := make(chan models.ChatEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		defer unsub()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				fn(ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	return unsub, nil
}

// Close detaches all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
