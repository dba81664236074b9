// Package eventbus fans lifecycle events out to in-process subscribers such
// as the gateway broadcaster and the snapshot trigger.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"guardian-ai/internal/domain"
)

// anyType keys subscriptions that receive every event.
const anyType domain.EventType = "*"

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Stats counts bus traffic since creation.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Panics      uint64 `json:"panics"`
	Subscribers int    `json:"subscribers"`
}

// Bus is an in-process, goroutine-safe event bus. Handlers run in their own
// goroutine with a context detached from the publisher's cancellation, so an
// RPC that publishes and returns does not cut its subscribers short.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.EventType][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	panics    atomic.Uint64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish delivers event to subscribers of its type, then to catch-all subscribers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[event.Type])+len(b.subs[anyType]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[anyType]...)
	b.mu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, sub := range targets {
		b.dispatch(hctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.panics.Add(1)
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"record_id", event.RecordID,
					"panic", r,
				)
				return
			}
			b.delivered.Add(1)
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its unsubscribe func.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(anyType, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[key]
			for i, s := range subs {
				if s.id == id {
					b.subs[key] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
		})
	}
}

// Stats returns traffic counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, s := range b.subs {
		n += len(s)
	}
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Panics:      b.panics.Load(),
		Subscribers: n,
	}
}

// Close stops accepting events and waits for in-flight handlers. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
