package eventbus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"agentbridge/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
	Panics    uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxInFlight bounds the number of handler goroutines running at once.
// Events that arrive while the bound is reached are dropped and counted.
// Zero means unbounded.
func WithMaxInFlight(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.sem = make(chan struct{}, n)
		}
	}
}

// Bus is an in-process, goroutine-safe event bus. Handlers run
// asynchronously with a context detached from the publisher's
// cancellation, so a finished HTTP request never aborts telemetry.
type Bus struct {
	mu       sync.RWMutex
	typed    map[domain.EventType][]subscription
	prefixed map[string][]subscription
	allSubs  []subscription
	nextID   atomic.Uint64
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool
	sem      chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		typed:    make(map[domain.EventType][]subscription),
		prefixed: make(map[string][]subscription),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans out an event to typed, prefix and all-event subscribers.
// A zero Timestamp is not filled in here; use domain.NewEvent.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.typed[event.Type])+len(b.allSubs))
	subs = append(subs, b.typed[event.Type]...)
	for prefix, ps := range b.prefixed {
		if strings.HasPrefix(string(event.Type), prefix) {
			subs = append(subs, ps...)
		}
	}
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, sub := range subs {
		b.dispatch(detached, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	if b.sem != nil {
		select {
		case b.sem <- struct{}{}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, handlers saturated", "event", string(event.Type))
			return
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if b.sem != nil {
				<-b.sem
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				b.panics.Add(1)
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
		b.delivered.Add(1)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = without(b.typed[eventType], id)
	}
}

// SubscribePrefix registers a handler for every event type starting with
// prefix, e.g. "message." or "discovery.".
func (b *Bus) SubscribePrefix(prefix string, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.prefixed[prefix] = append(b.prefixed[prefix], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.prefixed[prefix] = without(b.prefixed[prefix], id)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = without(b.allSubs, id)
	}
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Panics:    b.panics.Load(),
	}
}

// Close prevents new publishes and waits for in-flight handlers.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

func without(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}
