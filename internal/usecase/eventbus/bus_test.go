package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentbridge/internal/domain"
)

func newTestBus(opts ...Option) *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func newEvent(t domain.EventType) domain.Event {
	return domain.NewEvent(t, "agent-a", "conv-1", nil)
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageReceived, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventMessageReceived {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageReceived))
	bus.Publish(context.Background(), newEvent(domain.EventMessageSent))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventMessageReceived))
	bus.Publish(context.Background(), newEvent(domain.EventDiscoveryCompleted))
	bus.Close()
	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestSubscribePrefix(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []domain.EventType
	bus.SubscribePrefix("discovery.", func(_ context.Context, e domain.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	bus.Publish(context.Background(), newEvent(domain.EventDiscoveryCompleted))
	bus.Publish(context.Background(), newEvent(domain.EventFanOutCompleted))
	bus.Publish(context.Background(), newEvent(domain.EventMessageSent))
	bus.Close()

	if len(seen) != 2 {
		t.Fatalf("prefix subscriber saw %v, want 2 discovery events", seen)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventMessageSent, func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsub()
	unsubAll()

	bus.Publish(context.Background(), newEvent(domain.EventMessageSent))
	bus.Close()
	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestHandlerContextOutlivesPublisher(t *testing.T) {
	bus := newTestBus()

	errCh := make(chan error, 1)
	bus.Subscribe(domain.EventMessageSent, func(ctx context.Context, _ domain.Event) {
		time.Sleep(20 * time.Millisecond)
		errCh <- ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, newEvent(domain.EventMessageSent))
	cancel()
	bus.Close()

	if err := <-errCh; err != nil {
		t.Fatalf("handler context canceled with publisher: %v", err)
	}
}

func TestPanicRecovered(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageSent, func(_ context.Context, _ domain.Event) { panic("boom") })
	bus.Subscribe(domain.EventMessageSent, func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventMessageSent))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("healthy handler not invoked")
	}
	if s := bus.Stats(); s.Panics != 1 || s.Delivered != 1 || s.Published != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestMaxInFlightDrops(t *testing.T) {
	bus := newTestBus(WithMaxInFlight(1))

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	bus.Subscribe(domain.EventMessageSent, func(_ context.Context, _ domain.Event) {
		once.Do(func() { close(started) })
		<-release
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageSent))
	<-started
	bus.Publish(context.Background(), newEvent(domain.EventMessageSent))
	close(release)
	bus.Close()

	if s := bus.Stats(); s.Dropped != 1 || s.Delivered != 1 {
		t.Fatalf("stats = %+v, want 1 dropped and 1 delivered", s)
	}
}

func TestCloseIdempotentAndRejectsPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })
	bus.Close()
	bus.Close()

	bus.Publish(context.Background(), newEvent(domain.EventMessageSent))
	if got.Load() != 0 {
		t.Fatal("publish after close should be ignored")
	}
}

func BenchmarkPublish(b *testing.B) {
	bus := newTestBus()
	bus.Subscribe(domain.EventMessageReceived, func(_ context.Context, _ domain.Event) {})
	event := newEvent(domain.EventMessageReceived)
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}
