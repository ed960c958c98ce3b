package convstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/usecase/bridge"
)

type mockRedis struct {
	mu     sync.Mutex
	store  map[string]string
	expiry map[string]time.Duration
	failOn string
	closed bool
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		store:  make(map[string]string),
		expiry: make(map[string]time.Duration),
	}
}

func (m *mockRedis) SetNX(_ context.Context, key, value string, exp time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "setnx" {
		return false, errors.New("connection refused")
	}
	if _, exists := m.store[key]; exists {
		return false, nil
	}
	m.store[key] = value
	m.expiry[key] = exp
	return true, nil
}

func (m *mockRedis) Set(_ context.Context, key, value string, exp time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "set" {
		return errors.New("READONLY")
	}
	m.store[key] = value
	m.expiry[key] = exp
	return nil
}

func (m *mockRedis) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.store[key]
	return v, ok, nil
}

func (m *mockRedis) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.store, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *mockRedis) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestUpdateCreatesAndPersists(t *testing.T) {
	redis := newMockRedis()
	s := NewRedisStore(redis, Options{TTL: time.Hour}, testLogger())
	ctx := context.Background()

	for range 3 {
		if _, err := s.Update(ctx, "c1", func(st *domain.ConversationState) { st.ExchangeCount++ }); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	st, ok, err := s.Get(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if st.ExchangeCount != 3 || st.ConversationID != "c1" {
		t.Errorf("state = %+v", st)
	}
	if st.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
	if redis.expiry["agentbridge:conv:c1"] != time.Hour {
		t.Errorf("ttl = %v", redis.expiry["agentbridge:conv:c1"])
	}
	if _, held := redis.store["agentbridge:conv:lock:c1"]; held {
		t.Error("lock not released")
	}
}

func TestGetMissing(t *testing.T) {
	s := NewRedisStore(newMockRedis(), Options{}, testLogger())
	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("Get missing: ok=%v err=%v", ok, err)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	s := NewRedisStore(newMockRedis(), Options{LockRetry: time.Millisecond, LockAttempts: 10000}, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			if _, err := s.Update(ctx, "c", func(st *domain.ConversationState) { st.ExchangeCount++ }); err != nil {
				t.Errorf("Update: %v", err)
			}
		})
	}
	wg.Wait()

	st, _, _ := s.Get(ctx, "c")
	if st.ExchangeCount != 20 {
		t.Errorf("ExchangeCount = %d, want 20", st.ExchangeCount)
	}
}

func TestLockBusy(t *testing.T) {
	redis := newMockRedis()
	redis.store["agentbridge:conv:lock:c"] = "someone-else"
	s := NewRedisStore(redis, Options{LockRetry: time.Millisecond, LockAttempts: 3}, testLogger())

	_, err := s.Update(context.Background(), "c", func(*domain.ConversationState) {})
	if !errors.Is(err, domain.ErrConversationStore) {
		t.Fatalf("err = %v, want ErrConversationStore", err)
	}
	if redis.store["agentbridge:conv:lock:c"] != "someone-else" {
		t.Error("foreign lock must not be released")
	}
}

func TestBackendFailures(t *testing.T) {
	for _, op := range []string{"setnx", "set"} {
		redis := newMockRedis()
		redis.failOn = op
		s := NewRedisStore(redis, Options{}, testLogger())
		_, err := s.Update(context.Background(), "c", func(*domain.ConversationState) {})
		if !errors.Is(err, domain.ErrConversationStore) {
			t.Errorf("%s: err = %v", op, err)
		}
		if code := domain.ErrorCodeOf(err); code != domain.CodeConversationStore {
			t.Errorf("%s: code = %s", op, code)
		}
	}
}

func TestCorruptState(t *testing.T) {
	redis := newMockRedis()
	redis.store["agentbridge:conv:c"] = "{not json"
	s := NewRedisStore(redis, Options{}, testLogger())
	if _, _, err := s.Get(context.Background(), "c"); !errors.Is(err, domain.ErrConversationStore) {
		t.Fatalf("err = %v", err)
	}
}

// A store failure makes the controller suppress the reply.
func TestControllerSuppressesOnStoreFailure(t *testing.T) {
	redis := newMockRedis()
	redis.failOn = "set"
	store := NewRedisStore(redis, Options{}, testLogger())
	ctrl := bridge.NewConversationController(bridge.ConversationPolicy{Enabled: true, MaxExchanges: 5}, store, nil, "a", testLogger())

	if ctrl.ShouldRespond(context.Background(), "hello", "c") {
		t.Error("ShouldRespond = true on store failure")
	}
}

func TestControllerStopsViaRedis(t *testing.T) {
	store := NewRedisStore(newMockRedis(), Options{}, testLogger())
	ctrl := bridge.NewConversationController(bridge.ConversationPolicy{Enabled: true, MaxExchanges: 2}, store, nil, "a", testLogger())
	ctx := context.Background()

	got := []bool{
		ctrl.ShouldRespond(ctx, "one", "c"),
		ctrl.ShouldRespond(ctx, "two", "c"),
		ctrl.ShouldRespond(ctx, "three", "c"),
		ctrl.ShouldRespond(ctx, "four", "c"),
	}
	want := []bool{true, true, false, false}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("exchange %d: ShouldRespond = %v, want %v", i+1, got[i], want[i])
		}
	}
}

func TestClose(t *testing.T) {
	redis := newMockRedis()
	if err := NewRedisStore(redis, Options{}, testLogger()).Close(); err != nil {
		t.Fatal(err)
	}
	if !redis.closed {
		t.Error("client not closed")
	}
}

func TestNewTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		tok := newToken()
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}
