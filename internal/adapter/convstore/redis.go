// Package convstore provides a Redis-backed conversation store so several
// agent processes can share exchange counts and stop flags.
package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"

	"agentbridge/internal/domain"
	"agentbridge/internal/usecase/bridge"
)

// RedisClient abstracts the Redis operations the store needs. Get reports
// a missing key as ok=false with a nil error.
type RedisClient interface {
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// Options tunes a RedisStore.
type Options struct {
	Prefix       string        // key prefix, default "agentbridge:conv:"
	TTL          time.Duration // state expiry after the last update, default 24h
	LockTTL      time.Duration // default 5s
	LockRetry    time.Duration // default 20ms
	LockAttempts int           // default 100
}

// RedisStore implements bridge.ConversationStore. Updates take a per-id
// SetNX lock, read, apply fn and write back with the TTL.
type RedisStore struct {
	client RedisClient
	opts   Options
	logger *slog.Logger
}

var _ bridge.ConversationStore = (*RedisStore)(nil)

// NewRedisStore creates a store over client.
func NewRedisStore(client RedisClient, opts Options, logger *slog.Logger) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "agentbridge:conv:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = 20 * time.Millisecond
	}
	if opts.LockAttempts <= 0 {
		opts.LockAttempts = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, opts: opts, logger: logger}
}

func (s *RedisStore) stateKey(id string) string { return s.opts.Prefix + id }
func (s *RedisStore) lockKey(id string) string  { return s.opts.Prefix + "lock:" + id }

// Update implements bridge.ConversationStore.
func (s *RedisStore) Update(ctx context.Context, conversationID string, fn func(*domain.ConversationState)) (domain.ConversationState, error) {
	const op = "RedisStore.Update"

	token, err := s.acquire(ctx, conversationID)
	if err != nil {
		return domain.ConversationState{}, storeError(op, err)
	}
	defer s.release(ctx, conversationID, token)

	state, ok, err := s.read(ctx, conversationID)
	if err != nil {
		return domain.ConversationState{}, storeError(op, err)
	}
	if !ok {
		state = domain.ConversationState{ConversationID: conversationID}
	}
	fn(&state)
	state.UpdatedAt = time.Now()

	data, err := json.Marshal(state)
	if err != nil {
		return domain.ConversationState{}, storeError(op, err)
	}
	if err := s.client.Set(ctx, s.stateKey(conversationID), string(data), s.opts.TTL); err != nil {
		return domain.ConversationState{}, storeError(op, err)
	}
	return state, nil
}

// Get implements bridge.ConversationStore.
func (s *RedisStore) Get(ctx context.Context, conversationID string) (domain.ConversationState, bool, error) {
	state, ok, err := s.read(ctx, conversationID)
	if err != nil {
		return domain.ConversationState{}, false, storeError("RedisStore.Get", err)
	}
	return state, ok, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) read(ctx context.Context, id string) (domain.ConversationState, bool, error) {
	raw, ok, err := s.client.Get(ctx, s.stateKey(id))
	if err != nil || !ok {
		return domain.ConversationState{}, false, err
	}
	var state domain.ConversationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return domain.ConversationState{}, false, fmt.Errorf("decode state %s: %w", id, err)
	}
	return state, true, nil
}

func (s *RedisStore) acquire(ctx context.Context, id string) (string, error) {
	token := newToken()
	key := s.lockKey(id)
	for range s.opts.LockAttempts {
		ok, err := s.client.SetNX(ctx, key, token, s.opts.LockTTL)
		if err != nil {
			return "", fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.opts.LockRetry):
		}
	}
	return "", fmt.Errorf("lock %s busy after %d attempts", id, s.opts.LockAttempts)
}

// release deletes the lock only while this caller still owns it.
func (s *RedisStore) release(ctx context.Context, id, token string) {
	key := s.lockKey(id)
	owner, ok, err := s.client.Get(ctx, key)
	if err != nil || !ok || owner != token {
		return
	}
	if err := s.client.Del(ctx, key); err != nil {
		s.logger.Warn("conversation lock release failed", "conversation_id", id, "error", err)
	}
}

func storeError(op string, err error) error {
	return domain.NewSubSystemError("conversation", op, domain.ErrConversationStore, err.Error())
}

func newToken() string {
	return ulid.Make().String()
}

// goRedis adapts *goredis.Client to RedisClient.
type goRedis struct {
	client *goredis.Client
}

// Dial parses a redis:// URL, applies password when set and pings the
// server.
func Dial(ctx context.Context, url, password string) (RedisClient, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, storeError("convstore.Dial", err)
	}
	if password != "" {
		opts.Password = password
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storeError("convstore.Dial", err)
	}
	return &goRedis{client: client}, nil
}

func (r *goRedis) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *goRedis) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *goRedis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *goRedis) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *goRedis) Close() error {
	return r.client.Close()
}
