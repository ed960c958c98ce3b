package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"agentbridge/internal/domain"
)

// ConversationPolicy bounds automated exchanges. It is fixed at startup.
type ConversationPolicy struct {
	Enabled      bool
	MaxExchanges int // 0 = unlimited
	StopKeywords []string
}

// ConversationStore holds per-conversation state. Update must run fn
// under mutual exclusion for the given id and persist the result.
type ConversationStore interface {
	Update(ctx context.Context, conversationID string, fn func(*domain.ConversationState)) (domain.ConversationState, error)
	Get(ctx context.Context, conversationID string) (domain.ConversationState, bool, error)
}

// ConversationController decides whether the agent keeps answering
// inbound agent-to-agent messages in a conversation.
type ConversationController struct {
	policy   ConversationPolicy
	keywords []string // lowercased stop keywords
	store    ConversationStore
	bus      domain.EventBus
	agentID  string
	logger   *slog.Logger
}

// NewConversationController creates a controller. A nil store selects an
// in-memory store with default bounds.
func NewConversationController(policy ConversationPolicy, store ConversationStore, bus domain.EventBus, agentID string, logger *slog.Logger) *ConversationController {
	if store == nil {
		store = NewMemoryConversationStore(0, 0)
	}
	if logger == nil {
		logger = discardLogger()
	}
	kw := make([]string, 0, len(policy.StopKeywords))
	for _, k := range policy.StopKeywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kw = append(kw, k)
		}
	}
	return &ConversationController{
		policy:   policy,
		keywords: kw,
		store:    store,
		bus:      bus,
		agentID:  agentID,
		logger:   logger,
	}
}

// Enabled reports whether conversation controls are active.
func (c *ConversationController) Enabled() bool { return c.policy.Enabled }

// ShouldRespond advances the conversation and reports whether a reply is
// allowed. Once a conversation is stopped it stays stopped. A store
// failure suppresses the reply.
func (c *ConversationController) ShouldRespond(ctx context.Context, text, conversationID string) bool {
	if !c.policy.Enabled {
		return true
	}

	var (
		wasStopped bool
		reason     string
	)
	lower := strings.ToLower(text)
	state, err := c.store.Update(ctx, conversationID, func(s *domain.ConversationState) {
		s.ExchangeCount++
		wasStopped = s.Stopped
		if s.Stopped {
			return
		}
		if c.policy.MaxExchanges > 0 && s.ExchangeCount > c.policy.MaxExchanges {
			s.Stopped = true
			reason = "max_exchanges"
		}
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				s.Stopped = true
				reason = "stop_keyword"
				break
			}
		}
	})
	if err != nil {
		c.logger.Error("conversation store update failed, suppressing reply",
			"conversation_id", conversationID,
			"error", err,
			"error_code", domain.ErrorCodeOf(err),
		)
		return false
	}

	if state.Stopped && !wasStopped {
		c.logger.Info("conversation stopped",
			"conversation_id", conversationID,
			"reason", reason,
			"exchange_count", state.ExchangeCount,
		)
		c.publishStopped(ctx, state, reason)
	}
	return !state.Stopped
}

// State returns the tracked state for a conversation.
func (c *ConversationController) State(ctx context.Context, conversationID string) (domain.ConversationState, bool, error) {
	return c.store.Get(ctx, conversationID)
}

func (c *ConversationController) publishStopped(ctx context.Context, state domain.ConversationState, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, domain.NewEvent(domain.EventConversationStopped, c.agentID, state.ConversationID, map[string]any{
		"reason":         reason,
		"exchange_count": state.ExchangeCount,
	}))
}

// Default bounds for the in-memory store.
const (
	defaultConversationCapacity = 10000
	defaultConversationTTL      = 24 * time.Hour
)

// MemoryConversationStore keeps conversation state in an expiring LRU.
// A single mutex serializes updates; the LRU bounds memory.
type MemoryConversationStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, domain.ConversationState]
}

// NewMemoryConversationStore creates a store holding at most capacity
// conversations, each expiring ttl after its last update.
func NewMemoryConversationStore(capacity int, ttl time.Duration) *MemoryConversationStore {
	if capacity <= 0 {
		capacity = defaultConversationCapacity
	}
	if ttl <= 0 {
		ttl = defaultConversationTTL
	}
	return &MemoryConversationStore{
		cache: expirable.NewLRU[string, domain.ConversationState](capacity, nil, ttl),
	}
}

// Update implements ConversationStore.
func (m *MemoryConversationStore) Update(_ context.Context, conversationID string, fn func(*domain.ConversationState)) (domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.cache.Get(conversationID)
	if !ok {
		state = domain.ConversationState{ConversationID: conversationID}
	}
	fn(&state)
	state.UpdatedAt = time.Now()
	m.cache.Add(conversationID, state)
	return state, nil
}

// Get implements ConversationStore.
func (m *MemoryConversationStore) Get(_ context.Context, conversationID string) (domain.ConversationState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.cache.Get(conversationID)
	return state, ok, nil
}

// Len returns the number of tracked conversations.
func (m *MemoryConversationStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}
