package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageReceived     EventType = "message.received"
	EventMessageSent         EventType = "message.sent"
	EventMessageDelivered    EventType = "message.delivered"
	EventDeliveryFailed      EventType = "message.delivery_failed"
	EventPeerNotFound        EventType = "peer.not_found"
	EventConversationStopped EventType = "conversation.stopped"
	EventReplySuppressed     EventType = "conversation.reply_suppressed"
	EventDiscoveryCompleted  EventType = "discovery.completed"
	EventFanOutCompleted     EventType = "discovery.fanout_completed"
	EventCommandExecuted     EventType = "command.executed"
	EventCapabilityToolCall  EventType = "capability.tool_called"
	EventAgentRegistered     EventType = "agent.registered"
	EventAgentDeregistered   EventType = "agent.deregistered"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	AgentID        string          `json:"agent_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. A payload that
// cannot be encoded is dropped rather than failing the publisher.
func NewEvent(typ EventType, agentID, conversationID string, payload any) Event {
	evt := Event{
		Type:           typ,
		Timestamp:      time.Now(),
		AgentID:        agentID,
		ConversationID: conversationID,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			evt.Payload = data
		}
	}
	return evt
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
