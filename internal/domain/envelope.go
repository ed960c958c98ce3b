package domain

import (
	"encoding/json"
	"fmt"
)

// Role identifies who authored an envelope.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ContentTypeText is the only content type carried on the wire.
const ContentTypeText = "text"

// Metadata keys set by the bridge on envelopes it creates.
const (
	MetaFromAgent   = "from_agent_id"
	MetaToAgent     = "to_agent_id"
	MetaMessageType = "message_type"
	MetaSuppressed  = "suppressed"
	MetaErrorCode   = "error_code"

	MessageTypeAgentToAgent = "agent_to_agent"
)

// Envelope is a single message exchanged between agents or between a user
// and an agent. Envelopes are values; the bridge never edits Text in place.
type Envelope struct {
	Role           Role
	Text           string
	ConversationID string
	ParentID       string
	MessageID      string
	Metadata       map[string]string
}

// envelopeContent is the nested content object of the wire format.
type envelopeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// wireEnvelope mirrors the JSON shape exchanged over HTTP and websocket.
type wireEnvelope struct {
	Role           Role              `json:"role"`
	Content        envelopeContent   `json:"content"`
	ConversationID string            `json:"conversation_id"`
	ParentID       string            `json:"parent_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON encodes the envelope in wire format.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Role:           e.Role,
		Content:        envelopeContent{Type: ContentTypeText, Text: e.Text},
		ConversationID: e.ConversationID,
		ParentID:       e.ParentID,
		MessageID:      e.MessageID,
		Metadata:       e.Metadata,
	})
}

// UnmarshalJSON decodes the wire format. Role defaults to user; content
// types other than text are rejected.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Role == "" {
		w.Role = RoleUser
	}
	if w.Role != RoleUser && w.Role != RoleAgent {
		return fmt.Errorf("%w: unknown role %q", ErrMalformedEnvelope, w.Role)
	}
	if w.Content.Type != "" && w.Content.Type != ContentTypeText {
		return fmt.Errorf("%w: unsupported content type %q", ErrMalformedEnvelope, w.Content.Type)
	}
	*e = Envelope{
		Role:           w.Role,
		Text:           w.Content.Text,
		ConversationID: w.ConversationID,
		ParentID:       w.ParentID,
		MessageID:      w.MessageID,
		Metadata:       w.Metadata,
	}
	return nil
}

// Meta returns the metadata value for key, or "" when absent.
func (e Envelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// Suppressed reports whether the envelope is an acknowledgement that
// carries no callback output.
func (e Envelope) Suppressed() bool {
	return e.Meta(MetaSuppressed) == "true"
}
