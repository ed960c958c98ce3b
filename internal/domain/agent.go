package domain

import "time"

// AgentStatus is the availability an agent reports to the directory.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// AgentRecord is what the directory knows about an agent.
// It is supplied by the directory and read-only to the bridge.
type AgentRecord struct {
	AgentID      string      `json:"agent_id"`
	Address      string      `json:"agent_url,omitempty"`
	APIURL       string      `json:"api_url,omitempty"`
	FactsURL     string      `json:"agent_facts_url,omitempty"`
	Domain       string      `json:"domain,omitempty"`
	Description  string      `json:"description,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Status       AgentStatus `json:"status,omitempty"`
	LastSeen     *time.Time  `json:"last_seen,omitempty"`
}

// AgentFacts is the capability document an agent serves about itself.
type AgentFacts struct {
	AgentID      string            `json:"agent_id"`
	Description  string            `json:"description,omitempty"`
	Domain       string            `json:"domain,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
}

// ConversationState tracks one conversation for the Conversation Controller.
type ConversationState struct {
	ConversationID string    `json:"conversation_id"`
	ExchangeCount  int       `json:"exchange_count"`
	Stopped        bool      `json:"stopped"`
	UpdatedAt      time.Time `json:"updated_at"`
}
