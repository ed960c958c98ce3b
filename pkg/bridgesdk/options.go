package bridgesdk

import (
	"log/slog"
	"time"
)

// Option configures an Agent.
type Option func(*Agent)

// WithPeers sets the static peer table (agent id to base URL).
func WithPeers(peers map[string]string) Option {
	return func(a *Agent) {
		for id, addr := range peers {
			a.peers[id] = addr
		}
	}
}

// WithAddr sets the listen address for ListenAndServe.
func WithAddr(addr string) Option {
	return func(a *Agent) { a.addr = addr }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithDeliveryTimeout bounds each outbound peer call.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(a *Agent) { a.deliveryTimeout = d }
}

// WithConversationLimits stops automated exchanges after maxExchanges
// replies or when an inbound message contains a stop keyword.
func WithConversationLimits(maxExchanges int, stopKeywords ...string) Option {
	return func(a *Agent) {
		a.conversation.Enabled = true
		a.conversation.MaxExchanges = maxExchanges
		a.conversation.StopKeywords = stopKeywords
	}
}

// WithDescription sets the capability facts served at GET /a2a.
func WithDescription(description, domain string, capabilities ...string) Option {
	return func(a *Agent) {
		a.facts.Description = description
		a.facts.Domain = domain
		a.facts.Capabilities = capabilities
	}
}
