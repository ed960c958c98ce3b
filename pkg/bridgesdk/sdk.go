// Package bridgesdk embeds an agent bridge in a host application.
//
// The host supplies a ResponseFunc; the SDK handles envelopes, peer
// messaging, commands and conversation limits, and can serve the A2A
// HTTP endpoints itself.
//
// Example:
//
//	agent := bridgesdk.New("weather-bot",
//	    func(ctx context.Context, text, conversationID string) (string, error) {
//	        return "It is sunny.", nil
//	    },
//	    bridgesdk.WithAddr(":6000"),
//	    bridgesdk.WithPeers(map[string]string{"news-bot": "http://localhost:6001"}),
//	)
//	agent.RegisterCommand("units", "Show measurement units", func(ctx context.Context, args, _ string) (string, error) {
//	    return "metric", nil
//	})
//	err := agent.ListenAndServe(ctx)
package bridgesdk

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"agentbridge/internal/adapter/a2a"
	"agentbridge/internal/domain"
	"agentbridge/internal/usecase/bridge"
	"agentbridge/internal/usecase/peer"
)

// Envelope is the message unit exchanged with the bridge.
type Envelope = domain.Envelope

// ResponseFunc produces the host's reply. Returning ErrNoResponse
// suppresses the reply.
type ResponseFunc = domain.ResponseFunc

// CommandFunc handles "/name args".
type CommandFunc = domain.CommandFunc

// ErrNoResponse tells the bridge not to reply.
var ErrNoResponse = domain.ErrNoResponse

// Agent is an embeddable bridge endpoint.
type Agent struct {
	id              string
	addr            string
	peers           map[string]string
	deliveryTimeout time.Duration
	conversation    bridge.ConversationPolicy
	facts           domain.AgentFacts
	logger          *slog.Logger

	router *bridge.Router
	server *a2a.Server
}

// New creates an Agent answering with respond.
func New(agentID string, respond ResponseFunc, opts ...Option) *Agent {
	a := &Agent{
		id:              agentID,
		addr:            ":6000",
		peers:           make(map[string]string),
		deliveryTimeout: bridge.DefaultDeliveryTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.facts.AgentID = agentID

	a.router = bridge.NewRouter(bridge.RouterDeps{
		AgentID:         agentID,
		Respond:         respond,
		Resolver:        peer.NewStaticResolver(a.peers),
		Deliverer:       a2a.NewClient(a.deliveryTimeout, a.logger),
		Conversations:   bridge.NewConversationController(a.conversation, nil, nil, agentID, a.logger),
		Commands:        bridge.NewCommandRegistry(a.status),
		Logger:          a.logger,
		DeliveryTimeout: a.deliveryTimeout,
	})
	a.server = a2a.NewServer(a2a.ServerConfig{Addr: a.addr}, a2a.ServerDeps{
		Handler: a.router,
		Facts:   a.facts,
		Logger:  a.logger,
	})
	return a
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// Handle routes one envelope and returns the reply.
func (a *Agent) Handle(ctx context.Context, env Envelope) Envelope {
	return a.router.Handle(ctx, env)
}

// Ask routes plain text as if a user had typed it and returns the reply
// text.
func (a *Agent) Ask(ctx context.Context, text, conversationID string) string {
	if conversationID == "" {
		conversationID = bridge.NewMessageID()
	}
	reply := a.router.Handle(ctx, Envelope{
		Role:           domain.RoleUser,
		Text:           text,
		ConversationID: conversationID,
		MessageID:      bridge.NewMessageID(),
	})
	return reply.Text
}

// Send delivers text to a peer and returns its reply.
func (a *Agent) Send(ctx context.Context, peerID, text string) (string, error) {
	return a.router.SendToPeer(ctx, peerID, text, "")
}

// RegisterCommand adds a "/name" command.
func (a *Agent) RegisterCommand(name, summary string, fn CommandFunc) {
	a.router.Commands().RegisterWithSummary(name, summary, fn)
}

// Handler returns the HTTP handler serving the A2A endpoints.
func (a *Agent) Handler(ctx context.Context) http.Handler {
	return a.server.Handler(ctx)
}

// ListenAndServe serves until ctx is cancelled.
func (a *Agent) ListenAndServe(ctx context.Context) error {
	return a.server.Start(ctx)
}

// Addr returns the bound address once ListenAndServe is running.
func (a *Agent) Addr() string { return a.server.BoundAddr() }

func (a *Agent) status() string {
	return fmt.Sprintf("Agent %s: %d static peers", a.id, len(a.peers))
}
