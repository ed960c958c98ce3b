package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/tracer"
)

// discardLogger returns a no-op logger for components created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DefaultDeliveryTimeout bounds a single directed delivery.
const DefaultDeliveryTimeout = 30 * time.Second

// Reply texts shared with the transports.
const (
	DirectedUsage    = "Usage: @agent_id your message"
	ToolUsage        = "Usage: #registry:server your query"
	DiscoveryMissing = "Agent discovery not available. Directory connection required."
	ToolsMissing     = "Capability tools not available. Directory connection required."
)

// SearchUsage is the reply to an empty "?" query.
const SearchUsage = "Usage: ? <search query>\n" +
	"Structure-specific: ?keywords <query> | ?description <query> | ?embedding <query>\n" +
	"Examples:\n" +
	"  ? Who can help me analyze sales data?\n" +
	"  ?keywords machine learning python\n" +
	"  ?description agent that books travel\n" +
	"  ?embedding summarize legal contracts"

// Discovery answers "?" queries with rendered text.
type Discovery interface {
	// Ask fans question out to every discovered agent and renders the answers.
	// On error the returned text, when not empty, follows the error message.
	Ask(ctx context.Context, question string) (string, error)
	// Find runs a single strategy and renders the ranked candidates.
	Find(ctx context.Context, strategy domain.Strategy, query string) (string, error)
}

// CapabilityTool executes "#registry:server query" commands.
type CapabilityTool interface {
	Call(ctx context.Context, registry, server, query string) (string, error)
}

// RouterDeps holds the collaborators of a Router. Only AgentID is required.
type RouterDeps struct {
	AgentID         string
	Respond         domain.ResponseFunc
	Resolver        domain.PeerResolver
	Deliverer       domain.Deliverer
	Conversations   *ConversationController
	Commands        *CommandRegistry
	Discovery       Discovery
	Tools           CapabilityTool
	Bus             domain.EventBus
	Logger          *slog.Logger
	DeliveryTimeout time.Duration
}

// Router classifies inbound envelopes and dispatches them. Every outcome,
// including failures, is rendered as a reply envelope.
type Router struct {
	deps RouterDeps
}

// NewRouter creates a Router, filling unset optional dependencies.
func NewRouter(deps RouterDeps) *Router {
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	if deps.Respond == nil {
		deps.Respond = func(context.Context, string, string) (string, error) {
			return "", domain.ErrNoResponse
		}
	}
	if deps.Conversations == nil {
		deps.Conversations = NewConversationController(ConversationPolicy{}, nil, deps.Bus, deps.AgentID, deps.Logger)
	}
	if deps.Commands == nil {
		deps.Commands = NewCommandRegistry(nil)
	}
	if deps.DeliveryTimeout <= 0 {
		deps.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return &Router{deps: deps}
}

// AgentID returns the identity this router answers for.
func (r *Router) AgentID() string { return r.deps.AgentID }

// Commands returns the command registry for handler registration.
func (r *Router) Commands() *CommandRegistry { return r.deps.Commands }

// reply is the outcome of one dispatch branch.
type reply struct {
	text       string
	suppressed bool
	err        error
}

// Handle routes one inbound envelope and returns the reply envelope. It
// never panics.
func (r *Router) Handle(ctx context.Context, env domain.Envelope) (out domain.Envelope) {
	if env.ConversationID == "" {
		env.ConversationID = NewMessageID()
	}
	kind := Classify(env.Text)

	ctx, span := tracer.StartSpan(ctx, "router.handle",
		trace.WithAttributes(
			tracer.StringAttr("agent_id", r.deps.AgentID),
			tracer.StringAttr("message.kind", kind.String()),
		),
	)
	defer span.End()

	r.publish(ctx, domain.EventMessageReceived, env.ConversationID, map[string]any{
		"kind":       kind.String(),
		"from_agent": env.Meta(domain.MetaFromAgent),
		"message_id": env.MessageID,
	})

	defer func() {
		if p := recover(); p != nil {
			r.deps.Logger.Error("router panic recovered",
				"agent_id", r.deps.AgentID,
				"conversation_id", env.ConversationID,
				"panic", p,
			)
			tracer.RecordError(span, fmt.Errorf("panic: %v", p))
			out = r.buildReply(ctx, env, reply{text: fmt.Sprintf("Error: %v", p)})
		}
	}()

	var res reply
	switch kind {
	case KindExternal:
		res = r.handleExternal(ctx, env)
	case KindDirected:
		res = r.handleDirected(ctx, env)
	case KindTool:
		res = r.handleTool(ctx, env)
	case KindCommand:
		res = r.handleCommand(ctx, env)
	case KindSearch:
		res = r.handleSearch(ctx, env)
	default:
		res = r.handlePlain(ctx, env)
	}

	if res.err != nil {
		tracer.RecordError(span, res.err)
	} else {
		tracer.SetOK(span)
	}
	return r.buildReply(ctx, env, res)
}

func (r *Router) buildReply(ctx context.Context, in domain.Envelope, res reply) domain.Envelope {
	meta := map[string]string{domain.MetaFromAgent: r.deps.AgentID}
	if res.suppressed {
		meta[domain.MetaSuppressed] = "true"
	}
	if res.err != nil {
		meta[domain.MetaErrorCode] = string(domain.ErrorCodeOf(res.err))
	}
	if to := in.Meta(domain.MetaFromAgent); to != "" {
		meta[domain.MetaToAgent] = to
	}
	out := domain.Envelope{
		Role:           domain.RoleAgent,
		Text:           "[" + r.deps.AgentID + "] " + res.text,
		ConversationID: in.ConversationID,
		ParentID:       in.MessageID,
		MessageID:      NewMessageID(),
		Metadata:       meta,
	}
	r.publish(ctx, domain.EventMessageSent, out.ConversationID, map[string]any{
		"message_id": out.MessageID,
		"parent_id":  out.ParentID,
		"suppressed": res.suppressed,
		"error_code": meta[domain.MetaErrorCode],
	})
	return out
}

// handleExternal answers a wrapped message from another agent, subject to
// conversation control.
func (r *Router) handleExternal(ctx context.Context, env domain.Envelope) reply {
	from, _, payload, err := ParseExternal(env.Text)
	if err != nil {
		r.deps.Logger.Warn("malformed agent message",
			"conversation_id", env.ConversationID,
			"error", err,
			"error_code", domain.ErrorCodeOf(err),
		)
		return reply{text: "Malformed agent message: " + err.Error(), err: err}
	}

	if !r.deps.Conversations.ShouldRespond(ctx, payload, env.ConversationID) {
		r.deps.Logger.Info("reply suppressed by conversation control",
			"peer", from,
			"conversation_id", env.ConversationID,
		)
		r.publish(ctx, domain.EventReplySuppressed, env.ConversationID, map[string]any{"peer": from})
		return reply{
			text:       fmt.Sprintf("Message from %s received; conversation %s is closed, no reply sent", from, env.ConversationID),
			suppressed: true,
		}
	}

	out, err := r.respond(ctx, payload, env.ConversationID)
	switch {
	case errors.Is(err, domain.ErrNoResponse):
		return reply{text: fmt.Sprintf("Message from %s received, no reply sent", from), suppressed: true}
	case err != nil:
		r.deps.Logger.Error("response callback failed",
			"peer", from,
			"conversation_id", env.ConversationID,
			"error", err,
		)
		return reply{text: fmt.Sprintf("Error processing message from %s: %v", from, err), err: err}
	}
	return reply{text: FormatExternal(r.deps.AgentID, from, out)}
}

// handleDirected forwards "@id text" to a peer and relays its answer.
func (r *Router) handleDirected(ctx context.Context, env domain.Envelope) reply {
	peerID, payload, ok := ParseDirected(env.Text)
	if !ok {
		return reply{text: DirectedUsage, err: domain.NewDomainError("Router.Directed", domain.ErrMalformedEnvelope, "directed message syntax")}
	}
	answer, err := r.SendToPeer(ctx, peerID, payload, env.ConversationID)
	if err != nil {
		return reply{text: DeliveryErrorText(peerID, err), err: err}
	}
	return reply{text: answer}
}

// SendToPeer wraps text for peerID, delivers it and returns the peer's
// answer as "[peer] reply". The payload is never altered.
func (r *Router) SendToPeer(ctx context.Context, peerID, text, conversationID string) (string, error) {
	if r.deps.Resolver == nil || r.deps.Deliverer == nil {
		return "", domain.NewSubSystemError("peer", "Router.SendToPeer", domain.ErrPeerNotFound, peerID)
	}
	if conversationID == "" {
		conversationID = NewMessageID()
	}

	address, err := r.deps.Resolver.Resolve(ctx, peerID)
	if err != nil {
		r.deps.Logger.Warn("peer not resolved", "peer", peerID, "error", err)
		r.publish(ctx, domain.EventPeerNotFound, conversationID, map[string]any{"peer": peerID})
		return "", err
	}

	out := domain.Envelope{
		Role:           domain.RoleUser,
		Text:           FormatExternal(r.deps.AgentID, peerID, text),
		ConversationID: conversationID,
		MessageID:      NewMessageID(),
		Metadata: map[string]string{
			domain.MetaFromAgent:   r.deps.AgentID,
			domain.MetaToAgent:     peerID,
			domain.MetaMessageType: domain.MessageTypeAgentToAgent,
		},
	}

	dctx, cancel := context.WithTimeout(ctx, r.deps.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	resp, err := r.deps.Deliverer.Deliver(dctx, address, out)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrDeliveryTimeout) {
			err = domain.NewSubSystemError("delivery", "Router.SendToPeer", domain.ErrDeliveryTimeout, peerID)
		}
		r.deps.Logger.Warn("delivery failed",
			"peer", peerID,
			"address", address,
			"error", err,
			"error_code", domain.ErrorCodeOf(err),
		)
		r.publish(ctx, domain.EventDeliveryFailed, conversationID, map[string]any{
			"peer":       peerID,
			"error":      err.Error(),
			"error_code": domain.ErrorCodeOf(err),
		})
		return "", err
	}

	r.deps.Logger.Debug("delivered to peer", "peer", peerID, "elapsed", elapsed)
	r.publish(ctx, domain.EventMessageDelivered, conversationID, map[string]any{
		"peer":       peerID,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return "[" + peerID + "] " + UnwrapPeerReply(peerID, resp.Text), nil
}

// UnwrapPeerReply strips the peer's "[id] " prefix and, when the rest is a
// wrapper, returns its payload. A peer reached through an alias signs with
// its own id, so any single "[...] " token in front of a wrapper is also
// dropped. Anything else is returned unchanged.
func UnwrapPeerReply(peerID, text string) string {
	body := strings.TrimPrefix(text, "["+peerID+"] ")
	if body == text && strings.HasPrefix(text, "[") {
		if i := strings.Index(text, "] "); i > 1 && IsExternal(text[i+2:]) {
			body = text[i+2:]
		}
	}
	if IsExternal(body) {
		if _, _, payload, err := ParseExternal(body); err == nil {
			return payload
		}
	}
	return body
}

// DeliveryErrorText renders a directed-delivery failure for the caller.
func DeliveryErrorText(peerID string, err error) string {
	switch {
	case errors.Is(err, domain.ErrPeerNotFound):
		return fmt.Sprintf("Agent %s not found", peerID)
	case errors.Is(err, domain.ErrDeliveryTimeout):
		return fmt.Sprintf("Error sending to %s: %v", peerID, domain.ErrDeliveryTimeout)
	default:
		return fmt.Sprintf("Error sending to %s: %v", peerID, err)
	}
}

func (r *Router) handleTool(ctx context.Context, env domain.Envelope) reply {
	registry, server, query, ok := ParseToolCommand(env.Text)
	if !ok {
		return reply{text: ToolUsage, err: domain.NewDomainError("Router.Tool", domain.ErrInvalidInput, "tool command syntax")}
	}
	if r.deps.Tools == nil {
		return reply{text: ToolsMissing, err: domain.ErrDisabled}
	}
	out, err := r.deps.Tools.Call(ctx, registry, server, query)
	r.publish(ctx, domain.EventCapabilityToolCall, env.ConversationID, map[string]any{
		"registry": registry,
		"server":   server,
		"success":  err == nil,
	})
	if err != nil {
		r.deps.Logger.Warn("capability tool failed",
			"registry", registry,
			"server", server,
			"error", err,
		)
		return reply{text: "Capability tool error: " + err.Error(), err: err}
	}
	return reply{text: out}
}

func (r *Router) handleCommand(ctx context.Context, env domain.Envelope) reply {
	name, args := ParseCommand(env.Text)
	out, err := r.deps.Commands.Execute(ctx, name, args, env.ConversationID)
	r.publish(ctx, domain.EventCommandExecuted, env.ConversationID, map[string]any{
		"command": name,
		"success": err == nil,
	})
	switch {
	case errors.Is(err, domain.ErrCommandNotFound):
		return reply{text: UnknownCommandText(name), err: err}
	case err != nil:
		r.deps.Logger.Warn("command failed", "command", name, "error", err)
		return reply{text: fmt.Sprintf("Error executing /%s: %v", name, err), err: err}
	}
	return reply{text: out}
}

func (r *Router) handleSearch(ctx context.Context, env domain.Envelope) reply {
	strategy, query := ParseSearch(env.Text)
	if query == "" {
		return reply{text: SearchUsage}
	}
	if r.deps.Discovery == nil {
		return reply{text: DiscoveryMissing, err: domain.ErrDirectoryUnavailable}
	}

	var (
		out string
		err error
	)
	if strategy == "" {
		out, err = r.deps.Discovery.Ask(ctx, query)
	} else {
		out, err = r.deps.Discovery.Find(ctx, strategy, query)
	}
	if err != nil {
		r.deps.Logger.Warn("discovery failed",
			"strategy", string(strategy),
			"error", err,
			"error_code", domain.ErrorCodeOf(err),
		)
		text := "Error during search: " + err.Error()
		if out != "" {
			text += "\n\n" + out
		}
		return reply{text: text, err: err}
	}
	return reply{text: out}
}

func (r *Router) handlePlain(ctx context.Context, env domain.Envelope) reply {
	out, err := r.respond(ctx, env.Text, env.ConversationID)
	switch {
	case errors.Is(err, domain.ErrNoResponse):
		return reply{suppressed: true}
	case err != nil:
		r.deps.Logger.Error("response callback failed",
			"conversation_id", env.ConversationID,
			"error", err,
		)
		return reply{text: "Error processing message: " + err.Error(), err: err}
	}
	return reply{text: out}
}

// respond invokes the response callback, converting panics and failures
// into errors wrapping ErrCallbackFailure.
func (r *Router) respond(ctx context.Context, text, conversationID string) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.NewDomainError("Router.Respond", domain.ErrCallbackFailure, fmt.Sprintf("panic: %v", p))
		}
	}()
	out, err = r.deps.Respond(ctx, text, conversationID)
	if err != nil && !errors.Is(err, domain.ErrNoResponse) && !errors.Is(err, domain.ErrCallbackFailure) {
		err = fmt.Errorf("%w: %w", domain.ErrCallbackFailure, err)
	}
	return out, err
}

func (r *Router) publish(ctx context.Context, typ domain.EventType, conversationID string, payload any) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(ctx, domain.NewEvent(typ, r.deps.AgentID, conversationID, payload))
}

// NewMessageID returns a new ULID string.
func NewMessageID() string {
	return ulid.Make().String()
}
