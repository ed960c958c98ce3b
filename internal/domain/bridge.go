package domain

import "context"

// ResponseFunc produces the hosting application's reply to a message.
// Returning ErrNoResponse means "do not reply".
type ResponseFunc func(ctx context.Context, text, conversationID string) (string, error)

// CommandFunc handles a "/name args" system command.
type CommandFunc func(ctx context.Context, args, conversationID string) (string, error)

// Deliverer sends an envelope to a peer's directed endpoint and returns
// the peer's reply. Implementations enforce their own per-call timeout and
// map failures to ErrDeliveryTimeout or ErrDeliveryFailure.
type Deliverer interface {
	Deliver(ctx context.Context, address string, env Envelope) (Envelope, error)
}

// PeerResolver maps an agent identifier to a reachable address.
// A miss returns an error wrapping ErrPeerNotFound.
type PeerResolver interface {
	Resolve(ctx context.Context, agentID string) (string, error)
}
