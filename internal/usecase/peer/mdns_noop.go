package peer

import (
	"context"

	"agentbridge/internal/domain"
)

// NoopLAN stands in for mDNS when it is not compiled in.
type NoopLAN struct{}

// NewNoopLAN creates a NoopLAN.
func NewNoopLAN() *NoopLAN { return &NoopLAN{} }

// Scan returns no agents.
func (NoopLAN) Scan(context.Context) ([]domain.AgentRecord, error) { return nil, nil }

// Resolve always misses.
func (NoopLAN) Resolve(_ context.Context, agentID string) (string, error) {
	return "", domain.NewSubSystemError("peer", "NoopLAN.Resolve", domain.ErrPeerNotFound, agentID)
}

// Advertise blocks until ctx is cancelled.
func (NoopLAN) Advertise(ctx context.Context, _ string, _ int, _ map[string]string) error {
	<-ctx.Done()
	return nil
}
