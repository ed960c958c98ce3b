package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"agentbridge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// StaticResolver resolves ids from a fixed table set at construction.
type StaticResolver struct {
	peers map[string]string
}

// NewStaticResolver copies peers into a read-only table.
func NewStaticResolver(peers map[string]string) *StaticResolver {
	m := make(map[string]string, len(peers))
	for id, addr := range peers {
		if id != "" && addr != "" {
			m[id] = addr
		}
	}
	return &StaticResolver{peers: m}
}

// Resolve implements domain.PeerResolver.
func (s *StaticResolver) Resolve(_ context.Context, agentID string) (string, error) {
	if addr, ok := s.peers[agentID]; ok {
		return addr, nil
	}
	return "", domain.NewSubSystemError("peer", "StaticResolver.Resolve", domain.ErrPeerNotFound, agentID)
}

// IDs returns the known peer ids, sorted.
func (s *StaticResolver) IDs() []string {
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookuper looks an agent up in a remote directory.
type Lookuper interface {
	Lookup(ctx context.Context, agentID string) (string, error)
}

// DefaultLookupTimeout bounds a single directory lookup.
const DefaultLookupTimeout = 10 * time.Second

// DirectoryResolver resolves ids through the directory service.
type DirectoryResolver struct {
	dir     Lookuper
	timeout time.Duration
}

// NewDirectoryResolver creates a resolver with the given lookup timeout.
// A non-positive timeout selects DefaultLookupTimeout.
func NewDirectoryResolver(dir Lookuper, timeout time.Duration) *DirectoryResolver {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &DirectoryResolver{dir: dir, timeout: timeout}
}

// Resolve implements domain.PeerResolver.
func (d *DirectoryResolver) Resolve(ctx context.Context, agentID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addr, err := d.dir.Lookup(ctx, agentID)
	switch {
	case err == nil && addr != "":
		return addr, nil
	case err == nil:
		return "", domain.NewSubSystemError("peer", "DirectoryResolver.Resolve", domain.ErrPeerNotFound, agentID)
	case errors.Is(err, domain.ErrPeerNotFound), errors.Is(err, domain.ErrNotFound):
		return "", domain.NewSubSystemError("peer", "DirectoryResolver.Resolve", domain.ErrPeerNotFound, agentID)
	default:
		return "", domain.WrapOp("DirectoryResolver.Resolve", err)
	}
}

// Chain consults resolvers in order; the first hit wins. Misses and
// transport errors fall through to the next resolver.
type Chain struct {
	resolvers []domain.PeerResolver
	logger    *slog.Logger
}

// NewChain creates a Chain. Nil resolvers are skipped.
func NewChain(logger *slog.Logger, resolvers ...domain.PeerResolver) *Chain {
	if logger == nil {
		logger = discardLogger()
	}
	rs := make([]domain.PeerResolver, 0, len(resolvers))
	for _, r := range resolvers {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return &Chain{resolvers: rs, logger: logger}
}

// Resolve implements domain.PeerResolver.
func (c *Chain) Resolve(ctx context.Context, agentID string) (string, error) {
	for i, r := range c.resolvers {
		addr, err := r.Resolve(ctx, agentID)
		if err == nil {
			c.logger.Debug("peer resolved", "peer", agentID, "address", addr, "source", i)
			return addr, nil
		}
		if errors.Is(err, domain.ErrPeerNotFound) {
			c.logger.Debug("peer not in source", "peer", agentID, "source", i)
			continue
		}
		c.logger.Warn("peer source failed",
			"peer", agentID,
			"source", i,
			"error", err,
			"error_code", domain.ErrorCodeOf(err),
		)
	}
	return "", domain.NewSubSystemError("peer", "Chain.Resolve", domain.ErrPeerNotFound, agentID)
}
