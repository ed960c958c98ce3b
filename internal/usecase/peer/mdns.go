//go:build mdns

package peer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"agentbridge/internal/domain"
)

const (
	mdnsServiceType = "_a2a-agent._tcp"
	mdnsDomain      = "local."
	mdnsScanTimeout = 3 * time.Second
)

// MDNS resolves and advertises agents on the local network via DNS-SD.
type MDNS struct {
	logger      *slog.Logger
	scanTimeout time.Duration
}

// NewMDNS creates an MDNS resolver.
func NewMDNS(logger *slog.Logger) *MDNS {
	if logger == nil {
		logger = discardLogger()
	}
	return &MDNS{logger: logger, scanTimeout: mdnsScanTimeout}
}

// Scan browses the network for advertised agents.
func (m *MDNS) Scan(ctx context.Context) ([]domain.AgentRecord, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu      sync.Mutex
		records []domain.AgentRecord
		wg      sync.WaitGroup
	)

	scanCtx, cancel := context.WithTimeout(ctx, m.scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			rec := entryToRecord(entry)
			if rec.AgentID == "" || rec.Address == "" {
				continue
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			m.logger.Debug("mdns discovered agent", "agent_id", rec.AgentID, "address", rec.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	out := make([]domain.AgentRecord, len(records))
	copy(out, records)
	return out, nil
}

// Resolve implements domain.PeerResolver by scanning for agentID.
func (m *MDNS) Resolve(ctx context.Context, agentID string) (string, error) {
	records, err := m.Scan(ctx)
	if err != nil {
		return "", domain.WrapOp("MDNS.Resolve", err)
	}
	for _, rec := range records {
		if rec.AgentID == agentID {
			return rec.Address, nil
		}
	}
	return "", domain.NewSubSystemError("peer", "MDNS.Resolve", domain.ErrPeerNotFound, agentID)
}

// Advertise registers this agent on the local network and blocks until
// ctx is cancelled. Call it in a goroutine.
func (m *MDNS) Advertise(ctx context.Context, agentID string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata)+1)
	txt = append(txt, "id="+agentID)
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}

	server, err := zeroconf.Register(agentID, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	m.logger.Info("mdns advertising", "agent_id", agentID, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToRecord(entry *zeroconf.ServiceEntry) domain.AgentRecord {
	var host string
	if len(entry.AddrIPv4) > 0 {
		host = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		host = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}

	meta := parseTXTRecords(entry.Text)
	id := meta["id"]
	if id == "" {
		id = entry.ServiceRecord.Instance
	}
	scheme := meta["scheme"]
	if scheme == "" {
		scheme = "http"
	}

	rec := domain.AgentRecord{
		AgentID:     id,
		Domain:      meta["domain"],
		Description: meta["description"],
		Status:      domain.AgentStatusOnline,
	}
	if host != "" {
		rec.Address = scheme + "://" + host
	}
	if caps := meta["capabilities"]; caps != "" {
		rec.Capabilities = strings.Split(caps, ",")
	}
	return rec
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
