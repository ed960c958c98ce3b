package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/usecase/bridge"
)

// statsWindow is how far back /stats counts events.
const statsWindow = 24 * time.Hour

// registerCommands adds the runtime-backed commands to reg.
func registerCommands(reg *bridge.CommandRegistry, rt *Runtime) {
	reg.RegisterWithSummary("explain", "Explain how agents are ranked for a query", func(ctx context.Context, args, _ string) (string, error) {
		if rt.Orchestrator == nil {
			return bridge.DiscoveryMissing, nil
		}
		if strings.TrimSpace(args) == "" {
			return "Usage: /explain <query>", nil
		}
		return rt.Orchestrator.ExplainQuery(ctx, args)
	})

	reg.RegisterWithSummary("peers", "List known agents", func(ctx context.Context, _, _ string) (string, error) {
		return rt.listPeers(ctx), nil
	})

	if rt.Telemetry != nil {
		reg.RegisterWithSummary("stats", "Show recent message and discovery activity", func(ctx context.Context, _, _ string) (string, error) {
			return rt.stats(ctx)
		})
	}
}

func (rt *Runtime) listPeers(ctx context.Context) string {
	var b strings.Builder

	ids := rt.static.IDs()
	fmt.Fprintf(&b, "Static peers (%d):", len(ids))
	for _, id := range ids {
		addr, _ := rt.static.Resolve(ctx, id)
		fmt.Fprintf(&b, "\n  @%s %s", id, addr)
	}

	if rt.Directory != nil {
		agents, err := rt.Directory.List(ctx)
		if err != nil {
			fmt.Fprintf(&b, "\nDirectory: unavailable (%v)", err)
		} else {
			fmt.Fprintf(&b, "\nDirectory agents (%d):", len(agents))
			writeRecords(&b, agents)
		}
	}

	if rt.lan != nil {
		agents, err := rt.lan.Scan(ctx)
		if err != nil {
			fmt.Fprintf(&b, "\nLAN: scan failed (%v)", err)
		} else {
			fmt.Fprintf(&b, "\nLAN agents (%d):", len(agents))
			writeRecords(&b, agents)
		}
	}
	return b.String()
}

func writeRecords(b *strings.Builder, agents []domain.AgentRecord) {
	slices.SortFunc(agents, func(x, y domain.AgentRecord) int { return strings.Compare(x.AgentID, y.AgentID) })
	for _, a := range agents {
		fmt.Fprintf(b, "\n  @%s", a.AgentID)
		if a.Status != "" {
			fmt.Fprintf(b, " [%s]", a.Status)
		}
		if a.Description != "" {
			fmt.Fprintf(b, " %s", a.Description)
		}
	}
}

func (rt *Runtime) stats(ctx context.Context) (string, error) {
	counts, err := rt.Telemetry.Counts(ctx, time.Now().Add(-statsWindow))
	if err != nil {
		return "", err
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	slices.Sort(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Events in the last %s:", statsWindow)
	if len(types) == 0 {
		b.WriteString(" none")
	}
	for _, t := range types {
		fmt.Fprintf(&b, "\n  %s: %d", t, counts[domain.EventType(t)])
	}

	peers, err := rt.Telemetry.InteractionStats(ctx, 5)
	if err != nil {
		return "", err
	}
	if len(peers) > 0 {
		b.WriteString("\nMost asked agents:")
		for _, p := range peers {
			fmt.Fprintf(&b, "\n  @%s: %d asked, %.0f%% answered, avg %s",
				p.AgentID, p.Interactions, p.SuccessRate*100, p.AvgResponseTime.Round(time.Millisecond))
		}
	}
	return b.String(), nil
}
