package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/tracer"
	"agentbridge/internal/usecase/bridge"
)

type answer struct {
	text    string
	elapsed time.Duration
	ok      bool
}

// FanOut searches every strategy and sends question, verbatim, to each
// discovered agent. Each distinct agent is asked once; its answer is
// reported under every strategy that surfaced it. A failing agent is
// recorded as an error entry and does not affect the others.
func (o *Orchestrator) FanOut(ctx context.Context, question string) (domain.FanOutResult, error) {
	ctx, span := tracer.StartSpan(ctx, "discovery.fanout")
	defer span.End()

	opts := o.mergeOptions(Options{})
	result := domain.FanOutResult{Question: question}

	start := time.Now()
	raw, err := o.deps.Search.SearchAll(ctx, question)
	result.SearchTime = time.Since(start)
	if err != nil {
		result.PerStrategy = raw
		tracer.RecordError(span, err)
		return result, err
	}

	var cands []domain.AgentScore
	order := make([]string, 0)
	records := make(map[string]*domain.AgentRecord)
	for _, sr := range raw {
		sr.Agents = o.deps.Ranker.Filter(applyFilters(sr.Agents, opts, o.deps.AgentID), *opts.MinScore, opts.Limit)
		result.PerStrategy = append(result.PerStrategy, sr)
		for _, a := range sr.Agents {
			cands = append(cands, a)
			if _, ok := records[a.AgentID]; !ok {
				records[a.AgentID] = a.Record
				order = append(order, a.AgentID)
			}
		}
	}
	span.SetAttributes(tracer.IntAttr("fanout.agents", len(order)))

	answers := o.askAll(ctx, question, order, records)

	for _, c := range cands {
		ans := answers[c.AgentID]
		in := domain.Interaction{
			AgentID:      c.AgentID,
			Strategy:     c.Strategy,
			Score:        c.Score,
			Question:     question,
			Answer:       ans.text,
			ResponseTime: ans.elapsed,
			Success:      ans.ok,
		}
		result.Interactions = append(result.Interactions, in)
	}

	for _, id := range order {
		ans := answers[id]
		o.deps.Performance.Record(domain.Interaction{AgentID: id, Success: ans.ok, ResponseTime: ans.elapsed})
	}
	o.logInteractions(ctx, result.Interactions)

	o.publish(ctx, domain.EventFanOutCompleted, map[string]any{
		"question":       question,
		"agents":         len(order),
		"interactions":   len(result.Interactions),
		"search_time_ms": result.SearchTime.Milliseconds(),
	})
	tracer.SetOK(span)
	return result, nil
}

// askAll delivers question to every agent with bounded parallelism.
func (o *Orchestrator) askAll(ctx context.Context, question string, agents []string, records map[string]*domain.AgentRecord) map[string]answer {
	out := make([]answer, len(agents))

	var g errgroup.Group
	g.SetLimit(o.deps.FanOutConcurrency)
	for i, id := range agents {
		g.Go(func() error {
			out[i] = o.ask(ctx, id, question, records[id])
			return nil
		})
	}
	_ = g.Wait()

	m := make(map[string]answer, len(agents))
	for i, id := range agents {
		m[id] = out[i]
	}
	return m
}

func (o *Orchestrator) ask(ctx context.Context, agentID, question string, rec *domain.AgentRecord) answer {
	ctx, span := tracer.StartSpan(ctx, "discovery.ask",
		trace.WithAttributes(tracer.StringAttr("peer", agentID)),
	)
	defer span.End()

	address, err := o.resolve(ctx, agentID, rec)
	if err != nil {
		tracer.RecordError(span, err)
		return answer{text: "Error: " + err.Error()}
	}
	if o.deps.Deliverer == nil {
		return answer{text: "Error: " + domain.ErrDeliveryFailure.Error()}
	}

	env := domain.Envelope{
		Role:           domain.RoleUser,
		Text:           bridge.FormatExternal(o.deps.AgentID, agentID, question),
		ConversationID: bridge.NewMessageID(),
		MessageID:      bridge.NewMessageID(),
		Metadata: map[string]string{
			domain.MetaFromAgent:   o.deps.AgentID,
			domain.MetaToAgent:     agentID,
			domain.MetaMessageType: domain.MessageTypeAgentToAgent,
		},
	}

	dctx, cancel := context.WithTimeout(ctx, o.deps.FanOutTimeout)
	defer cancel()
	start := time.Now()
	resp, err := o.deps.Deliverer.Deliver(dctx, address, env)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrDeliveryTimeout) {
			err = fmt.Errorf("%w: %w", domain.ErrDeliveryTimeout, err)
		}
		o.deps.Logger.Warn("fan-out delivery failed", "peer", agentID, "error", err)
		tracer.RecordError(span, err)
		return answer{text: "Error: " + err.Error(), elapsed: elapsed}
	}

	text := bridge.UnwrapPeerReply(agentID, resp.Text)
	if text == "" {
		text = "No response"
	}
	tracer.SetOK(span)
	return answer{text: text, elapsed: elapsed, ok: true}
}

// resolve prefers the peer resolver and falls back to the address the
// directory returned with the search hit.
func (o *Orchestrator) resolve(ctx context.Context, agentID string, rec *domain.AgentRecord) (string, error) {
	if o.deps.Resolver != nil {
		addr, err := o.deps.Resolver.Resolve(ctx, agentID)
		if err == nil {
			return addr, nil
		}
		if rec == nil || rec.Address == "" {
			return "", err
		}
	}
	if rec != nil && rec.Address != "" {
		return rec.Address, nil
	}
	return "", domain.NewSubSystemError("peer", "Orchestrator.resolve", domain.ErrPeerNotFound, agentID)
}

// logInteractions posts interactions to the directory log. Failures are
// logged and ignored.
func (o *Orchestrator) logInteractions(ctx context.Context, interactions []domain.Interaction) {
	if o.deps.Interactions == nil {
		return
	}
	for _, in := range interactions {
		if err := o.deps.Interactions.LogInteraction(ctx, in); err != nil {
			o.deps.Logger.Debug("interaction log failed", "peer", in.AgentID, "error", err)
		}
	}
}
