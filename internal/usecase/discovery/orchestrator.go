package discovery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/tracer"
)

// Options tunes a discovery call.
type Options struct {
	Limit         int     // per strategy and for the merged list
	MinScore      *float64 // results below are discarded; nil inherits the default
	ExcludeAgents []string
	Domain        string             // keep only agents in this domain
	Status        domain.AgentStatus // keep only agents with this status
}

// Defaults for Options fields left zero.
const (
	DefaultLimit    = 5
	DefaultMinScore = 0.3
)

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.MinScore == nil || *o.MinScore < 0 {
		o.MinScore = MinScore(DefaultMinScore)
	}
	return o
}

// MinScore returns a threshold for Options.MinScore. MinScore(0) keeps
// every result.
func MinScore(v float64) *float64 { return &v }

// InteractionLogger records fan-out interactions, typically in the
// directory's log.
type InteractionLogger interface {
	LogInteraction(ctx context.Context, in domain.Interaction) error
}

// OrchestratorDeps wires an Orchestrator. Search is required.
type OrchestratorDeps struct {
	AgentID      string
	Analyzer     *Analyzer
	Search       *SearchClient
	Ranker       *Ranker
	Performance  *PerformanceTracker
	Resolver     domain.PeerResolver
	Deliverer    domain.Deliverer
	Interactions InteractionLogger
	Bus          domain.EventBus
	Logger       *slog.Logger
	Defaults     Options
	// FanOutConcurrency bounds parallel deliveries; default 5.
	FanOutConcurrency int
	// FanOutTimeout bounds each delivery; default 30s.
	FanOutTimeout time.Duration
}

// Orchestrator combines analysis, search and ranking into discovery
// calls, and asks discovered agents questions on the caller's behalf.
type Orchestrator struct {
	deps OrchestratorDeps
}

// NewOrchestrator creates an Orchestrator, filling unset dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	if deps.Analyzer == nil {
		deps.Analyzer = NewAnalyzer()
	}
	if deps.Performance == nil {
		deps.Performance = NewPerformanceTracker()
	}
	if deps.Ranker == nil {
		deps.Ranker = NewRanker(deps.Performance)
	}
	if deps.FanOutConcurrency <= 0 {
		deps.FanOutConcurrency = 5
	}
	if deps.FanOutTimeout <= 0 {
		deps.FanOutTimeout = 30 * time.Second
	}
	deps.Defaults = deps.Defaults.withDefaults()
	return &Orchestrator{deps: deps}
}

// Discover runs every strategy and returns the merged recommendation.
func (o *Orchestrator) Discover(ctx context.Context, query string, opts Options) (domain.DiscoveryResult, error) {
	return o.discover(ctx, query, opts, domain.Strategies...)
}

// DiscoverStrategy is Discover restricted to one strategy.
func (o *Orchestrator) DiscoverStrategy(ctx context.Context, strategy domain.Strategy, query string, opts Options) (domain.DiscoveryResult, error) {
	return o.discover(ctx, query, opts, strategy)
}

func (o *Orchestrator) discover(ctx context.Context, query string, opts Options, strategies ...domain.Strategy) (domain.DiscoveryResult, error) {
	ctx, span := tracer.StartSpan(ctx, "discovery.discover",
		trace.WithAttributes(tracer.IntAttr("strategies", len(strategies))),
	)
	defer span.End()

	opts = o.mergeOptions(opts)
	start := time.Now()
	analysis := o.deps.Analyzer.Analyze(query)
	result := domain.DiscoveryResult{TaskAnalysis: analysis}

	raw, err := o.deps.Search.SearchAll(ctx, query, strategies...)
	result.SearchTime = time.Since(start)
	if err != nil {
		result.PerStrategy = raw
		result.RecommendedAgents = []domain.AgentScore{}
		result.Suggestions = Suggestions(analysis)
		tracer.RecordError(span, err)
		return result, err
	}

	seen := make(map[string]bool)
	perStrategy := make([]domain.StrategyResult, len(raw))
	lists := make([][]domain.AgentScore, len(raw))
	for i, sr := range raw {
		for _, a := range sr.Agents {
			seen[a.AgentID] = true
		}
		kept := o.deps.Ranker.Filter(applyFilters(sr.Agents, opts, o.deps.AgentID), *opts.MinScore, opts.Limit)
		for j := range kept {
			kept[j] = o.deps.Ranker.Annotate(kept[j], analysis)
		}
		sr.Agents = kept
		perStrategy[i] = sr
		lists[i] = kept
	}

	merged := o.deps.Ranker.Merge(lists...)
	if len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}
	if merged == nil {
		merged = []domain.AgentScore{}
	}

	result.PerStrategy = perStrategy
	result.RecommendedAgents = merged
	result.TotalAgentsEvaluated = len(seen)
	if len(merged) == 0 {
		result.Suggestions = Suggestions(analysis)
	}
	result.SearchTime = time.Since(start)

	o.publish(ctx, domain.EventDiscoveryCompleted, map[string]any{
		"query":            query,
		"recommended":      len(merged),
		"evaluated":        result.TotalAgentsEvaluated,
		"search_time_ms":   result.SearchTime.Milliseconds(),
		"strategies":       strategies,
		"degraded_reasons": degraded(raw),
	})
	o.deps.Logger.Info("discovery completed",
		"recommended", len(merged),
		"evaluated", result.TotalAgentsEvaluated,
		"elapsed", result.SearchTime,
	)
	tracer.SetOK(span)
	return result, nil
}

func (o *Orchestrator) mergeOptions(opts Options) Options {
	d := o.deps.Defaults
	if opts.Limit <= 0 {
		opts.Limit = d.Limit
	}
	if opts.MinScore == nil || *opts.MinScore < 0 {
		opts.MinScore = d.MinScore
	}
	if opts.Domain == "" {
		opts.Domain = d.Domain
	}
	if opts.Status == "" {
		opts.Status = d.Status
	}
	opts.ExcludeAgents = append(append([]string(nil), d.ExcludeAgents...), opts.ExcludeAgents...)
	return opts
}

// applyFilters drops excluded agents, the caller itself, and agents that
// fail the domain or status filters.
func applyFilters(list []domain.AgentScore, opts Options, self string) []domain.AgentScore {
	exclude := make(map[string]bool, len(opts.ExcludeAgents)+1)
	for _, id := range opts.ExcludeAgents {
		exclude[id] = true
	}
	if self != "" {
		exclude[self] = true
	}
	out := make([]domain.AgentScore, 0, len(list))
	for _, s := range list {
		if exclude[s.AgentID] {
			continue
		}
		var rec domain.AgentRecord
		if s.Record != nil {
			rec = *s.Record
		}
		if opts.Domain != "" && !strings.EqualFold(rec.Domain, opts.Domain) {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		out = append(out, s)
	}
	return out
}

func degraded(results []domain.StrategyResult) map[string]string {
	out := make(map[string]string)
	for _, r := range results {
		if r.Err != nil {
			out[string(r.Strategy)] = r.Err.Error()
		}
	}
	return out
}

// Suggestions returns advice for an empty discovery result.
func Suggestions(analysis domain.TaskAnalysis) []string {
	out := []string{
		"No agents found matching your requirements",
		"Try searching for agents with '" + analysis.Domain + "' domain expertise",
		"Consider breaking down your task into smaller components",
		"Check if your required capabilities are too specific",
	}
	switch analysis.TaskType {
	case "data_analysis":
		out = append(out, "For data analysis tasks, ensure agents have visualization capabilities")
	case "automation":
		out = append(out, "For automation, look for agents with workflow management features")
	}
	return out
}

// Ask implements bridge.Discovery: fan-out and render. When the search
// itself fails the text carries suggestions alongside the error.
func (o *Orchestrator) Ask(ctx context.Context, question string) (string, error) {
	res, err := o.FanOut(ctx, question)
	if err != nil {
		return FormatSuggestions(Suggestions(o.deps.Analyzer.Analyze(question))), err
	}
	return FormatFanOut(res), nil
}

// Find implements bridge.Discovery: single-strategy discovery, rendered.
func (o *Orchestrator) Find(ctx context.Context, strategy domain.Strategy, query string) (string, error) {
	res, err := o.DiscoverStrategy(ctx, strategy, query, Options{})
	if err != nil {
		return FormatSuggestions(res.Suggestions), err
	}
	return FormatDiscovery(query, strategy, res), nil
}

// ExplainQuery runs a full discovery and renders the explanation report.
func (o *Orchestrator) ExplainQuery(ctx context.Context, query string) (string, error) {
	res, err := o.Discover(ctx, query, Options{})
	if err != nil {
		return Explain(res) + "\n\nSearch error: " + err.Error(), nil
	}
	return Explain(res), nil
}

func (o *Orchestrator) publish(ctx context.Context, typ domain.EventType, payload any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(ctx, domain.NewEvent(typ, o.deps.AgentID, "", payload))
}
