package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain"
	"agentbridge/internal/usecase/bridge"
)

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) find(typ domain.EventType) (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Type == typ {
			return e, true
		}
	}
	return domain.Event{}, false
}

// recordingDeliverer answers every envelope and records what was sent.
type recordingDeliverer struct {
	mu    sync.Mutex
	sent  map[string]domain.Envelope
	fail  map[string]error
	delay time.Duration
}

func (d *recordingDeliverer) Deliver(ctx context.Context, address string, env domain.Envelope) (domain.Envelope, error) {
	d.mu.Lock()
	if d.sent == nil {
		d.sent = make(map[string]domain.Envelope)
	}
	d.sent[address] = env
	err := d.fail[address]
	d.mu.Unlock()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return domain.Envelope{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.Envelope{}, err
	}
	to := env.Metadata[domain.MetaToAgent]
	return domain.Envelope{
		Role: domain.RoleAgent,
		Text: "[" + to + "] " + bridge.FormatExternal(to, env.Metadata[domain.MetaFromAgent], "answer from "+to),
	}, nil
}

type recordingInteractions struct {
	mu   sync.Mutex
	got  []domain.Interaction
	fail bool
}

func (r *recordingInteractions) LogInteraction(_ context.Context, in domain.Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("log down")
	}
	r.got = append(r.got, in)
	return nil
}

func newTestOrchestrator(dir Directory, opts ...func(*OrchestratorDeps)) *Orchestrator {
	deps := OrchestratorDeps{
		AgentID: "me",
		Search:  NewSearchClient(dir, nil, nil),
	}
	for _, o := range opts {
		o(&deps)
	}
	return NewOrchestrator(deps)
}

func TestDiscoverMergesStrategies(t *testing.T) {
	dir := &fakeDirectory{resp: map[domain.Strategy]domain.SearchResponse{
		domain.StrategyKeywords:    {Agents: []domain.SearchHit{hit("a", 0.9), hit("b", 0.2), hit("me", 0.99)}},
		domain.StrategyDescription: {Agents: []domain.SearchHit{hit("c", 0.7), hit("a", 0.5)}},
		domain.StrategyEmbedding:   {Agents: []domain.SearchHit{hit("d", 0.95)}},
	}}
	bus := &recordingBus{}
	o := newTestOrchestrator(dir, func(d *OrchestratorDeps) { d.Bus = bus })

	res, err := o.Discover(context.Background(), "analyze financial data", Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"d", "a", "c"}, ids(res.RecommendedAgents))
	assert.Equal(t, 5, res.TotalAgentsEvaluated)
	assert.Empty(t, res.Suggestions)
	assert.Equal(t, "data_analysis", res.TaskAnalysis.TaskType)
	require.Len(t, res.PerStrategy, 3)
	assert.Equal(t, []string{"a"}, ids(res.PerStrategy[0].Agents))

	for _, a := range res.RecommendedAgents {
		assert.NotEqual(t, "me", a.AgentID)
		assert.GreaterOrEqual(t, a.Score, DefaultMinScore)
		assert.LessOrEqual(t, a.Score, 1.0)
		assert.NotEmpty(t, a.MatchReasons)
	}

	_, ok := bus.find(domain.EventDiscoveryCompleted)
	assert.True(t, ok)
}

func TestDiscoverLimitAndExclude(t *testing.T) {
	dir := &fakeDirectory{resp: map[domain.Strategy]domain.SearchResponse{
		domain.StrategyKeywords:  {Agents: []domain.SearchHit{hit("a", 0.9), hit("b", 0.8), hit("c", 0.7)}},
		domain.StrategyEmbedding: {Agents: []domain.SearchHit{hit("d", 0.85), hit("e", 0.75)}},
	}}
	o := newTestOrchestrator(dir)

	res, err := o.Discover(context.Background(), "q", Options{Limit: 2, ExcludeAgents: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b"}, ids(res.RecommendedAgents))
}

func TestDiscoverMinScoreZeroKeepsEverything(t *testing.T) {
	dir := &fakeDirectory{resp: map[domain.Strategy]domain.SearchResponse{
		domain.StrategyKeywords: {Agents: []domain.SearchHit{hit("low", 0.1)}},
	}}

	t.Run("default", func(t *testing.T) {
		o := newTestOrchestrator(dir, func(d *OrchestratorDeps) { d.Defaults.MinScore = MinScore(0) })
		res, err := o.Discover(context.Background(), "q", Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"low"}, ids(res.RecommendedAgents))
	})

	t.Run("per call", func(t *testing.T) {
		res, err := newTestOrchestrator(dir).Discover(context.Background(), "q", Options{MinScore: MinScore(0)})
		require.NoError(t, err)
		assert.Equal(t, []string{"low"}, ids(res.RecommendedAgents))
	})

	t.Run("unset inherits threshold", func(t *testing.T) {
		res, err := newTestOrchestrator(dir).Discover(context.Background(), "q", Options{})
		require.NoError(t, err)
		assert.Empty(t, res.RecommendedAgents)
	})

	t.Run("per call overrides default", func(t *testing.T) {
		o := newTestOrchestrator(dir, func(d *OrchestratorDeps) { d.Defaults.MinScore = MinScore(0) })
		res, err := o.Discover(context.Background(), "q", Options{MinScore: MinScore(0.5)})
		require.NoError(t, err)
		assert.Empty(t, res.RecommendedAgents)
	})
}

func TestDiscoverDomainAndStatusFilters(t *testing.T) {
	fin := hit("fin", 0.8)
	fin.Domain, fin.Status = "finance", domain.AgentStatusOnline
	busy := hit("busy", 0.9)
	busy.Domain, busy.Status = "finance", domain.AgentStatusBusy
	med := hit("med", 0.9)
	med.Domain, med.Status = "healthcare", domain.AgentStatusOnline

	dir := &fakeDirectory{resp: map[domain.Strategy]domain.SearchResponse{
		domain.StrategyDescription: {Agents: []domain.SearchHit{fin, busy, med}},
	}}
	res, err := newTestOrchestrator(dir).Discover(context.Background(), "q",
		Options{Domain: "Finance", Status: domain.AgentStatusOnline})
	require.NoError(t, err)
	assert.Equal(t, []string{"fin"}, ids(res.RecommendedAgents))
}

func TestDiscoverEmptyHasSuggestions(t *testing.T) {
	res, err := newTestOrchestrator(&fakeDirectory{}).Discover(context.Background(), "automate invoices", Options{})
	require.NoError(t, err)
	assert.Empty(t, res.RecommendedAgents)
	assert.NotNil(t, res.RecommendedAgents)
	require.NotEmpty(t, res.Suggestions)
	assert.Equal(t, "No agents found matching your requirements", res.Suggestions[0])
	assert.Contains(t, res.Suggestions, "For automation, look for agents with workflow management features")
}

func TestDiscoverDirectoryDown(t *testing.T) {
	dir := &fakeDirectory{errs: map[domain.Strategy]error{
		domain.StrategyKeywords:    unavailable(),
		domain.StrategyDescription: unavailable(),
		domain.StrategyEmbedding:   unavailable(),
	}}
	res, err := newTestOrchestrator(dir).Discover(context.Background(), "q", Options{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeDirectoryUnavailable, domain.ErrorCodeOf(err))
	assert.Empty(t, res.RecommendedAgents)
	assert.NotEmpty(t, res.Suggestions)
}

func TestDiscoverIdempotentOrdering(t *testing.T) {
	dir := &fakeDirectory{resp: map[domain.Strategy]domain.SearchResponse{
		domain.StrategyKeywords:    {Agents: []domain.SearchHit{hit("a", 0.5), hit("b", 0.5), hit("c", 0.5)}},
		domain.StrategyDescription: {Agents: []domain.SearchHit{hit("d", 0.5), hit("a", 0.5)}},
	}}
	o := newTestOrchestrator(dir)
	first, err := o.Discover(context.Background(), "q", Options{})
	require.NoError(t, err)
	second, err := o.Discover(context.Background(), "q", Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(first.RecommendedAgents))
	assert.Equal(t, ids(first.RecommendedAgents), ids(second.RecommendedAgents))
}

func TestDiscoverStrategy(t *testing.T) {
	dir := &fakeDirectory{resp: map[domain.Strategy]domain.SearchResponse{
		domain.StrategyKeywords:  {Agents: []domain.SearchHit{hit("a", 0.9)}},
		domain.StrategyEmbedding: {Agents: []domain.SearchHit{hit("b", 0.9)}},
	}}
	res, err := newTestOrchestrator(dir).DiscoverStrategy(context.Background(), domain.StrategyEmbedding, "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(res.RecommendedAgents))
	require.Len(t, res.PerStrategy, 1)
}

func fanOutDirectory() *fakeDirectory {
	return &fakeDirectory{resp: map[domain.Strategy]domain.SearchResponse{
		domain.StrategyKeywords:    {Agents: []domain.SearchHit{hit("x", 0.9)}},
		domain.StrategyDescription: {},
		domain.StrategyEmbedding:   {Agents: []domain.SearchHit{hit("y", 0.4)}},
	}}
}

func TestFanOutAsksEveryAgent(t *testing.T) {
	del := &recordingDeliverer{}
	logs := &recordingInteractions{}
	bus := &recordingBus{}
	o := newTestOrchestrator(fanOutDirectory(), func(d *OrchestratorDeps) {
		d.Deliverer = del
		d.Interactions = logs
		d.Bus = bus
	})

	res, err := o.FanOut(context.Background(), "find a data expert")
	require.NoError(t, err)
	assert.Equal(t, "find a data expert", res.Question)

	require.Len(t, del.sent, 2)
	for addr, env := range del.sent {
		from, to, payload, err := bridge.ParseExternal(env.Text)
		require.NoError(t, err, addr)
		assert.Equal(t, "me", from)
		assert.Equal(t, "find a data expert", payload)
		assert.Equal(t, "http://"+to+".test", addr)
		assert.Equal(t, domain.RoleUser, env.Role)
		assert.NotEmpty(t, env.ConversationID)
	}
	assert.NotEqual(t, del.sent["http://x.test"].ConversationID, del.sent["http://y.test"].ConversationID)

	require.Len(t, res.Interactions, 2)
	byAgent := map[string]domain.Interaction{}
	for _, in := range res.Interactions {
		byAgent[in.AgentID] = in
	}
	assert.Equal(t, domain.StrategyKeywords, byAgent["x"].Strategy)
	assert.Equal(t, "answer from x", byAgent["x"].Answer)
	assert.True(t, byAgent["x"].Success)
	assert.Equal(t, domain.StrategyEmbedding, byAgent["y"].Strategy)
	assert.Equal(t, 0.4, byAgent["y"].Score)
	assert.Equal(t, "answer from y", byAgent["y"].Answer)

	assert.Len(t, logs.got, 2)
	evt, ok := bus.find(domain.EventFanOutCompleted)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, float64(2), payload["agents"])
}

func TestFanOutIsolatesFailures(t *testing.T) {
	del := &recordingDeliverer{fail: map[string]error{
		"http://x.test": domain.NewSubSystemError("delivery", "test", domain.ErrDeliveryFailure, "status 500"),
	}}
	o := newTestOrchestrator(fanOutDirectory(), func(d *OrchestratorDeps) {
		d.Deliverer = del
		d.Interactions = &recordingInteractions{fail: true}
	})

	res, err := o.FanOut(context.Background(), "find a data expert")
	require.NoError(t, err)
	require.Len(t, res.Interactions, 2)
	for _, in := range res.Interactions {
		switch in.AgentID {
		case "x":
			assert.False(t, in.Success)
			assert.True(t, strings.HasPrefix(in.Answer, "Error: "))
		case "y":
			assert.True(t, in.Success)
		}
	}

	st, ok := o.deps.Performance.Stats("x")
	require.True(t, ok)
	assert.Equal(t, 0, st.Answered)
}

func TestFanOutTimeout(t *testing.T) {
	del := &recordingDeliverer{delay: time.Second}
	o := newTestOrchestrator(fanOutDirectory(), func(d *OrchestratorDeps) {
		d.Deliverer = del
		d.FanOutTimeout = 20 * time.Millisecond
	})

	res, err := o.FanOut(context.Background(), "q")
	require.NoError(t, err)
	for _, in := range res.Interactions {
		assert.False(t, in.Success)
		assert.Contains(t, in.Answer, domain.ErrDeliveryTimeout.Error())
	}
}

func TestFanOutAsksSharedAgentOnce(t *testing.T) {
	dir := &fakeDirectory{resp: map[domain.Strategy]domain.SearchResponse{
		domain.StrategyKeywords:    {Agents: []domain.SearchHit{hit("x", 0.9)}},
		domain.StrategyDescription: {Agents: []domain.SearchHit{hit("x", 0.6)}},
	}}
	del := &recordingDeliverer{}
	o := newTestOrchestrator(dir, func(d *OrchestratorDeps) { d.Deliverer = del })

	res, err := o.FanOut(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, del.sent, 1)
	require.Len(t, res.Interactions, 2)
	assert.Equal(t, res.Interactions[0].Answer, res.Interactions[1].Answer)
}

func TestFanOutPrefersResolver(t *testing.T) {
	del := &recordingDeliverer{}
	o := newTestOrchestrator(fanOutDirectory(), func(d *OrchestratorDeps) {
		d.Deliverer = del
		d.Resolver = staticResolver{"x": "http://lan-x:6000"}
	})
	_, err := o.FanOut(context.Background(), "q")
	require.NoError(t, err)
	assert.Contains(t, del.sent, "http://lan-x:6000")
	assert.Contains(t, del.sent, "http://y.test")
}

func TestAskRendersFanOut(t *testing.T) {
	o := newTestOrchestrator(fanOutDirectory(), func(d *OrchestratorDeps) { d.Deliverer = &recordingDeliverer{} })
	out, err := o.Ask(context.Background(), "find a data expert")
	require.NoError(t, err)
	assert.Contains(t, out, "Question: 'find a data expert'")
	assert.Contains(t, out, "KEYWORDS STRUCTURE:")
	assert.Contains(t, out, "EMBEDDING STRUCTURE:")
	assert.NotContains(t, out, "DESCRIPTION STRUCTURE:")
	assert.Contains(t, out, "A: answer from x")
}

func TestAskDirectoryDownOffersSuggestions(t *testing.T) {
	dir := &fakeDirectory{errs: map[domain.Strategy]error{
		domain.StrategyKeywords:    unavailable(),
		domain.StrategyDescription: unavailable(),
		domain.StrategyEmbedding:   unavailable(),
	}}
	o := newTestOrchestrator(dir, func(d *OrchestratorDeps) { d.Deliverer = &recordingDeliverer{} })

	out, err := o.Ask(context.Background(), "automate invoices")
	require.Error(t, err)
	assert.Equal(t, domain.CodeDirectoryUnavailable, domain.ErrorCodeOf(err))
	assert.True(t, strings.HasPrefix(out, "Suggestions:\n"), out)
	assert.Contains(t, out, "No agents found matching your requirements")

	out, err = o.Find(context.Background(), domain.StrategyKeywords, "automate invoices")
	require.Error(t, err)
	assert.Contains(t, out, "Suggestions:")
}

func TestFindRendersDiscovery(t *testing.T) {
	out, err := newTestOrchestrator(fanOutDirectory()).Find(context.Background(), domain.StrategyKeywords, "data")
	require.NoError(t, err)
	assert.Contains(t, out, "Found 1 agents (keywords structure) for: 'data'")
	assert.Contains(t, out, "1. @x (Score: 0.90)")
}

func TestExplainQueryReportsSearchError(t *testing.T) {
	dir := &fakeDirectory{errs: map[domain.Strategy]error{
		domain.StrategyKeywords:    unavailable(),
		domain.StrategyDescription: unavailable(),
		domain.StrategyEmbedding:   unavailable(),
	}}
	out, err := newTestOrchestrator(dir).ExplainQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Contains(t, out, "=== No Agents Found ===")
	assert.Contains(t, out, "Search error:")
}

type staticResolver map[string]string

func (s staticResolver) Resolve(_ context.Context, id string) (string, error) {
	if addr, ok := s[id]; ok {
		return addr, nil
	}
	return "", domain.ErrPeerNotFound
}
