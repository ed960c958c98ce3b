package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain"
)

func score(id string, s float64, st domain.Strategy, reasons ...string) domain.AgentScore {
	return domain.AgentScore{AgentID: id, Score: s, Strategy: st, MatchReasons: reasons}
}

func ids(list []domain.AgentScore) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.AgentID
	}
	return out
}

func TestDomainSimilarity(t *testing.T) {
	assert.Equal(t, 0.9, DomainSimilarity("software", "technology"))
	assert.Equal(t, 0.9, DomainSimilarity("Technology", "tech"))
	assert.Equal(t, 0.8, DomainSimilarity("software", "it"))
	assert.Equal(t, 0.2, DomainSimilarity("finance", "healthcare"))
	assert.Equal(t, 0.2, DomainSimilarity("finance", "finance"))
}

func TestFilterStableAndBounded(t *testing.T) {
	r := NewRanker(nil)
	in := []domain.AgentScore{
		score("a", 0.5, domain.StrategyKeywords),
		score("b", 0.9, domain.StrategyKeywords),
		score("c", 0.5, domain.StrategyKeywords),
		score("d", 0.1, domain.StrategyKeywords),
		score("e", 0.3, domain.StrategyKeywords),
	}
	assert.Equal(t, []string{"b", "a", "c", "e"}, ids(r.Filter(in, 0.3, 0)))
	assert.Equal(t, []string{"b", "a"}, ids(r.Filter(in, 0.3, 2)))
	assert.Empty(t, r.Filter(in, 0.95, 5))
	// Input untouched.
	assert.Equal(t, "a", in[0].AgentID)
}

func TestMerge(t *testing.T) {
	r := NewRanker(nil)
	kw := []domain.AgentScore{
		score("x", 0.6, domain.StrategyKeywords, "kw reason"),
		score("y", 0.5, domain.StrategyKeywords, "shared"),
	}
	emb := []domain.AgentScore{
		score("x", 0.8, domain.StrategyEmbedding, "emb reason"),
		score("z", 0.5, domain.StrategyEmbedding),
		score("y", 0.4, domain.StrategyEmbedding, "shared"),
	}

	merged := r.Merge(kw, emb)
	require.Equal(t, []string{"x", "y", "z"}, ids(merged))
	assert.Equal(t, 0.8, merged[0].Score)
	assert.Equal(t, domain.StrategyKeywords, merged[0].Strategy)
	assert.Equal(t, []string{"kw reason", "emb reason"}, merged[0].MatchReasons)
	assert.Equal(t, []string{"shared"}, merged[1].MatchReasons)
}

func TestAnnotate(t *testing.T) {
	now := time.Now()
	rec := &domain.AgentRecord{
		AgentID:      "fin",
		Domain:       "banking",
		Description:  "Builds financial dashboards and reports",
		Capabilities: []string{"analytics", "visualization"},
		Status:       domain.AgentStatusOnline,
		LastSeen:     &now,
	}
	analysis := domain.TaskAnalysis{
		Domain:               "finance",
		Keywords:             []string{"dashboards", "crypto"},
		RequiredCapabilities: []string{"analytics", "reporting"},
		Confidence:           1,
	}
	in := domain.AgentScore{AgentID: "fin", Score: 0.7, Record: rec, MatchReasons: []string{"matched"}}

	got := NewRanker(nil).Annotate(in, analysis)
	assert.Equal(t, 0.7, got.Score)
	assert.Equal(t, []string{
		"matched",
		"Matching capabilities: analytics",
		"Related domain: banking",
		"Keyword matches: dashboards",
	}, got.MatchReasons)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)
}

func TestAnnotateConfidenceFactor(t *testing.T) {
	in := domain.AgentScore{AgentID: "bare", Score: 0.4}
	got := NewRanker(nil).Annotate(in, domain.TaskAnalysis{})
	assert.InDelta(t, 0.25, got.Confidence, 1e-9)

	got = NewRanker(nil).Annotate(in, domain.TaskAnalysis{Confidence: 0.5})
	assert.InDelta(t, 0.25, got.Confidence, 1e-9)
}

func TestAnnotateExactDomain(t *testing.T) {
	in := domain.AgentScore{AgentID: "a", Record: &domain.AgentRecord{AgentID: "a", Domain: "Finance"}}
	got := NewRanker(nil).Annotate(in, domain.TaskAnalysis{Domain: "finance", Confidence: 1})
	assert.Contains(t, got.MatchReasons, "Domain expertise: finance")
}

func TestAnnotatePerformance(t *testing.T) {
	perf := NewPerformanceTracker()
	perf.Record(domain.Interaction{AgentID: "a", Success: true, ResponseTime: 2 * time.Second})
	perf.Record(domain.Interaction{AgentID: "a", Success: false})

	got := NewRanker(perf).Annotate(domain.AgentScore{AgentID: "a"}, domain.TaskAnalysis{})
	assert.Contains(t, got.MatchReasons, "answered 1/2 recent questions (avg 2.00s)")
}

func TestPerformanceTrackerWindow(t *testing.T) {
	perf := NewPerformanceTracker()
	_, ok := perf.Stats("a")
	assert.False(t, ok)

	for range defaultPerfWindow + 5 {
		perf.Record(domain.Interaction{AgentID: "a", Success: true, ResponseTime: time.Second})
	}
	st, ok := perf.Stats("a")
	require.True(t, ok)
	assert.Equal(t, defaultPerfWindow, st.Asked)
	assert.Equal(t, 1.0, st.SuccessRate())
	assert.Equal(t, time.Second, st.AvgLatency)
	assert.Zero(t, PerfStats{}.SuccessRate())
}
