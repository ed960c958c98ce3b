package discovery

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"agentbridge/internal/domain"
)

// relatedDomains groups domain labels that count as neighbours.
var relatedDomains = []struct {
	main    string
	related []string
}{
	{"technology", []string{"software", "it", "programming", "tech"}},
	{"finance", []string{"banking", "trading", "accounting", "fintech"}},
	{"healthcare", []string{"medical", "clinical", "pharmaceutical"}},
	{"marketing", []string{"advertising", "sales", "promotion"}},
	{"education", []string{"learning", "training", "academic"}},
}

// DomainSimilarity scores how close two domain labels are: 0.9 for a main
// domain and one of its related labels, 0.8 for two related labels of the
// same group, 0.2 otherwise.
func DomainSimilarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	for _, g := range relatedDomains {
		inA, inB := contains(g.related, a), contains(g.related, b)
		switch {
		case inA && inB:
			return 0.8
		case a == g.main && inB, b == g.main && inA:
			return 0.9
		}
	}
	return 0.2
}

// Ranker filters, annotates and merges strategy results.
type Ranker struct {
	perf *PerformanceTracker
}

// NewRanker creates a Ranker. perf may be nil.
func NewRanker(perf *PerformanceTracker) *Ranker {
	return &Ranker{perf: perf}
}

// Filter keeps entries scoring at least minScore, sorted by non-increasing
// score with ties in input order, truncated to limit (0 = no limit).
func (r *Ranker) Filter(list []domain.AgentScore, minScore float64, limit int) []domain.AgentScore {
	out := make([]domain.AgentScore, 0, len(list))
	for _, s := range list {
		if s.Score >= minScore {
			out = append(out, s)
		}
	}
	sortByScore(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Annotate adds metadata-based match reasons and computes confidence.
// Score is never changed.
func (r *Ranker) Annotate(s domain.AgentScore, analysis domain.TaskAnalysis) domain.AgentScore {
	reasons := append([]string(nil), s.MatchReasons...)
	rec := s.Record
	if rec == nil {
		rec = &domain.AgentRecord{AgentID: s.AgentID}
	}

	if caps := intersect(analysis.RequiredCapabilities, rec.Capabilities); len(caps) > 0 {
		reasons = append(reasons, "Matching capabilities: "+strings.Join(caps, ", "))
	}

	if analysis.Domain != "" && analysis.Domain != GeneralDomain && rec.Domain != "" {
		switch {
		case strings.EqualFold(rec.Domain, analysis.Domain):
			reasons = append(reasons, "Domain expertise: "+analysis.Domain)
		case DomainSimilarity(rec.Domain, analysis.Domain) > 0.5:
			reasons = append(reasons, "Related domain: "+strings.ToLower(rec.Domain))
		}
	}

	if kws := keywordMatches(analysis.Keywords, rec); len(kws) > 0 {
		reasons = append(reasons, "Keyword matches: "+strings.Join(kws, ", "))
	}

	if r.perf != nil {
		if st, ok := r.perf.Stats(s.AgentID); ok {
			reasons = append(reasons, st.String())
		}
	}

	s.MatchReasons = dedupe(reasons)
	s.Confidence = confidenceFor(rec, analysis)
	return s
}

// Merge collapses results by agent id. The max score wins, reasons are
// concatenated without duplicates, and the first-seen strategy is kept.
// The output is ordered by non-increasing score, ties by first sighting.
func (r *Ranker) Merge(lists ...[]domain.AgentScore) []domain.AgentScore {
	index := make(map[string]int)
	var out []domain.AgentScore
	for _, list := range lists {
		for _, s := range list {
			i, ok := index[s.AgentID]
			if !ok {
				index[s.AgentID] = len(out)
				s.MatchReasons = dedupe(s.MatchReasons)
				out = append(out, s)
				continue
			}
			m := &out[i]
			if s.Score > m.Score {
				m.Score = s.Score
			}
			if s.Confidence > m.Confidence {
				m.Confidence = s.Confidence
			}
			if m.Record == nil {
				m.Record = s.Record
			}
			m.MatchReasons = dedupe(append(m.MatchReasons, s.MatchReasons...))
		}
	}
	sortByScore(out)
	return out
}

func confidenceFor(rec *domain.AgentRecord, analysis domain.TaskAnalysis) float64 {
	c := 0.5
	if len(rec.Capabilities) > 0 {
		c += 0.2
	}
	if rec.Description != "" {
		c += 0.1
	}
	if rec.Domain != "" {
		c += 0.1
	}
	if rec.LastSeen != nil {
		c += 0.05
	}
	if rec.Status != "" {
		c += 0.05
	}
	factor := analysis.Confidence
	if factor == 0 {
		factor = 0.5
	}
	c *= factor
	if c > 1 {
		c = 1
	}
	return c
}

func keywordMatches(keywords []string, rec *domain.AgentRecord) []string {
	desc := strings.ToLower(rec.Description)
	tags := make(map[string]bool, len(rec.Capabilities)+len(rec.Tags))
	for _, t := range rec.Capabilities {
		tags[strings.ToLower(t)] = true
	}
	for _, t := range rec.Tags {
		tags[strings.ToLower(t)] = true
	}
	var out []string
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if tags[kw] || (desc != "" && strings.Contains(desc, kw)) {
			out = append(out, kw)
		}
	}
	return out
}

func sortByScore(list []domain.AgentScore) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Score > list[j].Score })
}

func intersect(want, have []string) []string {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[strings.ToLower(h)] = true
	}
	var out []string
	for _, w := range want {
		if set[strings.ToLower(w)] {
			out = append(out, w)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Default bounds for PerformanceTracker.
const (
	defaultPerfAgents = 1024
	defaultPerfWindow = 20
	defaultPerfTTL    = time.Hour
)

// PerfStats summarizes recent fan-out outcomes for one agent.
type PerfStats struct {
	Asked      int
	Answered   int
	AvgLatency time.Duration
}

// SuccessRate is Answered/Asked, or 0 when nothing was asked.
func (p PerfStats) SuccessRate() float64 {
	if p.Asked == 0 {
		return 0
	}
	return float64(p.Answered) / float64(p.Asked)
}

func (p PerfStats) String() string {
	return fmt.Sprintf("answered %d/%d recent questions (avg %.2fs)", p.Answered, p.Asked, p.AvgLatency.Seconds())
}

type outcome struct {
	ok      bool
	latency time.Duration
}

// PerformanceTracker keeps a sliding window of fan-out outcomes per agent.
// Idle agents expire.
type PerformanceTracker struct {
	mu     sync.Mutex
	window int
	cache  *expirable.LRU[string, []outcome]
}

// NewPerformanceTracker creates a tracker with default bounds.
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{
		window: defaultPerfWindow,
		cache:  expirable.NewLRU[string, []outcome](defaultPerfAgents, nil, defaultPerfTTL),
	}
}

// Record adds one interaction outcome.
func (p *PerformanceTracker) Record(in domain.Interaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hist, _ := p.cache.Get(in.AgentID)
	hist = append(hist, outcome{ok: in.Success, latency: in.ResponseTime})
	if len(hist) > p.window {
		hist = hist[len(hist)-p.window:]
	}
	p.cache.Add(in.AgentID, hist)
}

// Stats returns the window summary for agentID.
func (p *PerformanceTracker) Stats(agentID string) (PerfStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hist, ok := p.cache.Get(agentID)
	if !ok || len(hist) == 0 {
		return PerfStats{}, false
	}
	var st PerfStats
	var total time.Duration
	for _, o := range hist {
		st.Asked++
		if o.ok {
			st.Answered++
			total += o.latency
		}
	}
	if st.Answered > 0 {
		st.AvgLatency = total / time.Duration(st.Answered)
	}
	return st, true
}
