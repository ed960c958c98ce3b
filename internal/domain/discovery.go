package domain

import "time"

// Strategy is one of the directory's independent search techniques.
type Strategy string

const (
	StrategyKeywords    Strategy = "keywords"
	StrategyDescription Strategy = "description"
	StrategyEmbedding   Strategy = "embedding"
)

// Strategies lists every strategy in tie-break order.
var Strategies = []Strategy{StrategyKeywords, StrategyDescription, StrategyEmbedding}

// ParseStrategy maps a selector word to a Strategy.
func ParseStrategy(s string) (Strategy, bool) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Complexity is the coarse effort estimate of a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// TaskAnalysis is derived purely from query text.
type TaskAnalysis struct {
	Query                string     `json:"query"`
	TaskType             string     `json:"task_type"`
	Domain               string     `json:"domain"`
	Complexity           Complexity `json:"complexity"`
	Keywords             []string   `json:"keywords"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	Confidence           float64    `json:"confidence"`
}

// AgentScore is one candidate produced by a search strategy.
type AgentScore struct {
	AgentID      string       `json:"agent_id"`
	Score        float64      `json:"score"`
	Confidence   float64      `json:"confidence"`
	MatchReasons []string     `json:"match_reasons"`
	Strategy     Strategy     `json:"strategy"`
	Record       *AgentRecord `json:"record,omitempty"`
}

// StrategyResult is the normalized output of a single strategy.
type StrategyResult struct {
	Strategy      Strategy     `json:"strategy"`
	Agents        []AgentScore `json:"agents"`
	TotalSearched int          `json:"total_agents_searched"`
	Method        string       `json:"search_method"`
	Err           error        `json:"-"`
}

// DiscoveryResult is the outcome of one discovery call.
type DiscoveryResult struct {
	TaskAnalysis         TaskAnalysis     `json:"task_analysis"`
	RecommendedAgents    []AgentScore     `json:"recommended_agents"`
	PerStrategy          []StrategyResult `json:"per_strategy"`
	TotalAgentsEvaluated int              `json:"total_agents_evaluated"`
	SearchTime           time.Duration    `json:"search_time"`
	Suggestions          []string         `json:"suggestions,omitempty"`
}

// Interaction is one question/answer exchange made during fan-out.
type Interaction struct {
	AgentID      string        `json:"agent_id"`
	Strategy     Strategy      `json:"structure_type"`
	Score        float64       `json:"score"`
	Question     string        `json:"question"`
	Answer       string        `json:"answer"`
	ResponseTime time.Duration `json:"response_time"`
	Success      bool          `json:"success"`
}

// FanOutResult aggregates the answers to one fanned-out question.
type FanOutResult struct {
	Question     string           `json:"question"`
	SearchTime   time.Duration    `json:"search_time"`
	PerStrategy  []StrategyResult `json:"per_strategy"`
	Interactions []Interaction    `json:"interactions"`
}

// SearchHit is one agent returned by a directory search endpoint.
type SearchHit struct {
	AgentRecord
	Score        float64  `json:"score"`
	MatchReasons []string `json:"match_reasons,omitempty"`
}

// SearchResponse is the body of a directory search endpoint.
type SearchResponse struct {
	Agents        []SearchHit `json:"agents"`
	TotalSearched int         `json:"total_agents_searched"`
	Method        string      `json:"search_method"`
}
