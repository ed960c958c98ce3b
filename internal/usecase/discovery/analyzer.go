package discovery

import (
	"regexp"
	"sort"
	"strings"

	"agentbridge/internal/domain"
)

// Fallback labels when no table entry matches.
const (
	GeneralTaskType = "general"
	GeneralDomain   = "general"
)

type patternSet struct {
	name     string
	patterns []*regexp.Regexp
}

func compileSet(name string, exprs ...string) patternSet {
	ps := patternSet{name: name, patterns: make([]*regexp.Regexp, len(exprs))}
	for i, e := range exprs {
		ps.patterns[i] = regexp.MustCompile(e)
	}
	return ps
}

// count returns the total number of pattern matches in text.
func (p patternSet) count(text string) int {
	n := 0
	for _, re := range p.patterns {
		n += len(re.FindAllStringIndex(text, -1))
	}
	return n
}

func (p patternSet) matches(text string) bool {
	for _, re := range p.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Task types in declaration order; ties go to the earliest.
var taskPatterns = []patternSet{
	compileSet("data_analysis", `analyz(e|ing|sis)`, `data`, `statistics`, `chart`, `graph`, `report`, `dashboard`, `metrics`, `\bkpi`),
	compileSet("web_scraping", `scrap(e|ing)`, `extract`, `crawl`, `fetch`, `website`, `html`, `parse`, `\bweb\b`),
	compileSet("file_management", `\bfiles?\b`, `folder`, `directory`, `organi[sz]e`, `manage`, `upload`, `download`, `storage`),
	compileSet("communication", `e-?mail`, `message`, `\bsend`, `notify`, `alert`, `slack`, `discord`, `\bteams\b`),
	compileSet("code_generation", `\bcode`, `program`, `script`, `function`, `\bapis?\b`, `development`, `software`),
	compileSet("research", `research`, `search`, `\bfind`, `lookup`, `investigate`, `study`, `explore`, `discover`),
	compileSet("automation", `automat(e|ion)`, `workflow`, `process`, `schedul`, `trigger`, `batch`, `recurring`),
}

var (
	simpleIndicators  = compileSet("simple", `simple`, `basic`, `quick`, `easy`, `straightforward`)
	complexIndicators = compileSet("complex", `complex`, `advanced`, `sophisticated`, `comprehensive`, `detailed`, `multi-step`, `enterprise`)
)

// domainKeywords are matched against whole tokens, in declaration order.
var domainKeywords = []struct {
	name  string
	words []string
}{
	{"finance", []string{"finance", "financial", "banking", "investment", "trading", "accounting"}},
	{"healthcare", []string{"medical", "health", "healthcare", "patient", "hospital", "clinical"}},
	{"technology", []string{"software", "tech", "technology", "programming", "development", "it"}},
	{"marketing", []string{"marketing", "advertising", "campaign", "promotion", "brand"}},
	{"education", []string{"education", "learning", "teaching", "student", "course"}},
	{"ecommerce", []string{"shop", "store", "product", "order", "payment", "cart", "ecommerce"}},
	{"logistics", []string{"shipping", "delivery", "transport", "warehouse", "supply", "logistics"}},
}

var taskCapabilities = map[string][]string{
	"data_analysis":   {"analytics", "visualization", "statistics", "reporting"},
	"web_scraping":    {"web_access", "html_parsing", "data_extraction"},
	"file_management": {"file_operations", "storage_access", "organization"},
	"communication":   {"messaging", "notifications", "email"},
	"code_generation": {"programming", "code_review", "debugging"},
	"research":        {"search", "information_gathering", "synthesis"},
	"automation":      {"workflow_management", "scheduling", "integration"},
}

var capabilityPatterns = []patternSet{
	compileSet("api_integration", `\bapis?\b`, `integration`, `connect`, `webhook`),
	compileSet("database", `database`, `\bsql\b`, `\bquery`, `\bstore\b`, `retrieve`),
	compileSet("machine_learning", `\bml\b`, `machine learning`, `\bai\b`, `\bmodels?\b`, `predict`),
	compileSet("image_processing", `\bimages?\b`, `photo`, `picture`, `visual`, `\bocr\b`),
	compileSet("document_processing", `document`, `\bpdf`, `\bword\b`, `\btext\b`, `parse`),
	compileSet("real_time", `real.?time`, `\blive\b`, `streaming`, `instant`),
	compileSet("security", `secur`, `encrypt`, `\bauth`, `permission`, `\baccess\b`),
}

// conjunctions that chain clauses in multi-part requests.
var conjunctions = map[string]bool{
	"and": true, "then": true, "also": true, "plus": true, "after": true, "before": true,
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "of": true, "with": true, "by": true, "from": true, "up": true,
	"about": true, "into": true, "through": true, "during": true, "before": true, "after": true,
	"above": true, "below": true, "between": true, "among": true, "under": true, "over": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "could": true, "should": true, "may": true, "might": true, "can": true, "must": true,
	"shall": true, "i": true, "you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
	"me": true, "him": true, "her": true, "us": true, "them": true, "my": true, "your": true, "his": true,
	"its": true, "our": true, "their": true,
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

const maxKeywords = 10

// Analyzer classifies free-text queries. It is stateless and safe for
// concurrent use.
type Analyzer struct{}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer() *Analyzer { return &Analyzer{} }

// Analyze derives a TaskAnalysis from query. The result depends only on
// the query text.
func (a *Analyzer) Analyze(query string) domain.TaskAnalysis {
	text := strings.ToLower(strings.TrimSpace(query))
	tokens := tokenPattern.FindAllString(text, -1)

	taskType := identifyTaskType(text)
	return domain.TaskAnalysis{
		Query:                query,
		TaskType:             taskType,
		Domain:               extractDomain(tokens),
		Complexity:           assessComplexity(text, tokens),
		Keywords:             extractKeywords(tokens),
		RequiredCapabilities: requiredCapabilities(text, taskType),
		Confidence:           confidence(tokens),
	}
}

func identifyTaskType(text string) string {
	best, bestScore := GeneralTaskType, 0
	for _, ps := range taskPatterns {
		if n := ps.count(text); n > bestScore {
			best, bestScore = ps.name, n
		}
	}
	return best
}

func extractDomain(tokens []string) string {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	for _, d := range domainKeywords {
		for _, w := range d.words {
			if set[w] {
				return d.name
			}
		}
	}
	return GeneralDomain
}

func assessComplexity(text string, tokens []string) domain.Complexity {
	simpleHits := simpleIndicators.count(text)
	complexHits := complexIndicators.count(text)
	switch {
	case complexHits > simpleHits:
		return domain.ComplexityHigh
	case simpleHits > complexHits:
		return domain.ComplexityLow
	}

	clauses := 0
	for _, t := range tokens {
		if conjunctions[t] {
			clauses++
		}
	}
	switch {
	case len(tokens) > 50, clauses >= 2 && len(tokens) >= 20:
		return domain.ComplexityHigh
	case len(tokens) < 10:
		return domain.ComplexityLow
	default:
		return domain.ComplexityMedium
	}
}

// extractKeywords ranks non-stop-word tokens by frequency, breaking ties
// by first occurrence.
func extractKeywords(tokens []string) []string {
	counts := make(map[string]int)
	var order []string
	for _, t := range tokens {
		if len(t) <= 2 || stopWords[t] {
			continue
		}
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > maxKeywords {
		order = order[:maxKeywords]
	}
	return order
}

func requiredCapabilities(text, taskType string) []string {
	caps := append([]string(nil), taskCapabilities[taskType]...)
	seen := make(map[string]bool, len(caps))
	for _, c := range caps {
		seen[c] = true
	}
	for _, ps := range capabilityPatterns {
		if !seen[ps.name] && ps.matches(text) {
			caps = append(caps, ps.name)
			seen[ps.name] = true
		}
	}
	return caps
}

// confidence is the share of tokens that hit any table entry.
func confidence(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	matched := 0
	for _, t := range tokens {
		if tokenMatchesTables(t) {
			matched++
		}
	}
	c := float64(matched) / float64(len(tokens))
	if c > 1 {
		c = 1
	}
	return c
}

func tokenMatchesTables(token string) bool {
	for _, ps := range taskPatterns {
		if ps.matches(token) {
			return true
		}
	}
	for _, d := range domainKeywords {
		for _, w := range d.words {
			if w == token {
				return true
			}
		}
	}
	if simpleIndicators.matches(token) || complexIndicators.matches(token) {
		return true
	}
	for _, ps := range capabilityPatterns {
		if ps.matches(token) {
			return true
		}
	}
	return false
}
