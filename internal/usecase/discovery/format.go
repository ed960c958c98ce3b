package discovery

import (
	"fmt"
	"strings"

	"agentbridge/internal/domain"
)

const maxAnswerRunes = 200

// ContactHint closes every rendered list of agents.
const ContactHint = "To contact an agent, use: @agent-id your message"

// FormatFanOut renders a fan-out result grouped by strategy.
func FormatFanOut(res domain.FanOutResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: '%s'\n", res.Question)
	fmt.Fprintf(&b, "Search completed in %.2fs\n\n", res.SearchTime.Seconds())

	total := 0
	for _, sr := range res.PerStrategy {
		total += len(sr.Agents)
	}
	fmt.Fprintf(&b, "Found %d agents across %d structures:\n", total, len(res.PerStrategy))
	for _, sr := range res.PerStrategy {
		line := fmt.Sprintf("  • %s: %d agents (%s)", capitalize(string(sr.Strategy)), len(sr.Agents), sr.Method)
		if sr.Err != nil {
			line += " [degraded: " + sr.Err.Error() + "]"
		}
		b.WriteString(line + "\n")
	}

	fmt.Fprintf(&b, "\nResponses from %d agents:\n", len(res.Interactions))
	b.WriteString(strings.Repeat("=", 50) + "\n\n")

	for _, s := range domain.Strategies {
		n := 0
		for _, in := range res.Interactions {
			if in.Strategy != s {
				continue
			}
			if n == 0 {
				fmt.Fprintf(&b, "%s STRUCTURE:\n", strings.ToUpper(string(s)))
				b.WriteString(strings.Repeat("-", 30) + "\n")
			}
			n++
			fmt.Fprintf(&b, "%d. @%s (Score: %.2f)\n", n, in.AgentID, in.Score)
			fmt.Fprintf(&b, "   Q: %s\n", in.Question)
			fmt.Fprintf(&b, "   A: %s\n", truncate(in.Answer, maxAnswerRunes))
			fmt.Fprintf(&b, "   %.2fs\n\n", in.ResponseTime.Seconds())
		}
		if n > 0 {
			b.WriteString("\n")
		}
	}

	if len(res.Interactions) > 0 {
		b.WriteString(ContactHint)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSuggestions renders the first three suggestions as a bullet list.
func FormatSuggestions(suggestions []string) string {
	var b strings.Builder
	b.WriteString("Suggestions:\n")
	for i, s := range suggestions {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "  • %s\n", s)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatDiscovery renders a single-strategy discovery result.
func FormatDiscovery(query string, strategy domain.Strategy, res domain.DiscoveryResult) string {
	var b strings.Builder
	if len(res.RecommendedAgents) == 0 {
		fmt.Fprintf(&b, "No agents found for: '%s'\n\n", query)
		b.WriteString(FormatSuggestions(res.Suggestions))
		return b.String()
	}

	info := ""
	if strategy != "" {
		info = fmt.Sprintf(" (%s structure)", strategy)
	}
	fmt.Fprintf(&b, "Found %d agents%s for: '%s'\n\n", len(res.RecommendedAgents), info, query)
	for i, a := range res.RecommendedAgents {
		fmt.Fprintf(&b, "%d. @%s (Score: %.2f)\n", i+1, a.AgentID, a.Score)
		if a.Record != nil && a.Record.Description != "" {
			fmt.Fprintf(&b, "   %s\n", a.Record.Description)
		} else {
			b.WriteString("   Agent available in registry\n")
		}
		if a.Record != nil && len(a.Record.Capabilities) > 0 {
			caps := a.Record.Capabilities
			if len(caps) > 3 {
				caps = caps[:3]
			}
			fmt.Fprintf(&b, "   Capabilities: %s\n", strings.Join(caps, ", "))
		}
		if len(a.MatchReasons) > 0 {
			fmt.Fprintf(&b, "   %s\n", a.MatchReasons[0])
		}
		b.WriteString("\n")
	}
	b.WriteString(ContactHint + "\n")
	fmt.Fprintf(&b, "Search completed in %.2fs", res.SearchTime.Seconds())
	return b.String()
}

// Explain renders a human-readable report of a discovery result.
func Explain(res domain.DiscoveryResult) string {
	a := res.TaskAnalysis
	kws := a.Keywords
	if len(kws) > 5 {
		kws = kws[:5]
	}

	lines := []string{
		"=== Task Analysis ===",
		"Task Type: " + a.TaskType,
		"Domain: " + a.Domain,
		"Complexity: " + string(a.Complexity),
		"Required Capabilities: " + strings.Join(a.RequiredCapabilities, ", "),
		"Key Keywords: " + strings.Join(kws, ", "),
		fmt.Sprintf("Analysis Confidence: %.2f", a.Confidence),
		"",
		"=== Search Results ===",
		fmt.Sprintf("Total Agents Evaluated: %d", res.TotalAgentsEvaluated),
		fmt.Sprintf("Agents Recommended: %d", len(res.RecommendedAgents)),
		fmt.Sprintf("Search Time: %.2f seconds", res.SearchTime.Seconds()),
		"",
	}

	if len(res.RecommendedAgents) > 0 {
		lines = append(lines, "=== Recommended Agents ===")
		for i, s := range res.RecommendedAgents {
			lines = append(lines,
				fmt.Sprintf("\n%d. Agent: %s", i+1, s.AgentID),
				fmt.Sprintf("   Score: %.2f", s.Score),
				fmt.Sprintf("   Confidence: %.2f", s.Confidence),
			)
			if len(s.MatchReasons) > 0 {
				lines = append(lines, "   Match Reasons:")
				for _, r := range s.MatchReasons {
					lines = append(lines, "     - "+r)
				}
			}
		}
	} else {
		lines = append(lines, "=== No Agents Found ===")
	}

	if len(res.Suggestions) > 0 {
		lines = append(lines, "\n=== Suggestions ===")
		for _, s := range res.Suggestions {
			lines = append(lines, "- "+s)
		}
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
