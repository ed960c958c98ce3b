package bridge

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"agentbridge/internal/domain"
)

// Kind is the routing class of an inbound message.
type Kind int

const (
	KindPlain Kind = iota
	KindExternal
	KindDirected
	KindTool
	KindCommand
	KindSearch
)

func (k Kind) String() string {
	switch k {
	case KindExternal:
		return "external"
	case KindDirected:
		return "directed"
	case KindTool:
		return "tool"
	case KindCommand:
		return "command"
	case KindSearch:
		return "search"
	default:
		return "plain"
	}
}

// Classify returns the routing class of text. Checks run on the trimmed
// text in priority order: wrapper, @id, #registry:server, /command, ?query.
func Classify(text string) Kind {
	t := strings.TrimSpace(text)
	switch {
	case IsExternal(t):
		return KindExternal
	case strings.HasPrefix(t, "@"):
		return KindDirected
	case strings.HasPrefix(t, "#"):
		return KindTool
	case strings.HasPrefix(t, "/"):
		return KindCommand
	case strings.HasPrefix(t, "?"):
		return KindSearch
	default:
		return KindPlain
	}
}

// ParseDirected splits "@id text" into the target id and the payload. The
// id ends at the first whitespace rune; the payload is everything after
// that single separator, byte for byte.
func ParseDirected(text string) (agentID, payload string, ok bool) {
	t := strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(t, "@") {
		return "", "", false
	}
	t = t[1:]
	idx := strings.IndexFunc(t, unicode.IsSpace)
	if idx <= 0 {
		return "", "", false
	}
	_, size := utf8.DecodeRuneInString(t[idx:])
	return t[:idx], t[idx+size:], true
}

// ParseToolCommand splits "#registry:server query".
func ParseToolCommand(text string) (registry, server, query string, ok bool) {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "#") {
		return "", "", "", false
	}
	target, rest := splitFirstWord(t[1:])
	registry, server, found := strings.Cut(target, ":")
	if !found || registry == "" || server == "" {
		return "", "", "", false
	}
	return registry, server, strings.TrimSpace(rest), true
}

// ParseCommand splits "/name args". The name is lowercased.
func ParseCommand(text string) (name, args string) {
	t := strings.TrimSpace(text)
	t = strings.TrimPrefix(t, "/")
	name, args = splitFirstWord(t)
	return strings.ToLower(name), strings.TrimSpace(args)
}

// ParseSearch splits "?query" or "?<strategy> query". strategy is empty
// for a bare question.
func ParseSearch(text string) (strategy domain.Strategy, query string) {
	t := strings.TrimSpace(text)
	t = strings.TrimSpace(strings.TrimPrefix(t, "?"))
	first, rest := splitFirstWord(t)
	if s, ok := domain.ParseStrategy(strings.ToLower(first)); ok {
		return s, strings.TrimSpace(rest)
	}
	return "", t
}

func splitFirstWord(s string) (first, rest string) {
	idx := strings.IndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx:]
}
