package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"agentbridge/internal/domain"
)

// KeywordConversationID is the conversation id used when the response
// callback is asked to extract keywords.
const KeywordConversationID = "keyword_extraction"

const maxExtractedKeywords = 5

const keywordPrompt = "Extract exactly 5 keywords from this query that best represent the core concepts and requirements. " +
	"Return only the keywords separated by commas, no other text.\n\nQuery: %s\n\nKeywords:"

// KeywordExtractor derives search keywords from a query.
type KeywordExtractor interface {
	Extract(ctx context.Context, query string) ([]string, error)
}

// TokenExtractor splits the query into words longer than two characters.
type TokenExtractor struct{}

// Extract implements KeywordExtractor. It never fails.
func (TokenExtractor) Extract(_ context.Context, query string) ([]string, error) {
	return queryWords(query, nil, maxExtractedKeywords), nil
}

// CallbackExtractor asks a response callback to pick keywords.
type CallbackExtractor struct {
	respond domain.ResponseFunc
}

// NewCallbackExtractor wraps respond as a KeywordExtractor.
func NewCallbackExtractor(respond domain.ResponseFunc) *CallbackExtractor {
	return &CallbackExtractor{respond: respond}
}

// Extract implements KeywordExtractor. Short answers are padded with
// query words.
func (c *CallbackExtractor) Extract(ctx context.Context, query string) ([]string, error) {
	out, err := c.respond(ctx, fmt.Sprintf(keywordPrompt, query), KeywordConversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword extraction: %w", domain.ErrCallbackFailure, err)
	}
	out = strings.TrimSpace(out)
	if _, rest, found := strings.Cut(out, "]"); found {
		out = strings.TrimSpace(rest)
	}

	var keywords []string
	for _, raw := range strings.Split(out, ",") {
		kw := strings.ToLower(strings.TrimSpace(raw))
		if len(kw) > 1 {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) > maxExtractedKeywords {
		keywords = keywords[:maxExtractedKeywords]
	}
	if len(keywords) == 0 {
		return nil, nil
	}
	return queryWords(query, keywords, maxExtractedKeywords), nil
}

// queryWords appends query words longer than two characters to seed,
// skipping duplicates, until limit is reached.
func queryWords(query string, seed []string, limit int) []string {
	out := append([]string(nil), seed...)
	seen := make(map[string]bool, len(out))
	for _, k := range out {
		seen[k] = true
	}
	for _, w := range strings.Fields(query) {
		if len(out) >= limit {
			break
		}
		w = strings.ToLower(strings.TrimSpace(w))
		if len(w) <= 2 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// fallbackExtractor tries primary and falls back to token splitting on
// error or empty output.
type fallbackExtractor struct {
	primary KeywordExtractor
	logger  *slog.Logger
}

// WithFallback wraps primary so extraction always yields keywords when
// the query has any usable words.
func WithFallback(primary KeywordExtractor, logger *slog.Logger) KeywordExtractor {
	if logger == nil {
		logger = discardLogger()
	}
	return &fallbackExtractor{primary: primary, logger: logger}
}

func (f *fallbackExtractor) Extract(ctx context.Context, query string) ([]string, error) {
	if f.primary != nil {
		kws, err := f.primary.Extract(ctx, query)
		if err == nil && len(kws) > 0 {
			return kws, nil
		}
		if err != nil {
			f.logger.Warn("keyword extraction failed, using query words", "error", err)
		}
	}
	return TokenExtractor{}.Extract(ctx, query)
}
