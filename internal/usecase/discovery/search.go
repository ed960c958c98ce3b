package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"agentbridge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Directory is the search surface of the directory service.
type Directory interface {
	SearchKeywords(ctx context.Context, keywords []string, originalQuery string) (domain.SearchResponse, error)
	SearchDescription(ctx context.Context, query string) (domain.SearchResponse, error)
	SearchEmbedding(ctx context.Context, query string) (domain.SearchResponse, error)
}

// Default method labels when the directory does not report one.
var defaultMethods = map[domain.Strategy]string{
	domain.StrategyKeywords:    "keyword overlap",
	domain.StrategyDescription: "Direct text matching",
	domain.StrategyEmbedding:   "Cosine similarity",
}

// SearchClient runs the three directory search strategies and normalizes
// their results.
type SearchClient struct {
	dir       Directory
	extractor KeywordExtractor
	logger    *slog.Logger
}

// NewSearchClient creates a SearchClient. A nil extractor selects
// TokenExtractor.
func NewSearchClient(dir Directory, extractor KeywordExtractor, logger *slog.Logger) *SearchClient {
	if extractor == nil {
		extractor = TokenExtractor{}
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &SearchClient{dir: dir, extractor: extractor, logger: logger}
}

// Search runs one strategy. Results keep the directory's order, with
// scores clamped to [0,1].
func (c *SearchClient) Search(ctx context.Context, strategy domain.Strategy, query string) (domain.StrategyResult, error) {
	res := domain.StrategyResult{Strategy: strategy}

	var (
		resp domain.SearchResponse
		err  error
	)
	switch strategy {
	case domain.StrategyKeywords:
		var kws []string
		kws, err = c.extractor.Extract(ctx, query)
		if err != nil {
			return res, domain.WrapOp("SearchClient.Search", err)
		}
		resp, err = c.dir.SearchKeywords(ctx, kws, query)
		res.Method = "keywords: " + strings.Join(kws, ", ")
	case domain.StrategyDescription:
		resp, err = c.dir.SearchDescription(ctx, query)
	case domain.StrategyEmbedding:
		resp, err = c.dir.SearchEmbedding(ctx, query)
	default:
		return res, domain.NewDomainError("SearchClient.Search", domain.ErrInvalidInput, fmt.Sprintf("unknown strategy %q", strategy))
	}
	if err != nil {
		return res, domain.WrapOp("SearchClient.Search", err)
	}

	if res.Method == "" {
		res.Method = resp.Method
	}
	if res.Method == "" {
		res.Method = defaultMethods[strategy]
	}
	res.TotalSearched = resp.TotalSearched
	res.Agents = make([]domain.AgentScore, 0, len(resp.Agents))
	for _, hit := range resp.Agents {
		if hit.AgentID == "" {
			continue
		}
		rec := hit.AgentRecord
		reasons := make([]string, 0, len(hit.MatchReasons)+1)
		reasons = append(reasons, fmt.Sprintf("matched by %s search (%s)", strategy, methodOr(resp.Method, strategy)))
		reasons = append(reasons, hit.MatchReasons...)
		res.Agents = append(res.Agents, domain.AgentScore{
			AgentID:      hit.AgentID,
			Score:        clamp01(hit.Score),
			MatchReasons: reasons,
			Strategy:     strategy,
			Record:       &rec,
		})
	}
	if res.TotalSearched < len(res.Agents) {
		res.TotalSearched = len(res.Agents)
	}
	return res, nil
}

// SearchAll runs strategies concurrently. A failing strategy degrades to
// an empty result with Err set. The call fails only when every strategy
// failed because the directory is unavailable.
func (c *SearchClient) SearchAll(ctx context.Context, query string, strategies ...domain.Strategy) ([]domain.StrategyResult, error) {
	if len(strategies) == 0 {
		strategies = domain.Strategies
	}
	results := make([]domain.StrategyResult, len(strategies))

	var g errgroup.Group
	for i, s := range strategies {
		g.Go(func() error {
			res, err := c.Search(ctx, s, query)
			if err != nil {
				c.logger.Warn("search strategy degraded",
					"strategy", string(s),
					"error", err,
					"error_code", domain.ErrorCodeOf(err),
				)
				res = domain.StrategyResult{Strategy: s, Method: defaultMethods[s], Err: err}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	unavailable := 0
	for _, r := range results {
		if r.Err != nil && errors.Is(r.Err, domain.ErrDirectoryUnavailable) {
			unavailable++
		}
	}
	if unavailable == len(results) {
		return results, domain.NewSubSystemError("directory", "SearchClient.SearchAll", domain.ErrDirectoryUnavailable, "all strategies failed")
	}
	return results, nil
}

func methodOr(method string, strategy domain.Strategy) string {
	if method != "" {
		return method
	}
	return defaultMethods[strategy]
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
