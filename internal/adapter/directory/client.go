package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/tracer"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
	defaultTimeout       time.Duration = 10 * time.Second
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// Client talks to the agent directory over HTTP. Every call goes through a
// circuit breaker; connection failures, 5xx responses and an open circuit
// surface as domain.ErrDirectoryUnavailable.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

// New creates a directory client for cfg.URL.
func New(cfg config.DirectoryConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewWithHTTPClient(cfg, &http.Client{Timeout: timeout}, logger)
}

// NewWithHTTPClient creates a client using hc for transport.
func NewWithHTTPClient(cfg config.DirectoryConfig, hc *http.Client, logger *slog.Logger) *Client {
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	cbTimeout := cfg.Breaker.Timeout
	if cbTimeout == 0 {
		cbTimeout = defaultCBTimeout
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "directory",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     cbTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Only an unreachable directory counts against the breaker; a 404
		// or a rejected request means the directory is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrDirectoryUnavailable)
		},
	})

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
		breaker: cb,
		logger:  logger,
	}
}

// BaseURL returns the directory root this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// State returns the breaker state for status reporting.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

type registerRequest struct {
	AgentID      string   `json:"agent_id"`
	AgentURL     string   `json:"agent_url"`
	APIURL       string   `json:"api_url,omitempty"`
	FactsURL     string   `json:"agent_facts_url,omitempty"`
	Description  string   `json:"description,omitempty"`
	Domain       string   `json:"domain,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Register announces rec to the directory.
func (c *Client) Register(ctx context.Context, rec domain.AgentRecord) error {
	body := registerRequest{
		AgentID:      rec.AgentID,
		AgentURL:     rec.Address,
		APIURL:       rec.APIURL,
		FactsURL:     rec.FactsURL,
		Description:  rec.Description,
		Domain:       rec.Domain,
		Capabilities: rec.Capabilities,
		Tags:         rec.Tags,
	}
	return c.do(ctx, "register", http.MethodPost, "/register", body, nil)
}

// Lookup returns the address registered for agentID. An unknown id wraps
// domain.ErrPeerNotFound.
func (c *Client) Lookup(ctx context.Context, agentID string) (string, error) {
	var rec domain.AgentRecord
	err := c.do(ctx, "lookup", http.MethodGet, "/lookup/"+url.PathEscape(agentID), nil, &rec)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.NewSubSystemError("peer", "Directory.Lookup", domain.ErrPeerNotFound, agentID)
	}
	if err != nil {
		return "", err
	}
	return rec.Address, nil
}

// List returns every registered agent. Both a bare array and an
// {"agents": [...]} object are accepted.
func (c *Client) List(ctx context.Context) ([]domain.AgentRecord, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list", http.MethodGet, "/list", nil, &raw); err != nil {
		return nil, err
	}

	var agents []domain.AgentRecord
	if err := json.Unmarshal(raw, &agents); err == nil {
		return agents, nil
	}
	var wrapped struct {
		Agents []domain.AgentRecord `json:"agents"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, domain.NewSubSystemError("directory", "Directory.List", domain.ErrInvalidInput, err.Error())
	}
	return wrapped.Agents, nil
}

type keywordSearch struct {
	Keywords      []string `json:"keywords"`
	OriginalQuery string   `json:"original_query"`
}

type textSearch struct {
	Query         string `json:"query"`
	OriginalQuery string `json:"original_query"`
}

// SearchKeywords runs the keyword strategy.
func (c *Client) SearchKeywords(ctx context.Context, keywords []string, originalQuery string) (domain.SearchResponse, error) {
	var resp domain.SearchResponse
	err := c.do(ctx, "search.keyword", http.MethodPost, "/search/keyword", keywordSearch{Keywords: keywords, OriginalQuery: originalQuery}, &resp)
	return resp, err
}

// SearchDescription runs the description strategy.
func (c *Client) SearchDescription(ctx context.Context, query string) (domain.SearchResponse, error) {
	var resp domain.SearchResponse
	err := c.do(ctx, "search.description", http.MethodPost, "/search/description", textSearch{Query: query, OriginalQuery: query}, &resp)
	return resp, err
}

// SearchEmbedding runs the embedding strategy.
func (c *Client) SearchEmbedding(ctx context.Context, query string) (domain.SearchResponse, error) {
	var resp domain.SearchResponse
	err := c.do(ctx, "search.embedding", http.MethodPost, "/search/embedding", textSearch{Query: query, OriginalQuery: query}, &resp)
	return resp, err
}

// UpdateStatus reports this agent's availability.
func (c *Client) UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	body := map[string]string{"status": string(status)}
	return c.do(ctx, "status", http.MethodPut, "/agents/"+url.PathEscape(agentID)+"/status", body, nil)
}

// Deregister removes agentID from the directory.
func (c *Client) Deregister(ctx context.Context, agentID string) error {
	return c.do(ctx, "deregister", http.MethodDelete, "/agents/"+url.PathEscape(agentID), nil, nil)
}

type interactionLog struct {
	AgentID        string  `json:"agent_id"`
	StructureType  string  `json:"structure_type"`
	Score          float64 `json:"score"`
	Question       string  `json:"question"`
	Answer         string  `json:"answer"`
	ResponseTimeMS int64   `json:"response_time_ms"`
	Success        bool    `json:"success"`
	Timestamp      string  `json:"timestamp"`
}

// LogInteraction posts a fan-out exchange to the directory's Q&A log.
func (c *Client) LogInteraction(ctx context.Context, in domain.Interaction) error {
	body := interactionLog{
		AgentID:        in.AgentID,
		StructureType:  string(in.Strategy),
		Score:          in.Score,
		Question:       in.Question,
		Answer:         in.Answer,
		ResponseTimeMS: in.ResponseTime.Milliseconds(),
		Success:        in.Success,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	return c.do(ctx, "logger", http.MethodPost, "/logger", body, nil)
}

// MCPServer looks up the endpoint of an MCP server in a registry.
func (c *Client) MCPServer(ctx context.Context, registry, name string) (domain.MCPServerInfo, error) {
	q := url.Values{}
	q.Set("registry_provider", registry)
	q.Set("qualified_name", name)

	var info domain.MCPServerInfo
	err := c.do(ctx, "mcp_registry", http.MethodGet, "/get_mcp_registry?"+q.Encode(), nil, &info)
	if errors.Is(err, domain.ErrNotFound) {
		return info, domain.NewSubSystemError("mcp", "Directory.MCPServer", domain.ErrNotFound, registry+":"+name)
	}
	if err == nil && info.Endpoint == "" {
		return info, domain.NewSubSystemError("mcp", "Directory.MCPServer", domain.ErrNotFound, registry+":"+name)
	}
	return info, err
}

// do performs one JSON request through the breaker and decodes the
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, span := tracer.StartSpan(ctx, "directory."+op,
		trace.WithAttributes(
			tracer.StringAttr("http.method", method),
			tracer.StringAttr("directory.path", path),
		),
	)
	defer span.End()

	opName := "Directory." + op
	if c.baseURL == "" {
		err := domain.NewSubSystemError("directory", opName, domain.ErrDirectoryUnavailable, "no directory configured")
		tracer.RecordError(span, err)
		return err
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			tracer.RecordError(span, err)
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, opName, method, path, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domain.NewSubSystemError("directory", opName, domain.ErrDirectoryUnavailable, "circuit open: "+err.Error())
		}
		tracer.RecordError(span, err)
		return err
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			err = domain.NewSubSystemError("directory", opName, domain.ErrInvalidInput, "decode response: "+err.Error())
			tracer.RecordError(span, err)
			return err
		}
	}
	tracer.SetOK(span)
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, domain.NewSubSystemError("directory", op, domain.ErrInvalidInput, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("directory request failed", "op", op, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDirectoryUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %w", domain.ErrDirectoryUnavailable, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.NewSubSystemError("directory", op, domain.ErrNotFound, path)
	case resp.StatusCode >= 500:
		return nil, domain.NewSubSystemError("directory", op, domain.ErrDirectoryUnavailable,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(body)))
	case resp.StatusCode >= 400:
		return nil, domain.NewSubSystemError("directory", op, domain.ErrInvalidInput,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(body)))
	}
	return body, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
