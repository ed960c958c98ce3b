// Package mcptool resolves "#registry:server query" commands to MCP servers
// listed in a capability registry and runs one tool call against them.
package mcptool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/tracer"
	"agentbridge/internal/usecase/bridge"
)

// defaultCallTimeout bounds one connect + list + call round.
const defaultCallTimeout = 60 * time.Second

// defaultArgument is the argument name used when a tool schema declares no
// string property.
const defaultArgument = "query"

// Registry looks up MCP server connection info. *directory.Client
// satisfies it.
type Registry interface {
	MCPServer(ctx context.Context, registry, name string) (domain.MCPServerInfo, error)
}

// mcpClient abstracts the MCP client for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Connector opens an initialized MCP session to serverURL.
type Connector func(ctx context.Context, serverURL string) (mcpClient, error)

// Options configures a Tool.
type Options struct {
	// Registries overrides the lookup backend per registry name. Names not
	// listed use the default Registry.
	Registries map[string]Registry
	APIKey     string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Tool implements bridge.CapabilityTool over streamable-HTTP MCP servers.
type Tool struct {
	registry   Registry
	registries map[string]Registry
	apiKey     string
	timeout    time.Duration
	connect    Connector
	logger     *slog.Logger
}

var _ bridge.CapabilityTool = (*Tool)(nil)

// New creates a Tool backed by registry.
func New(registry Registry, opts Options) *Tool {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tool{
		registry:   registry,
		registries: opts.Registries,
		apiKey:     opts.APIKey,
		timeout:    opts.Timeout,
		connect:    connectStreamableHTTP,
		logger:     opts.Logger,
	}
}

// WithConnector replaces the MCP session factory.
func (t *Tool) WithConnector(c Connector) *Tool {
	t.connect = c
	return t
}

// Call looks up server in registry, connects, picks a tool and runs query
// against it. When the server exposes several tools and query names none
// of them, the tool list is returned so the caller can retry.
func (t *Tool) Call(ctx context.Context, registry, server, query string) (string, error) {
	const op = "MCPTool.Call"

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ctx, span := tracer.StartSpan(ctx, "mcp.call",
		trace.WithAttributes(
			tracer.StringAttr("mcp.registry", registry),
			tracer.StringAttr("mcp.server", server),
		),
	)
	defer span.End()

	out, err := t.call(ctx, registry, server, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.NewSubSystemError("mcp", op, domain.ErrTimeout, fmt.Sprintf("%s:%s: %v", registry, server, err))
		}
		if !errors.Is(err, domain.ErrCapabilityTool) {
			err = fmt.Errorf("%w: %w", domain.ErrCapabilityTool, err)
		}
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return out, nil
}

func (t *Tool) call(ctx context.Context, registry, server, query string) (string, error) {
	info, err := t.lookup(registry).MCPServer(ctx, registry, server)
	if err != nil {
		return "", err
	}

	serverURL, err := ServerURL(info, t.apiKey)
	if err != nil {
		return "", err
	}

	client, err := t.connect(ctx, serverURL)
	if err != nil {
		return "", domain.WrapOp("connect", err)
	}
	defer client.Close()

	listed, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return "", domain.WrapOp("list tools", err)
	}
	if len(listed.Tools) == 0 {
		return "", domain.NewDomainError("MCPTool.Call", domain.ErrCapabilityTool, server+" exposes no tools")
	}

	selected, arg, ok := SelectTool(listed.Tools, query)
	if !ok {
		return availableTools(registry, server, listed.Tools), nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = selected.Name
	req.Params.Arguments = map[string]any{ArgumentName(selected): arg}

	start := time.Now()
	result, err := client.CallTool(ctx, req)
	if err != nil {
		return "", domain.WrapOp("call "+selected.Name, err)
	}
	t.logger.Info("capability tool called",
		"registry", registry,
		"server", server,
		"tool", selected.Name,
		"duration", time.Since(start),
	)

	content := extractContent(result)
	if result.IsError {
		return "", domain.NewDomainError("MCPTool.Call", domain.ErrCapabilityTool, content)
	}
	return content, nil
}

func (t *Tool) lookup(registry string) Registry {
	if r, ok := t.registries[registry]; ok && r != nil {
		return r
	}
	return t.registry
}

// ServerURL builds the connection URL for a registry entry. Smithery
// servers take the API key and a base64 JSON config as query parameters;
// other registries publish a ready-to-use endpoint.
func ServerURL(info domain.MCPServerInfo, apiKey string) (string, error) {
	if info.Endpoint == "" {
		return "", domain.NewDomainError("MCPTool.ServerURL", domain.ErrInvalidInput, "registry returned no endpoint")
	}
	if !strings.EqualFold(info.RegistryProvider, "smithery") {
		return info.Endpoint, nil
	}
	if apiKey == "" {
		return "", domain.NewDomainError("MCPTool.ServerURL", domain.ErrInvalidInput, "smithery servers require capability_tools.api_key")
	}

	cfg, err := normalizeConfig(info.Config)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(info.Endpoint)
	if err != nil {
		return "", domain.NewDomainError("MCPTool.ServerURL", domain.ErrInvalidInput, err.Error())
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	q.Set("config", base64.StdEncoding.EncodeToString(cfg))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// normalizeConfig returns the config as a JSON object. Registries sometimes
// ship the object as a JSON-encoded string.
func normalizeConfig(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []byte("{}"), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return []byte("{}"), nil
		}
		raw = json.RawMessage(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.NewDomainError("MCPTool.ServerURL", domain.ErrInvalidInput, "config is not a JSON object")
	}
	return json.Marshal(obj)
}

// SelectTool picks the tool a query addresses. A leading word naming a
// tool selects it and the remainder becomes the argument; otherwise a
// server with a single tool gets the whole query.
func SelectTool(tools []mcp.Tool, query string) (mcp.Tool, string, bool) {
	query = strings.TrimSpace(query)
	first, rest, _ := strings.Cut(query, " ")
	for _, tl := range tools {
		if tl.Name == first {
			return tl, strings.TrimSpace(rest), true
		}
	}
	if len(tools) == 1 {
		return tools[0], query, true
	}
	return mcp.Tool{}, "", false
}

// ArgumentName returns the property the query text is passed under: the
// first required string property, then the first string property by name.
func ArgumentName(tl mcp.Tool) string {
	props := tl.InputSchema.Properties
	isString := func(name string) bool {
		p, ok := props[name].(map[string]any)
		return ok && p["type"] == "string"
	}
	for _, name := range tl.InputSchema.Required {
		if isString(name) {
			return name
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		if isString(name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return defaultArgument
	}
	slices.Sort(names)
	return names[0]
}

func availableTools(registry, server string, tools []mcp.Tool) string {
	names := make([]string, 0, len(tools))
	for _, tl := range tools {
		names = append(names, tl.Name)
	}
	slices.Sort(names)
	return fmt.Sprintf("Available tools on %s: %s\nUsage: #%s:%s <tool> <query>",
		server, strings.Join(names, ", "), registry, server)
}

func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func connectStreamableHTTP(ctx context.Context, serverURL string) (mcpClient, error) {
	t, err := transport.NewStreamableHTTP(serverURL)
	if err != nil {
		return nil, fmt.Errorf("create http transport: %w", err)
	}
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start http client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentbridge",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, domain.WrapOp("initialize", err)
	}
	return c, nil
}
