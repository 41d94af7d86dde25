package driver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultMCPTimeout = 120 * time.Second

// Tool describes a tool offered by the MCP server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Toolbox lists and invokes tools. MCPClient is the production implementation.
type Toolbox interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error)
}

// MCPConfig configures the connection to the SQL MCP server.
type MCPConfig struct {
	Endpoint       string
	Token          string // optional bearer token
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// MCPClient is a Toolbox backed by a streamable HTTP MCP session.
type MCPClient struct {
	log     *slog.Logger
	cfg     MCPConfig
	client  *mcp.Client
	mu      sync.RWMutex
	session *mcp.ClientSession
}

var _ Toolbox = (*MCPClient)(nil)

// ConnectMCP opens a session with the MCP server at cfg.Endpoint.
func ConnectMCP(ctx context.Context, cfg MCPConfig) (*MCPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("mcp endpoint is required")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultMCPTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &MCPClient{
		log:    cfg.Logger,
		cfg:    cfg,
		client: mcp.NewClient(&mcp.Implementation{Name: "query-tracer", Version: "1.0.0"}, nil),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *MCPClient) connect(ctx context.Context) error {
	httpClient := &http.Client{Timeout: c.cfg.RequestTimeout}
	if c.cfg.Token != "" {
		httpClient.Transport = &tokenTransport{base: http.DefaultTransport, token: c.cfg.Token}
	}

	session, err := c.client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   c.cfg.Endpoint,
		HTTPClient: httpClient,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to MCP server: %w", err)
	}

	c.mu.Lock()
	if c.session != nil {
		c.session.Close()
	}
	c.session = session
	c.mu.Unlock()

	c.log.Info("connected to mcp server", slog.String("endpoint", c.cfg.Endpoint))
	return nil
}

func (c *MCPClient) current() (*mcp.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, fmt.Errorf("mcp session not connected")
	}
	return c.session, nil
}

// isConnectionError reports errors that a fresh session may fix.
func isConnectionError(err error) bool {
	msg := err.Error()
	for _, s := range []string{"connection closed", "EOF", "client is closing", "broken pipe", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// withSession runs fn, reconnecting once on a connection error.
func withSession[T any](ctx context.Context, c *MCPClient, fn func(*mcp.ClientSession) (T, error)) (T, error) {
	var zero T
	session, err := c.current()
	if err != nil {
		return zero, err
	}
	v, err := fn(session)
	if err == nil || !isConnectionError(err) {
		return v, err
	}

	c.log.Warn("mcp connection error, reconnecting", slog.String("error", err.Error()))
	if rerr := c.connect(ctx); rerr != nil {
		return zero, fmt.Errorf("failed to reconnect: %w (original error: %w)", rerr, err)
	}
	if session, err = c.current(); err != nil {
		return zero, err
	}
	return fn(session)
}

func (c *MCPClient) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := withSession(ctx, c, func(s *mcp.ClientSession) (*mcp.ListToolsResult, error) {
		return s.ListTools(ctx, &mcp.ListToolsParams{})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, _ := t.InputSchema.(map[string]any)
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	c.log.Debug("listed mcp tools", slog.Int("count", len(tools)))
	return tools, nil
}

// CallTool invokes a tool and joins its text content. The bool reports a
// tool-level error result.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	result, err := withSession(ctx, c, func(s *mcp.ClientSession) (*mcp.CallToolResult, error) {
		return s.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	})
	if err != nil {
		return "", true, fmt.Errorf("failed to call tool %s: %w", name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	out := strings.Join(parts, "\n")

	if result.IsError {
		c.log.Warn("mcp tool returned error result", slog.String("tool", name), slog.String("error", out))
	} else {
		c.log.Debug("called mcp tool", slog.String("tool", name), slog.Int("chars", len(out)))
	}
	return out, result.IsError, nil
}

func (c *MCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// tokenTransport adds a bearer token to every request.
type tokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
