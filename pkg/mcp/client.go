// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetries  = 2
	defaultBackoff  = 200 * time.Millisecond
	defaultCacheTTL = 30 * time.Second
)

// ClientVersion is reported to MCP servers during initialization.
var ClientVersion = "0.1.0"

// ClientOption customizes the MCP client wrapper behavior.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures retry count and backoff.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.maxRetries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithToolCacheTTL sets the tool discovery cache TTL. Use 0 to disable caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithProtocolVersion overrides the protocol version sent on initialize.
func WithProtocolVersion(v string) ClientOption {
	return func(c *Client) {
		if v != "" {
			c.protocolVersion = v
		}
	}
}

// Client wraps an mcp-go client with timeouts, retries and a tool cache.
type Client struct {
	mcpClient       client.MCPClient
	timeout         time.Duration
	maxRetries      int
	backoff         time.Duration
	cacheTTL        time.Duration
	protocolVersion string

	mu          sync.Mutex
	toolsCache  []mcp.Tool
	cacheExpiry time.Time
}

// NewClient wraps an already initialized MCP client.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	cl := &Client{
		mcpClient:       c,
		timeout:         defaultTimeout,
		maxRetries:      defaultRetries,
		backoff:         defaultBackoff,
		cacheTTL:        defaultCacheTTL,
		protocolVersion: mcp.LATEST_PROTOCOL_VERSION,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Connect starts c, runs the initialize handshake and wraps it.
func Connect(ctx context.Context, c *client.Client, opts ...ClientOption) (*Client, error) {
	cl := NewClient(c, opts...)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp start: %w", err)
	}

	initCtx, cancel := cl.withTimeout(ctx)
	defer cancel()
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = cl.protocolVersion
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "skillgate",
		Version: ClientVersion,
	}
	if _, err := c.Initialize(initCtx, initRequest); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	return cl, nil
}

// NewStdioClient launches command and connects to it over stdio.
func NewStdioClient(ctx context.Context, command string, args []string, env map[string]string, opts ...ClientOption) (*Client, error) {
	envArgs := make([]string, 0, len(env))
	for k, v := range env {
		envArgs = append(envArgs, k+"="+v)
	}
	sort.Strings(envArgs)
	return Connect(ctx, client.NewClient(transport.NewStdio(command, envArgs, args...)), opts...)
}

// NewStreamableHTTPClient connects to an MCP server over Streamable HTTP.
func NewStreamableHTTPClient(ctx context.Context, url string, headers map[string]string, opts ...ClientOption) (*Client, error) {
	var topts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		topts = append(topts, transport.WithHTTPHeaders(headers))
	}
	tp, err := transport.NewStreamableHTTP(url, topts...)
	if err != nil {
		return nil, fmt.Errorf("mcp transport: %w", err)
	}
	return Connect(ctx, client.NewClient(tp), opts...)
}

// ListTools retrieves the list of tools available on the server.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}
	resp, err := c.listToolsWithRetry(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	c.storeTools(resp.Tools)
	return resp.Tools, nil
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	return c.callToolWithRetry(ctx, req)
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.mcpClient.Close()
}

func (c *Client) cachedTools() []mcp.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || time.Now().After(c.cacheExpiry) {
		return nil
	}
	out := make([]mcp.Tool, len(c.toolsCache))
	copy(out, c.toolsCache)
	return out
}

func (c *Client) storeTools(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsCache = make([]mcp.Tool, len(tools))
	copy(c.toolsCache, tools)
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
}

func (c *Client) listToolsWithRetry(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return withRetry(ctx, c, func(ctx context.Context) (*mcp.ListToolsResult, error) {
		return c.mcpClient.ListTools(ctx, req)
	})
}

func (c *Client) callToolWithRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return withRetry(ctx, c, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return c.mcpClient.CallTool(ctx, req)
	})
}

// withRetry retries fn with exponential backoff. Context errors are final.
func withRetry[T any](ctx context.Context, c *Client, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	attempts := c.maxRetries + 1
	for i := 0; i < attempts; i++ {
		reqCtx, cancel := c.withTimeout(ctx)
		res, err := fn(reqCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if err := c.sleepBackoff(ctx, i); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	wait := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
