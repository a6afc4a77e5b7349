// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/skillgate/pkg/capability"
	"github.com/jllopis/skillgate/pkg/errors"
)

var (
	// ErrToolboxClosed is returned when operations are attempted on a closed toolbox.
	ErrToolboxClosed = stderrors.New("mcp toolbox is closed")

	// ErrServerNotFound is returned for an unknown server prefix.
	ErrServerNotFound = stderrors.New("mcp server not found")

	// ErrToolNotFound is returned when no server offers the tool.
	ErrToolNotFound = stderrors.New("mcp tool not found")

	// ErrInvalidServerConfig is returned when server configuration is invalid.
	ErrInvalidServerConfig = stderrors.New("invalid mcp server configuration")
)

// ServerType indicates how to connect to an MCP server.
type ServerType string

const (
	ServerTypeStdio ServerType = "stdio"
	ServerTypeHTTP  ServerType = "http"
)

// ServerConfig holds the configuration for an MCP server.
type ServerConfig struct {
	Name string
	Type ServerType

	// For stdio servers
	Command string
	Args    []string
	Env     map[string]string

	// For HTTP servers
	URL     string
	Headers map[string]string

	ClientOptions []ClientOption
}

func (c ServerConfig) validate() (ServerType, error) {
	typ := c.Type
	if typ == "" {
		switch {
		case c.URL != "":
			typ = ServerTypeHTTP
		case c.Command != "":
			typ = ServerTypeStdio
		}
	}
	switch {
	case c.Name == "":
		return "", fmt.Errorf("%w: name is required", ErrInvalidServerConfig)
	case typ == ServerTypeStdio && c.Command == "":
		return "", fmt.Errorf("%w: %s needs a command", ErrInvalidServerConfig, c.Name)
	case typ == ServerTypeHTTP && c.URL == "":
		return "", fmt.Errorf("%w: %s needs a url", ErrInvalidServerConfig, c.Name)
	case typ != ServerTypeStdio && typ != ServerTypeHTTP:
		return "", fmt.Errorf("%w: %s has unknown type %q", ErrInvalidServerConfig, c.Name, c.Type)
	}
	return typ, nil
}

// Toolbox is the tool provider handed to skills. It holds one client per
// configured MCP server and routes calls by tool name. A "server/tool" name
// targets one server; a bare name goes to the first server, by name, that
// lists the tool.
type Toolbox struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  atomic.Bool
	logger  *slog.Logger

	calls    atomic.Int64
	failures atomic.Int64
}

// ToolboxOption configures a Toolbox.
type ToolboxOption func(*Toolbox)

// WithToolboxLogger sets the logger.
func WithToolboxLogger(l *slog.Logger) ToolboxOption {
	return func(b *Toolbox) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewToolbox creates an empty toolbox.
func NewToolbox(opts ...ToolboxOption) *Toolbox {
	b := &Toolbox{clients: make(map[string]*Client), logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add registers a connected client under name, replacing any previous one.
func (b *Toolbox) Add(name string, c *Client) error {
	if name == "" || c == nil {
		return ErrInvalidServerConfig
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return ErrToolboxClosed
	}
	if old, ok := b.clients[name]; ok {
		_ = old.Close()
	}
	b.clients[name] = c
	return nil
}

// Connect dials the server described by cfg and adds it.
func (b *Toolbox) Connect(ctx context.Context, cfg ServerConfig) error {
	typ, err := cfg.validate()
	if err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrToolboxClosed
	}

	var c *Client
	switch typ {
	case ServerTypeStdio:
		c, err = NewStdioClient(ctx, cfg.Command, cfg.Args, cfg.Env, cfg.ClientOptions...)
	case ServerTypeHTTP:
		c, err = NewStreamableHTTPClient(ctx, cfg.URL, cfg.Headers, cfg.ClientOptions...)
	}
	if err != nil {
		return fmt.Errorf("connect mcp server %s: %w", cfg.Name, err)
	}
	b.logger.InfoContext(ctx, "mcp.toolbox.connected", slog.String("server", cfg.Name), slog.String("type", string(typ)))
	return b.Add(cfg.Name, c)
}

// Servers returns the registered server names, sorted.
func (b *Toolbox) Servers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.clients))
	for name := range b.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Toolbox) client(name string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[name]
	return c, ok
}

// ServerTool is a tool together with the server offering it.
type ServerTool struct {
	Server string   `json:"server"`
	Tool   mcp.Tool `json:"tool"`
}

// Tools lists the tools of every server. A server that fails to answer is
// logged and skipped.
func (b *Toolbox) Tools(ctx context.Context) []ServerTool {
	var out []ServerTool
	for _, name := range b.Servers() {
		c, ok := b.client(name)
		if !ok {
			continue
		}
		tools, err := c.ListTools(ctx)
		if err != nil {
			b.logger.WarnContext(ctx, "mcp.toolbox.list_failed", slog.String("server", name), slog.String("error", err.Error()))
			continue
		}
		for _, tool := range tools {
			out = append(out, ServerTool{Server: name, Tool: tool})
		}
	}
	return out
}

func (b *Toolbox) resolve(ctx context.Context, name string) (*Client, mcp.Tool, error) {
	if server, tool, ok := strings.Cut(name, "/"); ok {
		c, found := b.client(server)
		if !found {
			return nil, mcp.Tool{}, fmt.Errorf("%w: %s", ErrServerNotFound, server)
		}
		name = tool
		tools, err := c.ListTools(ctx)
		if err != nil {
			return nil, mcp.Tool{}, err
		}
		for _, t := range tools {
			if t.Name == name {
				return c, t, nil
			}
		}
		return nil, mcp.Tool{}, fmt.Errorf("%w: %s on %s", ErrToolNotFound, name, server)
	}

	for _, st := range b.Tools(ctx) {
		if st.Tool.Name == name {
			c, _ := b.client(st.Server)
			return c, st.Tool, nil
		}
	}
	return nil, mcp.Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// CallTool implements capability.ToolInvoker. Unreachable servers surface as
// NETWORK_ERROR; a tool that reports an error surfaces as EXECUTION_ERROR.
func (b *Toolbox) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if b.closed.Load() {
		return nil, ErrToolboxClosed
	}
	b.calls.Add(1)
	out, err := b.call(ctx, name, args)
	if err != nil {
		b.failures.Add(1)
		b.logger.WarnContext(ctx, "mcp.toolbox.call_failed", slog.String("tool", name), slog.String("error", err.Error()))
		return nil, err
	}
	b.logger.DebugContext(ctx, "mcp.toolbox.call", slog.String("tool", name))
	return out, nil
}

func (b *Toolbox) call(ctx context.Context, name string, args map[string]any) (any, error) {
	c, tool, err := b.resolve(ctx, name)
	if err != nil {
		if stderrors.Is(err, ErrToolNotFound) || stderrors.Is(err, ErrServerNotFound) {
			return nil, errors.New(errors.CodeInvalidInput, "unknown tool", err)
		}
		return nil, errors.New(errors.CodeNetworkError, "mcp tool discovery failed", err)
	}
	if err := validateRequiredArgs(tool, args); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "invalid tool arguments", err)
	}
	result, err := c.CallTool(ctx, tool.Name, args)
	if err != nil {
		return nil, errors.New(errors.CodeNetworkError, "mcp tool call failed", err).WithContext("tool", name)
	}
	return toolResultToOutput(result)
}

// Close shuts down every client.
func (b *Toolbox) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrToolboxClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for name, c := range b.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	b.clients = nil
	return stderrors.Join(errs...)
}

// ToolboxStats contains call counters.
type ToolboxStats struct {
	Servers  int
	Calls    int
	Failures int
}

// Stats returns current toolbox statistics.
func (b *Toolbox) Stats() ToolboxStats {
	b.mu.RLock()
	servers := len(b.clients)
	b.mu.RUnlock()
	return ToolboxStats{
		Servers:  servers,
		Calls:    int(b.calls.Load()),
		Failures: int(b.failures.Load()),
	}
}

var _ capability.ToolInvoker = (*Toolbox)(nil)

func normalizeToolArgs(input any) (map[string]any, error) {
	switch value := input.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, v := range value {
			out[k] = v
		}
		return out, nil
	case json.RawMessage:
		return decodeArgs(value)
	case []byte:
		return decodeArgs(value)
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return map[string]any{}, nil
		}
		return decodeArgs([]byte(trimmed))
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("mcp tool args: unsupported type %T", input)
		}
		return decodeArgs(encoded)
	}
}

func decodeArgs(raw []byte) (map[string]any, error) {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("mcp tool args: invalid JSON: %w", err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}

func validateRequiredArgs(tool mcp.Tool, args map[string]any) error {
	schema := tool.InputSchema
	if schema.Type != "" && schema.Type != "object" {
		return nil
	}
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("mcp tool args: missing required field %q", key)
		}
	}
	return nil
}

func toolResultToOutput(result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, errors.Newf(errors.CodeExecutionError, "mcp tool result is nil")
	}

	if result.IsError {
		return nil, errors.Newf(errors.CodeExecutionError, "mcp tool returned error: %s", extractTextContent(result.Content))
	}

	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}

	return extractTextContent(result.Content), nil
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
