// SPDX-License-Identifier: Apache-2.0

// Package mcp bridges the gateway and the Model Context Protocol in both
// directions: Server exposes gateway actions as MCP tools, and Toolbox lets
// skills call tools offered by external MCP servers.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/content"
	"github.com/jllopis/skillgate/pkg/gateway"
)

// ClarifyToolName is the tool that answers a pending clarification.
const ClarifyToolName = "skillgate_clarify"

// SessionArg is an optional tool argument naming the session to continue.
// It is removed before the input is validated.
const SessionArg = "_sessionId"

const clarifySchema = `{
  "type": "object",
  "properties": {
    "sessionId": {"type": "string"},
    "answers": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"questionId": {"type": "string"}, "answer": {}},
        "required": ["questionId", "answer"]
      }
    }
  },
  "required": ["sessionId", "answers"]
}`

// PassthroughFunc receives content meant for the user. The agent only sees a
// placeholder.
type PassthroughFunc func(ctx context.Context, d *content.Delivery)

// Server exposes a gateway's tools over MCP.
type Server struct {
	gw            *gateway.Gateway
	mcpServer     *server.MCPServer
	onPassthrough PassthroughFunc
	logger        *slog.Logger

	mu         sync.Mutex
	registered map[string]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithOnPassthrough sets the callback that delivers passthrough content.
func WithOnPassthrough(fn PassthroughFunc) ServerOption {
	return func(s *Server) {
		s.onPassthrough = fn
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewGatewayServer registers every gateway tool, plus ClarifyToolName, on a
// new MCP server.
func NewGatewayServer(gw *gateway.Gateway, name, version string, opts ...ServerOption) *Server {
	s := &Server{
		gw:         gw,
		mcpServer:  server.NewMCPServer(name, version, server.WithToolCapabilities(true)),
		logger:     slog.Default(),
		registered: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcpServer.AddTool(
		mcp.NewToolWithRawSchema(ClarifyToolName, "Answer the questions of a skill that asked for clarification.", json.RawMessage(clarifySchema)),
		s.handleClarify,
	)
	s.Sync()
	return s
}

// Sync makes the registered tools match the gateway's loaded skills.
func (s *Server) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]struct{})
	for _, def := range s.gw.ToolDefinitions() {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil || def.InputSchema == nil {
			raw = []byte(`{"type":"object"}`)
		}
		s.mcpServer.AddTool(mcp.NewToolWithRawSchema(def.Name, def.Description, raw), s.toolHandler(def.Name))
		current[def.Name] = struct{}{}
	}

	var stale []string
	for name := range s.registered {
		if _, ok := current[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		s.mcpServer.DeleteTools(stale...)
	}
	s.registered = current
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) toolHandler(tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := normalizeToolArgs(request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sessionID, _ := args[SessionArg].(string)
		delete(args, SessionArg)

		res := s.gw.ExecuteTool(ctx, tool, args, gateway.ExecuteOptions{SessionID: sessionID})
		return s.toResult(ctx, res), nil
	}
}

func (s *Server) handleClarify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := normalizeToolArgs(request.Params.Arguments)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var body struct {
		SessionID string           `json:"sessionId"`
		Answers   []clarify.Answer `json:"answers"`
	}
	raw, _ := json.Marshal(args)
	if err := json.Unmarshal(raw, &body); err != nil || body.SessionID == "" {
		return mcp.NewToolResultError("sessionId and answers are required"), nil
	}
	return s.toResult(ctx, s.gw.Clarify(ctx, body.SessionID, body.Answers)), nil
}

// toResult renders what the agent may see of a gateway result.
func (s *Server) toResult(ctx context.Context, res gateway.Result) *mcp.CallToolResult {
	switch r := res.(type) {
	case *gateway.TemplateResult:
		text := r.TemplateText
		if text == "" {
			raw, _ := json.Marshal(r.AgentData)
			text = string(raw)
		}
		out := mcp.NewToolResultText(text)
		out.StructuredContent = gateway.ToWire(r)
		return out

	case *gateway.PassthroughResult:
		if s.onPassthrough == nil {
			return mcp.NewToolResultText(fmt.Sprintf("[%s available to user as %s]", r.ContentType, r.UserContentRef))
		}
		d, ok := s.gw.DeliverContent(ctx, r.UserContentRef)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("content %s expired before delivery", r.UserContentRef))
		}
		s.onPassthrough(ctx, d)
		s.logger.DebugContext(ctx, "mcp.passthrough.delivered", slog.String("ref", r.UserContentRef), slog.String("content_type", r.ContentType))
		return mcp.NewToolResultText(fmt.Sprintf("[%s delivered to user]", r.ContentType))

	case *gateway.ClarificationResult:
		raw, _ := json.Marshal(gateway.ToWire(r))
		out := mcp.NewToolResultText(fmt.Sprintf("Clarification needed. Answer with %s: %s", ClarifyToolName, raw))
		out.StructuredContent = gateway.ToWire(r)
		return out

	case *gateway.ErrorResult:
		return mcp.NewToolResultError(r.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("unexpected result %T", res))
}
