// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/content"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/gateway"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/skill"
)

const mcpStdioHelperEnv = "SKILLGATE_MCP_STDIO_HELPER"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scaleServer offers one tool that weighs items.
func scaleServer() *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer("lab", "1.0.0")
	srv.AddTool(
		mcpgo.NewTool("scale", mcpgo.WithDescription("Weigh an item"), mcpgo.WithString("item", mcpgo.Required())),
		func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			args, _ := req.Params.Arguments.(map[string]any)
			if args["item"] == "anvil" {
				return mcpgo.NewToolResultError("too heavy"), nil
			}
			return mcpgo.NewToolResultText("12"), nil
		},
	)
	return srv
}

func TestHelperMCPStdioServer(t *testing.T) {
	if os.Getenv(mcpStdioHelperEnv) != "1" {
		return
	}
	if err := mcpserver.ServeStdio(scaleServer()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func notesManifest() *manifest.Manifest {
	countData := manifest.Schema{
		"type": "object",
		"properties": map[string]any{
			"template": map[string]any{"type": "string", "enum": []any{"ok"}},
			"grams":    map[string]any{"type": "integer"},
		},
		"required": []any{"grams"},
	}
	return &manifest.Manifest{
		ID:          "notes",
		Name:        "Notes",
		Description: "Weighs things and shows notes",
		Version:     "0.2.0",
		Actions: map[string]*manifest.Action{
			"weigh": manifest.NewTemplateAction("Weigh an item", manifest.Schema{
				"type":       "object",
				"properties": map[string]any{"item": map[string]any{"type": "string"}},
				"required":   []any{"item"},
			}, countData, map[string]manifest.ResponseTemplate{"ok": {Text: "It weighs {{grams}} grams."}}),
			"show": manifest.NewPassthroughAction("Show a note", manifest.Schema{"type": "object"}, manifest.Schema{
				"type":       "object",
				"properties": map[string]any{"content": map[string]any{"type": "string"}},
				"required":   []any{"content"},
			}),
		},
		Capabilities: manifest.Capabilities{Tools: []string{"scale"}, CanRequestClarification: true},
		Limits:       manifest.Limits{MaxExecutionTimeMs: 2000, MaxToolCalls: 2},
		Entry:        manifest.Entry{Module: skill.BuiltinScheme + "notes", Export: skill.DefaultExport},
	}
}

func notesSkill() skill.Invokable {
	return skill.InvokableFunc(func(ctx context.Context, req *skill.Request) (*skill.Response, error) {
		switch req.Action {
		case "show":
			return skill.Passthrough("text/markdown", "# secret note", nil), nil
		case "weigh":
			item, _ := req.Input["item"].(string)
			if item == "" || item == "?" {
				if len(req.Answers) == 0 {
					return skill.Clarify(clarify.Question{QuestionID: "item", QuestionText: "What should be weighed?", QuestionType: clarify.TypeText}), nil
				}
				item, _ = req.Answers[0].Answer.(string)
			}
			if req.Tools == nil {
				return skill.Template(map[string]any{"template": "ok", "grams": 0}), nil
			}
			out, err := req.Tools.Call(ctx, "scale", map[string]any{"item": item})
			if err != nil {
				return nil, err
			}
			grams, err := strconv.Atoi(fmt.Sprint(out))
			if err != nil {
				return nil, err
			}
			return skill.Template(map[string]any{"template": "ok", "grams": grams}), nil
		}
		return nil, fmt.Errorf("unexpected action %s", req.Action)
	})
}

func newNotesGateway(t *testing.T, opts ...gateway.Option) *gateway.Gateway {
	t.Helper()
	gw := gateway.New(append([]gateway.Option{gateway.WithLogger(discardLogger())}, opts...)...)
	require.NoError(t, gw.Register(context.Background(), notesManifest(), notesSkill()))
	return gw
}

// connect serves s in process and returns a client for it.
func connect(t *testing.T, s *Server) *Client {
	t.Helper()
	inproc, err := client.NewInProcessClient(s.MCPServer())
	require.NoError(t, err)
	c, err := Connect(context.Background(), inproc, WithToolCacheTTL(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func callText(t *testing.T, c *Client, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := c.CallTool(context.Background(), name, args)
	require.NoError(t, err)
	return extractTextContent(res.Content), res.IsError
}

func TestServerListsGatewayTools(t *testing.T) {
	c := connect(t, NewGatewayServer(newNotesGateway(t), "skillgate", "test", WithServerLogger(discardLogger())))

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"notes:show", "notes:weigh", ClarifyToolName}, names)
}

func TestServerTemplateResult(t *testing.T) {
	c := connect(t, NewGatewayServer(newNotesGateway(t), "skillgate", "test"))

	text, isErr := callText(t, c, "notes:weigh", map[string]any{"item": "feather"})
	assert.False(t, isErr)
	assert.Equal(t, "It weighs 0 grams.", text, "no tool provider configured")
}

func TestServerPassthrough(t *testing.T) {
	var got *content.Delivery
	gw := newNotesGateway(t)
	c := connect(t, NewGatewayServer(gw, "skillgate", "test", WithOnPassthrough(func(_ context.Context, d *content.Delivery) {
		got = d
	})))

	text, isErr := callText(t, c, "notes:show", nil)
	assert.False(t, isErr)
	assert.Equal(t, "[text/markdown delivered to user]", text)
	assert.NotContains(t, text, "secret")
	require.NotNil(t, got)
	assert.Equal(t, "# secret note", got.Content.Content)
	assert.True(t, got.Receipt.Delivered)
}

func TestServerPassthroughWithoutCallback(t *testing.T) {
	gw := newNotesGateway(t)
	c := connect(t, NewGatewayServer(gw, "skillgate", "test"))

	text, _ := callText(t, c, "notes:show", nil)
	assert.NotContains(t, text, "secret")
	ref := strings.TrimSuffix(text[strings.LastIndex(text, " ")+1:], "]")
	d, ok := gw.DeliverContent(context.Background(), ref)
	require.True(t, ok, "content stays redeemable: %s", text)
	assert.Equal(t, "# secret note", d.Content.Content)
}

func TestServerErrors(t *testing.T) {
	c := connect(t, NewGatewayServer(newNotesGateway(t), "skillgate", "test"))

	text, isErr := callText(t, c, "notes:weigh", map[string]any{"item": 3})
	assert.True(t, isErr)
	assert.Contains(t, text, string(errors.CodeInvalidInput))

	text, isErr = callText(t, c, ClarifyToolName, map[string]any{"answers": []any{}})
	assert.True(t, isErr)
	assert.Contains(t, text, "sessionId")
}

func TestServerClarification(t *testing.T) {
	c := connect(t, NewGatewayServer(newNotesGateway(t), "skillgate", "test"))

	text, isErr := callText(t, c, "notes:weigh", map[string]any{"item": "?"})
	require.False(t, isErr)
	require.Contains(t, text, ClarifyToolName)

	var wire gateway.Wire
	require.NoError(t, json.Unmarshal([]byte(text[strings.Index(text, "{"):]), &wire))
	require.True(t, wire.NeedsClarification)
	require.NotEmpty(t, wire.SessionID)
	require.Len(t, wire.Questions, 1)

	text, isErr = callText(t, c, ClarifyToolName, map[string]any{
		"sessionId": wire.SessionID,
		"answers":   []any{map[string]any{"questionId": "item", "answer": "stone"}},
	})
	assert.False(t, isErr)
	assert.Equal(t, "It weighs 0 grams.", text)
}

func TestServerSessionArgument(t *testing.T) {
	c := connect(t, NewGatewayServer(newNotesGateway(t), "skillgate", "test"))

	text, isErr := callText(t, c, "notes:weigh", map[string]any{"item": "feather", SessionArg: "does-not-exist"})
	assert.False(t, isErr, text)
}

func TestServerSyncDropsUnloadedSkills(t *testing.T) {
	gw := newNotesGateway(t)
	s := NewGatewayServer(gw, "skillgate", "test")
	c := connect(t, s)

	require.True(t, gw.UnloadSkill("notes"))
	s.Sync()

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, ClarifyToolName, tools[0].Name)
}

func newHTTPToolbox(t *testing.T) *Toolbox {
	t.Helper()
	httpServer := mcpserver.NewTestStreamableHTTPServer(scaleServer())
	t.Cleanup(httpServer.Close)

	box := NewToolbox(WithToolboxLogger(discardLogger()))
	t.Cleanup(func() { _ = box.Close() })
	require.NoError(t, box.Connect(context.Background(), ServerConfig{
		Name:          "lab",
		URL:           httpServer.URL,
		ClientOptions: []ClientOption{WithRetry(0, 0)},
	}))
	return box
}

func TestToolboxCallTool(t *testing.T) {
	box := newHTTPToolbox(t)
	ctx := context.Background()
	assert.Equal(t, []string{"lab"}, box.Servers())

	out, err := box.CallTool(ctx, "scale", map[string]any{"item": "feather"})
	require.NoError(t, err)
	assert.Equal(t, "12", out)

	out, err = box.CallTool(ctx, "lab/scale", map[string]any{"item": "feather"})
	require.NoError(t, err)
	assert.Equal(t, "12", out)

	_, err = box.CallTool(ctx, "thermometer", nil)
	assert.Equal(t, errors.CodeInvalidInput, errors.CodeOf(err))

	_, err = box.CallTool(ctx, "garage/scale", nil)
	assert.Equal(t, errors.CodeInvalidInput, errors.CodeOf(err))

	_, err = box.CallTool(ctx, "scale", map[string]any{})
	assert.Equal(t, errors.CodeInvalidInput, errors.CodeOf(err), "missing required argument")

	_, err = box.CallTool(ctx, "scale", map[string]any{"item": "anvil"})
	assert.Equal(t, errors.CodeExecutionError, errors.CodeOf(err))

	stats := box.Stats()
	assert.Equal(t, 1, stats.Servers)
	assert.Equal(t, 6, stats.Calls)
	assert.Equal(t, 4, stats.Failures)
}

func TestToolboxStdio(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	box := NewToolbox(WithToolboxLogger(discardLogger()))
	defer box.Close()
	require.NoError(t, box.Connect(context.Background(), ServerConfig{
		Name:    "lab",
		Command: exe,
		Args:    []string{"-test.run", "TestHelperMCPStdioServer"},
		Env:     map[string]string{mcpStdioHelperEnv: "1"},
	}))

	tools := box.Tools(context.Background())
	require.Len(t, tools, 1)
	assert.Equal(t, "scale", tools[0].Tool.Name)

	out, err := box.CallTool(context.Background(), "scale", map[string]any{"item": "feather"})
	require.NoError(t, err)
	assert.Equal(t, "12", out)
}

func TestToolboxConfigValidation(t *testing.T) {
	box := NewToolbox()
	ctx := context.Background()
	for _, cfg := range []ServerConfig{
		{},
		{Name: "x"},
		{Name: "x", Type: ServerTypeHTTP},
		{Name: "x", Type: "carrier-pigeon", URL: "http://x"},
	} {
		assert.ErrorIs(t, box.Connect(ctx, cfg), ErrInvalidServerConfig, "%+v", cfg)
	}

	require.NoError(t, box.Close())
	assert.ErrorIs(t, box.Close(), ErrToolboxClosed)
	_, err := box.CallTool(ctx, "scale", nil)
	assert.ErrorIs(t, err, ErrToolboxClosed)
}

func TestSkillCallsDeclaredTools(t *testing.T) {
	gw := newNotesGateway(t, gateway.WithToolInvoker(newHTTPToolbox(t)))
	ctx := context.Background()

	res := gw.ExecuteTool(ctx, "notes:weigh", map[string]any{"item": "feather"}, gateway.ExecuteOptions{})
	tr, ok := res.(*gateway.TemplateResult)
	require.True(t, ok, "got %#v", res)
	assert.Equal(t, "It weighs 12 grams.", tr.TemplateText)

	res = gw.ExecuteTool(ctx, "notes:weigh", map[string]any{"item": "anvil"}, gateway.ExecuteOptions{})
	er, ok := res.(*gateway.ErrorResult)
	require.True(t, ok, "got %#v", res)
	assert.Equal(t, errors.CodeExecutionError, er.Code)
}
