// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/gateway"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/skill"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := skill.NewRegistry()
	reg.Register("article-search", "default", func(*manifest.Manifest) (skill.Invokable, error) {
		return skill.InvokableFunc(func(_ context.Context, req *skill.Request) (*skill.Response, error) {
			if req.Action == "details" {
				return skill.Passthrough("article", "Full text.", map[string]any{"title": "T", "safe": []any{"title"}}), nil
			}
			if req.Input["topic"] == "ambiguous" && len(req.Answers) == 0 {
				return skill.Clarify(clarify.Question{
					QuestionID:   "scope",
					QuestionText: "Which catalog?",
					QuestionType: clarify.TypeChoice,
					Options:      []string{"news", "papers"},
				}), nil
			}
			return skill.Template(map[string]any{"template": "success", "count": 2}), nil
		}), nil
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gateway.New(
		gateway.WithLoader(skill.NewLoader(skill.WithRegistry(reg))),
		gateway.WithLogger(logger),
	)
	_, err := gw.LoadSkill(context.Background(), "../manifest/testdata/article-search")
	require.NoError(t, err)

	srv := httptest.NewServer(New(gw, Options{Version: "test", Logger: logger}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthAndTools(t *testing.T) {
	srv := newTestServer(t)

	status, health := call(t, http.MethodGet, srv.URL+"/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "test", health["version"])
	assert.Equal(t, map[string]any{"loaded": float64(1)}, health["skills"])

	status, tools := call(t, http.MethodGet, srv.URL+"/api/v1/tools", nil)
	assert.Equal(t, http.StatusOK, status)
	list, ok := tools["tools"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "article-search:details", list[0].(map[string]any)["name"])
}

func TestExecuteTemplate(t *testing.T) {
	srv := newTestServer(t)
	status, res := call(t, http.MethodPost, srv.URL+"/api/v1/execute", ExecuteRequest{
		Tool:  "article-search:search",
		Input: map[string]any{"topic": "Go"},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, res["success"])
	assert.Equal(t, "template", res["responseMode"])
	assert.Equal(t, "Found 2 articles on the topic.", res["response"])
	assert.NotEmpty(t, res["sessionId"])
}

func TestExecuteErrors(t *testing.T) {
	srv := newTestServer(t)

	status, res := call(t, http.MethodPost, srv.URL+"/api/v1/execute", ExecuteRequest{
		Tool:  "article-search:search",
		Input: map[string]any{"topic": ""},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "INVALID_INPUT", res["code"])

	status, res = call(t, http.MethodPost, srv.URL+"/api/v1/execute", ExecuteRequest{Tool: "weather:forecast"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "SKILL_NOT_FOUND", res["code"])

	resp, err := http.Post(srv.URL+"/api/v1/execute", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPassthroughDeliveredOnce(t *testing.T) {
	srv := newTestServer(t)
	status, res := call(t, http.MethodPost, srv.URL+"/api/v1/execute", ExecuteRequest{
		Tool:  "article-search:details",
		Input: map[string]any{"id": "article-9"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "passthrough", res["responseMode"])
	assert.NotContains(t, res, "content")
	ref, _ := res["userContentRef"].(string)
	require.NotEmpty(t, ref)

	status, delivered := call(t, http.MethodGet, srv.URL+"/api/v1/content/"+ref, nil)
	assert.Equal(t, http.StatusOK, status)
	content, ok := delivered["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Full text.", content["content"])

	status, _ = call(t, http.MethodGet, srv.URL+"/api/v1/content/"+ref, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestClarifyOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	status, res := call(t, http.MethodPost, srv.URL+"/api/v1/execute", ExecuteRequest{
		Tool:  "article-search:search",
		Input: map[string]any{"topic": "ambiguous"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, res["needsClarification"])
	sessionID, _ := res["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	status, res = call(t, http.MethodPost, srv.URL+"/api/v1/clarify", ClarifyRequest{
		SessionID: sessionID,
		Answers:   []clarify.Answer{{QuestionID: "scope", Answer: "papers"}},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Found 2 articles on the topic.", res["response"])
}

func TestNotFoundRoute(t *testing.T) {
	srv := newTestServer(t)
	status, res := call(t, http.MethodGet, srv.URL+"/api/v2/anything", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, res["success"])
}

func TestListenAndServeStops(t *testing.T) {
	gw := gateway.New(gateway.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s := New(gw, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()
	assert.NoError(t, <-done)
}
