// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/skillgate/pkg/capability"
	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/gateway"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/resilience"
	"github.com/jllopis/skillgate/pkg/skill"
)

func weatherManifest() *manifest.Manifest {
	return &manifest.Manifest{
		ID:      "weather",
		Name:    "Weather",
		Version: "0.3.0",
		Actions: map[string]*manifest.Action{
			"forecast": manifest.NewTemplateAction("forecast", manifest.Schema{"type": "object"},
				manifest.Schema{
					"type": "object",
					"properties": map[string]any{
						"template": map[string]any{"type": "string", "enum": []any{"sunny"}},
						"degrees":  map[string]any{"type": "integer"},
					},
				},
				map[string]manifest.ResponseTemplate{"sunny": {Text: "Sunny, {{degrees}} degrees."}},
			),
		},
		Capabilities: manifest.Capabilities{Tools: []string{}, CanRequestClarification: true},
		Limits:       manifest.Limits{MaxExecutionTimeMs: 1000},
		Entry:        manifest.Entry{Module: "http://localhost", Export: "default"},
	}
}

func weatherSkill() skill.Invokable {
	return skill.InvokableFunc(func(_ context.Context, req *skill.Request) (*skill.Response, error) {
		city, _ := req.Input["city"].(string)
		switch city {
		case "":
			if len(req.Answers) == 0 {
				return skill.Clarify(clarify.Question{QuestionID: "city", QuestionText: "Which city?", QuestionType: clarify.TypeText}), nil
			}
			city, _ = req.Answers[0].Answer.(string)
		case "atlantis":
			return nil, fmt.Errorf("no stations in %s", city)
		case "vesuvius":
			panic("too hot")
		}
		unit, _ := req.Config.Get("unit")
		degrees := 21
		if unit == "F" {
			degrees = 70
		}
		if city == "oslo" {
			degrees = 3
		}
		return skill.Template(map[string]any{"template": "sunny", "degrees": degrees}), nil
	})
}

func newWeatherServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(NewHandler(weatherManifest(), weatherSkill()))
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL)
}

func TestHealthAndManifest(t *testing.T) {
	_, c := newWeatherServer(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "weather", h.SkillID)

	m, err := c.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "weather", m.ID)
	assert.Equal(t, []string{"forecast"}, m.ActionNames())
}

func TestClientExecute(t *testing.T) {
	_, c := newWeatherServer(t)
	resp, err := c.Invoke(context.Background(), &skill.Request{
		Action: "forecast",
		Input:  map[string]any{"city": "oslo"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, resp.AgentData["degrees"])
}

func TestClientForwardsConfig(t *testing.T) {
	_, c := newWeatherServer(t)
	resp, err := c.Invoke(context.Background(), &skill.Request{
		Action: "forecast",
		Input:  map[string]any{"city": "rome"},
		Config: capability.StaticConfig{"unit": "F"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 70, resp.AgentData["degrees"])
}

func TestClientClarification(t *testing.T) {
	_, c := newWeatherServer(t)
	ctx := context.Background()
	sess := &skill.SessionView{ID: "gw-session"}

	resp, err := c.Invoke(ctx, &skill.Request{Action: "forecast", Input: map[string]any{}, Session: sess})
	require.NoError(t, err)
	require.True(t, resp.NeedsClarification)
	require.Len(t, resp.Questions, 1)
	assert.Equal(t, "city", resp.Questions[0].QuestionID)

	resp, err = c.Invoke(ctx, &skill.Request{
		Action:  "forecast",
		Input:   map[string]any{},
		Session: sess,
		Answers: []clarify.Answer{{QuestionID: "city", Answer: "oslo"}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, resp.AgentData["degrees"])
}

func TestClientSkillErrors(t *testing.T) {
	_, c := newWeatherServer(t)
	for _, city := range []string{"atlantis", "vesuvius"} {
		_, err := c.Invoke(context.Background(), &skill.Request{Action: "forecast", Input: map[string]any{"city": city}})
		require.Error(t, err, city)
		assert.Equal(t, errors.CodeExecutionError, errors.CodeOf(err), city)
	}
}

func TestClientNetworkErrors(t *testing.T) {
	_, c := newWeatherServer(t)
	_, err := c.Invoke(context.Background(), &skill.Request{Action: "hail"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNetworkError, errors.CodeOf(err), "rejected calls surface as network errors")

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer broken.Close()
	_, err = NewClient(broken.URL).Invoke(context.Background(), &skill.Request{Action: "forecast"})
	assert.Equal(t, errors.CodeNetworkError, errors.CodeOf(err))

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer garbage.Close()
	_, err = NewClient(garbage.URL).Invoke(context.Background(), &skill.Request{Action: "forecast"})
	assert.Equal(t, errors.CodeNetworkError, errors.CodeOf(err))

	unreachable := NewClient("http://127.0.0.1:1")
	_, err = unreachable.Invoke(context.Background(), &skill.Request{Action: "forecast"})
	assert.Equal(t, errors.CodeNetworkError, errors.CodeOf(err))
}

func TestClientCircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer broken.Close()

	c := NewClient(broken.URL, WithCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour}))
	for i := 0; i < 4; i++ {
		_, err := c.Invoke(context.Background(), &skill.Request{Action: "forecast"})
		assert.Equal(t, errors.CodeNetworkError, errors.CodeOf(err))
	}
	assert.Equal(t, int32(2), hits.Load(), "an open breaker fails fast")
	assert.Equal(t, resilience.StateOpen, c.breaker.State())
}

func TestHealthRetries(t *testing.T) {
	var hits atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, Health{Status: "ok", SkillID: "weather"})
	}))
	defer flaky.Close()

	c := NewClient(flaky.URL, WithRetry(resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond)))
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "weather", h.SkillID)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHandlerWireShape(t *testing.T) {
	srv, _ := newWeatherServer(t)

	post := func(path, body string) (int, Envelope) {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var env Envelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		return resp.StatusCode, env
	}

	status, env := post("/execute", `{"requestId":"r1","action":"forecast","input":{}}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "r1", env.RequestID)
	assert.Equal(t, TypeClarificationNeeded, env.Type)
	require.NotEmpty(t, env.SessionID)

	status, done := post("/clarify", `{"sessionId":"`+env.SessionID+`","answers":[{"questionId":"city","answer":"oslo"}]}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, TypeResult, done.Type)
	assert.Equal(t, "r1", done.RequestID)
	require.NotNil(t, done.Result)

	status, missing := post("/clarify", `{"sessionId":"`+env.SessionID+`","answers":[]}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, TypeError, missing.Type)

	status, bad := post("/execute", `{`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errors.CodeInvalidInput, bad.Code)
}

func TestResolver(t *testing.T) {
	srv, _ := newWeatherServer(t)
	m := weatherManifest()
	m.Entry.Module = srv.URL

	inv, err := Resolver()(context.Background(), m)
	require.NoError(t, err)
	assert.IsType(t, &Client{}, inv)

	m.ID = "climate"
	_, err = Resolver()(context.Background(), m)
	assert.Error(t, err)

	loader := skill.NewLoader(skill.WithResolver("http", Resolver()))
	m.ID = "weather"
	inv, err = loader.Load(context.Background(), m)
	require.NoError(t, err)
	assert.NotNil(t, inv)
}

func TestGatewayExecutesRemoteSkill(t *testing.T) {
	srv, _ := newWeatherServer(t)
	m := weatherManifest()
	m.Description = "Weather over HTTP"
	m.Entry.Module = srv.URL

	dir := t.TempDir()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644))

	gw := gateway.New(
		gateway.WithLoader(skill.NewLoader(skill.WithResolver("http", Resolver()))),
		gateway.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	_, err = gw.LoadSkill(context.Background(), dir)
	require.NoError(t, err)

	res := gw.Execute(context.Background(), "weather", "forecast", map[string]any{"city": "oslo"}, gateway.ExecuteOptions{})
	tr, ok := res.(*gateway.TemplateResult)
	require.True(t, ok, "got %#v", res)
	assert.Equal(t, "Sunny, 3 degrees.", tr.TemplateText)

	srv.Close()
	res = gw.Execute(context.Background(), "weather", "forecast", map[string]any{"city": "oslo"}, gateway.ExecuteOptions{})
	er, ok := res.(*gateway.ErrorResult)
	require.True(t, ok, "got %#v", res)
	assert.Equal(t, errors.CodeNetworkError, er.Code)
}
