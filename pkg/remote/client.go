// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/resilience"
	"github.com/jllopis/skillgate/pkg/skill"
)

// Client is a skill.Invokable backed by a remote skill endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitBreaker

	// remote session ids of pending clarifications, by gateway session id
	mu      sync.Mutex
	pending map[string]string
}

// Option configures the client.
type Option func(*Client)

// NewClient creates a client for the skill served at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		retry:      resilience.DefaultRetryConfig(),
		pending:    make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithHeaders sets default headers for each request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		c.headers = make(map[string]string, len(headers))
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRetry sets the retry policy of the idempotent calls (/health and
// /manifest). Executions are never retried.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithCircuitBreaker gives the client its own breaker around /execute and
// /clarify. Only transport failures count against the endpoint.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) {
		if cfg.Name == "" {
			cfg.Name = c.baseURL
		}
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// Resolver returns a skill.Resolver that builds a Client for the manifest's
// entry module and checks that the endpoint is healthy and serves that skill.
func Resolver(opts ...Option) skill.Resolver {
	return func(ctx context.Context, m *manifest.Manifest) (skill.Invokable, error) {
		c := NewClient(m.Entry.Module, opts...)
		h, err := c.Health(ctx)
		if err != nil {
			return nil, err
		}
		if h.SkillID != "" && h.SkillID != m.ID {
			return nil, fmt.Errorf("endpoint %s serves skill %s, not %s", c.baseURL, h.SkillID, m.ID)
		}
		return c, nil
	}
}

// Invoke implements skill.Invokable. Answers for a clarification the remote
// side is holding go to /clarify; everything else goes to /execute.
func (c *Client) Invoke(ctx context.Context, req *skill.Request) (*skill.Response, error) {
	gatewaySession := ""
	if req.Session != nil {
		gatewaySession = req.Session.ID
	}

	var env Envelope
	if remoteSession, ok := c.takePending(gatewaySession); ok && len(req.Answers) > 0 {
		body := ClarifyRequest{RequestID: uuid.NewString(), SessionID: remoteSession, Answers: req.Answers}
		if err := c.call(ctx, "/clarify", body, &env); err != nil {
			return nil, err
		}
	} else {
		body := ExecuteRequest{
			RequestID: uuid.NewString(),
			Action:    req.Action,
			Input:     req.Input,
			Answers:   req.Answers,
		}
		if req.Session != nil {
			body.SessionID = req.Session.ID
			body.History = req.Session.History
		}
		if req.Config != nil {
			body.Config = make(map[string]string)
			for _, k := range req.Config.Keys() {
				if v, ok := req.Config.Get(k); ok {
					body.Config[k] = v
				}
			}
		}
		if err := c.call(ctx, "/execute", body, &env); err != nil {
			return nil, err
		}
	}

	switch env.Type {
	case TypeResult:
		if env.Result == nil {
			return nil, errors.Newf(errors.CodeExecutionError, "remote skill returned an empty result")
		}
		return env.Result, nil
	case TypeClarificationNeeded:
		if gatewaySession != "" && env.SessionID != "" {
			c.putPending(gatewaySession, env.SessionID)
		}
		return skill.Clarify(env.Questions...), nil
	case TypeError:
		code := env.Code
		if code == "" {
			code = errors.CodeExecutionError
		}
		return nil, errors.Newf(code, "%s", env.Error).WithContext("request_id", env.RequestID)
	default:
		return nil, errors.Newf(errors.CodeNetworkError, "remote skill returned unknown response type %q", env.Type)
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.retry.Do(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, "/health", nil, &h)
	})
	if err != nil {
		return nil, err
	}
	if h.Status != "ok" {
		return nil, errors.Newf(errors.CodeNetworkError, "remote skill at %s is %q", c.baseURL, h.Status)
	}
	return &h, nil
}

// Manifest calls GET /manifest.
func (c *Client) Manifest(ctx context.Context) (*manifest.Manifest, error) {
	var raw json.RawMessage
	err := c.retry.Do(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, "/manifest", nil, &raw)
	})
	if err != nil {
		return nil, err
	}
	return manifest.Parse(raw, ".json", nil)
}

func (c *Client) putPending(gatewaySession, remoteSession string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[gatewaySession] = remoteSession
}

func (c *Client) takePending(gatewaySession string) (string, bool) {
	if gatewaySession == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.pending[gatewaySession]
	delete(c.pending, gatewaySession)
	return id, ok
}

// call posts one non-idempotent request through the circuit breaker.
func (c *Client) call(ctx context.Context, path string, payload, resp any) error {
	if c.breaker == nil {
		return c.doJSON(ctx, http.MethodPost, path, payload, resp)
	}
	return c.breaker.Call(ctx, func() error {
		return c.doJSON(ctx, http.MethodPost, path, payload, resp)
	})
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// doJSON performs one call. Transport failures, non-2xx statuses other than
// error envelopes, and undecodable bodies are NETWORK_ERROR.
func (c *Client) doJSON(ctx context.Context, method, path string, payload any, resp any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.New(errors.CodeInternal, "encode request", err)
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return errors.New(errors.CodeNetworkError, "build request", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		request.Header.Set(key, value)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(request.Header))

	response, err := c.httpClient.Do(request)
	if err != nil {
		return errors.New(errors.CodeNetworkError, "remote skill unreachable", err).WithContext("url", c.baseURL)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.New(errors.CodeNetworkError, "read response", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return parseHTTPError(response, data)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return errors.New(errors.CodeNetworkError, "malformed response", err)
	}
	return nil
}

func parseHTTPError(response *http.Response, payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Type == TypeError && env.Error != "" {
		return errors.Newf(errors.CodeNetworkError, "remote skill rejected the call: %s", env.Error).
			WithContext("status", response.StatusCode).
			WithContext("remote_code", string(env.Code))
	}
	return errors.Newf(errors.CodeNetworkError, "remote skill returned %s", response.Status).
		WithContext("status", response.StatusCode)
}
