// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jllopis/skillgate/pkg/capability"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/skill"
)

// DefaultPendingTTL bounds how long a clarification waits for its answers.
const DefaultPendingTTL = 10 * time.Minute

const maxBodyBytes = 1 << 20

type pendingCall struct {
	req     ExecuteRequest
	expires time.Time
}

// Handler serves one skill over HTTP.
type Handler struct {
	manifest *manifest.Manifest
	inv      skill.Invokable
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]pendingCall

	router chi.Router
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithPendingTTL sets how long a pending clarification is kept.
func WithPendingTTL(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.ttl = d
		}
	}
}

// NewHandler exposes inv, described by m, as a remote skill.
func NewHandler(m *manifest.Manifest, inv skill.Invokable, opts ...HandlerOption) *Handler {
	h := &Handler{
		manifest: m,
		inv:      inv,
		logger:   slog.Default(),
		ttl:      DefaultPendingTTL,
		now:      time.Now,
		pending:  make(map[string]pendingCall),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.handleHealth)
	r.Get("/manifest", h.handleManifest)
	r.Post("/execute", h.handleExecute)
	r.Post("/clarify", h.handleClarify)
	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{Status: "ok", SkillID: h.manifest.ID, Version: h.manifest.Version})
}

func (h *Handler) handleManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manifest)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(req.RequestID, errors.CodeInvalidInput, err.Error()))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if _, ok := h.manifest.Action(req.Action); !ok {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(req.RequestID, errors.CodeInvalidInput, "unknown action "+req.Action))
		return
	}
	writeJSON(w, http.StatusOK, h.run(r.Context(), req))
}

func (h *Handler) handleClarify(w http.ResponseWriter, r *http.Request) {
	var req ClarifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(req.RequestID, errors.CodeInvalidInput, err.Error()))
		return
	}
	call, ok := h.takePending(req.SessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorEnvelope(req.RequestID, errors.CodeInvalidInput, "no pending clarification for session "+req.SessionID))
		return
	}
	if req.RequestID != "" {
		call.RequestID = req.RequestID
	}
	call.Answers = req.Answers
	writeJSON(w, http.StatusOK, h.run(r.Context(), call))
}

// run invokes the skill and shapes its response. Skill failures are reported
// in the envelope, not as HTTP errors.
func (h *Handler) run(ctx context.Context, req ExecuteRequest) Envelope {
	sreq := &skill.Request{
		Action:  req.Action,
		Input:   req.Input,
		Answers: req.Answers,
		Limits:  h.manifest.Limits,
		Config:  capability.WithDefaults(capability.StaticConfig(req.Config), h.manifest),
	}
	if sreq.Input == nil {
		sreq.Input = map[string]any{}
	}
	if req.SessionID != "" {
		sreq.Session = &skill.SessionView{ID: req.SessionID, History: req.History}
	}

	resp, err := h.invoke(ctx, sreq)
	if err != nil {
		code := errors.CodeOf(err)
		if code == "" || code == errors.CodeInternal {
			code = errors.CodeExecutionError
		}
		h.logger.WarnContext(ctx, "remote.execute.failed",
			slog.String("skill", h.manifest.ID),
			slog.String("action", req.Action),
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
		return errorEnvelope(req.RequestID, code, err.Error())
	}
	if resp == nil {
		return errorEnvelope(req.RequestID, errors.CodeExecutionError, "skill returned no response")
	}
	if resp.NeedsClarification || len(resp.Questions) > 0 {
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		req.SessionID = sessionID
		req.Answers = nil
		h.putPending(sessionID, req)
		return Envelope{RequestID: req.RequestID, Type: TypeClarificationNeeded, SessionID: sessionID, Questions: resp.Questions}
	}
	h.logger.DebugContext(ctx, "remote.execute.done",
		slog.String("skill", h.manifest.ID),
		slog.String("action", req.Action),
		slog.String("request_id", req.RequestID),
	)
	return Envelope{RequestID: req.RequestID, Type: TypeResult, Result: resp, SessionID: req.SessionID}
}

func (h *Handler) invoke(ctx context.Context, req *skill.Request) (resp *skill.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.CodeExecutionError, "skill panicked: %v", r)
		}
	}()
	return h.inv.Invoke(ctx, req)
}

func (h *Handler) putPending(id string, req ExecuteRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for k, p := range h.pending {
		if now.After(p.expires) {
			delete(h.pending, k)
		}
	}
	h.pending[id] = pendingCall{req: req, expires: now.Add(h.ttl)}
}

func (h *Handler) takePending(id string) (ExecuteRequest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[id]
	if !ok {
		return ExecuteRequest{}, false
	}
	delete(h.pending, id)
	if h.now().After(p.expires) {
		return ExecuteRequest{}, false
	}
	return p.req, true
}

func errorEnvelope(requestID string, code errors.ErrorCode, msg string) Envelope {
	return Envelope{RequestID: requestID, Type: TypeError, Code: code, Error: msg}
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "invalid body", err)
	}
	if len(body) == 0 {
		return errors.Newf(errors.CodeInvalidInput, "empty body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New(errors.CodeInvalidInput, "malformed json", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
