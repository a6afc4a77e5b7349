// SPDX-License-Identifier: Apache-2.0

// Package server exposes a gateway over HTTP+JSON under /api/v1.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/gateway"
)

const maxBodyBytes = 1 << 20

// Options configures a Server.
type Options struct {
	Version     string
	CORSOrigins []string
	Logger      *slog.Logger
	// ShutdownTimeout bounds graceful shutdown in ListenAndServe.
	ShutdownTimeout time.Duration
}

// Server serves the gateway API.
type Server struct {
	gw      *gateway.Gateway
	opts    Options
	logger  *slog.Logger
	handler http.Handler
}

// ExecuteRequest is the body of POST /api/v1/execute.
type ExecuteRequest struct {
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input"`
	SessionID string         `json:"sessionId,omitempty"`
}

// ClarifyRequest is the body of POST /api/v1/clarify.
type ClarifyRequest struct {
	SessionID string           `json:"sessionId"`
	Answers   []clarify.Answer `json:"answers"`
}

// New builds the router for gw.
func New(gw *gateway.Gateway, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{gw: gw, opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, s.requestLogger, middleware.Recoverer)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/tools", s.handleTools)
		r.Post("/execute", s.handleExecute)
		r.Post("/clarify", s.handleClarify)
		r.Get("/content/{ref}", s.handleContent)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errors.Newf(errors.CodeInvalidInput, "no route for %s %s", r.Method, r.URL.Path).WithStatusCode(http.StatusNotFound))
	})

	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.start", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info("server.stop", slog.String("addr", addr))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type healthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version,omitempty"`
	Skills  map[string]int `json:"skills"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Skills:  map[string]int{"loaded": len(s.gw.Skills())},
	})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.gw.ToolDefinitions()})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res := s.gw.ExecuteTool(r.Context(), req.Tool, req.Input, gateway.ExecuteOptions{SessionID: req.SessionID})
	writeResult(w, res)
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	var req ClarifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, s.gw.Clarify(r.Context(), req.SessionID, req.Answers))
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	d, ok := s.gw.DeliverContent(r.Context(), ref)
	if !ok {
		writeError(w, errors.Newf(errors.CodeInvalidInput, "content %s not found or already delivered", ref).
			WithStatusCode(http.StatusNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"content": d.Content,
		"receipt": d.Receipt,
	})
}

// writeResult renders a gateway result. Failures use the status of their code.
func writeResult(w http.ResponseWriter, res gateway.Result) {
	status := http.StatusOK
	if er, ok := res.(*gateway.ErrorResult); ok {
		status = errors.HTTPStatus(er.Code)
	}
	writeJSON(w, status, gateway.ToWire(res))
}

func writeError(w http.ResponseWriter, err error) {
	ge := errors.AsGatewayError(err, errors.CodeInternal)
	status := ge.StatusCode
	if status == 0 {
		status = errors.HTTPStatus(ge.Code)
	}
	writeJSON(w, status, gateway.Wire{Success: false, Code: ge.Code, Error: ge.Message, Details: ge.Details})
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
