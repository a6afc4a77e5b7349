// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Redacted replaces the value of log attributes that could carry passthrough
// content. Such content is for the user only and never belongs in logs.
const Redacted = "[redacted]"

var redactedKeys = map[string]struct{}{
	"content":      {},
	"user_content": {},
	"body":         {},
}

type callKey struct{}

type callInfo struct {
	skillID string
	action  string
}

// ContextWithSkill marks ctx as belonging to one skill call. Records logged
// with that context carry "skill" and "action".
func ContextWithSkill(ctx context.Context, skillID, action string) context.Context {
	return context.WithValue(ctx, callKey{}, callInfo{skillID: skillID, action: action})
}

// ConfigureSlog sets the global slog logger. Records gain trace ids and the
// current skill call, and content-bearing attributes are redacted.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := slog.New(newSlogHandler(output, level, format))
	slog.SetDefault(logger)
	return logger
}

func newSlogHandler(output io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(level),
		ReplaceAttr: redact,
	}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		base = slog.NewJSONHandler(output, opts)
	default:
		base = slog.NewTextHandler(output, opts)
	}
	return &contextHandler{next: base}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[a.Key]; ok {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// contextHandler copies trace and skill call details from the context onto
// each record.
type contextHandler struct {
	next slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.next.Handle(ctx, record)
	}
	if info, ok := ctx.Value(callKey{}).(callInfo); ok {
		addMissing(&record, "skill", info.skillID)
		addMissing(&record, "action", info.action)
	}
	traceID, spanID := spanIDsFromContext(ctx)
	addMissing(&record, "trace_id", traceID)
	addMissing(&record, "span_id", spanID)
	return h.next.Handle(ctx, record)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name)}
}

func addMissing(record *slog.Record, key, value string) {
	if value == "" || recordHasAttr(*record, key) {
		return
	}
	record.AddAttrs(slog.String(key, value))
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err == nil {
		return l
	}
	if strings.EqualFold(strings.TrimSpace(level), "warning") {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

func spanIDsFromContext(ctx context.Context) (string, string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

func recordHasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}
