// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SweepStats reports what one sweep removed.
type SweepStats struct {
	Sessions int
	Content  int
}

// Sweep evicts expired sessions and content references.
func (g *Gateway) Sweep(ctx context.Context) SweepStats {
	ctx, span := g.tracer.Start(ctx, "gateway.sweep")
	defer span.End()

	start := time.Now()
	stats := SweepStats{
		Sessions: g.sessions.Cleanup(),
		Content:  g.content.Purge(),
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000

	g.metrics.RecordSweep(ctx, "session", stats.Sessions)
	g.metrics.RecordSweep(ctx, "content", stats.Content)
	span.SetAttributes(
		attribute.Int("sessions", stats.Sessions),
		attribute.Int("content", stats.Content),
		attribute.Float64("duration_ms", durationMs),
	)
	traceID, spanID := traceIDs(span)
	g.logger.InfoContext(ctx, "gateway.sweep.complete",
		slog.Int("sessions", stats.Sessions),
		slog.Int("content", stats.Content),
		slog.Float64("duration_ms", durationMs),
		slog.String("trace_id", traceID),
		slog.String("span_id", spanID),
	)
	return stats
}

// StartSweeper runs Sweep every interval until ctx is done. The returned
// channel is closed once the sweeper has stopped. A non-positive interval
// disables it.
func (g *Gateway) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		g.logger.Info("gateway.sweeper.disabled", slog.Duration("interval", interval))
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		g.logger.Info("gateway.sweeper.start", slog.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				g.logger.Info("gateway.sweeper.stop")
				return
			case <-ticker.C:
				g.Sweep(ctx)
			}
		}
	}()
	return done
}

func traceIDs(span trace.Span) (string, string) {
	if span == nil {
		return "", ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
