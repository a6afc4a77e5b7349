// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/skillgate/pkg/errors"
)

// GatewayMetrics tracks executions, content deliveries and sweeps.
// A nil *GatewayMetrics is valid and records nothing.
type GatewayMetrics struct {
	// executions counts calls by skill, action and outcome
	executions metric.Int64Counter

	// duration records entry point latency in milliseconds
	duration metric.Float64Histogram

	// deliveries counts content reference redemptions
	deliveries metric.Int64Counter

	// swept counts expired sessions and content entries removed
	swept metric.Int64Counter

	// loaded tracks the number of loaded skills
	loaded metric.Int64UpDownCounter
}

// NewGatewayMetrics creates instruments on the global meter provider.
func NewGatewayMetrics(ctx context.Context) (*GatewayMetrics, error) {
	meter := otel.Meter("skillgate/gateway")

	executions, err := meter.Int64Counter(
		"skillgate.gateway.executions",
		metric.WithDescription("Skill executions by skill, action and outcome"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"skillgate.gateway.execution.duration_ms",
		metric.WithDescription("Skill entry point duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter(
		"skillgate.content.deliveries",
		metric.WithDescription("Content reference redemptions by result"),
	)
	if err != nil {
		return nil, err
	}

	swept, err := meter.Int64Counter(
		"skillgate.gateway.swept",
		metric.WithDescription("Expired entries removed by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	loaded, err := meter.Int64UpDownCounter(
		"skillgate.gateway.skills_loaded",
		metric.WithDescription("Currently loaded skills"),
	)
	if err != nil {
		return nil, err
	}

	return &GatewayMetrics{
		executions: executions,
		duration:   duration,
		deliveries: deliveries,
		swept:      swept,
		loaded:     loaded,
	}, nil
}

// RecordExecution records one finished execution. err decides the outcome
// unless clarification is true.
func (m *GatewayMetrics) RecordExecution(ctx context.Context, skillID, action string, durationMs float64, clarification bool, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	code := ""
	switch {
	case err != nil:
		outcome = OutcomeError
		code = string(errors.CodeOf(err))
	case clarification:
		outcome = OutcomeClarification
	}
	attrs := []attribute.KeyValue{
		attribute.String(AttrSkillID, skillID),
		attribute.String(AttrSkillAction, action),
		attribute.String(AttrOutcome, outcome),
	}
	if code != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, code))
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.duration.Record(ctx, durationMs, metric.WithAttributes(attrs[:2]...))
}

// RecordDelivery records a content reference redemption attempt.
func (m *GatewayMetrics) RecordDelivery(ctx context.Context, delivered bool) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("delivered", delivered)))
}

// RecordSweep records entries removed from a store ("session" or "content").
func (m *GatewayMetrics) RecordSweep(ctx context.Context, store string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("store", store)))
}

// SkillLoaded adjusts the loaded skills gauge by delta.
func (m *GatewayMetrics) SkillLoaded(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.loaded.Add(ctx, delta)
}
