//go:build ignore

// SPDX-License-Identifier: Apache-2.0
// Skillgate Observability Dashboards
// This file documents dashboard templates for an OpenTelemetry UI or Grafana.
//
// DASHBOARD: Executions
//   Traffic and outcomes per skill action.
//
//   Queries:
//   - skillgate.gateway.executions{skillgate.skill.id, skillgate.skill.action, skillgate.outcome} (rate 5m)
//     Metric: Executions per action, split into success, error and clarification
//     Display: Stacked area chart per skill
//
//   - skillgate.gateway.executions{skillgate.outcome="error"} by (skillgate.error.code)
//     Metric: Failures by error code
//     Display: Line chart (INVALID_INPUT, INVALID_OUTPUT, TIMEOUT, EXECUTION_ERROR, NETWORK_ERROR, NOT_ALLOWED)
//     Insight: INVALID_OUTPUT means a skill broke its own contract and is a skill bug.
//             NOT_ALLOWED spikes follow governance changes.
//
//   - skillgate.gateway.execution.duration_ms{skillgate.skill.id, skillgate.skill.action}
//     Metric: Entry point latency (p50, p95, p99)
//     Display: Heatmap
//     Alert Threshold: p95 > 80% of limits.maxExecutionTimeMs for the action
//
// DASHBOARD: Passthrough Content
//   Content references handed to agents and redeemed by user-facing clients.
//
//   Queries:
//   - skillgate.content.deliveries{delivered} (rate 5m)
//     Metric: Redemptions, split by whether the reference was still valid
//     Display: Stacked bar chart
//     Insight: delivered="false" means a client redeemed twice or too late.
//
//   - skillgate.gateway.swept{store="content"} (rate 1h)
//     Metric: References that expired without delivery
//     Display: Single stat
//     Insight: A rising value means agents receive content refs their clients never show.
//
// DASHBOARD: Sessions and Skills
//
//   Queries:
//   - skillgate.gateway.swept{store="session"} (rate 1h)
//     Metric: Sessions that timed out, usually abandoned clarifications
//     Display: Line chart
//
//   - skillgate.gateway.skills_loaded
//     Metric: Currently loaded skills
//     Display: Single stat
//     Alert Threshold: drops to 0 after a deploy or a hot reload
//
// ALERT RULES (Prometheus/AlertManager format):
//
// Alert 1: Skill Contract Violations
//   Name: SkillgateInvalidOutput
//   Condition: rate(skillgate_gateway_executions{skillgate_error_code="INVALID_OUTPUT"}[5m]) > 0
//   Duration: 5m
//   Severity: warning
//
// Alert 2: Remote Skill Unreachable
//   Name: SkillgateRemoteDown
//   Condition: rate(skillgate_gateway_executions{skillgate_error_code="NETWORK_ERROR"}[5m]) > 1
//   Duration: 2m
//   Severity: critical
//   Note: with remote.breaker_failures set, an open circuit also reports NETWORK_ERROR.
//
// Alert 3: Slow Skill
//   Name: SkillgateTimeouts
//   Condition: rate(skillgate_gateway_executions{skillgate_error_code="TIMEOUT"}[5m]) > 0.5
//   Duration: 5m
//   Severity: warning
//
// TRACES:
//   Each call produces a "gateway.execute" or "gateway.clarify" span carrying skillgate.skill.id,
//   skillgate.skill.action, skillgate.response.mode and, for failures,
//   skillgate.error.code. Log lines written inside a span carry trace_id and
//   span_id so a failing call can be followed from the log to the trace.

package main

// This file is documentation only and is not compiled.
