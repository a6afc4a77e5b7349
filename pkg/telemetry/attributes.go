// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration for the gateway:
// provider setup, trace-aware logging, span attributes and metrics.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span and metric attribute keys.
const (
	// Skill attributes
	AttrSkillID      = "skillgate.skill.id"
	AttrSkillVersion = "skillgate.skill.version"
	AttrSkillAction  = "skillgate.skill.action"
	AttrSkillEntry   = "skillgate.skill.entry"

	// Execution attributes
	AttrResponseMode = "skillgate.response.mode" // template, passthrough
	AttrErrorCode    = "skillgate.error.code"
	AttrOutcome      = "skillgate.outcome" // success, error, clarification
	AttrDurationMs   = "skillgate.duration_ms"
	AttrTimeoutMs    = "skillgate.timeout_ms"

	// Session attributes
	AttrSessionID      = "skillgate.session.id"
	AttrSessionHistory = "skillgate.session.history_entries"

	// Content attributes
	AttrContentType = "skillgate.content.type"
	AttrContentRef  = "skillgate.content.ref"

	// Governance attributes
	AttrPolicyEvaluated = "skillgate.policy.evaluated"
	AttrPolicyAllowed   = "skillgate.policy.allowed"
	AttrPolicyReason    = "skillgate.policy.reason"
	AttrPolicyRule      = "skillgate.policy.rule"
)

// Outcome values recorded on spans and metrics.
const (
	OutcomeSuccess       = "success"
	OutcomeError         = "error"
	OutcomeClarification = "clarification"
)

// SkillAttributes returns attributes identifying a skill action.
func SkillAttributes(id, version, action string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSkillID, id),
	}
	if version != "" {
		attrs = append(attrs, attribute.String(AttrSkillVersion, version))
	}
	if action != "" {
		attrs = append(attrs, attribute.String(AttrSkillAction, action))
	}
	return attrs
}

// ExecutionAttributes describes how an execution finished. code is empty on
// success.
func ExecutionAttributes(mode, outcome, code string, durationMs float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrOutcome, outcome),
		attribute.Float64(AttrDurationMs, durationMs),
	}
	if mode != "" {
		attrs = append(attrs, attribute.String(AttrResponseMode, mode))
	}
	if code != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, code))
	}
	return attrs
}

// SessionAttributes returns attributes for session tracking.
func SessionAttributes(sessionID string, historyEntries int) []attribute.KeyValue {
	if sessionID == "" {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.Int(AttrSessionHistory, historyEntries),
	}
}

// ContentAttributes records the type and reference of passthrough content.
// The content itself is never attached.
func ContentAttributes(contentType, ref string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if contentType != "" {
		attrs = append(attrs, attribute.String(AttrContentType, contentType))
	}
	if ref != "" {
		attrs = append(attrs, attribute.String(AttrContentRef, ref))
	}
	return attrs
}

// PolicyAttributes returns attributes for policy evaluation.
func PolicyAttributes(evaluated, allowed bool, ruleID, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Bool(AttrPolicyEvaluated, evaluated),
	}
	if evaluated {
		attrs = append(attrs, attribute.Bool(AttrPolicyAllowed, allowed))
		if ruleID != "" {
			attrs = append(attrs, attribute.String(AttrPolicyRule, ruleID))
		}
		if reason != "" {
			attrs = append(attrs, attribute.String(AttrPolicyReason, reason))
		}
	}
	return attrs
}
