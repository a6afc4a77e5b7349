// SPDX-License-Identifier: Apache-2.0

// Package remote carries skill calls over HTTP+JSON. NewHandler exposes an
// in-process skill to the network and Client is the matching Invokable the
// gateway loads for http:// and https:// entry modules.
package remote

import (
	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/session"
	"github.com/jllopis/skillgate/pkg/skill"
)

// Response types.
const (
	TypeResult              = "result"
	TypeClarificationNeeded = "clarification_needed"
	TypeError               = "error"
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	RequestID string                 `json:"requestId"`
	Action    string                 `json:"action"`
	Input     map[string]any         `json:"input"`
	SessionID string                 `json:"sessionId,omitempty"`
	History   []session.HistoryEntry `json:"history,omitempty"`
	Answers   []clarify.Answer       `json:"answers,omitempty"`
	Config    map[string]string      `json:"config,omitempty"`
}

// ClarifyRequest is the body of POST /clarify.
type ClarifyRequest struct {
	RequestID string           `json:"requestId,omitempty"`
	SessionID string           `json:"sessionId"`
	Answers   []clarify.Answer `json:"answers"`
}

// Envelope is the response of /execute and /clarify.
type Envelope struct {
	RequestID string             `json:"requestId"`
	Type      string             `json:"type"`
	Result    *skill.Response    `json:"result,omitempty"`
	SessionID string             `json:"sessionId,omitempty"`
	Questions []clarify.Question `json:"questions,omitempty"`
	Error     string             `json:"error,omitempty"`
	Code      errors.ErrorCode   `json:"code,omitempty"`
}

// Health is the response of GET /health.
type Health struct {
	Status  string `json:"status"`
	SkillID string `json:"skillId,omitempty"`
	Version string `json:"version,omitempty"`
}
