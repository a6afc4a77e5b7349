// SPDX-License-Identifier: Apache-2.0

// Package skill defines the contract between the gateway and skill code, and
// resolves a manifest's entry point into something the gateway can invoke.
package skill

import (
	"context"

	"github.com/jllopis/skillgate/pkg/capability"
	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/content"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/session"
)

// Invokable is the executable part of a skill.
type Invokable interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// InvokableFunc adapts a plain function to Invokable.
type InvokableFunc func(ctx context.Context, req *Request) (*Response, error)

// Invoke calls f.
func (f InvokableFunc) Invoke(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// SessionView is the part of a session a skill may read.
type SessionView struct {
	ID      string                 `json:"sessionId"`
	History []session.HistoryEntry `json:"history"`
}

// Request is a single invocation of one action.
type Request struct {
	Action  string           `json:"action"`
	Input   map[string]any   `json:"input"`
	Session *SessionView     `json:"session,omitempty"`
	Answers []clarify.Answer `json:"answers,omitempty"`
	Limits  manifest.Limits  `json:"limits"`

	Config  capability.ConfigReader `json:"-"`
	Storage capability.Storage      `json:"-"`
	// Tools is nil unless the manifest declares tools and the gateway has a
	// tool provider.
	Tools capability.Tools `json:"-"`
}

// Response is what a skill returns. Exactly one of AgentData, UserContent, or
// NeedsClarification is expected to be meaningful.
type Response struct {
	// ResponseMode overrides the action's declared mode for this call.
	ResponseMode manifest.ResponseMode       `json:"responseMode,omitempty"`
	AgentData    map[string]any              `json:"agentData,omitempty"`
	UserContent  *content.PassthroughContent `json:"userContent,omitempty"`
	// SafeMetadata names UserContent metadata keys the agent may see.
	SafeMetadata       []string           `json:"safeMetadata,omitempty"`
	NeedsClarification bool               `json:"needsClarification,omitempty"`
	Questions          []clarify.Question `json:"clarificationQuestions,omitempty"`
	EndSession         bool               `json:"endSession,omitempty"`
}

// Template builds a template-mode response.
func Template(data map[string]any) *Response {
	return &Response{AgentData: data}
}

// Passthrough builds a passthrough-mode response.
func Passthrough(contentType, body string, metadata map[string]any) *Response {
	return &Response{UserContent: &content.PassthroughContent{
		ContentType: contentType,
		Content:     body,
		Metadata:    metadata,
	}}
}

// Clarify builds a response asking for more input.
func Clarify(questions ...clarify.Question) *Response {
	return &Response{NeedsClarification: true, Questions: questions}
}
