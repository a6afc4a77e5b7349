// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/manifest"
)

// Result is the outcome of one gateway call. It is one of *TemplateResult,
// *PassthroughResult, *ErrorResult or *ClarificationResult.
type Result interface {
	// Success reports whether the call completed without error.
	Success() bool
	result()
}

// TemplateResult carries agent-visible data and the resolved template text.
// TemplateText is empty when the data names no template.
type TemplateResult struct {
	AgentData    map[string]any
	Template     string
	TemplateText string
	SessionID    string
}

// PassthroughResult carries only a reference to content for the user.
// The content body is never part of it.
type PassthroughResult struct {
	UserContentRef string
	ContentType    string
	Metadata       map[string]any
	SessionID      string
}

// ErrorResult is a structured failure.
type ErrorResult struct {
	Code    errors.ErrorCode
	Message string
	Details []string
}

// ClarificationResult suspends a call until the caller answers Questions.
type ClarificationResult struct {
	SessionID string
	Questions []clarify.Question
}

func (*TemplateResult) Success() bool      { return true }
func (*PassthroughResult) Success() bool   { return true }
func (*ErrorResult) Success() bool         { return false }
func (*ClarificationResult) Success() bool { return true }

func (*TemplateResult) result()      {}
func (*PassthroughResult) result()   {}
func (*ErrorResult) result()         {}
func (*ClarificationResult) result() {}

// Error lets an ErrorResult be returned where an error is expected.
func (r *ErrorResult) Error() string {
	return fmt.Sprintf("[%s] %s", r.Code, r.Message)
}

// Err converts the result into a *errors.GatewayError.
func (r *ErrorResult) Err() *errors.GatewayError {
	return errors.New(r.Code, r.Message, nil).WithDetails(r.Details...)
}

func errorResult(err *errors.GatewayError) *ErrorResult {
	return &ErrorResult{Code: err.Code, Message: err.Message, Details: err.Details}
}

func failf(code errors.ErrorCode, format string, args ...any) *ErrorResult {
	return &ErrorResult{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SessionIDOf returns the session id carried by r, if any.
func SessionIDOf(r Result) string {
	switch v := r.(type) {
	case *TemplateResult:
		return v.SessionID
	case *PassthroughResult:
		return v.SessionID
	case *ClarificationResult:
		return v.SessionID
	case *ErrorResult:
		return ""
	default:
		return ""
	}
}

// Wire is the JSON shape of a Result shared by every transport.
type Wire struct {
	Success            bool                  `json:"success"`
	ResponseMode       manifest.ResponseMode `json:"responseMode,omitempty"`
	AgentData          map[string]any        `json:"agentData,omitempty"`
	Template           string                `json:"template,omitempty"`
	Response           string                `json:"response,omitempty"`
	UserContentRef     string                `json:"userContentRef,omitempty"`
	ContentType        string                `json:"contentType,omitempty"`
	Metadata           map[string]any        `json:"metadata,omitempty"`
	SessionID          string                `json:"sessionId,omitempty"`
	NeedsClarification bool                  `json:"needsClarification,omitempty"`
	Questions          []clarify.Question    `json:"questions,omitempty"`
	Code               errors.ErrorCode      `json:"code,omitempty"`
	Error              string                `json:"error,omitempty"`
	Details            []string              `json:"details,omitempty"`
}

// ToWire converts r to its wire form.
func ToWire(r Result) Wire {
	switch v := r.(type) {
	case *TemplateResult:
		return Wire{
			Success:      true,
			ResponseMode: manifest.ModeTemplate,
			AgentData:    v.AgentData,
			Template:     v.Template,
			Response:     v.TemplateText,
			SessionID:    v.SessionID,
		}
	case *PassthroughResult:
		return Wire{
			Success:        true,
			ResponseMode:   manifest.ModePassthrough,
			UserContentRef: v.UserContentRef,
			ContentType:    v.ContentType,
			Metadata:       v.Metadata,
			SessionID:      v.SessionID,
		}
	case *ClarificationResult:
		return Wire{
			Success:            true,
			NeedsClarification: true,
			Code:               errors.CodeClarificationNeeded,
			SessionID:          v.SessionID,
			Questions:          v.Questions,
		}
	case *ErrorResult:
		return Wire{
			Success: false,
			Code:    v.Code,
			Error:   v.Message,
			Details: v.Details,
		}
	default:
		return Wire{Success: false, Code: errors.CodeInternal, Error: fmt.Sprintf("unknown result %T", r)}
	}
}

// Encode renders r as wire JSON.
func Encode(r Result) ([]byte, error) {
	return json.Marshal(ToWire(r))
}

// FromWire rebuilds a Result from its wire form.
func FromWire(w Wire) Result {
	switch {
	case !w.Success:
		code := w.Code
		if code == "" {
			code = errors.CodeInternal
		}
		return &ErrorResult{Code: code, Message: w.Error, Details: w.Details}
	case w.NeedsClarification:
		return &ClarificationResult{SessionID: w.SessionID, Questions: w.Questions}
	case w.ResponseMode == manifest.ModePassthrough:
		return &PassthroughResult{
			UserContentRef: w.UserContentRef,
			ContentType:    w.ContentType,
			Metadata:       w.Metadata,
			SessionID:      w.SessionID,
		}
	default:
		return &TemplateResult{
			AgentData:    w.AgentData,
			Template:     w.Template,
			TemplateText: w.Response,
			SessionID:    w.SessionID,
		}
	}
}
