// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed gateway errors reported to callers.
// Every failure that leaves the gateway carries one of the codes below; none of
// them is retried at this layer.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies gateway failures.
type ErrorCode string

const (
	// CodeSkillNotFound indicates the skill id is not loaded.
	CodeSkillNotFound ErrorCode = "SKILL_NOT_FOUND"

	// CodeInvalidInput indicates an unknown action or input that failed its schema.
	// The skill entry point is never invoked for this code.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidOutput indicates the skill broke its own output contract.
	CodeInvalidOutput ErrorCode = "INVALID_OUTPUT"

	// CodeTimeout indicates the entry point exceeded its execution budget.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeExecutionError indicates the entry point failed or panicked.
	CodeExecutionError ErrorCode = "EXECUTION_ERROR"

	// CodeNotAllowed indicates the skill id was rejected by governance rules.
	CodeNotAllowed ErrorCode = "NOT_ALLOWED"

	// CodeNetworkError indicates a transport failure talking to a remote skill.
	CodeNetworkError ErrorCode = "NETWORK_ERROR"

	// CodeClarificationNeeded is the suspended, non-error state of a call.
	CodeClarificationNeeded ErrorCode = "CLARIFICATION_NEEDED"

	// CodeInvalidManifest indicates a manifest failed validation at load time.
	CodeInvalidManifest ErrorCode = "INVALID_MANIFEST"

	// CodeInternal indicates an unexpected gateway failure.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// GatewayError is a typed error with context for logging and transport mapping.
// It implements the error interface and can be unwrapped with errors.As().
type GatewayError struct {
	Code       ErrorCode
	Message    string
	Err        error
	Details    []string
	Context    map[string]interface{}
	StatusCode int
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the error in the structured {success:false} shape
// used by every transport.
func (e *GatewayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Success bool     `json:"success"`
		Code    string   `json:"code"`
		Error   string   `json:"error"`
		Details []string `json:"details,omitempty"`
	}{
		Success: false,
		Code:    string(e.Code),
		Error:   e.Message,
		Details: e.Details,
	})
}

// New creates a new GatewayError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		StatusCode: codeToStatusCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *GatewayError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *GatewayError) WithContext(key string, value interface{}) *GatewayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails attaches detail lines such as path-qualified validation errors.
func (e *GatewayError) WithDetails(details ...string) *GatewayError {
	e.Details = append(e.Details, details...)
	return e
}

// WithStatusCode overrides the HTTP status derived from the code.
func (e *GatewayError) WithStatusCode(status int) *GatewayError {
	e.StatusCode = status
	return e
}

// AsGatewayError attempts to convert an error to a GatewayError.
// Errors that are not gateway errors are wrapped with the fallback code.
func AsGatewayError(err error, fallback ErrorCode) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge
	}
	return New(fallback, err.Error(), err)
}

// CodeOf returns the code of a gateway error in the chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// HTTPStatus maps a code to the HTTP status used by the gateway API.
func HTTPStatus(code ErrorCode) int {
	return codeToStatusCode(code)
}

func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeSkillNotFound:
		return http.StatusNotFound
	case CodeInvalidInput, CodeInvalidManifest:
		return http.StatusBadRequest
	case CodeNotAllowed:
		return http.StatusForbidden
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeNetworkError, CodeInvalidOutput:
		return http.StatusBadGateway
	case CodeClarificationNeeded:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
