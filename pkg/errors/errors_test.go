// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cause := errors.New("deadline exceeded")
	ge := New(CodeTimeout, "skill execution timed out", cause)

	assert.Equal(t, CodeTimeout, ge.Code)
	assert.Equal(t, "skill execution timed out", ge.Message)
	assert.Same(t, cause, ge.Err)
	assert.True(t, errors.Is(ge, cause))
	assert.Equal(t, http.StatusGatewayTimeout, ge.StatusCode)
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		ge       *GatewayError
		expected string
	}{
		{
			name:     "with cause",
			ge:       New(CodeExecutionError, "skill failed", errors.New("boom")),
			expected: "[EXECUTION_ERROR] skill failed: boom",
		},
		{
			name:     "without cause",
			ge:       New(CodeSkillNotFound, "skill not found: demo", nil),
			expected: "[SKILL_NOT_FOUND] skill not found: demo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ge.Error())
		})
	}
}

func TestWithContextAndDetails(t *testing.T) {
	ge := Newf(CodeInvalidInput, "invalid input for %s", "search").
		WithContext("skill", "articles").
		WithDetails("root.topic: missing property")

	assert.Equal(t, "invalid input for search", ge.Message)
	assert.Equal(t, "articles", ge.Context["skill"])
	assert.Equal(t, []string{"root.topic: missing property"}, ge.Details)
}

func TestMarshalJSON(t *testing.T) {
	ge := New(CodeInvalidOutput, "output failed validation", nil).WithDetails("root.count: expected integer")

	data, err := json.Marshal(ge)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "INVALID_OUTPUT", decoded["code"])
	assert.Equal(t, "output failed validation", decoded["error"])
	assert.Len(t, decoded["details"], 1)
}

func TestAsGatewayError(t *testing.T) {
	assert.Nil(t, AsGatewayError(nil, CodeInternal))

	ge := New(CodeNotAllowed, "denied", nil)
	wrapped := fmt.Errorf("load: %w", ge)
	assert.Same(t, ge, AsGatewayError(wrapped, CodeInternal))

	plain := AsGatewayError(errors.New("boom"), CodeExecutionError)
	assert.Equal(t, CodeExecutionError, plain.Code)
	assert.Equal(t, "boom", plain.Message)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNetworkError, CodeOf(fmt.Errorf("call: %w", New(CodeNetworkError, "dial", nil))))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := map[ErrorCode]int{
		CodeSkillNotFound:  http.StatusNotFound,
		CodeInvalidInput:   http.StatusBadRequest,
		CodeNotAllowed:     http.StatusForbidden,
		CodeTimeout:        http.StatusGatewayTimeout,
		CodeNetworkError:   http.StatusBadGateway,
		CodeExecutionError: http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, HTTPStatus(code), string(code))
	}
}
