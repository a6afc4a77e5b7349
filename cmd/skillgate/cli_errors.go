// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/skillgate/pkg/errors"
)

// CLIError wraps a GatewayError with a hint for the operator.
type CLIError struct {
	*errors.GatewayError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(ge *errors.GatewayError, hint string) *CLIError {
	return &CLIError{GatewayError: ge, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.GatewayError == nil {
		return "unknown error"
	}
	msg := e.GatewayError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

func (e *CLIError) Unwrap() error { return e.GatewayError }

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	ge := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath)

	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(ge, hint)
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	ge := errors.Newf(errors.CodeInvalidInput, "invalid argument: %s", reason).
		WithContext("argument", arg)
	return NewCLIError(ge, "run 'skillgate help' for usage information")
}

// resultError turns a failed gateway result into a CLI error.
func resultError(err *errors.GatewayError) *CLIError {
	return NewCLIError(err, hintFor(err.Code))
}

func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeSkillNotFound:
		return "run 'skillgate tools' to list the loaded skills and actions"
	case errors.CodeInvalidInput:
		return "check the input against the action's inputSchema"
	case errors.CodeInvalidManifest:
		return "run 'skillgate validate <skill-dir>' for details"
	case errors.CodeNotAllowed:
		return "check the governance section of your configuration"
	case errors.CodeTimeout:
		return "raise limits.maxExecutionTimeMs in the manifest or check the skill"
	case errors.CodeNetworkError:
		return "check that the remote skill endpoint is reachable"
	case errors.CodeInvalidOutput:
		return "the skill broke its output contract; this is a skill bug"
	default:
		return ""
	}
}

type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Details []string         `json:"details,omitempty"`
	Hint    string           `json:"hint,omitempty"`
}

// printError prints err with appropriate formatting.
func printError(w io.Writer, err error, asJSON bool) {
	var cliErr *CLIError
	if !stderrors.As(err, &cliErr) {
		cliErr = NewCLIError(errors.AsGatewayError(err, errors.CodeInternal), "")
	}
	ge := cliErr.GatewayError
	if asJSON {
		msg := ge.Message
		if ge.Err != nil {
			msg += ": " + ge.Err.Error()
		}
		_ = json.NewEncoder(w).Encode(map[string]errorBody{
			"error": {Code: ge.Code, Message: msg, Details: ge.Details, Hint: cliErr.Hint},
		})
		return
	}

	fmt.Fprintf(w, "Error [%s]: %s\n", ge.Code, ge.Message)
	if ge.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", ge.Err)
	}
	for _, d := range ge.Details {
		fmt.Fprintf(w, "  - %s\n", d)
	}
	if cliErr.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", cliErr.Hint)
	}
}
