// Package agenterrors defines the agent's error taxonomy (spec §7): a
// small set of codes carrying a retryability flag, used for anything that
// must surface synchronously to a caller (configuration, validation,
// upload results) rather than being swallowed on the publisher thread.
package agenterrors

import (
	"errors"
	"fmt"
)

// Code is a stable identifier for one error kind in the taxonomy.
type Code string

const (
	CodeConfiguration      Code = "CONFIGURATION"
	CodeDefinitionConflict Code = "DEFINITION_CONFLICT"
	CodeValidationFailed   Code = "VALIDATION_FAILED"
	CodeQueueSaturated     Code = "QUEUE_SATURATED"
	CodeMessengerDegraded  Code = "MESSENGER_DEGRADED"
	CodeRepositoryLocked   Code = "REPOSITORY_LOCKED"
	CodeTransportTimeout   Code = "TRANSPORT_TIMEOUT"
	CodeConnectionReset    Code = "CONNECTION_RESET"
	CodeTransportHTTP5xx   Code = "TRANSPORT_5XX"
	CodeAuthRequired       Code = "AUTH_REQUIRED"
	CodeAuthDenied         Code = "AUTH_DENIED"
	CodePermanent          Code = "PERMANENT"
	CodeCorrupt            Code = "CORRUPT"
	CodeArgumentNullish    Code = "ARGUMENT_NULLISH"
)

// AgentError is a structured error carrying a code and whether the
// operation that produced it is worth retrying.
type AgentError struct {
	Code      Code
	Message   string
	Err       error
	Retryable bool
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *AgentError) Unwrap() error { return e.Err }

// New creates a non-retryable AgentError.
func New(code Code, message string) *AgentError {
	return &AgentError{Code: code, Message: message}
}

// Wrap creates an AgentError around an existing error.
func Wrap(code Code, message string, err error) *AgentError {
	return &AgentError{Code: code, Message: message, Err: err}
}

// WrapRetryable is Wrap with Retryable set true, for transient transport
// failures the upload engine should retry with backoff.
func WrapRetryable(code Code, message string, err error) *AgentError {
	return &AgentError{Code: code, Message: message, Err: err, Retryable: true}
}

// IsRetryable reports whether err (or a wrapped AgentError within it) is
// marked retryable.
func IsRetryable(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}
