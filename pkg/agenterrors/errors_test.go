package agenterrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable_DistinguishesWrapFromWrapRetryable(t *testing.T) {
	assert.False(t, IsRetryable(Wrap(CodePermanent, "permanent failure", errors.New("boom"))))
	assert.True(t, IsRetryable(WrapRetryable(CodeTransportHTTP5xx, "server hiccup", errors.New("boom"))))
}

func TestIsRetryable_FalseForPlainErrors(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("not an AgentError")))
}

func TestIsRetryable_SeesThroughWrappingWithFmtErrorf(t *testing.T) {
	inner := WrapRetryable(CodeConnectionReset, "reset", errors.New("eof"))
	outer := fmt.Errorf("attempt failed: %w", inner)
	assert.True(t, IsRetryable(outer))
}

func TestAgentError_ErrorIncludesCodeAndCause(t *testing.T) {
	err := Wrap(CodeCorrupt, "bad frame", errors.New("short read"))
	msg := err.Error()
	assert.Contains(t, msg, "CORRUPT")
	assert.Contains(t, msg, "bad frame")
	assert.Contains(t, msg, "short read")
}

func TestAgentError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(CodeValidationFailed, "invalid", cause)
	assert.ErrorIs(t, err, cause)
}

func TestNew_HasNoCauseAndIsNotRetryable(t *testing.T) {
	err := New(CodeConfiguration, "missing field")
	assert.Nil(t, err.Unwrap())
	assert.False(t, err.Retryable)
	assert.Equal(t, "[CONFIGURATION] missing field", err.Error())
}
