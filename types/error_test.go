package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrToolCallFailed, "tool failed").
		WithCause(root).
		WithRetryable(true).
		WithStep("s1")

	assert.Equal(t, ErrToolCallFailed, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Equal(t, "s1", err.StepID)
	assert.Equal(t, "[TOOL_CALL_FAILED] tool failed: root", err.Error())
}

func TestError_WithoutCause(t *testing.T) {
	t.Parallel()

	err := NewError(ErrStepNotFound, "missing")
	assert.Equal(t, "[STEP_NOT_FOUND] missing", err.Error())
	assert.Nil(t, err.Unwrap())
	assert.False(t, IsRetryable(err))
}

func TestAsError_ThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrLoopDetected, "too many steps")
	wrapped := fmt.Errorf("run aborted: %w", inner)

	got, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Same(t, inner, got)
	assert.True(t, IsErrorCode(wrapped, ErrLoopDetected))
	assert.False(t, IsErrorCode(wrapped, ErrTimeout))
}

func TestGetErrorCode_PlainError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
	_, ok := AsError(nil)
	assert.False(t, ok)
}
