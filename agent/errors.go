package agent

import (
	"errors"
	"fmt"

	"github.com/BaSui01/stepflow/types"
)

var (
	// ErrNoRecipe 未提供配方
	ErrNoRecipe = errors.New("agent executor requires a recipe")

	// ErrRunInProgress 运行尚未结束
	ErrRunInProgress = errors.New("run is still in progress")
)

// ExecutionError is the error returned by AgentExecutor when a run does not
// complete. It names the step the run stopped at.
type ExecutionError struct {
	RunID   string
	StepID  string
	Code    types.ErrorCode
	Message string
	Cause   error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("agent run %s stopped at step %s [%s]", e.RunID, e.StepID, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// AsExecutionError extracts an *ExecutionError from err.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr, true
	}
	return nil, false
}

// IsCancelled reports whether err is a cancelled run.
func IsCancelled(err error) bool {
	e, ok := AsExecutionError(err)
	return ok && e.Code == types.ErrRunCancelled
}
