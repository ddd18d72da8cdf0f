package callexec

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/stepflow/workflow"
	"go.uber.org/zap"
)

// RetryConfig defines retry behavior for tool calls
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one (default: 2)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the wait before the first retry (default: 200ms)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the wait between attempts (default: 5s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry attempt
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}

	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// RetryingToolExecutor retries failed tool calls with exponential backoff.
// Both failed responses and returned errors are retried; context errors are
// not.
type RetryingToolExecutor struct {
	next   workflow.ToolCallExecutor
	config RetryConfig
	logger *zap.Logger
}

// NewRetryingToolExecutor wraps next.
func NewRetryingToolExecutor(next workflow.ToolCallExecutor, config RetryConfig, logger *zap.Logger) *RetryingToolExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 1
	}
	return &RetryingToolExecutor{
		next:   next,
		config: config,
		logger: logger.With(zap.String("component", "retrying_tool_executor")),
	}
}

// ExecuteToolCall implements workflow.ToolCallExecutor.
func (r *RetryingToolExecutor) ExecuteToolCall(ctx context.Context, req *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
	var (
		resp *workflow.ToolCallResponse
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = r.next.ExecuteToolCall(ctx, req)
		if !shouldRetry(resp, err) || attempt >= r.config.MaxRetries {
			return resp, err
		}

		wait := r.config.CalculateBackoff(attempt)
		r.logger.Debug("retrying tool call",
			zap.String("tool", req.Name),
			zap.String("call_id", req.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, err
		case <-timer.C:
		}
	}
}

func shouldRetry(resp *workflow.ToolCallResponse, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return resp == nil || resp.Error != ""
}
