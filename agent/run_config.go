package agent

import (
	"context"
	"time"
)

// runConfigKey is the unexported context key for RunConfig.
type runConfigKey struct{}

// RunConfig provides per-run overrides for an AgentExecutor.
// Pointer fields use nil for "no override".
type RunConfig struct {
	MaxStepExecutions     *int              `json:"max_step_executions,omitempty"`
	ContinueOnStepFailure *bool             `json:"continue_on_step_failure,omitempty"`
	MaxModelCallsPerStep  *int              `json:"max_model_calls_per_step,omitempty"`
	StepTimeout           *time.Duration    `json:"step_timeout,omitempty"`
	RunID                 *string           `json:"run_id,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// WithRunConfig stores a RunConfig in the context.
func WithRunConfig(ctx context.Context, rc *RunConfig) context.Context {
	return context.WithValue(ctx, runConfigKey{}, rc)
}

// GetRunConfig retrieves the RunConfig from the context.
// Returns nil if no RunConfig is present.
func GetRunConfig(ctx context.Context) *RunConfig {
	rc, _ := ctx.Value(runConfigKey{}).(*RunConfig)
	return rc
}

// apply returns a copy of base with the overrides applied.
// If rc is nil, base is returned unchanged.
func (rc *RunConfig) apply(base options) options {
	if rc == nil {
		return base
	}
	if rc.MaxStepExecutions != nil {
		base.maxStepExecutions = *rc.MaxStepExecutions
	}
	if rc.ContinueOnStepFailure != nil {
		base.continueOnStepFailure = *rc.ContinueOnStepFailure
	}
	if rc.MaxModelCallsPerStep != nil {
		base.executorConfig.MaxModelCallsPerStep = *rc.MaxModelCallsPerStep
	}
	if rc.StepTimeout != nil {
		base.executorConfig.StepTimeout = *rc.StepTimeout
	}
	if rc.RunID != nil {
		base.runID = *rc.RunID
	}
	return base
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }

// DurationPtr returns a pointer to v.
func DurationPtr(v time.Duration) *time.Duration { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }
