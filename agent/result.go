package agent

import (
	"time"

	"github.com/BaSui01/stepflow/workflow"
)

// RunStatus 运行状态
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// AgentResult is the ordered record of one run: every step execution in the
// order it happened.
type AgentResult struct {
	RunID       string                    `json:"run_id"`
	RecipeID    string                    `json:"recipe_id"`
	Status      RunStatus                 `json:"status"`
	Executions  []*workflow.StepExecution `json:"executions"`
	Cancelled   bool                      `json:"cancelled,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Metadata    map[string]string         `json:"metadata,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt time.Time                 `json:"completed_at,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// NewAgentResult starts an empty result.
func NewAgentResult(runID, recipeID string) *AgentResult {
	now := time.Now()
	return &AgentResult{
		RunID:      runID,
		RecipeID:   recipeID,
		Status:     RunStatusPending,
		Executions: make([]*workflow.StepExecution, 0, 4),
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// Append records a step execution.
func (r *AgentResult) Append(exec *workflow.StepExecution) {
	if exec == nil {
		return
	}
	r.Executions = append(r.Executions, exec)
	r.UpdatedAt = time.Now()
}

// Last returns the most recent execution, or nil.
func (r *AgentResult) Last() *workflow.StepExecution {
	if len(r.Executions) == 0 {
		return nil
	}
	return r.Executions[len(r.Executions)-1]
}

// ByStepID returns the executions of a step, oldest first.
func (r *AgentResult) ByStepID(stepID string) []*workflow.StepExecution {
	var out []*workflow.StepExecution
	for _, e := range r.Executions {
		if e.StepID == stepID {
			out = append(out, e)
		}
	}
	return out
}

// Failed returns the executions that ended FAILED.
func (r *AgentResult) Failed() []*workflow.StepExecution {
	var out []*workflow.StepExecution
	for _, e := range r.Executions {
		if e.Failed() {
			out = append(out, e)
		}
	}
	return out
}

// StepIDs returns the executed step IDs in order.
func (r *AgentResult) StepIDs() []string {
	ids := make([]string, 0, len(r.Executions))
	for _, e := range r.Executions {
		ids = append(ids, e.StepID)
	}
	return ids
}

// Duration returns the wall time of the run so far.
func (r *AgentResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// snapshot returns a shallow copy safe to hand to a store while the run
// keeps appending.
func (r *AgentResult) snapshot() *AgentResult {
	cp := *r
	cp.Executions = append([]*workflow.StepExecution(nil), r.Executions...)
	return &cp
}
