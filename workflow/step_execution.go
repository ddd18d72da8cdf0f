package workflow

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus is the status of a StepExecution.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// ExecutionSignals carries external signals that completion links may read.
// They are copied onto the execution by the StepExecutor between rounds.
type ExecutionSignals struct {
	AbortRequested     bool   `json:"abort_requested,omitempty"`
	AbortReason        string `json:"abort_reason,omitempty"`
	MemoryUpdateFailed bool   `json:"memory_update_failed,omitempty"`
	PlannerOverride    bool   `json:"planner_override,omitempty"`
}

// StepExecution records the outcome of running one Step.
type StepExecution struct {
	ID           string               `json:"id"`
	StepID       string               `json:"step_id"`
	StepType     StepType             `json:"step_type"`
	Status       StepStatus           `json:"status"`
	Error        string               `json:"error,omitempty"`
	CallGroups   []*CallGroup         `json:"call_groups"`
	Instructions []*StepInstruction   `json:"instructions,omitempty"`
	Verdict      StepCompletionResult `json:"verdict,omitempty"`
	DecidedBy    string               `json:"decided_by,omitempty"`
	Signals      ExecutionSignals     `json:"signals"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  time.Time            `json:"completed_at,omitempty"`
}

// NewStepExecution starts a record for the given step.
func NewStepExecution(step Step) *StepExecution {
	return &StepExecution{
		ID:         uuid.NewString(),
		StepID:     step.ID(),
		StepType:   step.Type(),
		Status:     StepStatusRunning,
		CallGroups: make([]*CallGroup, 0, 1),
		StartedAt:  time.Now(),
	}
}

func (e *StepExecution) addGroup(g *CallGroup) {
	e.CallGroups = append(e.CallGroups, g)
}

func (e *StepExecution) addInstruction(inst *StepInstruction) {
	if inst == nil {
		return
	}
	e.Instructions = append(e.Instructions, inst)
}

func (e *StepExecution) complete() {
	e.Status = StepStatusCompleted
	e.CompletedAt = time.Now()
}

func (e *StepExecution) fail(msg string) {
	e.Status = StepStatusFailed
	e.Error = msg
	e.CompletedAt = time.Now()
}

// IsTerminal reports whether the execution has been finalized.
func (e *StepExecution) IsTerminal() bool {
	return e.Status == StepStatusCompleted || e.Status == StepStatusFailed
}

// Failed reports whether the execution finished as FAILED.
func (e *StepExecution) Failed() bool {
	return e.Status == StepStatusFailed
}

// ModelCallCount returns how many model calls have been issued.
func (e *StepExecution) ModelCallCount() int {
	n := 0
	for _, g := range e.CallGroups {
		if g.ModelCall != nil {
			n++
		}
	}
	return n
}

// LastGroup returns the most recent round, or nil.
func (e *StepExecution) LastGroup() *CallGroup {
	if len(e.CallGroups) == 0 {
		return nil
	}
	return e.CallGroups[len(e.CallGroups)-1]
}

// ToolCalls returns every tool call across all rounds, in order.
func (e *StepExecution) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, g := range e.CallGroups {
		calls = append(calls, g.ToolCalls...)
	}
	return calls
}

// LatestInstruction returns the most recent instruction, or nil.
func (e *StepExecution) LatestInstruction() *StepInstruction {
	if len(e.Instructions) == 0 {
		return nil
	}
	return e.Instructions[len(e.Instructions)-1]
}

// Duration returns the wall time of the execution so far.
func (e *StepExecution) Duration() time.Duration {
	if e.CompletedAt.IsZero() {
		return time.Since(e.StartedAt)
	}
	return e.CompletedAt.Sub(e.StartedAt)
}
