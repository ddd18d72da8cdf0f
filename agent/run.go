package agent

import (
	"context"
	"sync"

	"github.com/BaSui01/stepflow/workflow"
)

// runOutcome bundles the result of an async run into a single value.
type runOutcome struct {
	result *AgentResult
	err    error
}

// Run is the handle of one agent run. It carries the external signals the
// completion chain reads and, for async runs, the eventual outcome.
type Run struct {
	id     string
	cancel context.CancelFunc

	mu              sync.RWMutex
	status          RunStatus
	currentStepID   string
	abortRequested  bool
	abortReason     string
	memoryFailed    bool
	plannerOverride bool

	doneCh  chan struct{}
	outcome runOutcome
}

func newRun(id string, cancel context.CancelFunc) *Run {
	return &Run{
		id:     id,
		cancel: cancel,
		status: RunStatusPending,
		doneCh: make(chan struct{}),
	}
}

// ID returns the run ID.
func (r *Run) ID() string { return r.id }

// Status returns the current status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// CurrentStepID returns the step being executed, or "" outside a step.
func (r *Run) CurrentStepID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentStepID
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.doneCh }

// Wait blocks until the run finishes or ctx is done. The result is never
// nil once the run has finished.
func (r *Run) Wait(ctx context.Context) (*AgentResult, error) {
	select {
	case <-r.doneCh:
		return r.outcome.result, r.outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the run's context. In-flight calls observe the
// cancellation and the result is marked cancelled.
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// RequestAbort makes the current and every later step fail with a
// non-recoverable verdict at the next completion check.
func (r *Run) RequestAbort(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortRequested = true
	r.abortReason = reason
}

// ReportMemoryFailure fails the current step at its next completion check.
func (r *Run) ReportMemoryFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memoryFailed = true
}

// OverrideCurrentStep completes the current step at its next completion
// check.
func (r *Run) OverrideCurrentStep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plannerOverride = true
}

// signals is polled by the step executor between rounds.
func (r *Run) signals() workflow.ExecutionSignals {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return workflow.ExecutionSignals{
		AbortRequested:     r.abortRequested,
		AbortReason:        r.abortReason,
		MemoryUpdateFailed: r.memoryFailed,
		PlannerOverride:    r.plannerOverride,
	}
}

func (r *Run) aborted() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.abortRequested, r.abortReason
}

// enterStep records the current step and clears the per-step signals.
// An abort stays in force for the rest of the run.
func (r *Run) enterStep(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentStepID = stepID
	r.memoryFailed = false
	r.plannerOverride = false
}

func (r *Run) setStatus(status RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	if status.IsTerminal() {
		r.currentStepID = ""
	}
}

func (r *Run) finish(result *AgentResult, err error) {
	r.outcome = runOutcome{result: result, err: err}
	close(r.doneCh)
}
