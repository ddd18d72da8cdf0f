package callexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// DryRunModelExecutor completes every step on its first call without
// contacting a model. Branch steps are routed to a fixed choice or their
// first option, which makes it useful for checking a recipe's graph.
type DryRunModelExecutor struct {
	// Choices maps a branch step ID to the option to suggest.
	Choices map[string]string

	mu    sync.Mutex
	calls []string
}

// NewDryRunModelExecutor creates a dry-run executor.
func NewDryRunModelExecutor(choices map[string]string) *DryRunModelExecutor {
	return &DryRunModelExecutor{Choices: choices}
}

// ExecuteModelCall implements workflow.ModelCallExecutor.
func (d *DryRunModelExecutor) ExecuteModelCall(_ context.Context, req *workflow.ModelCallRequest) (*workflow.ModelCallResponse, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req.StepID)
	d.mu.Unlock()

	text := fmt.Sprintf("dry run of step %s", req.StepID)
	inst := workflow.NewStepInstruction(req.StepID, workflow.OutcomeCompleted, text)

	if choice, ok := d.Choices[req.StepID]; ok {
		inst.WithSuggestion(choice).WithConfidence(1)
	} else if opts, ok := req.Parameters["options"].([]string); ok && len(opts) > 0 {
		inst.WithSuggestion(opts[0]).WithConfidence(1)
	}

	return &workflow.ModelCallResponse{
		Messages:    []types.Message{types.NewAssistantMessage(text)},
		Instruction: inst,
	}, nil
}

// Calls returns the step IDs seen so far, in call order.
func (d *DryRunModelExecutor) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}
