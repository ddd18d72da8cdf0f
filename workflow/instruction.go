package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepOutcome is the outcome a finished step reports about itself.
type StepOutcome string

const (
	// OutcomeCompleted the step achieved its goal
	OutcomeCompleted StepOutcome = "COMPLETED"
	// OutcomeRejected the step's result must not drive routing
	OutcomeRejected StepOutcome = "REJECTED"
	// OutcomeContinue the step needs another round
	OutcomeContinue StepOutcome = "CONTINUE"
	// OutcomeAwaitingToolResults the model is waiting on tool output
	OutcomeAwaitingToolResults StepOutcome = "AWAITING_TOOL_RESULTS"
	// OutcomeCanNotFinish the model gave up on the step
	OutcomeCanNotFinish StepOutcome = "CAN_NOT_FINISH"
	// OutcomeUnrecoverableError the model hit an error it cannot recover from
	OutcomeUnrecoverableError StepOutcome = "UNRECOVERABLE_ERROR"
	// OutcomeSkipped the step was deliberately skipped
	OutcomeSkipped StepOutcome = "SKIPPED"
)

// IsTerminalSuccess reports whether the outcome ends the step successfully.
func (o StepOutcome) IsTerminalSuccess() bool {
	return o == OutcomeCompleted || o == OutcomeSkipped
}

// IsTerminalFailure reports whether the outcome ends the step with an error.
func (o StepOutcome) IsTerminalFailure() bool {
	return o == OutcomeCanNotFinish || o == OutcomeUnrecoverableError
}

// StepInstruction is a data-driven hint produced by a step, consumed by the
// StepManager when choosing among several successors.
type StepInstruction struct {
	StepID              string         `json:"step_id" yaml:"step_id"`
	Result              string         `json:"result,omitempty" yaml:"result,omitempty"`
	Outcome             StepOutcome    `json:"outcome" yaml:"outcome"`
	Reason              string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error               string         `json:"error,omitempty" yaml:"error,omitempty"`
	Confidence          float64        `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	SuggestedNextStepID string         `json:"suggested_next_step_id,omitempty" yaml:"suggested_next_step_id,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Timestamp           time.Time      `json:"timestamp" yaml:"timestamp"`
}

// NewStepInstruction creates an instruction stamped with the current time.
func NewStepInstruction(stepID string, outcome StepOutcome, result string) *StepInstruction {
	return &StepInstruction{
		StepID:    stepID,
		Outcome:   outcome,
		Result:    result,
		Timestamp: time.Now(),
	}
}

// WithSuggestion sets the suggested next step.
func (i *StepInstruction) WithSuggestion(stepID string) *StepInstruction {
	i.SuggestedNextStepID = stepID
	return i
}

// WithConfidence sets the confidence score, clamped to [0, 1].
func (i *StepInstruction) WithConfidence(c float64) *StepInstruction {
	switch {
	case c < 0:
		c = 0
	case c > 1:
		c = 1
	}
	i.Confidence = c
	return i
}

// CanRoute reports whether the instruction may be used to pick a successor.
func (i *StepInstruction) CanRoute() bool {
	return i != nil && i.SuggestedNextStepID != "" && i.Outcome != OutcomeRejected
}

// ParseStepInstruction decodes an instruction from the JSON arguments of a
// completion tool call. Missing outcome defaults to COMPLETED.
func ParseStepInstruction(stepID string, raw json.RawMessage) (*StepInstruction, error) {
	if len(raw) == 0 {
		return NewStepInstruction(stepID, OutcomeCompleted, ""), nil
	}

	var payload struct {
		StepInstruction
		// Aliases accepted from model output.
		NextStep       string `json:"next_step"`
		NextStepID     string `json:"next_step_id"`
		NextSuggestion string `json:"nextStepSuggestion"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode step instruction: %w", err)
	}

	inst := payload.StepInstruction
	if inst.SuggestedNextStepID == "" {
		for _, alt := range []string{payload.NextStepID, payload.NextStep, payload.NextSuggestion} {
			if alt != "" {
				inst.SuggestedNextStepID = alt
				break
			}
		}
	}
	inst.StepID = stepID
	if inst.Outcome == "" {
		inst.Outcome = OutcomeCompleted
	}
	if inst.Timestamp.IsZero() {
		inst.Timestamp = time.Now()
	}
	return inst.WithConfidence(inst.Confidence), nil
}
