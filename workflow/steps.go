package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/stepflow/types"
)

// ============================================================
// Step variants
// ============================================================

// ParamInteraction marks calls that must be answered by a human.
const ParamInteraction = "interaction"

// InteractionUserInput is the ParamInteraction value of user-input steps.
const InteractionUserInput = "user_input"

// MetadataPlannedSteps is the instruction metadata key carrying a plan.
const MetadataPlannedSteps = "planned_steps"

// MetadataEntities is the instruction metadata key carrying entity values.
const MetadataEntities = "entities"

func (s *BaseStep) appendInstructions(extra string) {
	if s.outputInstructions == "" {
		s.outputInstructions = extra
		return
	}
	s.outputInstructions = s.outputInstructions + "\n" + extra
}

func (s *BaseStep) setParam(key string, value any) {
	if s.parameters == nil {
		s.parameters = make(map[string]any)
	}
	s.parameters[key] = value
}

// ModelStep is the generic model/tool step.
type ModelStep struct {
	*BaseStep
}

// ============================================================
// BranchStep: lets the model choose the next step
// ============================================================

// BranchStep asks the model to pick one of Options as the next step.
type BranchStep struct {
	*BaseStep
	options []string
}

func newBranchStep(base *BaseStep, def StepDefinition) (*BranchStep, error) {
	if len(def.Options) == 0 {
		return nil, types.NewError(types.ErrInvalidRecipe,
			fmt.Sprintf("branch step %s needs at least one option", def.ID))
	}
	base.appendInstructions(fmt.Sprintf(
		"Choose exactly one next step from [%s] and report it as suggested_next_step_id.",
		strings.Join(def.Options, ", ")))
	base.setParam("options", append([]string(nil), def.Options...))
	return &BranchStep{BaseStep: base, options: append([]string(nil), def.Options...)}, nil
}

// Options returns the candidate step IDs.
func (s *BranchStep) Options() []string {
	return append([]string(nil), s.options...)
}

// ============================================================
// PlannerStep: produces further steps
// ============================================================

// PlannerStep asks the model for a plan of additional steps.
type PlannerStep struct {
	*BaseStep
}

func newPlannerStep(base *BaseStep) *PlannerStep {
	base.appendInstructions(
		"Report the plan as the instruction result: a JSON array of step definitions " +
			`with "id", "type", "prompt" and optional "required_tools".`)
	return &PlannerStep{BaseStep: base}
}

// PlannedSteps extracts step definitions from a planner instruction. The
// plan is read from Metadata["planned_steps"] first, then from Result.
func PlannedSteps(inst *StepInstruction) ([]StepDefinition, error) {
	if inst == nil {
		return nil, nil
	}

	var raw []byte
	if v, ok := inst.Metadata[MetadataPlannedSteps]; ok {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode planned steps: %w", err)
		}
		raw = data
	} else if strings.HasPrefix(strings.TrimSpace(inst.Result), "[") {
		raw = []byte(inst.Result)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var defs []StepDefinition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("decode planned steps: %w", err)
	}
	return defs, nil
}

// ============================================================
// SummarizeStep
// ============================================================

// SummarizeStep condenses the conversation so far.
type SummarizeStep struct {
	*BaseStep
}

func newSummarizeStep(base *BaseStep) *SummarizeStep {
	base.appendInstructions("Summarize the work so far and report the summary as the instruction result.")
	return &SummarizeStep{BaseStep: base}
}

// ============================================================
// UserInputStep: human in the loop
// ============================================================

// UserInputStep routes its calls to a human instead of a model.
type UserInputStep struct {
	*BaseStep
}

func newUserInputStep(base *BaseStep) *UserInputStep {
	base.setParam(ParamInteraction, InteractionUserInput)
	return &UserInputStep{BaseStep: base}
}

// Question returns the prompt shown to the human.
func (s *UserInputStep) Question() string {
	return s.userContent()
}

// ============================================================
// EvaluationStep
// ============================================================

// EvaluationStep scores prior work against a set of criteria.
type EvaluationStep struct {
	*BaseStep
	criteria []string
}

func newEvaluationStep(base *BaseStep, def StepDefinition) *EvaluationStep {
	text := "Evaluate the result. Report outcome COMPLETED or REJECTED and a confidence between 0 and 1."
	if len(def.Criteria) > 0 {
		text += " Criteria: " + strings.Join(def.Criteria, "; ") + "."
	}
	base.appendInstructions(text)
	return &EvaluationStep{BaseStep: base, criteria: append([]string(nil), def.Criteria...)}
}

// Criteria returns the evaluation criteria.
func (s *EvaluationStep) Criteria() []string {
	return append([]string(nil), s.criteria...)
}

// ============================================================
// EntityStep: sets named entities
// ============================================================

// EntityStep extracts values for a fixed list of entities.
type EntityStep struct {
	*BaseStep
	entities []string
}

func newEntityStep(base *BaseStep, def StepDefinition) (*EntityStep, error) {
	if len(def.Entities) == 0 {
		return nil, types.NewError(types.ErrInvalidRecipe,
			fmt.Sprintf("set_entity step %s needs at least one entity", def.ID))
	}
	base.appendInstructions(fmt.Sprintf(
		"Report a JSON object with values for [%s] in instruction metadata under %q.",
		strings.Join(def.Entities, ", "), MetadataEntities))
	return &EntityStep{BaseStep: base, entities: append([]string(nil), def.Entities...)}, nil
}

// Entities returns the entity names this step sets.
func (s *EntityStep) Entities() []string {
	return append([]string(nil), s.entities...)
}
