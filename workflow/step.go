package workflow

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/BaSui01/stepflow/types"
)

// StepType is the discriminator used by the step factory.
type StepType string

const (
	// StepTypeModel is a generic model/tool step
	StepTypeModel StepType = "model"
	// StepTypeBranch asks the model to pick one of several successors
	StepTypeBranch StepType = "branch"
	// StepTypePlanner produces further steps
	StepTypePlanner StepType = "planner"
	// StepTypeSummarize condenses prior work
	StepTypeSummarize StepType = "summarize"
	// StepTypeUserInput gathers input from a human
	StepTypeUserInput StepType = "user_input"
	// StepTypeEvaluation scores a result
	StepTypeEvaluation StepType = "evaluation"
	// StepTypeSetEntity extracts named entity values
	StepTypeSetEntity StepType = "set_entity"
)

// Step is one node of the workflow graph.
type Step interface {
	ID() string
	Type() StepType
	Description() string
	RequiredTools() []string
	// InitialModelCall builds the first call of the step.
	InitialModelCall() *ModelCall
	// FollowUpModelCall builds the next call from the previous call and the
	// tool calls it triggered.
	FollowUpModelCall(previous *ModelCall, toolCalls []*ToolCall) *ModelCall
}

// Definer is implemented by steps that can be serialized back to a
// StepDefinition.
type Definer interface {
	Definition() StepDefinition
}

// ModelCallLimiter is implemented by steps that override the engine's
// per-step model call ceiling.
type ModelCallLimiter interface {
	MaxModelCalls() int
}

// StepDefinition is the serializable form of a step.
type StepDefinition struct {
	ID                 string         `json:"id" yaml:"id"`
	Type               StepType       `json:"type" yaml:"type"`
	Description        string         `json:"description,omitempty" yaml:"description,omitempty"`
	Prompt             string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Goal               string         `json:"goal,omitempty" yaml:"goal,omitempty"`
	RequiredTools      []string       `json:"required_tools,omitempty" yaml:"required_tools,omitempty"`
	Options            []string       `json:"options,omitempty" yaml:"options,omitempty"`
	Entities           []string       `json:"entities,omitempty" yaml:"entities,omitempty"`
	Criteria           []string       `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	OutputInstructions string         `json:"output_instructions,omitempty" yaml:"output_instructions,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Variables          map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	MaxModelCalls      int            `json:"max_model_calls,omitempty" yaml:"max_model_calls,omitempty"`
}

// NewStep builds a step from its definition, dispatching on Type.
func NewStep(def StepDefinition) (Step, error) {
	if def.ID == "" {
		return nil, types.NewError(types.ErrInvalidRecipe, "step id is required")
	}
	if def.Type == "" {
		def.Type = StepTypeModel
	}

	base, err := newBaseStep(def)
	if err != nil {
		return nil, err
	}

	switch def.Type {
	case StepTypeModel:
		return &ModelStep{BaseStep: base}, nil
	case StepTypeBranch:
		return newBranchStep(base, def)
	case StepTypePlanner:
		return newPlannerStep(base), nil
	case StepTypeSummarize:
		return newSummarizeStep(base), nil
	case StepTypeUserInput:
		return newUserInputStep(base), nil
	case StepTypeEvaluation:
		return newEvaluationStep(base, def), nil
	case StepTypeSetEntity:
		return newEntityStep(base, def)
	default:
		return nil, types.NewError(types.ErrUnknownStepType,
			fmt.Sprintf("unknown step type %q for step %s", def.Type, def.ID))
	}
}

// BaseStep holds the state shared by every step variant.
type BaseStep struct {
	id                 string
	stepType           StepType
	description        string
	prompt             string
	goal               string
	tools              []string
	parameters         map[string]any
	outputInstructions string
	maxModelCalls      int
	def                StepDefinition
}

func newBaseStep(def StepDefinition) (*BaseStep, error) {
	prompt, err := renderPrompt(def.ID, def.Prompt, def.Variables)
	if err != nil {
		return nil, err
	}
	return &BaseStep{
		id:                 def.ID,
		stepType:           def.Type,
		description:        def.Description,
		prompt:             prompt,
		goal:               def.Goal,
		tools:              append([]string(nil), def.RequiredTools...),
		parameters:         cloneParams(def.Parameters),
		outputInstructions: def.OutputInstructions,
		maxModelCalls:      def.MaxModelCalls,
		def:                def,
	}, nil
}

// renderPrompt renders the prompt template; unknown variables are an error.
func renderPrompt(stepID, prompt string, vars map[string]any) (string, error) {
	if !strings.Contains(prompt, "{{") {
		return prompt, nil
	}
	tmpl, err := template.New(stepID).Option("missingkey=error").Parse(prompt)
	if err != nil {
		return "", types.NewError(types.ErrInvalidRecipe,
			fmt.Sprintf("parse prompt of step %s", stepID)).WithCause(err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", types.NewError(types.ErrInvalidRecipe,
			fmt.Sprintf("render prompt of step %s", stepID)).WithCause(err)
	}
	return buf.String(), nil
}

func cloneParams(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *BaseStep) ID() string              { return s.id }
func (s *BaseStep) Type() StepType          { return s.stepType }
func (s *BaseStep) Description() string     { return s.description }
func (s *BaseStep) Prompt() string          { return s.prompt }
func (s *BaseStep) Goal() string            { return s.goal }
func (s *BaseStep) RequiredTools() []string { return append([]string(nil), s.tools...) }

// MaxModelCalls returns the per-step override, 0 when unset.
func (s *BaseStep) MaxModelCalls() int { return s.maxModelCalls }

// Definition returns the definition the step was built from.
func (s *BaseStep) Definition() StepDefinition { return s.def }

// OutputInstructions returns the instructions appended to every call.
func (s *BaseStep) OutputInstructions() string { return s.outputInstructions }

func (s *BaseStep) userContent() string {
	var b strings.Builder
	b.WriteString(s.prompt)
	if s.goal != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Goal: ")
		b.WriteString(s.goal)
	}
	if b.Len() == 0 {
		b.WriteString(s.description)
	}
	return b.String()
}

func (s *BaseStep) request(messages []types.Message) ModelCallRequest {
	return ModelCallRequest{
		StepID:             s.id,
		StepType:           s.stepType,
		Messages:           messages,
		Parameters:         cloneParams(s.parameters),
		OutputInstructions: s.outputInstructions,
		Tools:              s.RequiredTools(),
	}
}

// InitialModelCall implements Step.
func (s *BaseStep) InitialModelCall() *ModelCall {
	return NewModelCall(s.request([]types.Message{types.NewUserMessage(s.userContent())}))
}

// FollowUpModelCall implements Step. The conversation so far is replayed,
// followed by the assistant turn and one tool message per tool call.
func (s *BaseStep) FollowUpModelCall(previous *ModelCall, toolCalls []*ToolCall) *ModelCall {
	if previous == nil {
		return s.InitialModelCall()
	}

	messages := make([]types.Message, 0, len(previous.Request.Messages)+len(toolCalls)+2)
	messages = append(messages, previous.Request.Messages...)

	if resp := previous.Response; resp != nil {
		assistant := types.NewAssistantMessage(resp.Content())
		if len(resp.ToolCalls) > 0 {
			assistant.ToolCalls = resp.ToolCalls
		}
		messages = append(messages, assistant)
	}

	for _, tc := range toolCalls {
		messages = append(messages, tc.ToolResult().ToMessage())
	}
	if len(toolCalls) == 0 {
		messages = append(messages, types.NewUserMessage(
			"Continue with the step. When it is done, report the outcome."))
	}

	return NewModelCall(s.request(messages))
}
