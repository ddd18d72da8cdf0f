package workflow

import (
	"testing"

	"github.com/BaSui01/stepflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStep_Dispatch(t *testing.T) {
	tests := []struct {
		def  StepDefinition
		want any
	}{
		{StepDefinition{ID: "a"}, &ModelStep{}},
		{StepDefinition{ID: "b", Type: StepTypeBranch, Options: []string{"x", "y"}}, &BranchStep{}},
		{StepDefinition{ID: "c", Type: StepTypePlanner}, &PlannerStep{}},
		{StepDefinition{ID: "d", Type: StepTypeSummarize}, &SummarizeStep{}},
		{StepDefinition{ID: "e", Type: StepTypeUserInput, Prompt: "Which region?"}, &UserInputStep{}},
		{StepDefinition{ID: "f", Type: StepTypeEvaluation, Criteria: []string{"accurate"}}, &EvaluationStep{}},
		{StepDefinition{ID: "g", Type: StepTypeSetEntity, Entities: []string{"city"}}, &EntityStep{}},
	}
	for _, tt := range tests {
		t.Run(tt.def.ID, func(t *testing.T) {
			s, err := NewStep(tt.def)
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
			assert.Equal(t, tt.def.ID, s.ID())
		})
	}
}

func TestNewStep_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  StepDefinition
		code types.ErrorCode
	}{
		{"missing id", StepDefinition{}, types.ErrInvalidRecipe},
		{"unknown type", StepDefinition{ID: "a", Type: "teleport"}, types.ErrUnknownStepType},
		{"branch without options", StepDefinition{ID: "a", Type: StepTypeBranch}, types.ErrInvalidRecipe},
		{"entity without entities", StepDefinition{ID: "a", Type: StepTypeSetEntity}, types.ErrInvalidRecipe},
		{"missing template variable", StepDefinition{ID: "a", Prompt: "Hi {{.name}}"}, types.ErrInvalidRecipe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStep(tt.def)
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, tt.code), "got %v", err)
		})
	}
}

func TestBaseStep_InitialModelCall(t *testing.T) {
	s := mustStep(t, StepDefinition{
		ID:                 "s1",
		Prompt:             "Find flights to {{.city}}",
		Variables:          map[string]any{"city": "Lisbon"},
		Goal:               "cheapest fare",
		RequiredTools:      []string{"flights"},
		OutputInstructions: "Answer in JSON.",
		Parameters:         map[string]any{"temperature": 0.1},
	})

	call := s.InitialModelCall()
	assert.Equal(t, CallStatusPending, call.Status)
	assert.Equal(t, "s1", call.Request.StepID)
	require.Len(t, call.Request.Messages, 1)
	assert.Equal(t, types.RoleUser, call.Request.Messages[0].Role)
	assert.Equal(t, "Find flights to Lisbon\n\nGoal: cheapest fare", call.Request.Messages[0].Content)
	assert.Equal(t, []string{"flights"}, call.Request.Tools)
	assert.Equal(t, "Answer in JSON.", call.Request.OutputInstructions)

	// Requests own their parameters.
	call.Request.Parameters["temperature"] = 1.0
	assert.Equal(t, 0.1, s.InitialModelCall().Request.Parameters["temperature"])
}

func TestBaseStep_FollowUpWithoutPrevious(t *testing.T) {
	s := modelStep(t, "s1")
	call := s.FollowUpModelCall(nil, nil)
	require.Len(t, call.Request.Messages, 1)
}

func TestBranchStep(t *testing.T) {
	s := mustStep(t, StepDefinition{ID: "route", Type: StepTypeBranch, Options: []string{"refund", "escalate"}})
	br := s.(*BranchStep)
	assert.Equal(t, []string{"refund", "escalate"}, br.Options())
	req := br.InitialModelCall().Request
	assert.Contains(t, req.OutputInstructions, "refund, escalate")
	assert.Equal(t, []string{"refund", "escalate"}, req.Parameters["options"])
}

func TestUserInputStep(t *testing.T) {
	s := mustStep(t, StepDefinition{ID: "ask", Type: StepTypeUserInput, Prompt: "Which account?"})
	u := s.(*UserInputStep)
	assert.Equal(t, "Which account?", u.Question())
	assert.Equal(t, InteractionUserInput, u.InitialModelCall().Request.Parameters[ParamInteraction])
}

func TestEvaluationAndEntitySteps(t *testing.T) {
	ev := mustStep(t, StepDefinition{ID: "ev", Type: StepTypeEvaluation, Criteria: []string{"cites sources"}}).(*EvaluationStep)
	assert.Equal(t, []string{"cites sources"}, ev.Criteria())
	assert.Contains(t, ev.OutputInstructions(), "cites sources")

	en := mustStep(t, StepDefinition{ID: "en", Type: StepTypeSetEntity, Entities: []string{"city", "date"}}).(*EntityStep)
	assert.Equal(t, []string{"city", "date"}, en.Entities())
	assert.Contains(t, en.OutputInstructions(), MetadataEntities)
}

func TestPlannedSteps(t *testing.T) {
	t.Run("from metadata", func(t *testing.T) {
		inst := NewStepInstruction("plan", OutcomeCompleted, "")
		inst.Metadata = map[string]any{MetadataPlannedSteps: []map[string]any{
			{"id": "p1", "prompt": "look up"},
			{"id": "p2", "type": "summarize"},
		}}
		defs, err := PlannedSteps(inst)
		require.NoError(t, err)
		require.Len(t, defs, 2)
		assert.Equal(t, "p1", defs[0].ID)
		assert.Equal(t, StepTypeSummarize, defs[1].Type)
	})

	t.Run("from result", func(t *testing.T) {
		inst := NewStepInstruction("plan", OutcomeCompleted, ` [{"id":"p1"}]`)
		defs, err := PlannedSteps(inst)
		require.NoError(t, err)
		require.Len(t, defs, 1)
	})

	t.Run("no plan", func(t *testing.T) {
		defs, err := PlannedSteps(NewStepInstruction("plan", OutcomeCompleted, "nothing to add"))
		require.NoError(t, err)
		assert.Empty(t, defs)

		defs, err = PlannedSteps(nil)
		require.NoError(t, err)
		assert.Empty(t, defs)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := PlannedSteps(NewStepInstruction("plan", OutcomeCompleted, "[{oops"))
		require.Error(t, err)
	})
}

func TestParseStepInstruction(t *testing.T) {
	inst, err := ParseStepInstruction("s1", []byte(`{"nextStepSuggestion":"s2","confidence":3,"reason":"fits"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", inst.StepID)
	assert.Equal(t, "s2", inst.SuggestedNextStepID)
	assert.Equal(t, OutcomeCompleted, inst.Outcome)
	assert.Equal(t, 1.0, inst.Confidence)
	assert.Equal(t, "fits", inst.Reason)
	assert.False(t, inst.Timestamp.IsZero())

	empty, err := ParseStepInstruction("s1", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, empty.Outcome)

	_, err = ParseStepInstruction("s1", []byte(`not json`))
	require.Error(t, err)
}

func TestStepInstruction_CanRoute(t *testing.T) {
	var nilInst *StepInstruction
	assert.False(t, nilInst.CanRoute())
	assert.False(t, NewStepInstruction("s", OutcomeCompleted, "").CanRoute())
	assert.False(t, NewStepInstruction("s", OutcomeRejected, "").WithSuggestion("x").CanRoute())
	assert.True(t, NewStepInstruction("s", OutcomeContinue, "").WithSuggestion("x").CanRoute())
}
