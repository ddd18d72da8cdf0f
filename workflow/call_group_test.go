package workflow

import (
	"encoding/json"
	"testing"

	"github.com/BaSui01/stepflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionGroup(t *testing.T) {
	tests := []struct {
		from, to CallGroupStatus
		want     bool
	}{
		{CallGroupExecutingModelCall, CallGroupExecutingToolCalls, true},
		{CallGroupExecutingModelCall, CallGroupComplete, true},
		{CallGroupExecutingModelCall, CallGroupFailed, true},
		{CallGroupExecutingToolCalls, CallGroupComplete, true},
		{CallGroupExecutingToolCalls, CallGroupFailed, true},
		{CallGroupExecutingToolCalls, CallGroupExecutingModelCall, false},
		{CallGroupComplete, CallGroupFailed, false},
		{CallGroupFailed, CallGroupComplete, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransitionGroup(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCallGroup_Lifecycle(t *testing.T) {
	call := NewModelCall(ModelCallRequest{StepID: "s1"})
	g := NewCallGroup(1, call)
	assert.Equal(t, CallGroupExecutingModelCall, g.Status)

	// Cannot complete while the model call is in flight.
	require.Error(t, g.Complete())

	call.start()
	call.complete(&ModelCallResponse{})
	tc := NewToolCall("s1", types.ToolCall{ID: "t1", Name: "search"})
	require.NoError(t, g.StartToolCalls([]*ToolCall{tc}))
	assert.Equal(t, CallGroupExecutingToolCalls, g.Status)
	require.Error(t, g.Complete())

	tc.start()
	tc.complete("ok")
	require.NoError(t, g.Complete())
	assert.True(t, g.IsTerminal())
	assert.False(t, g.HasFailures())
	assert.False(t, g.CompletedAt.IsZero())

	err := g.Fail("late")
	var transitionErr ErrInvalidGroupTransition
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, CallGroupComplete, transitionErr.From)
	assert.Equal(t, CallGroupComplete, g.Status)
}

func TestCallGroup_Failures(t *testing.T) {
	call := NewModelCall(ModelCallRequest{})
	call.start()
	call.complete(&ModelCallResponse{})
	g := NewCallGroup(2, call)

	ok := NewToolCall("s1", types.ToolCall{Name: "a"})
	bad := NewToolCall("s1", types.ToolCall{Name: "b"})
	require.NoError(t, g.StartToolCalls([]*ToolCall{ok, bad}))
	ok.start()
	ok.complete("fine")
	bad.start()
	bad.fail("timeout")

	assert.True(t, g.HasFailures())
	require.Len(t, g.FailedToolCalls(), 1)
	assert.Equal(t, "b", g.FailedToolCalls()[0].Name())
	require.NoError(t, g.Fail("tool b failed"))
	assert.Equal(t, "tool b failed", g.Error)
}

func TestToolCall_Identity(t *testing.T) {
	tc := NewToolCall("s1", types.ToolCall{ID: "given", Name: "x", Arguments: json.RawMessage(`{"q":1}`)})
	assert.Equal(t, "given", tc.ID)
	assert.Equal(t, "given", tc.Request.ID)
	assert.Equal(t, "s1", tc.Request.StepID)
	assert.JSONEq(t, `{"q":1}`, string(tc.Request.Input))

	generated := NewToolCall("s1", types.ToolCall{Name: "x"})
	assert.NotEmpty(t, generated.ID)
	assert.Equal(t, CallStatusPending, generated.Status)
}

func TestToolCall_ToolResult(t *testing.T) {
	jsonResult := NewToolCall("s1", types.ToolCall{ID: "a", Name: "x"})
	jsonResult.start()
	jsonResult.complete(`{"n":1}`)
	assert.JSONEq(t, `{"n":1}`, string(jsonResult.ToolResult().Result))

	text := NewToolCall("s1", types.ToolCall{ID: "b", Name: "x"})
	text.start()
	text.complete("plain words")
	assert.Equal(t, `"plain words"`, string(text.ToolResult().Result))

	failed := NewToolCall("s1", types.ToolCall{ID: "c", Name: "x"})
	failed.start()
	failed.fail("denied")
	msg := failed.ToolResult().ToMessage()
	assert.Equal(t, types.RoleTool, msg.Role)
	assert.Equal(t, "Error: denied", msg.Content)
	assert.Equal(t, "c", msg.ToolCallID)
}

func TestModelCall_Accessors(t *testing.T) {
	call := NewModelCall(ModelCallRequest{})
	assert.Nil(t, call.Instruction())
	assert.Nil(t, call.RequestedToolCalls())

	resp := &ModelCallResponse{
		Messages: []types.Message{
			types.NewAssistantMessage("one"),
			types.NewAssistantMessage(""),
			types.NewAssistantMessage("two"),
		},
		ToolCalls:   []types.ToolCall{{Name: "t"}},
		Instruction: NewStepInstruction("s1", OutcomeContinue, ""),
	}
	call.start()
	call.complete(resp)
	assert.Equal(t, "one\ntwo", resp.Content())
	assert.Len(t, call.RequestedToolCalls(), 1)
	assert.Equal(t, OutcomeContinue, call.Instruction().Outcome)
	assert.Equal(t, CallStatusCompleted, call.Status)
}
