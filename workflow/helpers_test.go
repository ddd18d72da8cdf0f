package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/BaSui01/stepflow/types"
	"github.com/stretchr/testify/require"
)

// scriptedModels returns one response per call, in order. Calls past the end
// of the script reuse the last response.
type scriptedModels struct {
	mu        sync.Mutex
	responses []*ModelCallResponse
	requests  []ModelCallRequest
}

func newScriptedModels(responses ...*ModelCallResponse) *scriptedModels {
	return &scriptedModels{responses: responses}
}

func (s *scriptedModels) ExecuteModelCall(_ context.Context, req *ModelCallRequest) (*ModelCallResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, *req)
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func (s *scriptedModels) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedModels) request(i int) ModelCallRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// toolResults maps tool name to a response; unknown tools fail.
type toolResults struct {
	mu       sync.Mutex
	results  map[string]*ToolCallResponse
	executed []string
}

func newToolResults(results map[string]*ToolCallResponse) *toolResults {
	return &toolResults{results: results}
}

func (t *toolResults) ExecuteToolCall(_ context.Context, req *ToolCallRequest) (*ToolCallResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executed = append(t.executed, req.Name)
	if r, ok := t.results[req.Name]; ok {
		return r, nil
	}
	return &ToolCallResponse{Error: fmt.Sprintf("unknown tool %s", req.Name)}, nil
}

func (t *toolResults) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.executed)
}

func completedResponse(text string) *ModelCallResponse {
	return &ModelCallResponse{
		Messages:    []types.Message{types.NewAssistantMessage(text)},
		Instruction: NewStepInstruction("", OutcomeCompleted, text),
	}
}

func toolResponse(names ...string) *ModelCallResponse {
	calls := make([]types.ToolCall, 0, len(names))
	for i, n := range names {
		calls = append(calls, types.ToolCall{
			ID:        fmt.Sprintf("call_%d_%s", i, n),
			Name:      n,
			Arguments: json.RawMessage(`{}`),
		})
	}
	return &ModelCallResponse{ToolCalls: calls}
}

func mustStep(t *testing.T, def StepDefinition) Step {
	t.Helper()
	s, err := NewStep(def)
	require.NoError(t, err)
	return s
}

func modelStep(t *testing.T, id string) Step {
	t.Helper()
	return mustStep(t, StepDefinition{ID: id, Prompt: "do " + id})
}
