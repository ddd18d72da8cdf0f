package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/stepflow/types"
	"github.com/google/uuid"
)

// CallStatus is the lifecycle status of a single model or tool call.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusExecuting CallStatus = "executing"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusCompleted || s == CallStatusFailed
}

// =============================================================================
// 🤖 模型调用
// =============================================================================

// ModelCallRequest is what the model-call executor receives.
type ModelCallRequest struct {
	StepID             string          `json:"step_id"`
	StepType           StepType        `json:"step_type"`
	Messages           []types.Message `json:"messages"`
	Parameters         map[string]any  `json:"parameters,omitempty"`
	OutputInstructions string          `json:"output_instructions,omitempty"`
	Tools              []string        `json:"tools,omitempty"`
}

// ModelCallResponse is what the model-call executor returns. A non-empty
// Error marks the call as failed.
type ModelCallResponse struct {
	Messages    []types.Message  `json:"messages,omitempty"`
	ToolCalls   []types.ToolCall `json:"tool_calls,omitempty"`
	Instruction *StepInstruction `json:"instruction,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Content joins the content of all returned assistant messages.
func (r *ModelCallResponse) Content() string {
	if r == nil {
		return ""
	}
	var out string
	for _, m := range r.Messages {
		if m.Content == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// ModelCall is one model invocation within a call group.
type ModelCall struct {
	ID          string             `json:"id"`
	Request     ModelCallRequest   `json:"request"`
	Response    *ModelCallResponse `json:"response,omitempty"`
	Status      CallStatus         `json:"status"`
	Error       string             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
}

// NewModelCall creates a pending model call.
func NewModelCall(req ModelCallRequest) *ModelCall {
	return &ModelCall{
		ID:      uuid.NewString(),
		Request: req,
		Status:  CallStatusPending,
	}
}

func (c *ModelCall) start() {
	c.Status = CallStatusExecuting
	c.StartedAt = time.Now()
}

func (c *ModelCall) complete(resp *ModelCallResponse) {
	c.Response = resp
	c.Status = CallStatusCompleted
	c.CompletedAt = time.Now()
}

func (c *ModelCall) fail(msg string) {
	c.Status = CallStatusFailed
	c.Error = msg
	c.CompletedAt = time.Now()
}

// RequestedToolCalls returns the tool calls the model asked for.
func (c *ModelCall) RequestedToolCalls() []types.ToolCall {
	if c.Response == nil {
		return nil
	}
	return c.Response.ToolCalls
}

// Instruction returns the structured instruction emitted by the model, if any.
func (c *ModelCall) Instruction() *StepInstruction {
	if c.Response == nil {
		return nil
	}
	return c.Response.Instruction
}

// =============================================================================
// 🔧 工具调用
// =============================================================================

// ToolCallRequest is what the tool-call executor receives.
type ToolCallRequest struct {
	ID         string          `json:"id"`
	StepID     string          `json:"step_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
}

// ToolCallResponse is what the tool-call executor returns. A non-empty Error
// marks the call as failed.
type ToolCallResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ToolCall is one tool invocation requested by a model call.
type ToolCall struct {
	ID          string          `json:"id"`
	Request     ToolCallRequest `json:"request"`
	Result      string          `json:"result,omitempty"`
	Status      CallStatus      `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// NewToolCall creates a pending tool call from a model-requested call.
func NewToolCall(stepID string, requested types.ToolCall) *ToolCall {
	id := requested.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &ToolCall{
		ID: id,
		Request: ToolCallRequest{
			ID:     id,
			StepID: stepID,
			Name:   requested.Name,
			Input:  requested.Arguments,
		},
		Status: CallStatusPending,
	}
}

// Name returns the requested tool name.
func (c *ToolCall) Name() string {
	return c.Request.Name
}

func (c *ToolCall) start() {
	c.Status = CallStatusExecuting
	c.StartedAt = time.Now()
}

func (c *ToolCall) complete(result string) {
	c.Result = result
	c.Status = CallStatusCompleted
	c.CompletedAt = time.Now()
}

func (c *ToolCall) fail(msg string) {
	c.Status = CallStatusFailed
	c.Error = msg
	c.CompletedAt = time.Now()
}

// ToolResult converts the call into a shared tool result.
func (c *ToolCall) ToolResult() types.ToolResult {
	tr := types.ToolResult{
		ToolCallID: c.ID,
		Name:       c.Name(),
		Error:      c.Error,
	}
	if !c.CompletedAt.IsZero() && !c.StartedAt.IsZero() {
		tr.Duration = c.CompletedAt.Sub(c.StartedAt)
	}
	if c.Result != "" {
		if json.Valid([]byte(c.Result)) {
			tr.Result = json.RawMessage(c.Result)
		} else {
			tr.Result, _ = json.Marshal(c.Result)
		}
	}
	return tr
}

// =============================================================================
// 🔌 外部执行器契约
// =============================================================================

// ModelCallExecutor performs model calls. Failures the backend understands are
// reported through ModelCallResponse.Error; a returned error is treated as an
// exceptional failure that aborts the step.
type ModelCallExecutor interface {
	ExecuteModelCall(ctx context.Context, req *ModelCallRequest) (*ModelCallResponse, error)
}

// ToolCallExecutor performs tool calls with the same failure contract as
// ModelCallExecutor.
type ToolCallExecutor interface {
	ExecuteToolCall(ctx context.Context, req *ToolCallRequest) (*ToolCallResponse, error)
}

// ModelCallExecutorFunc adapts a function to ModelCallExecutor.
type ModelCallExecutorFunc func(ctx context.Context, req *ModelCallRequest) (*ModelCallResponse, error)

// ExecuteModelCall implements ModelCallExecutor.
func (f ModelCallExecutorFunc) ExecuteModelCall(ctx context.Context, req *ModelCallRequest) (*ModelCallResponse, error) {
	return f(ctx, req)
}

// ToolCallExecutorFunc adapts a function to ToolCallExecutor.
type ToolCallExecutorFunc func(ctx context.Context, req *ToolCallRequest) (*ToolCallResponse, error)

// ExecuteToolCall implements ToolCallExecutor.
func (f ToolCallExecutorFunc) ExecuteToolCall(ctx context.Context, req *ToolCallRequest) (*ToolCallResponse, error) {
	return f(ctx, req)
}
