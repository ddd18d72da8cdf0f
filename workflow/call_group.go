package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallGroupStatus is the status of one round within a step.
type CallGroupStatus string

const (
	CallGroupExecutingModelCall CallGroupStatus = "EXECUTING_MODEL_CALL"
	CallGroupExecutingToolCalls CallGroupStatus = "EXECUTING_TOOL_CALLS"
	CallGroupComplete           CallGroupStatus = "COMPLETE"
	CallGroupFailed             CallGroupStatus = "FAILED"
)

// validGroupTransitions 定义合法的状态转换
var validGroupTransitions = map[CallGroupStatus][]CallGroupStatus{
	CallGroupExecutingModelCall: {CallGroupExecutingToolCalls, CallGroupComplete, CallGroupFailed},
	CallGroupExecutingToolCalls: {CallGroupComplete, CallGroupFailed},
	CallGroupComplete:           {},
	CallGroupFailed:             {},
}

// CanTransitionGroup 检查状态转换是否合法
func CanTransitionGroup(from, to CallGroupStatus) bool {
	for _, s := range validGroupTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidGroupTransition 非法状态转换错误
type ErrInvalidGroupTransition struct {
	GroupID string
	From    CallGroupStatus
	To      CallGroupStatus
}

func (e ErrInvalidGroupTransition) Error() string {
	return fmt.Sprintf("invalid call group transition for %s: %s -> %s", e.GroupID, e.From, e.To)
}

// CallGroup is one round of a step: exactly one model call plus the tool
// calls it spawned.
type CallGroup struct {
	ID          string          `json:"id"`
	Round       int             `json:"round"`
	ModelCall   *ModelCall      `json:"model_call"`
	ToolCalls   []*ToolCall     `json:"tool_calls,omitempty"`
	Status      CallGroupStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// NewCallGroup starts a round for the given model call.
func NewCallGroup(round int, call *ModelCall) *CallGroup {
	return &CallGroup{
		ID:        uuid.NewString(),
		Round:     round,
		ModelCall: call,
		Status:    CallGroupExecutingModelCall,
		CreatedAt: time.Now(),
	}
}

func (g *CallGroup) transition(to CallGroupStatus) error {
	if !CanTransitionGroup(g.Status, to) {
		return ErrInvalidGroupTransition{GroupID: g.ID, From: g.Status, To: to}
	}
	g.Status = to
	if to == CallGroupComplete || to == CallGroupFailed {
		g.CompletedAt = time.Now()
	}
	return nil
}

// StartToolCalls moves the group into the tool phase.
func (g *CallGroup) StartToolCalls(calls []*ToolCall) error {
	if err := g.transition(CallGroupExecutingToolCalls); err != nil {
		return err
	}
	g.ToolCalls = calls
	return nil
}

// Complete finalizes the group; every call it owns must be terminal.
func (g *CallGroup) Complete() error {
	if !g.AllCallsTerminal() {
		return fmt.Errorf("call group %s has calls still in flight", g.ID)
	}
	return g.transition(CallGroupComplete)
}

// Fail finalizes the group as failed.
func (g *CallGroup) Fail(reason string) error {
	if err := g.transition(CallGroupFailed); err != nil {
		return err
	}
	g.Error = reason
	return nil
}

// IsTerminal reports whether the group reached COMPLETE or FAILED.
func (g *CallGroup) IsTerminal() bool {
	return g.Status == CallGroupComplete || g.Status == CallGroupFailed
}

// AllCallsTerminal reports whether the model call and every tool call are terminal.
func (g *CallGroup) AllCallsTerminal() bool {
	if g.ModelCall == nil || !g.ModelCall.Status.IsTerminal() {
		return false
	}
	for _, tc := range g.ToolCalls {
		if !tc.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// FailedToolCalls returns tool calls that ended in failure.
func (g *CallGroup) FailedToolCalls() []*ToolCall {
	var failed []*ToolCall
	for _, tc := range g.ToolCalls {
		if tc.Status == CallStatusFailed {
			failed = append(failed, tc)
		}
	}
	return failed
}

// HasFailures reports whether any call in the group failed.
func (g *CallGroup) HasFailures() bool {
	if g.ModelCall != nil && g.ModelCall.Status == CallStatusFailed {
		return true
	}
	return len(g.FailedToolCalls()) > 0
}
