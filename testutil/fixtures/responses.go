// =============================================================================
// 📦 测试数据工厂 - 模型与工具响应
// =============================================================================
// 提供预定义的模型调用响应，用于测试
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 🎯 ModelCallResponse 工厂
// =============================================================================

// CompletedResponse 返回带 COMPLETED 指令的响应
func CompletedResponse(content string) *workflow.ModelCallResponse {
	return &workflow.ModelCallResponse{
		Messages:    []types.Message{types.NewAssistantMessage(content)},
		Instruction: workflow.NewStepInstruction("", workflow.OutcomeCompleted, content),
	}
}

// ContinueResponse 返回要求继续的响应
func ContinueResponse(content string) *workflow.ModelCallResponse {
	return &workflow.ModelCallResponse{
		Messages:    []types.Message{types.NewAssistantMessage(content)},
		Instruction: workflow.NewStepInstruction("", workflow.OutcomeContinue, content),
	}
}

// RoutingResponse 返回建议下一步的完成响应
func RoutingResponse(next string, confidence float64) *workflow.ModelCallResponse {
	resp := CompletedResponse("route to " + next)
	resp.Instruction.WithSuggestion(next).WithConfidence(confidence)
	return resp
}

// ToolCallsResponse 返回请求若干工具调用的响应，ID 为 call_<i>_<name>
func ToolCallsResponse(names ...string) *workflow.ModelCallResponse {
	calls := make([]types.ToolCall, 0, len(names))
	for i, name := range names {
		calls = append(calls, types.ToolCall{
			ID:        fmt.Sprintf("call_%d_%s", i, name),
			Name:      name,
			Arguments: json.RawMessage(`{}`),
		})
	}
	return &workflow.ModelCallResponse{ToolCalls: calls}
}

// FailedResponse 返回调用失败的响应
func FailedResponse(msg string) *workflow.ModelCallResponse {
	return &workflow.ModelCallResponse{Error: msg}
}

// UnrecoverableResponse 返回模型放弃的响应
func UnrecoverableResponse(reason string) *workflow.ModelCallResponse {
	inst := workflow.NewStepInstruction("", workflow.OutcomeUnrecoverableError, "")
	inst.Reason = reason
	return &workflow.ModelCallResponse{Instruction: inst}
}

// PlanResponse 返回携带规划步骤的完成响应
func PlanResponse(defs ...workflow.StepDefinition) *workflow.ModelCallResponse {
	data, err := json.Marshal(defs)
	if err != nil {
		panic(err)
	}
	return CompletedResponse(string(data))
}
