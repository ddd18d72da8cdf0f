package callexec

import (
	"context"
	"fmt"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
	"go.uber.org/zap"
)

// HumanInputHandler answers the calls of user-input steps.
type HumanInputHandler interface {
	// RequestInput asks a human and blocks until an answer or ctx is done.
	RequestInput(ctx context.Context, stepID, question string) (string, error)
}

// HumanInputFunc adapts a function to HumanInputHandler.
type HumanInputFunc func(ctx context.Context, stepID, question string) (string, error)

// RequestInput implements HumanInputHandler.
func (f HumanInputFunc) RequestInput(ctx context.Context, stepID, question string) (string, error) {
	return f(ctx, stepID, question)
}

// RoutingModelExecutor sends calls marked for user input to a human and
// everything else to the model backend.
type RoutingModelExecutor struct {
	model  workflow.ModelCallExecutor
	human  HumanInputHandler
	logger *zap.Logger
}

// NewRoutingModelExecutor creates the router. human may be nil, in which case
// user-input calls fail.
func NewRoutingModelExecutor(model workflow.ModelCallExecutor, human HumanInputHandler, logger *zap.Logger) *RoutingModelExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoutingModelExecutor{
		model:  model,
		human:  human,
		logger: logger.With(zap.String("component", "routing_model_executor")),
	}
}

// ExecuteModelCall implements workflow.ModelCallExecutor.
func (r *RoutingModelExecutor) ExecuteModelCall(ctx context.Context, req *workflow.ModelCallRequest) (*workflow.ModelCallResponse, error) {
	if !IsUserInputRequest(req) {
		return r.model.ExecuteModelCall(ctx, req)
	}

	if r.human == nil {
		return &workflow.ModelCallResponse{
			Error: types.NewError(types.ErrHumanInputUnavailable,
				fmt.Sprintf("step %s needs user input but no handler is configured", req.StepID)).Error(),
		}, nil
	}

	question := types.LastContent(req.Messages, types.RoleUser)
	r.logger.Info("requesting user input", zap.String("step_id", req.StepID))
	answer, err := r.human.RequestInput(ctx, req.StepID, question)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return &workflow.ModelCallResponse{Error: fmt.Sprintf("user input failed: %v", err)}, nil
	}

	inst := workflow.NewStepInstruction(req.StepID, workflow.OutcomeCompleted, answer)
	return &workflow.ModelCallResponse{
		Messages:    []types.Message{types.NewUserMessage(answer)},
		Instruction: inst,
	}, nil
}

// IsUserInputRequest reports whether the call belongs to a user-input step.
func IsUserInputRequest(req *workflow.ModelCallRequest) bool {
	if req.StepType == workflow.StepTypeUserInput {
		return true
	}
	v, _ := req.Parameters[workflow.ParamInteraction].(string)
	return v == workflow.InteractionUserInput
}
