package agent

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/stepflow/agent"

// AgentExecutor drives a recipe from its first step to a terminal step.
// Each run gets its own StepManager, so one executor may serve concurrent
// runs.
type AgentExecutor struct {
	recipe *workflow.AgentRecipe
	models workflow.ModelCallExecutor
	tools  workflow.ToolCallExecutor
	opts   options
	tracer trace.Tracer
	logger *zap.Logger
}

// NewAgentExecutor creates an executor for recipe.
func NewAgentExecutor(recipe *workflow.AgentRecipe, models workflow.ModelCallExecutor, tools workflow.ToolCallExecutor, opts ...Option) (*AgentExecutor, error) {
	if recipe == nil {
		return nil, ErrNoRecipe
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	tracer := o.tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &AgentExecutor{
		recipe: recipe,
		models: models,
		tools:  tools,
		opts:   o,
		tracer: tracer,
		logger: o.logger.With(zap.String("component", "agent_executor")),
	}, nil
}

// Recipe returns the recipe this executor runs.
func (a *AgentExecutor) Recipe() *workflow.AgentRecipe { return a.recipe }

// Execute runs the recipe synchronously. The result is never nil: on error
// it holds every execution recorded before the run stopped. The error is an
// *ExecutionError naming the step the run stopped at.
func (a *AgentExecutor) Execute(ctx context.Context) (*AgentResult, error) {
	ctx, run, opts := a.newRun(ctx)
	defer run.Cancel()
	result, err := a.execute(ctx, run, opts)
	run.finish(result, err)
	return result, err
}

// ExecuteAsync starts the run in a goroutine and returns its handle.
func (a *AgentExecutor) ExecuteAsync(ctx context.Context) *Run {
	ctx, run, opts := a.newRun(ctx)
	go func() {
		defer run.Cancel()
		result, err := a.execute(ctx, run, opts)
		run.finish(result, err)
	}()
	return run
}

func (a *AgentExecutor) newRun(ctx context.Context) (context.Context, *Run, options) {
	opts := GetRunConfig(ctx).apply(a.opts)
	id := opts.runID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	return ctx, newRun(id, cancel), opts
}

func (a *AgentExecutor) execute(ctx context.Context, run *Run, opts options) (*AgentResult, error) {
	result := NewAgentResult(run.ID(), a.recipe.ID())
	if rc := GetRunConfig(ctx); rc != nil && len(rc.Metadata) > 0 {
		result.Metadata = maps.Clone(rc.Metadata)
	}

	ctx = types.WithRunID(ctx, run.ID())
	ctx = types.WithRecipeID(ctx, a.recipe.ID())
	ctx, span := a.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run.id", run.ID()),
		attribute.String("recipe.id", a.recipe.ID()),
	))
	defer span.End()

	log := a.logger.With(zap.String("run_id", run.ID()), zap.String("recipe_id", a.recipe.ID()))
	manager := workflow.NewStepManager(a.recipe, opts.logger)
	executor := a.stepExecutor(run, opts)

	result.Status = RunStatusRunning
	run.setStatus(RunStatusRunning)
	a.checkpoint(ctx, opts, result, log)
	log.Info("agent run started", zap.Int("steps", len(a.recipe.Steps())))

	executed := make(map[string]int)
	var runErr error
	for step := manager.CurrentStep(); step != nil; step = manager.AdvanceToNextStep() {
		if err := ctx.Err(); err != nil {
			runErr = &ExecutionError{RunID: run.ID(), StepID: step.ID(), Code: types.ErrRunCancelled, Cause: err}
			break
		}
		if aborted, reason := run.aborted(); aborted {
			runErr = &ExecutionError{RunID: run.ID(), StepID: step.ID(), Code: types.ErrAgentExecutionFailed, Message: "run aborted: " + reason}
			break
		}
		if runErr = a.checkLoop(run.ID(), step.ID(), len(result.Executions), executed, opts, log); runErr != nil {
			break
		}
		executed[step.ID()]++
		run.enterStep(step.ID())

		exec, err := executor.Execute(ctx, step)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// An execution that finished before the cancellation landed is kept.
			if err == nil && exec.Status == workflow.StepStatusCompleted {
				result.Append(exec)
			}
			runErr = &ExecutionError{RunID: run.ID(), StepID: step.ID(), Code: types.ErrRunCancelled, Cause: ctxErr}
			break
		}

		result.Append(exec)
		a.checkpoint(ctx, opts, result, log)

		if err != nil {
			runErr = &ExecutionError{RunID: run.ID(), StepID: step.ID(), Code: types.ErrAgentExecutionFailed, Cause: err}
			break
		}
		for _, inst := range exec.Instructions {
			manager.AddInstruction(inst)
		}
		if exec.Failed() {
			if !opts.continueOnStepFailure {
				runErr = &ExecutionError{RunID: run.ID(), StepID: step.ID(), Code: types.ErrStepExecutionFailed, Message: exec.Error}
				break
			}
			log.Warn("step failed, continuing",
				zap.String("step_id", step.ID()),
				zap.String("error", exec.Error),
			)
			continue
		}
		if step.Type() == workflow.StepTypePlanner {
			a.splicePlan(manager, step, exec, log)
		}
	}

	return a.finish(ctx, span, run, opts, result, runErr, log)
}

func (a *AgentExecutor) stepExecutor(run *Run, opts options) *workflow.StepExecutor {
	links := []workflow.CompletionLink{
		workflow.ExternalAbortLink(),
		workflow.MemoryUpdateFailureLink(),
		workflow.PlannerOverrideLink(),
	}
	links = append(links, opts.extraLinks...)

	stepOpts := []workflow.ExecutorOption{
		workflow.WithExecutorConfig(opts.executorConfig),
		workflow.WithExecutorLogger(opts.logger),
		workflow.WithRecipeDefaults(a.recipe),
		workflow.WithSignalSource(run.signals),
		workflow.WithCompletionLinks(links...),
		workflow.WithTracer(a.tracer),
	}
	if opts.metrics != nil {
		stepOpts = append(stepOpts, workflow.WithMetrics(opts.metrics))
	}
	return workflow.NewStepExecutor(a.models, a.tools, stepOpts...)
}

func (a *AgentExecutor) checkLoop(runID, stepID string, executions int, executed map[string]int, opts options, log *zap.Logger) error {
	var msg string
	switch {
	case opts.maxStepExecutions > 0 && executions >= opts.maxStepExecutions:
		msg = fmt.Sprintf("step execution limit %d reached", opts.maxStepExecutions)
	case !opts.allowRepeatedSteps && executed[stepID] > 0:
		msg = fmt.Sprintf("step %s would execute again", stepID)
	default:
		return nil
	}
	log.Warn("loop guard tripped", zap.String("step_id", stepID), zap.String("reason", msg))
	return &ExecutionError{RunID: runID, StepID: stepID, Code: types.ErrLoopDetected, Message: msg}
}

// splicePlan inserts the steps planned by a completed planner step between
// the planner and its successors. A bad plan is logged and ignored.
func (a *AgentExecutor) splicePlan(manager *workflow.StepManager, planner workflow.Step, exec *workflow.StepExecution, log *zap.Logger) {
	defs, err := workflow.PlannedSteps(exec.LatestInstruction())
	if err != nil {
		log.Warn("ignoring unreadable plan", zap.String("step_id", planner.ID()), zap.Error(err))
		return
	}
	if len(defs) == 0 {
		return
	}

	steps := make([]workflow.Step, 0, len(defs))
	for _, def := range defs {
		s, err := workflow.NewStep(def)
		if err != nil {
			log.Warn("ignoring plan with invalid step",
				zap.String("step_id", planner.ID()),
				zap.String("planned_step", def.ID),
				zap.Error(err),
			)
			return
		}
		steps = append(steps, s)
	}
	if err := manager.SpliceAfter(planner.ID(), steps); err != nil {
		log.Warn("ignoring plan", zap.String("step_id", planner.ID()), zap.Error(err))
		return
	}
	log.Info("planned steps spliced",
		zap.String("step_id", planner.ID()),
		zap.Int("planned", len(steps)),
	)
}

func (a *AgentExecutor) finish(ctx context.Context, span trace.Span, run *Run, opts options, result *AgentResult, runErr error, log *zap.Logger) (*AgentResult, error) {
	now := time.Now()
	result.CompletedAt = now
	result.UpdatedAt = now
	switch {
	case runErr == nil:
		result.Status = RunStatusCompleted
	case IsCancelled(runErr):
		result.Status = RunStatusCancelled
		result.Cancelled = true
		result.Error = runErr.Error()
	default:
		result.Status = RunStatusFailed
		result.Error = runErr.Error()
	}
	run.setStatus(result.Status)
	a.checkpoint(ctx, opts, result, log)

	if opts.runMetrics != nil {
		opts.runMetrics.RecordRun(string(result.Status), len(result.Executions), result.Duration())
	}

	span.SetAttributes(
		attribute.String("run.status", string(result.Status)),
		attribute.Int("run.executions", len(result.Executions)),
	)
	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.Int("executions", len(result.Executions)),
		zap.Duration("duration", result.Duration()),
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		log.Warn("agent run stopped", append(fields, zap.Error(runErr))...)
		return result, runErr
	}
	span.SetStatus(codes.Ok, "")
	log.Info("agent run completed", fields...)
	return result, nil
}

// checkpoint saves a snapshot of the result. Store failures are logged and
// never stop the run.
func (a *AgentExecutor) checkpoint(ctx context.Context, opts options, result *AgentResult, log *zap.Logger) {
	if opts.store == nil {
		return
	}
	if err := opts.store.SaveRun(context.WithoutCancel(ctx), result.snapshot()); err != nil {
		log.Warn("run checkpoint failed", zap.Error(err))
	}
}
