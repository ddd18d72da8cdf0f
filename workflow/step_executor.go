package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/stepflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/BaSui01/stepflow/workflow"

// DefaultMaxModelCallsPerStep is the model call ceiling when none is configured.
const DefaultMaxModelCallsPerStep = 10

// ExecutorConfig 步骤执行器配置
type ExecutorConfig struct {
	// MaxModelCallsPerStep 单步最大模型调用次数（步骤可覆盖）
	MaxModelCallsPerStep int
	// SequentialToolCalls 按顺序执行工具调用，首个失败后停止
	SequentialToolCalls bool
	// MaxConcurrentToolCalls 单轮并发工具调用上限，0 表示不限
	MaxConcurrentToolCalls int
	// ZeroToolRoundPolicy 无工具调用且无决定性信号时的策略
	ZeroToolRoundPolicy ZeroToolRoundPolicy
	// StepTimeout 单步超时，0 表示不限
	StepTimeout time.Duration
}

// DefaultExecutorConfig 返回默认配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxModelCallsPerStep: DefaultMaxModelCallsPerStep,
		ZeroToolRoundPolicy:  ZeroToolRoundFail,
	}
}

// MetricsRecorder receives engine measurements. Defined here so the workflow
// package does not depend on a metrics backend.
type MetricsRecorder interface {
	RecordStepExecution(stepType, status string, rounds int, duration time.Duration)
	RecordModelCall(stepType, status string, duration time.Duration)
	RecordToolCall(tool, status string, duration time.Duration)
	RecordCompletionVerdict(link, verdict string)
}

type nopMetrics struct{}

func (nopMetrics) RecordStepExecution(string, string, int, time.Duration) {}
func (nopMetrics) RecordModelCall(string, string, time.Duration)          {}
func (nopMetrics) RecordToolCall(string, string, time.Duration)           {}
func (nopMetrics) RecordCompletionVerdict(string, string)                 {}

// ChainFactory builds the completion chain for a step.
type ChainFactory func(step Step, cfg ExecutorConfig, logger *zap.Logger) *CompletionChain

// StepError wraps an exceptional failure that escaped a step.
type StepError struct {
	StepID string
	Cause  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Cause)
}

func (e *StepError) Unwrap() error { return e.Cause }

// StepExecutor drives the rounds of a single step until the completion chain
// decides or a call fails.
type StepExecutor struct {
	models       ModelCallExecutor
	tools        ToolCallExecutor
	config       ExecutorConfig
	chainFactory ChainFactory
	extraLinks   []CompletionLink
	systemPrompt string
	modelParams  map[string]any
	signals      func() ExecutionSignals
	metrics      MetricsRecorder
	tracer       oteltrace.Tracer
	logger       *zap.Logger
}

// ExecutorOption configures a StepExecutor.
type ExecutorOption func(*StepExecutor)

// WithExecutorConfig sets the executor configuration.
func WithExecutorConfig(cfg ExecutorConfig) ExecutorOption {
	return func(e *StepExecutor) { e.config = cfg }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *StepExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *StepExecutor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer used for step, round and call spans.
func WithTracer(t oteltrace.Tracer) ExecutorOption {
	return func(e *StepExecutor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithChainFactory replaces the default completion chain.
func WithChainFactory(f ChainFactory) ExecutorOption {
	return func(e *StepExecutor) { e.chainFactory = f }
}

// WithCompletionLinks inserts extra links ahead of the fallback.
func WithCompletionLinks(links ...CompletionLink) ExecutorOption {
	return func(e *StepExecutor) { e.extraLinks = append(e.extraLinks, links...) }
}

// WithRecipeDefaults applies the recipe's system prompt and model
// configuration to every call.
func WithRecipeDefaults(recipe *AgentRecipe) ExecutorOption {
	return func(e *StepExecutor) {
		if recipe == nil {
			return
		}
		e.systemPrompt = recipe.SystemPrompt()
		e.modelParams = recipe.Model().Params()
	}
}

// WithSignalSource sets the function polled for external signals after
// every round.
func WithSignalSource(f func() ExecutionSignals) ExecutorOption {
	return func(e *StepExecutor) { e.signals = f }
}

// NewStepExecutor creates a step executor over the given call executors.
func NewStepExecutor(models ModelCallExecutor, tools ToolCallExecutor, opts ...ExecutorOption) *StepExecutor {
	e := &StepExecutor{
		models:       models,
		tools:        tools,
		config:       DefaultExecutorConfig(),
		chainFactory: defaultChainFactory,
		metrics:      nopMetrics{},
		tracer:       otel.Tracer(instrumentationName),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.MaxModelCallsPerStep <= 0 {
		e.config.MaxModelCallsPerStep = DefaultMaxModelCallsPerStep
	}
	if e.config.ZeroToolRoundPolicy == "" {
		e.config.ZeroToolRoundPolicy = ZeroToolRoundFail
	}
	e.logger = e.logger.With(zap.String("component", "step_executor"))
	return e
}

func defaultChainFactory(step Step, cfg ExecutorConfig, logger *zap.Logger) *CompletionChain {
	limit := cfg.MaxModelCallsPerStep
	if l, ok := step.(ModelCallLimiter); ok && l.MaxModelCalls() > 0 {
		limit = l.MaxModelCalls()
	}
	return DefaultCompletionChain(limit, cfg.ZeroToolRoundPolicy, logger)
}

// Execute runs the step to a terminal StepExecution. The returned execution
// is never nil. A non-nil error is a *StepError for failures the call
// executors did not report as a failed status (returned errors, panics,
// cancellation); the execution is FAILED in that case too.
func (e *StepExecutor) Execute(ctx context.Context, step Step) (exec *StepExecution, err error) {
	exec = NewStepExecution(step)
	log := e.logger.With(zap.String("step_id", step.ID()), zap.String("step_type", string(step.Type())))

	ctx = types.WithStepID(ctx, step.ID())
	ctx, span := e.tracer.Start(ctx, "workflow.step", oteltrace.WithAttributes(
		attribute.String("step.id", step.ID()),
		attribute.String("step.type", string(step.Type())),
	))
	if e.config.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.StepTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic during step execution: %v", r)
			if g := exec.LastGroup(); g != nil && !g.IsTerminal() {
				_ = g.Fail(msg)
			}
			exec.fail(msg)
			err = &StepError{StepID: step.ID(), Cause: types.NewError(types.ErrStepExecutionFailed, msg)}
		}
		e.finish(log, span, exec, err)
	}()

	log.Info("step started")
	chain := e.chainFactory(step, e.config, e.logger)
	if len(e.extraLinks) > 0 {
		chain.InsertBeforeFallback(e.extraLinks...)
	}

	call := step.InitialModelCall()
	for round := 1; ; round++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			exec.fail("step cancelled: " + ctxErr.Error())
			return exec, &StepError{StepID: step.ID(), Cause: ctxErr}
		}

		e.prepare(call)
		group := NewCallGroup(round, call)
		exec.addGroup(group)

		if roundErr := e.runRound(ctx, step, exec, group); roundErr != nil {
			exec.fail(roundErr.Error())
			return exec, &StepError{StepID: step.ID(), Cause: roundErr}
		}
		if group.Status == CallGroupFailed {
			exec.fail(group.Error)
			return exec, nil
		}

		if e.signals != nil {
			exec.Signals = e.signals()
		}
		verdict, link := chain.Evaluate(exec)
		e.metrics.RecordCompletionVerdict(link, string(verdict))
		log.Debug("round evaluated",
			zap.Int("round", round),
			zap.String("link", link),
			zap.String("verdict", string(verdict)),
		)

		switch {
		case verdict == CompletionComplete:
			exec.Verdict, exec.DecidedBy = verdict, link
			exec.complete()
			return exec, nil
		case verdict.IsFailure():
			exec.Verdict, exec.DecidedBy = verdict, link
			exec.fail(fmt.Sprintf("step %s ended with %s (decided by %s after %d model calls)",
				step.ID(), verdict, link, exec.ModelCallCount()))
			return exec, nil
		}

		call = step.FollowUpModelCall(group.ModelCall, group.ToolCalls)
	}
}

func (e *StepExecutor) finish(log *zap.Logger, span oteltrace.Span, exec *StepExecution, err error) {
	defer span.End()

	span.SetAttributes(
		attribute.String("step.status", string(exec.Status)),
		attribute.Int("step.rounds", len(exec.CallGroups)),
	)
	e.metrics.RecordStepExecution(string(exec.StepType), string(exec.Status), len(exec.CallGroups), exec.Duration())

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, exec.Error)
		log.Error("step aborted", zap.Int("rounds", len(exec.CallGroups)), zap.Error(err))
	case exec.Failed():
		span.SetStatus(codes.Error, exec.Error)
		log.Warn("step failed", zap.Int("rounds", len(exec.CallGroups)), zap.String("error", exec.Error))
	default:
		span.SetStatus(codes.Ok, "")
		log.Info("step completed",
			zap.Int("rounds", len(exec.CallGroups)),
			zap.String("decided_by", exec.DecidedBy),
			zap.Duration("duration", exec.Duration()),
		)
	}
}

// prepare applies recipe defaults without overriding what the step set.
func (e *StepExecutor) prepare(call *ModelCall) {
	if e.systemPrompt != "" {
		msgs := call.Request.Messages
		if len(msgs) == 0 || msgs[0].Role != types.RoleSystem {
			call.Request.Messages = append([]types.Message{types.NewSystemMessage(e.systemPrompt)}, msgs...)
		}
	}
	if len(e.modelParams) > 0 {
		if call.Request.Parameters == nil {
			call.Request.Parameters = make(map[string]any, len(e.modelParams))
		}
		for k, v := range e.modelParams {
			if _, set := call.Request.Parameters[k]; !set {
				call.Request.Parameters[k] = v
			}
		}
	}
}

// =============================================================================
// 🔁 Round
// =============================================================================

// runRound executes one call group. Call failures leave the group FAILED
// and return nil; a returned error is exceptional.
func (e *StepExecutor) runRound(ctx context.Context, step Step, exec *StepExecution, group *CallGroup) error {
	ctx, span := e.tracer.Start(ctx, "workflow.round", oteltrace.WithAttributes(
		attribute.String("step.id", step.ID()),
		attribute.Int("round", group.Round),
	))
	defer span.End()

	resp, err := e.callModel(ctx, step, group.ModelCall)
	if err != nil {
		group.ModelCall.fail(err.Error())
		_ = group.Fail("model call aborted: " + err.Error())
		span.RecordError(err)
		return err
	}
	if resp.Error != "" {
		group.ModelCall.fail(resp.Error)
		_ = group.Fail("model call failed: " + resp.Error)
		span.SetStatus(codes.Error, resp.Error)
		return nil
	}
	group.ModelCall.complete(resp)
	if resp.Instruction != nil {
		inst := *resp.Instruction
		inst.StepID = step.ID()
		if inst.Timestamp.IsZero() {
			inst.Timestamp = time.Now()
		}
		exec.addInstruction(&inst)
	}

	requested := resp.ToolCalls
	if len(requested) == 0 {
		return group.Complete()
	}

	calls := make([]*ToolCall, 0, len(requested))
	for _, r := range requested {
		calls = append(calls, NewToolCall(step.ID(), r))
	}
	if err := group.StartToolCalls(calls); err != nil {
		return err
	}

	if err := e.runToolCalls(ctx, calls); err != nil {
		_ = group.Fail("tool call aborted: " + err.Error())
		span.RecordError(err)
		return err
	}

	for _, tc := range calls {
		if tc.Status != CallStatusCompleted || !IsCompletionTool(tc.Name()) {
			continue
		}
		inst, perr := ParseStepInstruction(step.ID(), tc.Request.Input)
		if perr != nil {
			e.logger.Warn("ignoring malformed completion tool input",
				zap.String("step_id", step.ID()),
				zap.String("call_id", tc.ID),
				zap.Error(perr),
			)
			continue
		}
		exec.addInstruction(inst)
	}

	if failed := group.FailedToolCalls(); len(failed) > 0 {
		first := failed[0]
		msg := fmt.Sprintf("tool call %s (%s) failed: %s", first.ID, first.Name(), first.Error)
		if len(failed) > 1 {
			msg = fmt.Sprintf("%s (and %d more)", msg, len(failed)-1)
		}
		_ = group.Fail(msg)
		span.SetStatus(codes.Error, msg)
		return nil
	}
	return group.Complete()
}

type modelResult struct {
	resp *ModelCallResponse
	err  error
}

// callModel submits the call and waits for it or for cancellation.
func (e *StepExecutor) callModel(ctx context.Context, step Step, call *ModelCall) (*ModelCallResponse, error) {
	if e.models == nil {
		return nil, types.NewError(types.ErrModelCallFailed, "no model call executor configured")
	}

	call.start()
	req := call.Request
	done := make(chan modelResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- modelResult{err: types.NewError(types.ErrModelCallFailed, fmt.Sprintf("model executor panic: %v", r))}
			}
		}()
		resp, err := e.models.ExecuteModelCall(ctx, &req)
		done <- modelResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		status := string(CallStatusCompleted)
		switch {
		case res.err != nil:
			status = string(CallStatusFailed)
		case res.resp == nil:
			res.resp = &ModelCallResponse{Error: "model executor returned no response"}
			status = string(CallStatusFailed)
		case res.resp.Error != "":
			status = string(CallStatusFailed)
		}
		e.metrics.RecordModelCall(string(step.Type()), status, time.Since(call.StartedAt))
		return res.resp, res.err
	case <-ctx.Done():
		e.metrics.RecordModelCall(string(step.Type()), string(CallStatusFailed), time.Since(call.StartedAt))
		return nil, ctx.Err()
	}
}

// =============================================================================
// 🔧 Tool fan-out
// =============================================================================

// runToolCalls executes the round's tool calls. Concurrent mode waits for
// every call and never cancels siblings; the first exceptional error is
// returned after the join.
func (e *StepExecutor) runToolCalls(ctx context.Context, calls []*ToolCall) error {
	if e.config.SequentialToolCalls {
		for i, tc := range calls {
			if err := e.callTool(ctx, tc); err != nil {
				skipRemaining(calls[i+1:])
				return err
			}
			if tc.Status == CallStatusFailed {
				skipRemaining(calls[i+1:])
				return nil
			}
		}
		return nil
	}

	var g errgroup.Group
	if e.config.MaxConcurrentToolCalls > 0 {
		g.SetLimit(e.config.MaxConcurrentToolCalls)
	}
	for _, tc := range calls {
		g.Go(func() error {
			return e.callTool(ctx, tc)
		})
	}
	return g.Wait()
}

func skipRemaining(calls []*ToolCall) {
	for _, tc := range calls {
		tc.fail("not executed: an earlier tool call in the round failed")
	}
}

func (e *StepExecutor) callTool(ctx context.Context, tc *ToolCall) (err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.tool_call", oteltrace.WithAttributes(
		attribute.String("tool.name", tc.Name()),
		attribute.String("tool.call_id", tc.ID),
	))
	tc.start()

	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrToolCallFailed, fmt.Sprintf("tool executor panic in %s: %v", tc.Name(), r))
		}
		if err != nil {
			tc.fail(err.Error())
			span.RecordError(err)
		}
		if tc.Status == CallStatusFailed {
			span.SetStatus(codes.Error, tc.Error)
		}
		e.metrics.RecordToolCall(tc.Name(), string(tc.Status), tc.CompletedAt.Sub(tc.StartedAt))
		span.End()
	}()

	if e.tools == nil {
		tc.fail("no tool call executor configured")
		return nil
	}

	req := tc.Request
	resp, err := e.tools.ExecuteToolCall(ctx, &req)
	if err != nil {
		return err
	}
	switch {
	case resp == nil:
		tc.fail("tool executor returned no response")
	case resp.Error != "":
		tc.fail(resp.Error)
	default:
		tc.complete(resp.Result)
	}
	return nil
}
