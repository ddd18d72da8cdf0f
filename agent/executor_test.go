package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/stepflow/testutil"
	"github.com/BaSui01/stepflow/testutil/fixtures"
	"github.com/BaSui01/stepflow/testutil/mocks"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func linearRecipe(t *testing.T, ids ...string) *workflow.AgentRecipe {
	t.Helper()
	recipe, err := fixtures.LinearRecipeDefinition("linear", ids...).Build(nil)
	require.NoError(t, err)
	return recipe
}

func newExecutor(t *testing.T, recipe *workflow.AgentRecipe, models workflow.ModelCallExecutor, tools workflow.ToolCallExecutor, opts ...Option) *AgentExecutor {
	t.Helper()
	exec, err := NewAgentExecutor(recipe, models, tools, opts...)
	require.NoError(t, err)
	return exec
}

func completingModels() *mocks.MockModelExecutor {
	return mocks.NewMockModelExecutor().WithDefaultResponse(fixtures.CompletedResponse("done"))
}

func TestNewAgentExecutor_RequiresRecipe(t *testing.T) {
	_, err := NewAgentExecutor(nil, completingModels(), mocks.NewMockToolExecutor())
	assert.ErrorIs(t, err, ErrNoRecipe)
}

func TestAgentExecutor_CompletesLinearRecipe(t *testing.T) {
	models := completingModels()
	exec := newExecutor(t, linearRecipe(t, "s1", "s2", "s3"), models, mocks.NewMockToolExecutor())

	result, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, "linear", result.RecipeID)
	assert.NotEmpty(t, result.RunID)
	assert.False(t, result.Cancelled)
	assert.Empty(t, result.Error)
	assert.False(t, result.CompletedAt.IsZero())
	testutil.AssertStepIDs(t, []string{"s1", "s2", "s3"}, result.Executions)
	for _, e := range result.Executions {
		testutil.AssertExecution(t, e, workflow.StepStatusCompleted, 1)
	}
	assert.Equal(t, []string{"s1", "s2", "s3"}, models.StepsCalled())
}

func TestAgentExecutor_StepFailureStopsRun(t *testing.T) {
	models := completingModels().
		WithStepResponses("s1", fixtures.ToolCallsResponse("lookup"))
	tools := mocks.NewMockToolExecutor().WithToolFailure("lookup", "lookup backend unavailable")
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), models, tools)

	result, err := exec.Execute(testutil.TestContext(t))
	require.Error(t, err)

	execErr, ok := AsExecutionError(err)
	require.True(t, ok)
	assert.Equal(t, "s1", execErr.StepID)
	assert.Equal(t, types.ErrStepExecutionFailed, execErr.Code)
	assert.Contains(t, execErr.Error(), "lookup backend unavailable")

	require.NotNil(t, result)
	assert.Equal(t, RunStatusFailed, result.Status)
	testutil.AssertStepIDs(t, []string{"s1"}, result.Executions)
	assert.True(t, result.Executions[0].Failed())
	assert.Zero(t, models.CallsForStep("s2"))
	assert.Equal(t, 1, tools.CallsFor("lookup"))
}

func TestAgentExecutor_ContinueOnStepFailure(t *testing.T) {
	models := completingModels().
		WithStepResponses("s1", fixtures.FailedResponse("rate limited upstream"))
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), models, mocks.NewMockToolExecutor(),
		WithContinueOnStepFailure(true))

	result, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, result.Status)
	testutil.AssertStepIDs(t, []string{"s1", "s2"}, result.Executions)
	assert.Len(t, result.Failed(), 1)
	assert.Equal(t, "s1", result.Failed()[0].StepID)
}

func TestAgentExecutor_ExceptionalStepError(t *testing.T) {
	backendErr := errors.New("backend down")
	models := completingModels().WithStepError("s2", backendErr)
	exec := newExecutor(t, linearRecipe(t, "s1", "s2", "s3"), models, mocks.NewMockToolExecutor())

	result, err := exec.Execute(testutil.TestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, backendErr)

	execErr, ok := AsExecutionError(err)
	require.True(t, ok)
	assert.Equal(t, "s2", execErr.StepID)
	assert.Equal(t, types.ErrAgentExecutionFailed, execErr.Code)

	var stepErr *workflow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "s2", stepErr.StepID)

	testutil.AssertStepIDs(t, []string{"s1", "s2"}, result.Executions)
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Zero(t, models.CallsForStep("s3"))
}

func TestAgentExecutor_CancelledBeforeStart(t *testing.T) {
	models := completingModels()
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), models, mocks.NewMockToolExecutor())

	result, err := exec.Execute(testutil.CancelledContext())
	require.Error(t, err)
	assert.True(t, IsCancelled(err))

	execErr, _ := AsExecutionError(err)
	assert.Equal(t, "s1", execErr.StepID)
	assert.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, result)
	assert.True(t, result.Cancelled)
	assert.Equal(t, RunStatusCancelled, result.Status)
	assert.Empty(t, result.Executions)
	assert.Zero(t, models.CallCount())
}

func TestAgentExecutor_CancelledMidRunKeepsCompletedSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	models := mocks.NewMockModelExecutor().WithFunc(func(ctx context.Context, req *workflow.ModelCallRequest) (*workflow.ModelCallResponse, error) {
		if req.StepID == "s1" {
			return fixtures.CompletedResponse("s1 done"), nil
		}
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec := newExecutor(t, linearRecipe(t, "s1", "s2", "s3"), models, mocks.NewMockToolExecutor())

	result, err := exec.Execute(ctx)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))

	execErr, _ := AsExecutionError(err)
	assert.Equal(t, "s2", execErr.StepID)

	assert.True(t, result.Cancelled)
	assert.Equal(t, RunStatusCancelled, result.Status)
	testutil.AssertStepIDs(t, []string{"s1"}, result.Executions)
	assert.Zero(t, models.CallsForStep("s3"))
}

func loopRecipe(t *testing.T) *workflow.AgentRecipe {
	t.Helper()
	def := fixtures.LinearRecipeDefinition("loop", "s1")
	def.Graph["s1"] = []string{"s1"}
	recipe, err := def.Build(nil)
	require.NoError(t, err)
	return recipe
}

func TestAgentExecutor_LoopGuard(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		wantSteps int
	}{
		{name: "execution limit", opts: []Option{WithMaxStepExecutions(3)}, wantSteps: 3},
		{name: "repeated step rejected", opts: []Option{WithAllowRepeatedSteps(false)}, wantSteps: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newExecutor(t, loopRecipe(t), completingModels(), mocks.NewMockToolExecutor(), tt.opts...)

			result, err := exec.Execute(testutil.TestContext(t))
			require.Error(t, err)

			execErr, ok := AsExecutionError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrLoopDetected, execErr.Code)
			assert.Equal(t, "s1", execErr.StepID)
			assert.Len(t, result.Executions, tt.wantSteps)
			assert.Equal(t, RunStatusFailed, result.Status)
		})
	}
}

func TestAgentExecutor_DefaultLoopGuard(t *testing.T) {
	exec := newExecutor(t, loopRecipe(t), completingModels(), mocks.NewMockToolExecutor())

	result, err := exec.Execute(testutil.TestContext(t))
	require.Error(t, err)
	assert.Len(t, result.Executions, DefaultMaxStepExecutions)
}

func TestAgentExecutor_BranchFollowsInstruction(t *testing.T) {
	models := completingModels().
		WithStepResponses("route", fixtures.RoutingResponse("right", 0.9))
	recipe := fixtures.MustBuild(fixtures.BranchRecipeDefinition())
	exec := newExecutor(t, recipe, models, mocks.NewMockToolExecutor())

	result, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)

	testutil.AssertStepIDs(t, []string{"route", "right"}, result.Executions)
	assert.Zero(t, models.CallsForStep("left"))
}

func TestAgentExecutor_PlannerSplicesSteps(t *testing.T) {
	models := completingModels().
		WithStepResponses("plan", fixtures.PlanResponse(
			fixtures.ModelStepDefinition("research"),
			fixtures.ModelStepDefinition("draft"),
		))
	recipe := fixtures.MustBuild(fixtures.PlannerRecipeDefinition())
	exec := newExecutor(t, recipe, models, mocks.NewMockToolExecutor())

	result, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)

	testutil.AssertStepIDs(t, []string{"plan", "research", "draft", "finish"}, result.Executions)
	// The recipe itself is not modified by a run.
	assert.Len(t, recipe.Steps(), 2)
}

func TestAgentExecutor_InvalidPlanIsIgnored(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	models := completingModels().
		WithStepResponses("plan", fixtures.PlanResponse(fixtures.ModelStepDefinition("finish")))
	recipe := fixtures.MustBuild(fixtures.PlannerRecipeDefinition())
	exec := newExecutor(t, recipe, models, mocks.NewMockToolExecutor(), WithLogger(zap.New(core)))

	result, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)

	testutil.AssertStepIDs(t, []string{"plan", "finish"}, result.Executions)
	assert.Equal(t, 1, logs.FilterMessage("ignoring plan").Len())
}

// blockingFirstCall holds the first model call until released, so a test can
// raise a signal while a step is in flight.
type blockingFirstCall struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
	first   *workflow.ModelCallResponse
}

func newBlockingFirstCall(first *workflow.ModelCallResponse) *blockingFirstCall {
	return &blockingFirstCall{
		started: make(chan struct{}),
		release: make(chan struct{}),
		first:   first,
	}
}

func (b *blockingFirstCall) fn(ctx context.Context, req *workflow.ModelCallRequest) (*workflow.ModelCallResponse, error) {
	isFirst := false
	b.once.Do(func() { isFirst = true })
	if !isFirst {
		return fixtures.CompletedResponse("done"), nil
	}
	close(b.started)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.first, nil
}

func TestRun_RequestAbortFailsCurrentStep(t *testing.T) {
	block := newBlockingFirstCall(fixtures.ContinueResponse("thinking"))
	models := mocks.NewMockModelExecutor().WithFunc(block.fn)
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), models, mocks.NewMockToolExecutor())

	ctx := testutil.TestContext(t)
	run := exec.ExecuteAsync(ctx)
	<-block.started
	assert.Equal(t, "s1", run.CurrentStepID())
	run.RequestAbort("session closed")
	close(block.release)

	result, err := run.Wait(ctx)
	require.Error(t, err)

	execErr, ok := AsExecutionError(err)
	require.True(t, ok)
	assert.Equal(t, "s1", execErr.StepID)
	assert.Equal(t, types.ErrStepExecutionFailed, execErr.Code)

	testutil.AssertStepIDs(t, []string{"s1"}, result.Executions)
	s1 := result.Executions[0]
	assert.True(t, s1.Failed())
	assert.Equal(t, "external_abort", s1.DecidedBy)
	assert.True(t, s1.Signals.AbortRequested)
	assert.Equal(t, "session closed", s1.Signals.AbortReason)
	assert.Equal(t, RunStatusFailed, run.Status())
}

func TestRun_OverrideCompletesOnlyCurrentStep(t *testing.T) {
	block := newBlockingFirstCall(fixtures.ContinueResponse("thinking"))
	models := mocks.NewMockModelExecutor().WithFunc(block.fn)
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), models, mocks.NewMockToolExecutor())

	ctx := testutil.TestContext(t)
	run := exec.ExecuteAsync(ctx)
	<-block.started
	run.OverrideCurrentStep()
	close(block.release)

	result, err := run.Wait(ctx)
	require.NoError(t, err)

	testutil.AssertStepIDs(t, []string{"s1", "s2"}, result.Executions)
	assert.Equal(t, "planner_override", result.Executions[0].DecidedBy)
	assert.False(t, result.Executions[1].Signals.PlannerOverride)
	assert.Equal(t, "model_signal", result.Executions[1].DecidedBy)
}

func TestRun_MemoryFailureFailsStep(t *testing.T) {
	block := newBlockingFirstCall(fixtures.ContinueResponse("thinking"))
	models := mocks.NewMockModelExecutor().WithFunc(block.fn)
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), models, mocks.NewMockToolExecutor())

	ctx := testutil.TestContext(t)
	run := exec.ExecuteAsync(ctx)
	<-block.started
	run.ReportMemoryFailure()
	close(block.release)

	result, err := run.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, "memory_update_failure", result.Executions[0].DecidedBy)
}

func TestRun_CancelAsync(t *testing.T) {
	models := completingModels().WithDelay(time.Minute)
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), models, mocks.NewMockToolExecutor(), WithRunID("run-cancel"))

	ctx := testutil.TestContext(t)
	run := exec.ExecuteAsync(ctx)
	assert.Equal(t, "run-cancel", run.ID())
	testutil.AssertEventuallyTrue(t, func() bool { return models.CallCount() == 1 }, 5*time.Second)

	run.Cancel()
	result, err := run.Wait(ctx)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.True(t, result.Cancelled)
	assert.Empty(t, result.Executions)
	assert.Equal(t, RunStatusCancelled, run.Status())

	_, ok := testutil.WaitForChannel(run.Done(), time.Second)
	assert.True(t, ok)
}

func TestRun_WaitHonoursContext(t *testing.T) {
	models := completingModels().WithDelay(time.Minute)
	exec := newExecutor(t, linearRecipe(t, "s1"), models, mocks.NewMockToolExecutor())

	run := exec.ExecuteAsync(context.Background())
	testutil.AssertEventuallyTrue(t, func() bool { return models.CallCount() == 1 }, 5*time.Second)

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := run.Wait(waitCtx)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, RunStatusRunning, run.Status())

	run.Cancel()
	result, err = run.Wait(testutil.TestContext(t))
	assert.True(t, IsCancelled(err))
	assert.NotNil(t, result)
}

func TestAgentExecutor_RunConfigOverrides(t *testing.T) {
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), completingModels(), mocks.NewMockToolExecutor())

	ctx := WithRunConfig(testutil.TestContext(t), &RunConfig{
		MaxStepExecutions: IntPtr(1),
		RunID:             StringPtr("run-42"),
		Metadata:          map[string]string{"tenant": "acme"},
	})
	result, err := exec.Execute(ctx)
	require.Error(t, err)

	execErr, _ := AsExecutionError(err)
	assert.Equal(t, types.ErrLoopDetected, execErr.Code)
	assert.Equal(t, "s2", execErr.StepID)
	assert.Equal(t, "run-42", result.RunID)
	assert.Equal(t, "acme", result.Metadata["tenant"])
	testutil.AssertStepIDs(t, []string{"s1"}, result.Executions)
}

func TestAgentExecutor_RecipeDefaultsReachModel(t *testing.T) {
	models := completingModels()
	exec := newExecutor(t, linearRecipe(t, "s1"), models, mocks.NewMockToolExecutor())

	_, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)

	reqs := models.Requests()
	require.Len(t, reqs, 1)
	require.NotEmpty(t, reqs[0].Messages)
	assert.Equal(t, types.RoleSystem, reqs[0].Messages[0].Role)
	assert.Equal(t, "You are a test agent.", reqs[0].Messages[0].Content)
}

// recordingStore keeps every checkpoint in memory.
type recordingStore struct {
	mu    sync.Mutex
	saves []*AgentResult
	err   error
}

func (s *recordingStore) SaveRun(_ context.Context, r *AgentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, r)
	return s.err
}

func (s *recordingStore) GetRun(context.Context, string) (*AgentResult, error) { return nil, nil }

func (s *recordingStore) ListRuns(context.Context, RunFilter) ([]*AgentResult, error) {
	return nil, nil
}

func (s *recordingStore) DeleteRun(context.Context, string) error { return nil }
func (s *recordingStore) Close() error                           { return nil }

func TestAgentExecutor_CheckpointsEveryStep(t *testing.T) {
	store := &recordingStore{}
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), completingModels(), mocks.NewMockToolExecutor(),
		WithRunStore(store))

	result, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	// start, s1, s2, finish
	require.Len(t, store.saves, 4)
	assert.Equal(t, RunStatusRunning, store.saves[0].Status)
	assert.Empty(t, store.saves[0].Executions)
	assert.Len(t, store.saves[1].Executions, 1)
	assert.Len(t, store.saves[2].Executions, 2)

	last := store.saves[3]
	assert.Equal(t, RunStatusCompleted, last.Status)
	assert.Equal(t, result.RunID, last.RunID)
	assert.NotSame(t, result, last)
}

func TestAgentExecutor_StoreFailureDoesNotStopRun(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := &recordingStore{err: errors.New("disk full")}
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), completingModels(), mocks.NewMockToolExecutor(),
		WithRunStore(store), WithLogger(zap.New(core)))

	result, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, 4, logs.FilterMessage("run checkpoint failed").Len())
}

type runMetricsRecorder struct {
	mu        sync.Mutex
	runs      []string
	runSteps  int
	stepCalls int
}

func (m *runMetricsRecorder) RecordStepExecution(string, string, int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepCalls++
}
func (m *runMetricsRecorder) RecordModelCall(string, string, time.Duration) {}
func (m *runMetricsRecorder) RecordToolCall(string, string, time.Duration)  {}
func (m *runMetricsRecorder) RecordCompletionVerdict(string, string)         {}

func (m *runMetricsRecorder) RecordRun(status string, steps int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, status)
	m.runSteps = steps
}

func TestAgentExecutor_RecordsRunMetrics(t *testing.T) {
	metrics := &runMetricsRecorder{}
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), completingModels(), mocks.NewMockToolExecutor(),
		WithMetrics(metrics))

	_, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []string{"completed"}, metrics.runs)
	assert.Equal(t, 2, metrics.runSteps)
	assert.Equal(t, 2, metrics.stepCalls)
}

func TestAgentExecutor_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), completingModels(), mocks.NewMockToolExecutor(),
		WithTracer(tp.Tracer("test")))
	_, err := exec.Execute(testutil.TestContext(t))
	require.NoError(t, err)

	var runSpan sdktrace.ReadOnlySpan
	var stepSpans []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		switch s.Name() {
		case "agent.run":
			runSpan = s
		case "workflow.step":
			stepSpans = append(stepSpans, s)
		}
	}
	require.NotNil(t, runSpan)
	require.Len(t, stepSpans, 2)
	for _, s := range stepSpans {
		assert.Equal(t, runSpan.SpanContext().SpanID(), s.Parent().SpanID())
	}
}

func TestAgentExecutor_ConcurrentRunsAreIndependent(t *testing.T) {
	exec := newExecutor(t, linearRecipe(t, "s1", "s2"), completingModels(), mocks.NewMockToolExecutor())
	ctx := testutil.TestContext(t)

	runs := make([]*Run, 5)
	for i := range runs {
		runs[i] = exec.ExecuteAsync(ctx)
	}
	seen := make(map[string]bool)
	for _, run := range runs {
		result, err := run.Wait(ctx)
		require.NoError(t, err)
		testutil.AssertStepIDs(t, []string{"s1", "s2"}, result.Executions)
		assert.False(t, seen[result.RunID])
		seen[result.RunID] = true
	}
}
