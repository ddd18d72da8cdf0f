package callexec

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	echo := func(_ context.Context, in json.RawMessage) (string, error) { return string(in), nil }

	require.NoError(t, reg.Register("echo", echo))
	require.Error(t, reg.Register("echo", echo))
	require.Error(t, reg.Register("", echo))
	reg.MustRegister("zeta", echo)

	assert.Equal(t, []string{"echo", "zeta"}, reg.Names())
	_, ok := reg.Get("echo")
	assert.True(t, ok)

	assert.Equal(t, []string{"search"}, MissingTools(reg, []string{"echo", "search", workflow.StepCompletedTool}))

	reg.Unregister("zeta")
	_, ok = reg.Get("zeta")
	assert.False(t, ok)
}

func TestRegistryToolExecutor(t *testing.T) {
	reg := NewRegistry().
		MustRegister("echo", func(_ context.Context, in json.RawMessage) (string, error) { return string(in), nil }).
		MustRegister("fail", func(context.Context, json.RawMessage) (string, error) { return "", errors.New("upstream 503") })
	exec := NewRegistryToolExecutor(reg, nil)
	ctx := context.Background()

	resp, err := exec.ExecuteToolCall(ctx, &workflow.ToolCallRequest{Name: "echo", Input: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, resp.Result)

	resp, err = exec.ExecuteToolCall(ctx, &workflow.ToolCallRequest{Name: "fail"})
	require.NoError(t, err)
	assert.Equal(t, "upstream 503", resp.Error)

	resp, err = exec.ExecuteToolCall(ctx, &workflow.ToolCallRequest{Name: "missing"})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, string(types.ErrToolNotFound))

	resp, err = exec.ExecuteToolCall(ctx, &workflow.ToolCallRequest{Name: workflow.FinalAnswerTool})
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `{"step_complete": true}`, resp.Result)
}

func staticModel(resp *workflow.ModelCallResponse, err error, calls *int32) workflow.ModelCallExecutor {
	return workflow.ModelCallExecutorFunc(func(context.Context, *workflow.ModelCallRequest) (*workflow.ModelCallResponse, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return resp, err
	})
}

func TestRoutingModelExecutor(t *testing.T) {
	var modelCalls int32
	model := staticModel(&workflow.ModelCallResponse{}, nil, &modelCalls)
	human := HumanInputFunc(func(_ context.Context, stepID, question string) (string, error) {
		return "answer to " + question, nil
	})
	router := NewRoutingModelExecutor(model, human, nil)
	ctx := context.Background()

	step, err := workflow.NewStep(workflow.StepDefinition{ID: "ask", Type: workflow.StepTypeUserInput, Prompt: "Which plan?"})
	require.NoError(t, err)
	req := step.InitialModelCall().Request
	require.True(t, IsUserInputRequest(&req))

	resp, err := router.ExecuteModelCall(ctx, &req)
	require.NoError(t, err)
	require.NotNil(t, resp.Instruction)
	assert.Equal(t, "answer to Which plan?", resp.Instruction.Result)
	assert.Equal(t, workflow.OutcomeCompleted, resp.Instruction.Outcome)
	assert.Equal(t, int32(0), atomic.LoadInt32(&modelCalls))

	_, err = router.ExecuteModelCall(ctx, &workflow.ModelCallRequest{StepID: "s1", StepType: workflow.StepTypeModel})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&modelCalls))

	noHuman := NewRoutingModelExecutor(model, nil, nil)
	resp, err = noHuman.ExecuteModelCall(ctx, &req)
	require.NoError(t, err)
	assert.Contains(t, resp.Error, string(types.ErrHumanInputUnavailable))
}

func TestDryRunModelExecutor(t *testing.T) {
	dry := NewDryRunModelExecutor(map[string]string{"pick": "b"})
	ctx := context.Background()

	resp, err := dry.ExecuteModelCall(ctx, &workflow.ModelCallRequest{StepID: "pick"})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Instruction.SuggestedNextStepID)

	resp, err = dry.ExecuteModelCall(ctx, &workflow.ModelCallRequest{
		StepID:     "branch",
		Parameters: map[string]any{"options": []string{"x", "y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "x", resp.Instruction.SuggestedNextStepID)
	assert.Equal(t, workflow.OutcomeCompleted, resp.Instruction.Outcome)

	assert.Equal(t, []string{"pick", "branch"}, dry.Calls())
}

func TestRetryConfig_CalculateBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffMultiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.CalculateBackoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.CalculateBackoff(1))
	assert.Equal(t, 300*time.Millisecond, cfg.CalculateBackoff(2))
}

func TestRetryingToolExecutor(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffMultiplier: 1}

	t.Run("succeeds after failures", func(t *testing.T) {
		var calls int32
		next := workflow.ToolCallExecutorFunc(func(context.Context, *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return &workflow.ToolCallResponse{Error: "flaky"}, nil
			}
			return &workflow.ToolCallResponse{Result: "ok"}, nil
		})
		resp, err := NewRetryingToolExecutor(next, cfg, nil).ExecuteToolCall(context.Background(), &workflow.ToolCallRequest{Name: "t"})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Result)
		assert.Equal(t, int32(3), calls)
	})

	t.Run("gives up", func(t *testing.T) {
		var calls int32
		next := workflow.ToolCallExecutorFunc(func(context.Context, *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("down")
		})
		_, err := NewRetryingToolExecutor(next, cfg, nil).ExecuteToolCall(context.Background(), &workflow.ToolCallRequest{Name: "t"})
		require.Error(t, err)
		assert.Equal(t, int32(3), calls)
	})

	t.Run("does not retry cancellation", func(t *testing.T) {
		var calls int32
		next := workflow.ToolCallExecutorFunc(func(context.Context, *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
			atomic.AddInt32(&calls, 1)
			return nil, context.Canceled
		})
		_, err := NewRetryingToolExecutor(next, cfg, nil).ExecuteToolCall(context.Background(), &workflow.ToolCallRequest{Name: "t"})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), calls)
	})
}

func TestRateLimitedToolExecutor(t *testing.T) {
	next := workflow.ToolCallExecutorFunc(func(context.Context, *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
		return &workflow.ToolCallResponse{Result: "ok"}, nil
	})
	limited := NewRateLimitedToolExecutor(next, RateLimitConfig{
		RequestsPerSecond: 1000,
		Burst:             1,
		PerTool:           map[string]float64{"slow": 0.001},
	}, nil)

	resp, err := limited.ExecuteToolCall(context.Background(), &workflow.ToolCallRequest{Name: "fast"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result)

	// The first slow call uses the burst token; the second cannot get one
	// before the deadline.
	_, err = limited.ExecuteToolCall(context.Background(), &workflow.ToolCallRequest{Name: "slow"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err = limited.ExecuteToolCall(ctx, &workflow.ToolCallRequest{Name: "slow"})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, string(types.ErrRateLimited))
}

type recordingHandler struct {
	events chan CircuitBreakerEvent
}

func (h *recordingHandler) OnStateChange(e CircuitBreakerEvent) { h.events <- e }

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	handler := &recordingHandler{events: make(chan CircuitBreakerEvent, 8)}
	cb := NewCircuitBreaker("m", CircuitBreakerConfig{
		FailureThreshold:           2,
		RecoveryTimeout:            time.Minute,
		HalfOpenMaxProbes:          1,
		SuccessThresholdInHalfOpen: 1,
	}, handler, nil)

	now := time.Now()
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.AllowRequest())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.AllowRequest()
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCircuitOpen))

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.AllowRequest())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.Error(t, cb.AllowRequest(), "only one probe allowed")

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())

	seen := map[CircuitState]bool{}
	for i := 0; i < 3; i++ {
		select {
		case e := <-handler.events:
			seen[e.NewState] = true
		case <-time.After(time.Second):
			t.Fatal("missing state change event")
		}
	}
	assert.True(t, seen[CircuitOpen])
	assert.True(t, seen[CircuitHalfOpen])
	assert.True(t, seen[CircuitClosed])
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("m", CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: 0, HalfOpenMaxProbes: 1, SuccessThresholdInHalfOpen: 1}, nil, nil)
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	require.NoError(t, cb.AllowRequest())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerModelExecutor(t *testing.T) {
	var calls int32
	failing := staticModel(&workflow.ModelCallResponse{Error: "overloaded"}, nil, &calls)
	b := NewBreakerModelExecutor(failing, CircuitBreakerConfig{
		FailureThreshold:  2,
		RecoveryTimeout:   time.Hour,
		HalfOpenMaxProbes: 1,
	}, nil, nil)
	ctx := context.Background()
	req := &workflow.ModelCallRequest{Parameters: map[string]any{"model": "big"}}

	for i := 0; i < 2; i++ {
		resp, err := b.ExecuteModelCall(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "overloaded", resp.Error)
	}
	resp, err := b.ExecuteModelCall(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, resp.Error, string(types.ErrCircuitOpen))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// Other backends are unaffected.
	_, err = b.ExecuteModelCall(ctx, &workflow.ModelCallRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, CircuitOpen, b.States()["big"])
	assert.Equal(t, CircuitClosed, b.States()[DefaultBackend])
}

func TestTracingExecutors(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := tp.Tracer("test")

	model := NewTracingModelExecutor(staticModel(&workflow.ModelCallResponse{Error: "bad"}, nil, nil), tracer)
	tools := NewTracingToolExecutor(workflow.ToolCallExecutorFunc(func(context.Context, *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
		return &workflow.ToolCallResponse{Result: "ok"}, nil
	}), tracer)

	_, err := model.ExecuteModelCall(context.Background(), &workflow.ModelCallRequest{StepID: "s1"})
	require.NoError(t, err)
	_, err = tools.ExecuteToolCall(context.Background(), &workflow.ToolCallRequest{StepID: "s1", Name: "t"})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "model.call", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
	assert.Equal(t, "tool.invoke", spans[1].Name())
}
