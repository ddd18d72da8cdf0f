package callexec

import (
	"context"

	"github.com/BaSui01/stepflow/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/stepflow/callexec"

// TracingModelExecutor records a span around every model call.
type TracingModelExecutor struct {
	next   workflow.ModelCallExecutor
	tracer trace.Tracer
}

// NewTracingModelExecutor wraps next. A nil tracer uses the global provider.
func NewTracingModelExecutor(next workflow.ModelCallExecutor, tracer trace.Tracer) *TracingModelExecutor {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &TracingModelExecutor{next: next, tracer: tracer}
}

// ExecuteModelCall implements workflow.ModelCallExecutor.
func (t *TracingModelExecutor) ExecuteModelCall(ctx context.Context, req *workflow.ModelCallRequest) (*workflow.ModelCallResponse, error) {
	ctx, span := t.tracer.Start(ctx, "model.call", trace.WithAttributes(
		attribute.String("step.id", req.StepID),
		attribute.String("step.type", string(req.StepType)),
		attribute.String("model.backend", backendOf(req)),
		attribute.Int("model.messages", len(req.Messages)),
	))
	defer span.End()

	resp, err := t.next.ExecuteModelCall(ctx, req)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp != nil && resp.Error != "":
		span.SetStatus(codes.Error, resp.Error)
	case resp != nil:
		span.SetAttributes(attribute.Int("model.tool_calls", len(resp.ToolCalls)))
	}
	return resp, err
}

// TracingToolExecutor records a span around every tool call.
type TracingToolExecutor struct {
	next   workflow.ToolCallExecutor
	tracer trace.Tracer
}

// NewTracingToolExecutor wraps next. A nil tracer uses the global provider.
func NewTracingToolExecutor(next workflow.ToolCallExecutor, tracer trace.Tracer) *TracingToolExecutor {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &TracingToolExecutor{next: next, tracer: tracer}
}

// ExecuteToolCall implements workflow.ToolCallExecutor.
func (t *TracingToolExecutor) ExecuteToolCall(ctx context.Context, req *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
	ctx, span := t.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("step.id", req.StepID),
		attribute.String("tool.name", req.Name),
		attribute.String("tool.call_id", req.ID),
	))
	defer span.End()

	resp, err := t.next.ExecuteToolCall(ctx, req)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp != nil && resp.Error != "":
		span.SetStatus(codes.Error, resp.Error)
	}
	return resp, err
}
