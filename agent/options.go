package agent

import (
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/workflow"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMaxStepExecutions bounds the number of steps one run may execute.
const DefaultMaxStepExecutions = 50

type options struct {
	executorConfig        workflow.ExecutorConfig
	maxStepExecutions     int
	allowRepeatedSteps    bool
	continueOnStepFailure bool
	extraLinks            []workflow.CompletionLink
	store                 RunStore
	metrics               workflow.MetricsRecorder
	runMetrics            RunMetrics
	tracer                trace.Tracer
	logger                *zap.Logger
	runID                 string
}

func defaultOptions() options {
	return options{
		executorConfig:     workflow.DefaultExecutorConfig(),
		maxStepExecutions:  DefaultMaxStepExecutions,
		allowRepeatedSteps: true,
		logger:             zap.NewNop(),
	}
}

// Option configures an AgentExecutor.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithExecutorConfig sets the per-step executor configuration.
func WithExecutorConfig(cfg workflow.ExecutorConfig) Option {
	return func(o *options) { o.executorConfig = cfg }
}

// WithMaxStepExecutions bounds the steps a run may execute; 0 disables the
// bound.
func WithMaxStepExecutions(n int) Option {
	return func(o *options) { o.maxStepExecutions = n }
}

// WithAllowRepeatedSteps controls whether a step may run more than once.
func WithAllowRepeatedSteps(allow bool) Option {
	return func(o *options) { o.allowRepeatedSteps = allow }
}

// WithContinueOnStepFailure keeps traversing after a FAILED step instead of
// stopping the run.
func WithContinueOnStepFailure(cont bool) Option {
	return func(o *options) { o.continueOnStepFailure = cont }
}

// WithCompletionLinks adds links to every step's completion chain.
func WithCompletionLinks(links ...workflow.CompletionLink) Option {
	return func(o *options) { o.extraLinks = append(o.extraLinks, links...) }
}

// WithRunStore checkpoints the result after every step.
func WithRunStore(store RunStore) Option {
	return func(o *options) { o.store = store }
}

// WithMetrics sets the step metrics recorder. If m also implements
// RunMetrics it receives run-level measurements too.
func WithMetrics(m workflow.MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = m
		if rm, ok := m.(RunMetrics); ok {
			o.runMetrics = rm
		}
	}
}

// WithTracer sets the tracer for run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// OptionsFromConfig converts the engine configuration into options.
func OptionsFromConfig(cfg config.EngineConfig) []Option {
	return []Option{
		WithExecutorConfig(cfg.ExecutorConfig()),
		WithMaxStepExecutions(cfg.MaxStepExecutions),
		WithAllowRepeatedSteps(cfg.AllowRepeatedSteps),
		WithContinueOnStepFailure(cfg.ContinueOnStepFailure),
	}
}
