// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/BaSui01/stepflow/callexec"
	"github.com/BaSui01/stepflow/internal/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 步骤指标
	stepExecutionsTotal *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	stepRounds          *prometheus.HistogramVec

	// 调用指标
	modelCallsTotal    *prometheus.CounterVec
	modelCallDuration  *prometheus.HistogramVec
	toolCallsTotal     *prometheus.CounterVec
	toolCallDuration   *prometheus.HistogramVec
	completionVerdicts *prometheus.CounterVec

	// 运行指标
	agentRunsTotal    *prometheus.CounterVec
	agentRunDuration  prometheus.Histogram
	agentRunStepCount prometheus.Histogram

	// 熔断器指标
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	// 数据库指标
	dbConnectionsOpen  *prometheus.GaugeVec
	dbConnectionsInUse *prometheus.GaugeVec
	dbConnectionsIdle  *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建注册到默认 Registry 的指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWithRegisterer 创建注册到指定 Registerer 的指标收集器
func NewCollectorWithRegisterer(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}
	factory := promauto.With(reg)

	// 步骤指标
	c.stepExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of step executions by final status",
		},
		[]string{"step_type", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"step_type"},
	)

	c.stepRounds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_rounds",
			Help:      "Number of model call rounds used by a step",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
		},
		[]string{"step_type"},
	)

	// 调用指标
	c.modelCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Total number of model calls",
		},
		[]string{"step_type", "status"},
	)

	c.modelCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model call duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"step_type"},
	)

	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	c.toolCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	c.completionVerdicts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_verdicts_total",
			Help:      "Completion chain verdicts by link",
		},
		[]string{"link", "verdict"},
	)

	// 运行指标
	c.agentRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Total number of agent runs by final status",
		},
		[]string{"status"},
	)

	c.agentRunDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent run duration in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800},
		},
	)

	c.agentRunStepCount = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_steps",
			Help:      "Number of step executions in an agent run",
			Buckets:   []float64{1, 2, 5, 10, 20, 50},
		},
	)

	// 熔断器指标
	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"backend"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsInUse = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_in_use",
			Help:      "Number of database connections in use",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🪜 步骤指标记录
// =============================================================================

// RecordStepExecution 记录一次步骤执行
func (c *Collector) RecordStepExecution(stepType, status string, rounds int, duration time.Duration) {
	c.stepExecutionsTotal.WithLabelValues(stepType, status).Inc()
	c.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
	c.stepRounds.WithLabelValues(stepType).Observe(float64(rounds))
}

// RecordModelCall 记录一次模型调用
func (c *Collector) RecordModelCall(stepType, status string, duration time.Duration) {
	c.modelCallsTotal.WithLabelValues(stepType, status).Inc()
	c.modelCallDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordToolCall 记录一次工具调用
func (c *Collector) RecordToolCall(tool, status string, duration time.Duration) {
	c.toolCallsTotal.WithLabelValues(tool, status).Inc()
	c.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCompletionVerdict 记录完成链环节的判定
func (c *Collector) RecordCompletionVerdict(link, verdict string) {
	c.completionVerdicts.WithLabelValues(link, verdict).Inc()
}

// =============================================================================
// 🎭 运行指标记录
// =============================================================================

// RecordRun 记录一次 Agent 运行
func (c *Collector) RecordRun(status string, steps int, duration time.Duration) {
	c.agentRunsTotal.WithLabelValues(status).Inc()
	c.agentRunDuration.Observe(duration.Seconds())
	c.agentRunStepCount.Observe(float64(steps))
}

// =============================================================================
// ⚡ 熔断器事件
// =============================================================================

// OnStateChange 实现 callexec.CircuitBreakerEventHandler
func (c *Collector) OnStateChange(event callexec.CircuitBreakerEvent) {
	c.breakerTransitions.WithLabelValues(event.Backend, event.OldState.String(), event.NewState.String()).Inc()
	c.breakerState.WithLabelValues(event.Backend).Set(float64(event.NewState))
	c.logger.Debug("circuit breaker state recorded",
		zap.String("backend", event.Backend),
		zap.String("state", event.NewState.String()))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接池状态
func (c *Collector) RecordDBConnections(stats database.PoolStats) {
	name := stats.Dialect
	if name == "" {
		name = "unknown"
	}
	c.dbConnectionsOpen.WithLabelValues(name).Set(float64(stats.OpenConnections))
	c.dbConnectionsInUse.WithLabelValues(name).Set(float64(stats.InUse))
	c.dbConnectionsIdle.WithLabelValues(name).Set(float64(stats.Idle))
}
