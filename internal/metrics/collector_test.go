package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/callexec"
	"github.com/BaSui01/stepflow/internal/database"
	"github.com/BaSui01/stepflow/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	_ workflow.MetricsRecorder            = (*Collector)(nil)
	_ agent.RunMetrics                    = (*Collector)(nil)
	_ callexec.CircuitBreakerEventHandler = (*Collector)(nil)
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollectorWithRegisterer(reg, nextTestNamespace(), zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.stepExecutionsTotal)
	assert.NotNil(t, collector.stepDuration)
	assert.NotNil(t, collector.modelCallsTotal)
	assert.NotNil(t, collector.toolCallsTotal)
	assert.NotNil(t, collector.agentRunsTotal)
}

func TestNewCollector_NilLogger(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() {
		NewCollectorWithRegisterer(reg, nextTestNamespace(), nil)
	})
}

func TestNewCollectorWithRegisterer_DuplicateNamespacePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	NewCollectorWithRegisterer(reg, ns, zap.NewNop())

	assert.Panics(t, func() {
		NewCollectorWithRegisterer(reg, ns, zap.NewNop())
	})
}

func TestCollector_RecordStepExecution(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordStepExecution("model", "COMPLETED", 3, 2*time.Second)
	collector.RecordStepExecution("model", "COMPLETED", 1, time.Second)
	collector.RecordStepExecution("model", "FAILED", 10, 5*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("model", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("model", "FAILED")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.stepDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.stepRounds))
}

func TestCollector_RecordModelAndToolCalls(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordModelCall("model", "completed", 300*time.Millisecond)
	collector.RecordModelCall("model", "failed", 10*time.Millisecond)
	collector.RecordToolCall("search", "completed", 20*time.Millisecond)
	collector.RecordToolCall("search", "completed", 30*time.Millisecond)
	collector.RecordToolCall("fetch", "failed", 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.modelCallsTotal.WithLabelValues("model", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.toolCallsTotal.WithLabelValues("search", "completed")))
	// One series per (tool, status) pair.
	assert.Equal(t, 2, testutil.CollectAndCount(collector.toolCallsTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.toolCallDuration))
}

func TestCollector_RecordCompletionVerdict(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordCompletionVerdict("tool_outcome", "PASS")
	collector.RecordCompletionVerdict("fallback", "PASS")
	collector.RecordCompletionVerdict("fallback", "PASS")
	collector.RecordCompletionVerdict("model_signal", "COMPLETE")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.completionVerdicts.WithLabelValues("fallback", "PASS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.completionVerdicts.WithLabelValues("model_signal", "COMPLETE")))
	assert.Equal(t, 3, testutil.CollectAndCount(collector.completionVerdicts))
}

func TestCollector_RecordRun(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordRun("completed", 4, 12*time.Second)
	collector.RecordRun("cancelled", 1, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.agentRunsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.agentRunsTotal.WithLabelValues("cancelled")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.agentRunDuration))
}

func TestCollector_OnStateChange(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.OnStateChange(callexec.CircuitBreakerEvent{
		Backend:  "model",
		OldState: callexec.CircuitClosed,
		NewState: callexec.CircuitOpen,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.breakerTransitions.WithLabelValues("model", "closed", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.breakerState.WithLabelValues("model")))

	collector.OnStateChange(callexec.CircuitBreakerEvent{
		Backend:  "model",
		OldState: callexec.CircuitOpen,
		NewState: callexec.CircuitHalfOpen,
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.breakerState.WithLabelValues("model")))
}

func TestCollector_RecordDBConnections(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordDBConnections(database.PoolStats{Dialect: "postgres", OpenConnections: 10, InUse: 4, Idle: 6})
	collector.RecordDBConnections(database.PoolStats{OpenConnections: 1})

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.dbConnectionsInUse.WithLabelValues("postgres")))
	assert.Equal(t, 6.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("unknown")))
}

func TestCollector_RegistryExposesNames(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordStepExecution("model", "COMPLETED", 1, time.Millisecond)
	collector.RecordRun("completed", 1, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	var found int
	for name := range names {
		for _, suffix := range []string{"_step_executions_total", "_agent_runs_total", "_agent_run_duration_seconds"} {
			if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
				found++
			}
		}
	}
	assert.Equal(t, 3, found)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordStepExecution("model", "COMPLETED", 2, 100*time.Millisecond)
			collector.RecordToolCall("search", "success", 10*time.Millisecond)
			collector.RecordRun("completed", 1, time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("model", "COMPLETED")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.toolCallsTotal.WithLabelValues("search", "success")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.agentRunsTotal.WithLabelValues("completed")))
}
