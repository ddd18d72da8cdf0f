// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 上下文、执行记录断言与等待工具
//
// 使用方法:
//
//	testutil.AssertStepIDs(t, []string{"s1", "s2"}, result.Executions)
//	testutil.AssertExecution(t, result.Executions[0], workflow.StepStatusCompleted, 1)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/workflow"
)

// DefaultTimeout bounds TestContext.
const DefaultTimeout = 30 * time.Second

// TestContext 返回随测试结束取消的上下文
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// StepIDs 返回执行记录的步骤 ID 序列
func StepIDs(execs []*workflow.StepExecution) []string {
	ids := make([]string, len(execs))
	for i, e := range execs {
		ids[i] = e.StepID
	}
	return ids
}

// AssertStepIDs 断言执行记录按顺序覆盖给定步骤
func AssertStepIDs(t testing.TB, expected []string, execs []*workflow.StepExecution) bool {
	t.Helper()
	return assert.Equal(t, expected, StepIDs(execs), "executed steps")
}

// AssertExecution 断言单步执行的状态与轮数；轮数即模型调用次数
func AssertExecution(t testing.TB, exec *workflow.StepExecution, status workflow.StepStatus, rounds int) {
	t.Helper()
	require.NotNil(t, exec, "execution is nil")
	assert.Equal(t, status, exec.Status, "step %s status (error %q)", exec.StepID, exec.Error)
	assert.Len(t, exec.CallGroups, rounds, "step %s rounds", exec.StepID)
	assert.Equal(t, len(exec.CallGroups), exec.ModelCallCount(), "step %s model calls", exec.StepID)
}

// AssertEventuallyTrue 断言条件在超时前变为真
func AssertEventuallyTrue(t testing.TB, condition func() bool, timeout time.Duration) bool {
	t.Helper()
	return assert.Eventually(t, condition, timeout, 10*time.Millisecond)
}

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}
