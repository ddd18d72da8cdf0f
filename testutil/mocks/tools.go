// MockToolExecutor 的工具调用测试模拟实现。
//
// 支持按工具名注册结果、失败与错误注入，并统计并发度。
package mocks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/stepflow/workflow"
)

// --- MockToolExecutor 结构 ---

// ToolFunc 工具执行函数类型
type ToolFunc func(ctx context.Context, req *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error)

// MockToolExecutor 是 workflow.ToolCallExecutor 的模拟实现
type MockToolExecutor struct {
	mu sync.RWMutex

	toolFuncs   map[string]ToolFunc
	toolResults map[string]string
	toolFails   map[string]string
	toolErrors  map[string]error
	delay       time.Duration

	// 调用记录
	calls []ToolCall

	callCount     atomic.Int64
	inFlight      atomic.Int64
	maxConcurrent atomic.Int64
}

// ToolCall 记录单次工具调用
type ToolCall struct {
	Name     string
	StepID   string
	Response *workflow.ToolCallResponse
	Error    error
}

// --- 构造函数和 Builder 方法 ---

// NewMockToolExecutor 创建新的 MockToolExecutor
func NewMockToolExecutor() *MockToolExecutor {
	return &MockToolExecutor{
		toolFuncs:   make(map[string]ToolFunc),
		toolResults: make(map[string]string),
		toolFails:   make(map[string]string),
		toolErrors:  make(map[string]error),
	}
}

// WithTool 注册工具执行函数
func (m *MockToolExecutor) WithTool(name string, fn ToolFunc) *MockToolExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolFuncs[name] = fn
	return m
}

// WithToolResult 设置工具的固定结果
func (m *MockToolExecutor) WithToolResult(name, result string) *MockToolExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolResults[name] = result
	return m
}

// WithToolFailure 让工具以失败状态结束（调用失败）
func (m *MockToolExecutor) WithToolFailure(name, msg string) *MockToolExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolFails[name] = msg
	return m
}

// WithToolError 让工具返回错误（异常失败）
func (m *MockToolExecutor) WithToolError(name string, err error) *MockToolExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolErrors[name] = err
	return m
}

// WithDelay 设置每次调用的延迟
func (m *MockToolExecutor) WithDelay(d time.Duration) *MockToolExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// --- ToolCallExecutor 实现 ---

// ExecuteToolCall implements workflow.ToolCallExecutor. Unknown tools fail.
func (m *MockToolExecutor) ExecuteToolCall(ctx context.Context, req *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
	m.callCount.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxConcurrent.Load()
		if n <= cur || m.maxConcurrent.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.RLock()
	delay := m.delay
	fn := m.toolFuncs[req.Name]
	result, hasResult := m.toolResults[req.Name]
	failMsg, hasFail := m.toolFails[req.Name]
	toolErr := m.toolErrors[req.Name]
	m.mu.RUnlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var (
		resp *workflow.ToolCallResponse
		err  error
	)
	switch {
	case toolErr != nil:
		err = toolErr
	case hasFail:
		resp = &workflow.ToolCallResponse{Error: failMsg}
	case hasResult:
		resp = &workflow.ToolCallResponse{Result: result}
	case fn != nil:
		resp, err = fn(ctx, req)
	default:
		resp = &workflow.ToolCallResponse{Error: "tool not found: " + req.Name}
	}

	m.mu.Lock()
	m.calls = append(m.calls, ToolCall{Name: req.Name, StepID: req.StepID, Response: resp, Error: err})
	m.mu.Unlock()
	return resp, err
}

// --- 查询方法 ---

// CallCount 返回调用次数
func (m *MockToolExecutor) CallCount() int {
	return int(m.callCount.Load())
}

// MaxConcurrent 返回观察到的最大并发调用数
func (m *MockToolExecutor) MaxConcurrent() int {
	return int(m.maxConcurrent.Load())
}

// Calls 返回调用记录副本
func (m *MockToolExecutor) Calls() []ToolCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ToolCall(nil), m.calls...)
}

// CallsFor 返回某工具的调用次数
func (m *MockToolExecutor) CallsFor(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Reset 清空调用记录
func (m *MockToolExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount.Store(0)
	m.maxConcurrent.Store(0)
}
