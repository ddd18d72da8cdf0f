// MockModelExecutor 的模型调用测试模拟实现。
//
// 支持按步骤排队的脚本化响应、延迟与错误注入。
package mocks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/stepflow/workflow"
)

// --- MockModelExecutor 结构 ---

// ModelFunc 自定义模型调用行为
type ModelFunc func(ctx context.Context, req *workflow.ModelCallRequest) (*workflow.ModelCallResponse, error)

// MockModelExecutor 是 workflow.ModelCallExecutor 的模拟实现。
// 每个步骤有自己的响应队列；队列耗尽后重复最后一个响应，
// 没有队列的步骤使用默认响应。
type MockModelExecutor struct {
	mu sync.Mutex

	queues          map[string][]*workflow.ModelCallResponse
	defaultResponse *workflow.ModelCallResponse
	stepErrors      map[string]error
	fn              ModelFunc
	delay           time.Duration

	requests  []workflow.ModelCallRequest
	callCount atomic.Int64
}

// NewMockModelExecutor 创建新的 MockModelExecutor
func NewMockModelExecutor() *MockModelExecutor {
	return &MockModelExecutor{
		queues:     make(map[string][]*workflow.ModelCallResponse),
		stepErrors: make(map[string]error),
	}
}

// --- Builder 方法 ---

// WithStepResponses 为步骤追加响应
func (m *MockModelExecutor) WithStepResponses(stepID string, responses ...*workflow.ModelCallResponse) *MockModelExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[stepID] = append(m.queues[stepID], responses...)
	return m
}

// WithDefaultResponse 设置默认响应
func (m *MockModelExecutor) WithDefaultResponse(resp *workflow.ModelCallResponse) *MockModelExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResponse = resp
	return m
}

// WithStepError 让步骤的模型调用返回错误（异常失败）
func (m *MockModelExecutor) WithStepError(stepID string, err error) *MockModelExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepErrors[stepID] = err
	return m
}

// WithFunc 设置自定义行为，优先于脚本
func (m *MockModelExecutor) WithFunc(fn ModelFunc) *MockModelExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// WithDelay 设置每次调用的延迟；延迟期间响应 ctx 取消
func (m *MockModelExecutor) WithDelay(d time.Duration) *MockModelExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// --- ModelCallExecutor 实现 ---

// ExecuteModelCall implements workflow.ModelCallExecutor.
func (m *MockModelExecutor) ExecuteModelCall(ctx context.Context, req *workflow.ModelCallRequest) (*workflow.ModelCallResponse, error) {
	m.callCount.Add(1)

	m.mu.Lock()
	m.requests = append(m.requests, *req)
	delay := m.delay
	fn := m.fn
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.stepErrors[req.StepID]; ok {
		return nil, err
	}
	queue := m.queues[req.StepID]
	switch len(queue) {
	case 0:
		if m.defaultResponse != nil {
			return m.defaultResponse, nil
		}
		return &workflow.ModelCallResponse{Error: "no scripted response for step " + req.StepID}, nil
	case 1:
		return queue[0], nil
	default:
		m.queues[req.StepID] = queue[1:]
		return queue[0], nil
	}
}

// --- 查询方法 ---

// CallCount 返回调用次数
func (m *MockModelExecutor) CallCount() int {
	return int(m.callCount.Load())
}

// Requests 返回所有请求的副本
func (m *MockModelExecutor) Requests() []workflow.ModelCallRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]workflow.ModelCallRequest(nil), m.requests...)
}

// StepsCalled 按调用顺序返回步骤 ID（相邻重复合并）
func (m *MockModelExecutor) StepsCalled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, r := range m.requests {
		if len(ids) > 0 && ids[len(ids)-1] == r.StepID {
			continue
		}
		ids = append(ids, r.StepID)
	}
	return ids
}

// CallsForStep 返回某步骤的调用次数
func (m *MockModelExecutor) CallsForStep(stepID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.StepID == stepID {
			n++
		}
	}
	return n
}

// Reset 清空调用记录
func (m *MockModelExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.callCount.Store(0)
}
