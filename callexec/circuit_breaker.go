package callexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
	"go.uber.org/zap"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝所有请求
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许探测请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// FailureThreshold 连续失败次数阈值
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout 熔断后进入半开前的等待时间
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测调用数
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThresholdInHalfOpen 半开状态下连续成功多少次后恢复
	SuccessThresholdInHalfOpen int `json:"success_threshold_in_half_open" yaml:"success_threshold_in_half_open"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:           5,
		RecoveryTimeout:            30 * time.Second,
		HalfOpenMaxProbes:          3,
		SuccessThresholdInHalfOpen: 2,
	}
}

// CircuitBreakerEvent 熔断器状态变更事件
type CircuitBreakerEvent struct {
	Backend   string       `json:"backend"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// CircuitBreakerEventHandler receives state changes. It is called
// asynchronously.
type CircuitBreakerEventHandler interface {
	OnStateChange(event CircuitBreakerEvent)
}

// CircuitBreaker guards one model backend.
type CircuitBreaker struct {
	backend         string
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	probeCount      int
	eventHandler    CircuitBreakerEventHandler
	now             func() time.Time
	logger          *zap.Logger
	mu              sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(backend string, config CircuitBreakerConfig, eventHandler CircuitBreakerEventHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		backend:      backend,
		config:       config,
		state:        CircuitClosed,
		eventHandler: eventHandler,
		now:          time.Now,
		logger:       logger.With(zap.String("component", "circuit_breaker"), zap.String("backend", backend)),
	}
}

// AllowRequest reports whether a call may proceed.
func (cb *CircuitBreaker) AllowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		return types.NewError(types.ErrCircuitOpen, fmt.Sprintf(
			"circuit open for %s: %d consecutive failures, retry after %v",
			cb.backend, cb.failures, cb.config.RecoveryTimeout-elapsed))

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return types.NewError(types.ErrCircuitOpen, fmt.Sprintf(
			"circuit half-open for %s: max probes (%d) in flight", cb.backend, cb.config.HalfOpenMaxProbes))

	default:
		return types.NewError(types.ErrInternalError, fmt.Sprintf("unknown circuit state: %d", cb.state))
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThresholdInHalfOpen {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
	if old != CircuitClosed {
		cb.emitEvent(old, CircuitClosed, "manual reset")
	}
}

// transitionTo 状态转换（必须在锁内调用）
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	old := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", old.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.emitEvent(old, newState, reason)
}

// emitEvent 发送事件（必须在锁内调用）
func (cb *CircuitBreaker) emitEvent(old, newState CircuitState, reason string) {
	if cb.eventHandler == nil {
		return
	}
	event := CircuitBreakerEvent{
		Backend:   cb.backend,
		OldState:  old,
		NewState:  newState,
		Timestamp: cb.now(),
		Reason:    reason,
		Failures:  cb.failures,
	}
	go cb.eventHandler.OnStateChange(event)
}

// =============================================================================
// 🔌 BreakerModelExecutor
// =============================================================================

// DefaultBackend is the breaker key for calls without a "model" parameter.
const DefaultBackend = "default"

// BreakerModelExecutor keeps one circuit breaker per model name. Rejected
// calls fail with CIRCUIT_OPEN without reaching the backend.
type BreakerModelExecutor struct {
	next         workflow.ModelCallExecutor
	config       CircuitBreakerConfig
	eventHandler CircuitBreakerEventHandler
	breakers     map[string]*CircuitBreaker
	mu           sync.Mutex
	logger       *zap.Logger
}

// NewBreakerModelExecutor wraps next.
func NewBreakerModelExecutor(next workflow.ModelCallExecutor, config CircuitBreakerConfig, eventHandler CircuitBreakerEventHandler, logger *zap.Logger) *BreakerModelExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerModelExecutor{
		next:         next,
		config:       config,
		eventHandler: eventHandler,
		breakers:     make(map[string]*CircuitBreaker),
		logger:       logger,
	}
}

// Breaker returns the breaker for a backend, creating it on first use.
func (b *BreakerModelExecutor) Breaker(backend string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[backend]; ok {
		return cb
	}
	cb := NewCircuitBreaker(backend, b.config, b.eventHandler, b.logger)
	b.breakers[backend] = cb
	return cb
}

// States returns the state of every breaker created so far.
func (b *BreakerModelExecutor) States() map[string]CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	states := make(map[string]CircuitState, len(b.breakers))
	for name, cb := range b.breakers {
		states[name] = cb.State()
	}
	return states
}

// ExecuteModelCall implements workflow.ModelCallExecutor.
func (b *BreakerModelExecutor) ExecuteModelCall(ctx context.Context, req *workflow.ModelCallRequest) (*workflow.ModelCallResponse, error) {
	cb := b.Breaker(backendOf(req))
	if err := cb.AllowRequest(); err != nil {
		return &workflow.ModelCallResponse{Error: err.Error()}, nil
	}

	resp, err := b.next.ExecuteModelCall(ctx, req)
	switch {
	case err != nil && ctx.Err() != nil:
		// Cancellation says nothing about backend health.
	case err != nil, resp == nil, resp.Error != "":
		cb.RecordFailure()
	default:
		cb.RecordSuccess()
	}
	return resp, err
}

func backendOf(req *workflow.ModelCallRequest) string {
	if m, ok := req.Parameters["model"].(string); ok && m != "" {
		return m
	}
	return DefaultBackend
}
