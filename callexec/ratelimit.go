package callexec

import (
	"context"
	"sync"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures tool call rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond applies to every tool without an override; <= 0 disables it.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	// PerTool overrides the rate for individual tools.
	PerTool map[string]float64 `json:"per_tool,omitempty" yaml:"per_tool,omitempty"`
}

// RateLimitedToolExecutor waits for a token before every tool call. Each
// tool gets its own limiter.
type RateLimitedToolExecutor struct {
	next     workflow.ToolCallExecutor
	config   RateLimitConfig
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewRateLimitedToolExecutor wraps next.
func NewRateLimitedToolExecutor(next workflow.ToolCallExecutor, config RateLimitConfig, logger *zap.Logger) *RateLimitedToolExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &RateLimitedToolExecutor{
		next:     next,
		config:   config,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With(zap.String("component", "rate_limited_tool_executor")),
	}
}

func (r *RateLimitedToolExecutor) limiter(tool string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[tool]; ok {
		return l
	}
	rps := r.config.RequestsPerSecond
	if override, ok := r.config.PerTool[tool]; ok {
		rps = override
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	l := rate.NewLimiter(limit, r.config.Burst)
	r.limiters[tool] = l
	return l
}

// ExecuteToolCall implements workflow.ToolCallExecutor. A wait cut short by
// ctx fails the call with RATE_LIMITED.
func (r *RateLimitedToolExecutor) ExecuteToolCall(ctx context.Context, req *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
	if err := r.limiter(req.Name).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("tool call rate limited", zap.String("tool", req.Name), zap.Error(err))
		return &workflow.ToolCallResponse{
			Error: types.NewError(types.ErrRateLimited, "rate limit wait failed for "+req.Name).WithCause(err).Error(),
		}, nil
	}
	return r.next.ExecuteToolCall(ctx, req)
}
