package callexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
	"go.uber.org/zap"
)

// ToolFunc implements a tool. The returned string is the tool result; a
// returned error marks the call as failed.
type ToolFunc func(ctx context.Context, input json.RawMessage) (string, error)

// ToolRegistry resolves tools by name.
type ToolRegistry interface {
	Get(name string) (ToolFunc, bool)
	Names() []string
}

// Registry is a concurrency-safe ToolRegistry.
type Registry struct {
	tools map[string]ToolFunc
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]ToolFunc)}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(name string, fn ToolFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("tool name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = fn
	return nil
}

// MustRegister is Register that panics on error. Use only during setup.
func (r *Registry) MustRegister(name string, fn ToolFunc) *Registry {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
	return r
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get implements ToolRegistry.
func (r *Registry) Get(name string) (ToolFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tools[name]
	return fn, ok
}

// Names implements ToolRegistry. Names are sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MissingTools returns the required tools the registry does not provide.
func MissingTools(reg ToolRegistry, required []string) []string {
	var missing []string
	for _, name := range required {
		if workflow.IsCompletionTool(name) {
			continue
		}
		if _, ok := reg.Get(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// RegistryToolExecutor dispatches tool calls to a ToolRegistry.
type RegistryToolExecutor struct {
	registry ToolRegistry
	logger   *zap.Logger
}

// NewRegistryToolExecutor creates an executor over the registry.
func NewRegistryToolExecutor(registry ToolRegistry, logger *zap.Logger) *RegistryToolExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryToolExecutor{
		registry: registry,
		logger:   logger.With(zap.String("component", "tool_executor")),
	}
}

// ExecuteToolCall implements workflow.ToolCallExecutor. Completion tools are
// acknowledged without a registry entry; unknown tools fail the call.
func (e *RegistryToolExecutor) ExecuteToolCall(ctx context.Context, req *workflow.ToolCallRequest) (*workflow.ToolCallResponse, error) {
	fn, ok := e.registry.Get(req.Name)
	if !ok {
		if workflow.IsCompletionTool(req.Name) {
			return &workflow.ToolCallResponse{Result: `{"step_complete": true}`}, nil
		}
		e.logger.Warn("unknown tool requested",
			zap.String("tool", req.Name),
			zap.String("step_id", req.StepID),
		)
		return &workflow.ToolCallResponse{
			Error: types.NewError(types.ErrToolNotFound, fmt.Sprintf("tool %s is not registered", req.Name)).Error(),
		}, nil
	}

	result, err := fn(ctx, req.Input)
	if err != nil {
		e.logger.Debug("tool returned error",
			zap.String("tool", req.Name),
			zap.String("call_id", req.ID),
			zap.Error(err),
		)
		return &workflow.ToolCallResponse{Error: err.Error()}, nil
	}
	return &workflow.ToolCallResponse{Result: result}, nil
}
