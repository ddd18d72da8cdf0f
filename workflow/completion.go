package workflow

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// StepCompletionResult is the verdict of a completion link or chain.
type StepCompletionResult string

const (
	CompletionComplete         StepCompletionResult = "COMPLETE"
	CompletionFailedMaxRetries StepCompletionResult = "FAILED_STEP_DUE_TO_MAX_RETRIES"
	CompletionNonRecoverable   StepCompletionResult = "NON_RECOVERABLE_ERROR"
	// CompletionPass means the link has no opinion.
	CompletionPass StepCompletionResult = "PASS"
)

// IsDecisive reports whether the verdict ends the step.
func (r StepCompletionResult) IsDecisive() bool {
	return r != CompletionPass && r != ""
}

// IsFailure reports whether the verdict ends the step as FAILED.
func (r StepCompletionResult) IsFailure() bool {
	return r == CompletionFailedMaxRetries || r == CompletionNonRecoverable
}

// Completion tool names. A completed call of either signals step completion.
const (
	StepCompletedTool = "step_completed"
	FinalAnswerTool   = "final_answer"
)

// IsCompletionTool reports whether name is a completion tool.
func IsCompletionTool(name string) bool {
	return strings.EqualFold(name, StepCompletedTool) || strings.EqualFold(name, FinalAnswerTool)
}

// ZeroToolRoundPolicy decides what the fallback does after a round that
// produced neither tool calls nor a decisive signal.
type ZeroToolRoundPolicy string

const (
	// ZeroToolRoundFail fails the step with FAILED_STEP_DUE_TO_MAX_RETRIES.
	ZeroToolRoundFail ZeroToolRoundPolicy = "fail"
	// ZeroToolRoundFollowUp issues a follow-up call; the max-call link bounds it.
	ZeroToolRoundFollowUp ZeroToolRoundPolicy = "follow_up"
)

// CompletionLink is one independent termination check. Evaluate must be a
// pure function of the execution state.
type CompletionLink struct {
	Name     string
	Evaluate func(exec *StepExecution) StepCompletionResult
}

// =============================================================================
// ⛓️ CompletionChain
// =============================================================================

// CompletionChain evaluates links in order and stops at the first decisive
// verdict. The fallback always runs last.
type CompletionChain struct {
	links    []CompletionLink
	fallback CompletionLink
	logger   *zap.Logger
}

// NewCompletionChain creates a chain from ordered links and a fallback.
func NewCompletionChain(logger *zap.Logger, fallback CompletionLink, links ...CompletionLink) *CompletionChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionChain{
		links:    append([]CompletionLink(nil), links...),
		fallback: fallback,
		logger:   logger.With(zap.String("component", "completion_chain")),
	}
}

// DefaultCompletionChain returns the canonical chain: model signal,
// max-call count, tool outcome, fallback. The fallback defers after tool
// rounds, so the call ceiling is always on: maxModelCalls <= 0 means
// DefaultMaxModelCallsPerStep.
func DefaultCompletionChain(maxModelCalls int, policy ZeroToolRoundPolicy, logger *zap.Logger) *CompletionChain {
	if maxModelCalls <= 0 {
		maxModelCalls = DefaultMaxModelCallsPerStep
	}
	return NewCompletionChain(logger,
		FallbackLink(policy),
		ModelSignalLink(),
		MaxModelCallsLink(maxModelCalls),
		ToolOutcomeLink(),
	)
}

// InsertBeforeFallback appends links after the existing ones, ahead of the
// fallback.
func (c *CompletionChain) InsertBeforeFallback(links ...CompletionLink) *CompletionChain {
	c.links = append(c.links, links...)
	return c
}

// LinkNames returns link names in evaluation order, fallback included.
func (c *CompletionChain) LinkNames() []string {
	names := make([]string, 0, len(c.links)+1)
	for _, l := range c.links {
		names = append(names, l.Name)
	}
	return append(names, c.fallback.Name)
}

// Evaluate runs the chain and returns the verdict and the deciding link.
func (c *CompletionChain) Evaluate(exec *StepExecution) (StepCompletionResult, string) {
	for _, l := range c.links {
		if r := l.Evaluate(exec); r.IsDecisive() {
			return r, l.Name
		}
	}

	r := CompletionPass
	if c.fallback.Evaluate != nil {
		r = c.fallback.Evaluate(exec)
	}
	if r.IsDecisive() {
		c.logger.Warn("no decisive completion signal, fallback fired",
			zap.String("step_id", exec.StepID),
			zap.Int("model_calls", exec.ModelCallCount()),
			zap.String("verdict", string(r)),
		)
	}
	return r, c.fallback.Name
}

// =============================================================================
// 🔗 Canonical links
// =============================================================================

// ModelSignalLink reads the structured instruction of the latest model call.
func ModelSignalLink() CompletionLink {
	return CompletionLink{
		Name: "model_signal",
		Evaluate: func(exec *StepExecution) StepCompletionResult {
			last := exec.LastGroup()
			if last == nil || last.ModelCall == nil {
				return CompletionPass
			}
			inst := last.ModelCall.Instruction()
			if inst == nil {
				return CompletionPass
			}
			switch {
			case inst.Outcome.IsTerminalSuccess():
				return CompletionComplete
			case inst.Outcome.IsTerminalFailure():
				return CompletionNonRecoverable
			default:
				return CompletionPass
			}
		},
	}
}

// MaxModelCallsLink fails the step once max model calls were issued, since
// another round would exceed the ceiling. max <= 0 disables the link.
func MaxModelCallsLink(max int) CompletionLink {
	return CompletionLink{
		Name: "max_model_calls",
		Evaluate: func(exec *StepExecution) StepCompletionResult {
			if max > 0 && exec.ModelCallCount() >= max {
				return CompletionFailedMaxRetries
			}
			return CompletionPass
		},
	}
}

// ToolOutcomeLink completes the step when a completed tool call of the
// latest round is a completion tool or returns {"step_complete": true}.
func ToolOutcomeLink() CompletionLink {
	return CompletionLink{
		Name: "tool_outcome",
		Evaluate: func(exec *StepExecution) StepCompletionResult {
			last := exec.LastGroup()
			if last == nil {
				return CompletionPass
			}
			for _, tc := range last.ToolCalls {
				if tc.Status != CallStatusCompleted {
					continue
				}
				if IsCompletionTool(tc.Name()) || signalsStepComplete(tc.Result) {
					return CompletionComplete
				}
			}
			return CompletionPass
		},
	}
}

func signalsStepComplete(result string) bool {
	trimmed := strings.TrimSpace(result)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var payload struct {
		StepComplete bool `json:"step_complete"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return false
	}
	return payload.StepComplete
}

// FallbackLink is the last link. After a round with tool calls it defers so
// the model sees the results; after a round without tool calls it applies
// the zero-tool round policy.
func FallbackLink(policy ZeroToolRoundPolicy) CompletionLink {
	return CompletionLink{
		Name: "fallback",
		Evaluate: func(exec *StepExecution) StepCompletionResult {
			if last := exec.LastGroup(); last != nil && len(last.ToolCalls) > 0 {
				return CompletionPass
			}
			if policy == ZeroToolRoundFollowUp {
				return CompletionPass
			}
			return CompletionFailedMaxRetries
		},
	}
}

// =============================================================================
// 🧩 Extension links
// =============================================================================

// ExternalAbortLink fails the step when an abort was requested.
func ExternalAbortLink() CompletionLink {
	return CompletionLink{
		Name: "external_abort",
		Evaluate: func(exec *StepExecution) StepCompletionResult {
			if exec.Signals.AbortRequested {
				return CompletionNonRecoverable
			}
			return CompletionPass
		},
	}
}

// MemoryUpdateFailureLink fails the step when a memory update failed.
func MemoryUpdateFailureLink() CompletionLink {
	return CompletionLink{
		Name: "memory_update_failure",
		Evaluate: func(exec *StepExecution) StepCompletionResult {
			if exec.Signals.MemoryUpdateFailed {
				return CompletionNonRecoverable
			}
			return CompletionPass
		},
	}
}

// PlannerOverrideLink completes the step when a planner overrode it.
func PlannerOverrideLink() CompletionLink {
	return CompletionLink{
		Name: "planner_override",
		Evaluate: func(exec *StepExecution) StepCompletionResult {
			if exec.Signals.PlannerOverride {
				return CompletionComplete
			}
			return CompletionPass
		},
	}
}
