package workflow

import (
	"fmt"
	"sync"

	"github.com/BaSui01/stepflow/types"
	"go.uber.org/zap"
)

// StepManager owns graph traversal state for one workflow run. Lookups by ID
// are total: an unknown ID is treated as "no step" and completes the
// workflow instead of failing.
type StepManager struct {
	steps []Step
	byID  map[string]Step
	graph StepGraph

	current  Step
	complete bool

	// instructions is the full history; pending holds the ones not yet
	// consumed by an advance.
	instructions []*StepInstruction
	pending      []*StepInstruction

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewStepManager creates a manager positioned on the recipe's first step.
func NewStepManager(recipe *AgentRecipe, logger *zap.Logger) *StepManager {
	return NewStepManagerFromSteps(recipe.Steps(), recipe.StepGraph(), logger)
}

// NewStepManagerFromSteps creates a manager over an explicit step list and
// graph. The graph is copied.
func NewStepManagerFromSteps(steps []Step, graph StepGraph, logger *zap.Logger) *StepManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &StepManager{
		byID:   make(map[string]Step, len(steps)),
		graph:  graph.Clone(),
		logger: logger.With(zap.String("component", "step_manager")),
	}
	for _, s := range steps {
		if s == nil {
			continue
		}
		if _, dup := m.byID[s.ID()]; dup {
			continue
		}
		m.steps = append(m.steps, s)
		m.byID[s.ID()] = s
	}
	m.resetLocked()
	return m
}

// CurrentStep returns the step to execute next, or nil once complete.
func (m *StepManager) CurrentStep() Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.complete {
		return nil
	}
	return m.current
}

// IsWorkflowComplete reports whether traversal has finished.
func (m *StepManager) IsWorkflowComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.complete
}

// SetCurrentStep moves to the given step. A nil step, or one this manager
// does not know, completes the workflow.
func (m *StepManager) SetCurrentStep(step Step) {
	if step == nil {
		m.mu.Lock()
		m.markCompleteLocked("current step cleared")
		m.mu.Unlock()
		return
	}
	m.SetCurrentStepByID(step.ID())
}

// SetCurrentStepByID moves to the step with the given ID. An empty or
// unknown ID completes the workflow.
func (m *StepManager) SetCurrentStepByID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.byID[id]
	if !ok {
		m.markCompleteLocked(fmt.Sprintf("unknown step id %q", id))
		return
	}
	m.current = step
	m.complete = false
}

func (m *StepManager) markCompleteLocked(reason string) {
	m.current = nil
	m.complete = true
	m.logger.Debug("workflow complete", zap.String("reason", reason))
}

// PossibleNextSteps returns the current step's successors that resolve to
// known steps, in graph order.
func (m *StepManager) PossibleNextSteps() []Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.candidatesLocked()
}

func (m *StepManager) candidatesLocked() []Step {
	if m.complete || m.current == nil {
		return nil
	}
	ids := m.graph[m.current.ID()]
	candidates := make([]Step, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.byID[id]; ok {
			candidates = append(candidates, s)
			continue
		}
		m.logger.Debug("ignoring unknown successor",
			zap.String("step_id", m.current.ID()),
			zap.String("successor", id),
		)
	}
	return candidates
}

// AdvanceToNextStep moves to the next step and returns it, or nil when the
// workflow is complete.
//
// With several candidates, pending instructions are scanned from the most
// recent to the oldest for a suggested next step among the candidates. If
// none matches, the first candidate in graph order is chosen. Pending
// instructions are consumed by every advance.
func (m *StepManager) AdvanceToNextStep() Step {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.complete || m.current == nil {
		m.markCompleteLocked("no current step")
		return nil
	}

	from := m.current.ID()
	candidates := m.candidatesLocked()
	defer func() { m.pending = nil }()

	switch len(candidates) {
	case 0:
		m.markCompleteLocked(fmt.Sprintf("step %s has no successors", from))
		return nil
	case 1:
		m.current = candidates[0]
		return m.current
	}

	for i := len(m.pending) - 1; i >= 0; i-- {
		inst := m.pending[i]
		if !inst.CanRoute() {
			continue
		}
		for _, c := range candidates {
			if c.ID() == inst.SuggestedNextStepID {
				m.logger.Debug("advancing by instruction",
					zap.String("from", from),
					zap.String("to", c.ID()),
					zap.Float64("confidence", inst.Confidence),
				)
				m.current = c
				return c
			}
		}
	}

	m.logger.Info("no instruction matched a successor, falling back to first candidate",
		zap.String("from", from),
		zap.String("to", candidates[0].ID()),
		zap.Int("candidates", len(candidates)),
	)
	m.current = candidates[0]
	return m.current
}

// =============================================================================
// 📝 指令队列
// =============================================================================

// AddInstruction records an instruction in the history and the pending queue.
func (m *StepManager) AddInstruction(inst *StepInstruction) {
	if inst == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instructions = append(m.instructions, inst)
	m.pending = append(m.pending, inst)
}

// RemoveInstruction removes an instruction from the history and the pending
// queue. It reports whether anything was removed.
func (m *StepManager) RemoveInstruction(inst *StepInstruction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed bool
	m.instructions, removed = removeInstruction(m.instructions, inst)
	var removedPending bool
	m.pending, removedPending = removeInstruction(m.pending, inst)
	return removed || removedPending
}

// RemoveInstructionToExecute drops an instruction from the pending queue
// only; the history keeps it.
func (m *StepManager) RemoveInstructionToExecute(inst *StepInstruction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed bool
	m.pending, removed = removeInstruction(m.pending, inst)
	return removed
}

func removeInstruction(list []*StepInstruction, inst *StepInstruction) ([]*StepInstruction, bool) {
	for i, existing := range list {
		if existing == inst {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// Instructions returns the instruction history.
func (m *StepManager) Instructions() []*StepInstruction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*StepInstruction(nil), m.instructions...)
}

// PendingInstructions returns instructions not yet consumed by an advance.
func (m *StepManager) PendingInstructions() []*StepInstruction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*StepInstruction(nil), m.pending...)
}

// =============================================================================
// 🔄 步骤管理
// =============================================================================

// Reset returns to the first step and clears instructions and completion.
func (m *StepManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *StepManager) resetLocked() {
	m.instructions = nil
	m.pending = nil
	m.complete = false
	m.current = nil
	if len(m.steps) == 0 {
		m.markCompleteLocked("no steps configured")
		return
	}
	m.current = m.steps[0]
}

// AddStep appends a step, typically one produced by a planner.
func (m *StepManager) AddStep(step Step) error {
	if step == nil {
		return types.NewError(types.ErrInvalidRecipe, "cannot add nil step")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byID[step.ID()]; dup {
		return types.NewError(types.ErrInvalidRecipe, fmt.Sprintf("duplicate step id: %s", step.ID()))
	}
	m.steps = append(m.steps, step)
	m.byID[step.ID()] = step
	return nil
}

// LinkSteps adds edges from one step to the given successors.
func (m *StepManager) LinkSteps(from string, to ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range to {
		m.graph.AddEdge(from, t)
	}
}

// SpliceAfter inserts steps as a chain between from and its current
// successors: from → steps[0] → ... → steps[n-1] → old successors.
func (m *StepManager) SpliceAfter(from string, steps []Step) error {
	if len(steps) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s == nil {
			return types.NewError(types.ErrInvalidRecipe, "cannot splice nil step")
		}
		if _, dup := m.byID[s.ID()]; dup || seen[s.ID()] {
			return types.NewError(types.ErrInvalidRecipe, fmt.Sprintf("duplicate step id: %s", s.ID()))
		}
		seen[s.ID()] = true
	}
	for _, s := range steps {
		m.steps = append(m.steps, s)
		m.byID[s.ID()] = s
	}

	old := m.graph.Successors(from)
	m.graph[from] = []string{steps[0].ID()}
	for i := 0; i < len(steps)-1; i++ {
		m.graph[steps[i].ID()] = []string{steps[i+1].ID()}
	}
	m.graph[steps[len(steps)-1].ID()] = old
	return nil
}

// Step looks up a step by ID.
func (m *StepManager) Step(id string) (Step, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// Steps returns the manager's step list.
func (m *StepManager) Steps() []Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Step(nil), m.steps...)
}

// Successors returns the successor IDs of a step as currently configured.
func (m *StepManager) Successors(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.graph.Successors(id)
}
