package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/stepflow/types"
	"go.uber.org/zap"
)

// ModelConfig is the recipe-level model configuration applied to every call
// that does not set the same parameter itself.
type ModelConfig struct {
	Model       string         `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Params flattens the configuration into call parameters.
func (m ModelConfig) Params() map[string]any {
	out := cloneParams(m.Parameters)
	if out == nil {
		out = make(map[string]any)
	}
	if m.Model != "" {
		out["model"] = m.Model
	}
	if m.Temperature != 0 {
		out["temperature"] = m.Temperature
	}
	if m.MaxTokens != 0 {
		out["max_tokens"] = m.MaxTokens
	}
	return out
}

// AgentRecipe is the immutable configuration of a workflow.
type AgentRecipe struct {
	id            string
	name          string
	description   string
	steps         []Step
	stepGraph     StepGraph
	requiredTools []string
	model         ModelConfig
	systemPrompt  string
}

func (r *AgentRecipe) ID() string           { return r.id }
func (r *AgentRecipe) Name() string         { return r.name }
func (r *AgentRecipe) Description() string  { return r.description }
func (r *AgentRecipe) SystemPrompt() string { return r.systemPrompt }
func (r *AgentRecipe) Model() ModelConfig   { return r.model }

// Steps returns the ordered step list.
func (r *AgentRecipe) Steps() []Step {
	return append([]Step(nil), r.steps...)
}

// StepGraph returns a copy of the graph.
func (r *AgentRecipe) StepGraph() StepGraph {
	return r.stepGraph.Clone()
}

// RequiredTools returns the union of recipe and step tool requirements.
func (r *AgentRecipe) RequiredTools() []string {
	return append([]string(nil), r.requiredTools...)
}

// Step looks up a step by ID.
func (r *AgentRecipe) Step(id string) (Step, bool) {
	for _, s := range r.steps {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// =============================================================================
// 🏗️ RecipeBuilder
// =============================================================================

// RecipeBuilder provides a fluent API for constructing recipes.
type RecipeBuilder struct {
	recipe  *AgentRecipe
	lenient bool
	errs    []error
	logger  *zap.Logger
}

// NewRecipeBuilder creates a builder for the recipe with the given ID.
func NewRecipeBuilder(id string) *RecipeBuilder {
	return &RecipeBuilder{
		recipe: &AgentRecipe{
			id:        id,
			name:      id,
			stepGraph: make(StepGraph),
		},
		logger: zap.NewNop(),
	}
}

// WithLogger sets a custom logger
func (b *RecipeBuilder) WithLogger(logger *zap.Logger) *RecipeBuilder {
	if logger != nil {
		b.logger = logger.With(zap.String("component", "recipe_builder"))
	}
	return b
}

func (b *RecipeBuilder) WithName(name string) *RecipeBuilder {
	b.recipe.name = name
	return b
}

func (b *RecipeBuilder) WithDescription(desc string) *RecipeBuilder {
	b.recipe.description = desc
	return b
}

func (b *RecipeBuilder) WithSystemPrompt(prompt string) *RecipeBuilder {
	b.recipe.systemPrompt = prompt
	return b
}

func (b *RecipeBuilder) WithModel(model ModelConfig) *RecipeBuilder {
	b.recipe.model = model
	return b
}

func (b *RecipeBuilder) WithRequiredTools(tools ...string) *RecipeBuilder {
	b.recipe.requiredTools = append(b.recipe.requiredTools, tools...)
	return b
}

// Lenient keeps graph references to unknown steps instead of rejecting them.
// The StepManager treats such references as workflow completion.
func (b *RecipeBuilder) Lenient() *RecipeBuilder {
	b.lenient = true
	return b
}

// AddStep appends a step.
func (b *RecipeBuilder) AddStep(step Step) *RecipeBuilder {
	b.recipe.steps = append(b.recipe.steps, step)
	return b
}

// AddStepDefinition builds a step through the factory and appends it.
func (b *RecipeBuilder) AddStepDefinition(def StepDefinition) *RecipeBuilder {
	step, err := NewStep(def)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	return b.AddStep(step)
}

// AddEdge adds edges from one step to each of the given successors.
func (b *RecipeBuilder) AddEdge(from string, to ...string) *RecipeBuilder {
	if _, ok := b.recipe.stepGraph[from]; !ok {
		b.recipe.stepGraph[from] = nil
	}
	for _, t := range to {
		b.recipe.stepGraph.AddEdge(from, t)
	}
	return b
}

// Build validates and returns the recipe.
func (b *RecipeBuilder) Build() (*AgentRecipe, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.validate(); err != nil {
		return nil, err
	}

	b.recipe.requiredTools = b.collectTools()

	b.logger.Info("recipe built",
		zap.String("recipe_id", b.recipe.id),
		zap.Int("steps", len(b.recipe.steps)),
		zap.Int("required_tools", len(b.recipe.requiredTools)),
	)
	return b.recipe, nil
}

func (b *RecipeBuilder) validate() error {
	r := b.recipe
	if r.id == "" {
		return types.NewError(types.ErrInvalidRecipe, "recipe id is required")
	}
	if len(r.steps) == 0 {
		return types.NewError(types.ErrInvalidRecipe, "recipe has no steps")
	}

	known := make(map[string]bool, len(r.steps))
	for _, s := range r.steps {
		if s == nil {
			return types.NewError(types.ErrInvalidRecipe, "recipe contains a nil step")
		}
		if known[s.ID()] {
			return types.NewError(types.ErrInvalidRecipe, fmt.Sprintf("duplicate step id: %s", s.ID()))
		}
		known[s.ID()] = true
	}

	// Branch options double as edges.
	for _, s := range r.steps {
		if br, ok := s.(*BranchStep); ok {
			for _, opt := range br.Options() {
				r.stepGraph.AddEdge(br.ID(), opt)
			}
		}
	}

	if unknown := r.stepGraph.UnknownIDs(known); len(unknown) > 0 {
		if !b.lenient {
			return types.NewError(types.ErrInvalidRecipe,
				fmt.Sprintf("graph references unknown steps: %s", strings.Join(unknown, ", ")))
		}
		b.logger.Warn("graph references unknown steps",
			zap.String("recipe_id", r.id),
			zap.Strings("unknown", unknown),
		)
	}

	reachable := r.stepGraph.Reachable(r.steps[0].ID())
	for _, s := range r.steps {
		if !reachable[s.ID()] {
			b.logger.Warn("step not reachable from first step",
				zap.String("recipe_id", r.id),
				zap.String("step_id", s.ID()),
			)
		}
	}
	return nil
}

func (b *RecipeBuilder) collectTools() []string {
	set := make(map[string]bool)
	for _, t := range b.recipe.requiredTools {
		set[t] = true
	}
	for _, s := range b.recipe.steps {
		for _, t := range s.RequiredTools() {
			set[t] = true
		}
	}
	tools := make([]string, 0, len(set))
	for t := range set {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	return tools
}
