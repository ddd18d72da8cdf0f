package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RecipeDefinition is the serializable form of an AgentRecipe.
type RecipeDefinition struct {
	ID            string              `json:"id" yaml:"id"`
	Name          string              `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string              `json:"description,omitempty" yaml:"description,omitempty"`
	SystemPrompt  string              `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Model         ModelConfig         `json:"model,omitempty" yaml:"model,omitempty"`
	RequiredTools []string            `json:"required_tools,omitempty" yaml:"required_tools,omitempty"`
	Lenient       bool                `json:"lenient,omitempty" yaml:"lenient,omitempty"`
	Steps         []StepDefinition    `json:"steps" yaml:"steps"`
	Graph         map[string][]string `json:"graph,omitempty" yaml:"graph,omitempty"`
}

// ToJSON converts the definition to an indented JSON string
func (d *RecipeDefinition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML converts the definition to a YAML string
func (d *RecipeDefinition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

// RecipeFromJSON parses and validates a recipe definition.
func RecipeFromJSON(jsonStr string) (*RecipeDefinition, error) {
	var def RecipeDefinition
	if err := json.Unmarshal([]byte(jsonStr), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from JSON: %w", err)
	}
	if err := ValidateRecipeDefinition(&def); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &def, nil
}

// RecipeFromYAML parses and validates a recipe definition.
func RecipeFromYAML(yamlStr string) (*RecipeDefinition, error) {
	var def RecipeDefinition
	if err := yaml.Unmarshal([]byte(yamlStr), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from YAML: %w", err)
	}
	if err := ValidateRecipeDefinition(&def); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &def, nil
}

// LoadRecipeFile loads a definition, choosing the format by extension.
// .json is JSON; everything else is read as YAML.
func LoadRecipeFile(filename string) (*RecipeDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if strings.HasSuffix(strings.ToLower(filename), ".json") {
		return RecipeFromJSON(string(data))
	}
	return RecipeFromYAML(string(data))
}

// SaveToJSONFile writes the definition as JSON
func (d *RecipeDefinition) SaveToJSONFile(filename string) error {
	s, err := d.ToJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, []byte(s), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// SaveToYAMLFile writes the definition as YAML
func (d *RecipeDefinition) SaveToYAMLFile(filename string) error {
	s, err := d.ToYAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, []byte(s), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// ValidateRecipeDefinition checks structure only: ids, types and graph
// references. Step-specific checks happen when the recipe is built.
func ValidateRecipeDefinition(def *RecipeDefinition) error {
	if def == nil {
		return fmt.Errorf("recipe definition is nil")
	}
	if def.ID == "" {
		return fmt.Errorf("recipe id is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("recipe %s has no steps", def.ID)
	}

	known := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if known[s.ID] {
			return fmt.Errorf("duplicate step id: %s", s.ID)
		}
		known[s.ID] = true
		if s.Type != "" && !isKnownStepType(s.Type) {
			return fmt.Errorf("step %s has unknown type %q", s.ID, s.Type)
		}
	}

	if def.Lenient {
		return nil
	}
	if unknown := StepGraph(def.Graph).UnknownIDs(known); len(unknown) > 0 {
		return fmt.Errorf("graph references unknown steps: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func isKnownStepType(t StepType) bool {
	switch t {
	case StepTypeModel, StepTypeBranch, StepTypePlanner, StepTypeSummarize,
		StepTypeUserInput, StepTypeEvaluation, StepTypeSetEntity:
		return true
	}
	return false
}

// Build constructs the recipe through a RecipeBuilder.
func (d *RecipeDefinition) Build(logger *zap.Logger) (*AgentRecipe, error) {
	b := NewRecipeBuilder(d.ID).
		WithLogger(logger).
		WithDescription(d.Description).
		WithSystemPrompt(d.SystemPrompt).
		WithModel(d.Model).
		WithRequiredTools(d.RequiredTools...)
	if d.Name != "" {
		b.WithName(d.Name)
	}
	if d.Lenient {
		b.Lenient()
	}
	for _, s := range d.Steps {
		b.AddStepDefinition(s)
	}
	for _, s := range d.Steps {
		if next, ok := d.Graph[s.ID]; ok {
			b.AddEdge(s.ID, next...)
		}
	}
	// Edges from ids that are not steps, kept for lenient recipes.
	for from, next := range d.Graph {
		if _, ok := findStepDefinition(d.Steps, from); !ok {
			b.AddEdge(from, next...)
		}
	}
	return b.Build()
}

func findStepDefinition(defs []StepDefinition, id string) (StepDefinition, bool) {
	for _, d := range defs {
		if d.ID == id {
			return d, true
		}
	}
	return StepDefinition{}, false
}

// ToDefinition converts the recipe back to its serializable form. Steps that
// do not implement Definer are exported with their id, type and description.
func (r *AgentRecipe) ToDefinition() *RecipeDefinition {
	def := &RecipeDefinition{
		ID:            r.id,
		Name:          r.name,
		Description:   r.description,
		SystemPrompt:  r.systemPrompt,
		Model:         r.model,
		RequiredTools: r.RequiredTools(),
		Steps:         make([]StepDefinition, 0, len(r.steps)),
		Graph:         make(map[string][]string, len(r.stepGraph)),
	}
	for _, s := range r.steps {
		if d, ok := s.(Definer); ok {
			def.Steps = append(def.Steps, d.Definition())
			continue
		}
		def.Steps = append(def.Steps, StepDefinition{
			ID:            s.ID(),
			Type:          s.Type(),
			Description:   s.Description(),
			RequiredTools: s.RequiredTools(),
		})
	}
	for from, to := range r.stepGraph {
		if len(to) == 0 {
			continue
		}
		def.Graph[from] = append([]string(nil), to...)
	}
	return def
}
