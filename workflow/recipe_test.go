package workflow

import (
	"path/filepath"
	"testing"

	"github.com/BaSui01/stepflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecipeBuilder_Build(t *testing.T) {
	recipe, err := NewRecipeBuilder("support").
		WithName("Support triage").
		WithSystemPrompt("Be brief.").
		WithRequiredTools("crm").
		AddStepDefinition(StepDefinition{ID: "triage", Type: StepTypeBranch, Options: []string{"refund", "escalate"}, RequiredTools: []string{"tickets"}}).
		AddStepDefinition(StepDefinition{ID: "refund", RequiredTools: []string{"payments", "crm"}}).
		AddStepDefinition(StepDefinition{ID: "escalate"}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "support", recipe.ID())
	assert.Equal(t, "Support triage", recipe.Name())
	assert.Len(t, recipe.Steps(), 3)
	assert.Equal(t, []string{"crm", "payments", "tickets"}, recipe.RequiredTools())
	// Branch options become edges.
	assert.Equal(t, []string{"refund", "escalate"}, recipe.StepGraph().Successors("triage"))

	s, ok := recipe.Step("refund")
	require.True(t, ok)
	assert.Equal(t, "refund", s.ID())
	_, ok = recipe.Step("ghost")
	assert.False(t, ok)
}

func TestRecipeBuilder_Validation(t *testing.T) {
	tests := []struct {
		name    string
		builder *RecipeBuilder
	}{
		{"missing id", NewRecipeBuilder("").AddStepDefinition(StepDefinition{ID: "a"})},
		{"no steps", NewRecipeBuilder("r")},
		{"duplicate", NewRecipeBuilder("r").AddStepDefinition(StepDefinition{ID: "a"}).AddStepDefinition(StepDefinition{ID: "a"})},
		{"nil step", NewRecipeBuilder("r").AddStep(nil)},
		{"bad definition", NewRecipeBuilder("r").AddStepDefinition(StepDefinition{ID: "a", Type: "nope"})},
		{"unknown edge", NewRecipeBuilder("r").AddStepDefinition(StepDefinition{ID: "a"}).AddEdge("a", "ghost")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
		})
	}
}

func TestRecipeBuilder_LenientWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	recipe, err := NewRecipeBuilder("r").
		WithLogger(zap.New(core)).
		Lenient().
		AddStepDefinition(StepDefinition{ID: "a"}).
		AddStepDefinition(StepDefinition{ID: "orphan"}).
		AddEdge("a", "ghost").
		Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, recipe.StepGraph().Successors("a"))

	assert.Equal(t, 1, logs.FilterMessage("graph references unknown steps").Len())
	assert.Equal(t, 1, logs.FilterMessage("step not reachable from first step").Len())

	m := NewStepManager(recipe, nil)
	assert.Nil(t, m.AdvanceToNextStep())
	assert.True(t, m.IsWorkflowComplete())
}

func TestRecipeBuilder_InvalidRecipeCode(t *testing.T) {
	_, err := NewRecipeBuilder("r").Build()
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRecipe))
}

func TestAgentRecipe_ReturnsCopies(t *testing.T) {
	recipe, err := NewRecipeBuilder("r").
		AddStepDefinition(StepDefinition{ID: "a"}).
		AddStepDefinition(StepDefinition{ID: "b"}).
		AddEdge("a", "b").
		Build()
	require.NoError(t, err)

	g := recipe.StepGraph()
	g["a"] = nil
	assert.Equal(t, []string{"b"}, recipe.StepGraph().Successors("a"))

	steps := recipe.Steps()
	steps[0] = nil
	assert.NotNil(t, recipe.Steps()[0])
}

const recipeYAML = `
id: research
name: Research assistant
system_prompt: You research carefully.
model:
  model: m-large
  temperature: 0.3
steps:
  - id: plan
    type: planner
    prompt: Plan research on {{.topic}}
    variables:
      topic: tides
  - id: search
    required_tools: [web_search]
    max_model_calls: 4
  - id: report
    type: summarize
graph:
  plan: [search]
  search: [report]
`

func TestRecipeDefinition_YAMLRoundTrip(t *testing.T) {
	def, err := RecipeFromYAML(recipeYAML)
	require.NoError(t, err)
	assert.Equal(t, "research", def.ID)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, 4, def.Steps[1].MaxModelCalls)

	recipe, err := def.Build(nil)
	require.NoError(t, err)
	assert.Equal(t, "You research carefully.", recipe.SystemPrompt())
	assert.Equal(t, "m-large", recipe.Model().Model)
	assert.Equal(t, []string{"web_search"}, recipe.RequiredTools())

	plan, _ := recipe.Step("plan")
	assert.Contains(t, plan.InitialModelCall().Request.Messages[0].Content, "tides")
	search, _ := recipe.Step("search")
	assert.Equal(t, 4, search.(ModelCallLimiter).MaxModelCalls())

	back := recipe.ToDefinition()
	assert.Equal(t, def.Graph, back.Graph)
	require.Len(t, back.Steps, 3)
	assert.Equal(t, "Plan research on {{.topic}}", back.Steps[0].Prompt)

	yamlStr, err := back.ToYAML()
	require.NoError(t, err)
	again, err := RecipeFromYAML(yamlStr)
	require.NoError(t, err)
	assert.Equal(t, back.Steps, again.Steps)
}

func TestRecipeDefinition_JSONFiles(t *testing.T) {
	def, err := RecipeFromYAML(recipeYAML)
	require.NoError(t, err)

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "recipe.json")
	yamlPath := filepath.Join(dir, "recipe.yaml")
	require.NoError(t, def.SaveToJSONFile(jsonPath))
	require.NoError(t, def.SaveToYAMLFile(yamlPath))

	fromJSON, err := LoadRecipeFile(jsonPath)
	require.NoError(t, err)
	fromYAML, err := LoadRecipeFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, fromJSON.ID, fromYAML.ID)
	assert.Equal(t, fromJSON.Graph, fromYAML.Graph)
	assert.Len(t, fromJSON.Steps, 3)

	_, err = LoadRecipeFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRecipeDefinition(t *testing.T) {
	tests := []struct {
		name    string
		def     *RecipeDefinition
		wantErr bool
	}{
		{"nil", nil, true},
		{"no id", &RecipeDefinition{Steps: []StepDefinition{{ID: "a"}}}, true},
		{"no steps", &RecipeDefinition{ID: "r"}, true},
		{"step without id", &RecipeDefinition{ID: "r", Steps: []StepDefinition{{}}}, true},
		{"duplicate step", &RecipeDefinition{ID: "r", Steps: []StepDefinition{{ID: "a"}, {ID: "a"}}}, true},
		{"unknown type", &RecipeDefinition{ID: "r", Steps: []StepDefinition{{ID: "a", Type: "x"}}}, true},
		{"unknown edge", &RecipeDefinition{ID: "r", Steps: []StepDefinition{{ID: "a"}}, Graph: map[string][]string{"a": {"b"}}}, true},
		{"lenient unknown edge", &RecipeDefinition{ID: "r", Lenient: true, Steps: []StepDefinition{{ID: "a"}}, Graph: map[string][]string{"a": {"b"}}}, false},
		{"valid", &RecipeDefinition{ID: "r", Steps: []StepDefinition{{ID: "a"}, {ID: "b"}}, Graph: map[string][]string{"a": {"b"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecipeDefinition(tt.def)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecipeFromJSON_Invalid(t *testing.T) {
	_, err := RecipeFromJSON(`{"id": "r", "steps": []}`)
	require.Error(t, err)
	_, err = RecipeFromJSON(`{`)
	require.Error(t, err)
}

func TestStepGraph(t *testing.T) {
	g := StepGraph{"a": {"b"}, "b": {"c"}}
	g.AddEdge("a", "b")
	assert.Equal(t, []string{"b"}, g["a"])
	assert.True(t, g.IsTerminal("c"))
	assert.False(t, g.HasCycle())
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, g.Reachable("a"))
	assert.Equal(t, []string{"c"}, g.UnknownIDs(map[string]bool{"a": true, "b": true}))

	g.AddEdge("c", "a")
	assert.True(t, g.HasCycle())
}
