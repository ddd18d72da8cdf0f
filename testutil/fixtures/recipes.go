// =============================================================================
// 📦 测试数据工厂 - 配方
// =============================================================================
// 提供预定义的配方定义，用于测试
// =============================================================================
package fixtures

import (
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 🧭 RecipeDefinition 工厂
// =============================================================================

// ModelStepDefinition 返回一个普通模型步骤定义
func ModelStepDefinition(id string) workflow.StepDefinition {
	return workflow.StepDefinition{
		ID:     id,
		Type:   workflow.StepTypeModel,
		Prompt: "Complete step " + id,
	}
}

// LinearRecipeDefinition 返回按顺序串联的配方 ids[0] → ids[1] → ...
func LinearRecipeDefinition(id string, ids ...string) *workflow.RecipeDefinition {
	def := &workflow.RecipeDefinition{
		ID:           id,
		Name:         id,
		SystemPrompt: "You are a test agent.",
		Graph:        make(map[string][]string, len(ids)),
	}
	for i, stepID := range ids {
		def.Steps = append(def.Steps, ModelStepDefinition(stepID))
		if i+1 < len(ids) {
			def.Graph[stepID] = []string{ids[i+1]}
		}
	}
	return def
}

// BranchRecipeDefinition 返回 route → {left, right} 的分支配方
func BranchRecipeDefinition() *workflow.RecipeDefinition {
	return &workflow.RecipeDefinition{
		ID:   "branch-recipe",
		Name: "branch",
		Steps: []workflow.StepDefinition{
			{ID: "route", Type: workflow.StepTypeBranch, Prompt: "Pick a side", Options: []string{"left", "right"}},
			ModelStepDefinition("left"),
			ModelStepDefinition("right"),
		},
		Graph: map[string][]string{"route": {"left", "right"}},
	}
}

// PlannerRecipeDefinition 返回 plan → finish 的规划配方
func PlannerRecipeDefinition() *workflow.RecipeDefinition {
	return &workflow.RecipeDefinition{
		ID:   "planner-recipe",
		Name: "planner",
		Steps: []workflow.StepDefinition{
			{ID: "plan", Type: workflow.StepTypePlanner, Prompt: "Plan the work"},
			ModelStepDefinition("finish"),
		},
		Graph: map[string][]string{"plan": {"finish"}},
	}
}

// MustBuild 构建配方，失败时 panic
func MustBuild(def *workflow.RecipeDefinition) *workflow.AgentRecipe {
	recipe, err := def.Build(nil)
	if err != nil {
		panic(err)
	}
	return recipe
}
