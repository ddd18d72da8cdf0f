package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/callexec"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("validate requires exactly one recipe file")
	}

	recipe, err := loadRecipe(fs.Arg(0), zap.NewNop())
	if err != nil {
		return err
	}

	printRecipe(stdout, recipe)
	return nil
}

func loadRecipe(path string, logger *zap.Logger) (*workflow.AgentRecipe, error) {
	def, err := workflow.LoadRecipeFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipe %s: %w", path, err)
	}
	recipe, err := def.Build(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build recipe %s: %w", path, err)
	}
	return recipe, nil
}

func printRecipe(w io.Writer, recipe *workflow.AgentRecipe) {
	fmt.Fprintf(w, "Recipe %s is valid\n", recipe.ID())
	if recipe.Name() != "" {
		fmt.Fprintf(w, "  Name: %s\n", recipe.Name())
	}
	if tools := recipe.RequiredTools(); len(tools) > 0 {
		fmt.Fprintf(w, "  Required tools: %s\n", strings.Join(tools, ", "))
	}
	fmt.Fprintln(w)

	graph := recipe.StepGraph()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tTYPE\tNEXT")
	for _, step := range recipe.Steps() {
		next := graph.Successors(step.ID())
		target := strings.Join(next, ", ")
		if len(next) == 0 {
			target = "(end)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", step.ID(), step.Type(), target)
	}
	tw.Flush()
}

// =============================================================================
// 🧪 dryrun 命令
// =============================================================================

// choiceFlags collects repeated --choose step=option flags.
type choiceFlags map[string]string

func (c choiceFlags) String() string {
	pairs := make([]string, 0, len(c))
	for k, v := range c {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (c choiceFlags) Set(value string) error {
	step, option, ok := strings.Cut(value, "=")
	if !ok || step == "" || option == "" {
		return fmt.Errorf("invalid choice %q, want step=option", value)
	}
	c[step] = option
	return nil
}

func runDryRun(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("dryrun", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to config file")
	answer := fs.String("answer", "yes", "Answer given to user_input steps")
	output := fs.String("output", "text", "Result format: text or json")
	hold := fs.Bool("hold", false, "Keep the metrics endpoint up until interrupted")
	choices := choiceFlags{}
	fs.Var(choices, "choose", "Branch option to take, step=option (repeatable)")

	recipePath, err := parseWithPositional(fs, args)
	if err != nil {
		return err
	}
	if *output != "text" && *output != "json" {
		return fmt.Errorf("unknown output format %q", *output)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	recipe, err := loadRecipe(recipePath, logger)
	if err != nil {
		return err
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close(context.Background())

	if err := eng.startMetricsServer(); err != nil {
		return err
	}

	human := callexec.HumanInputFunc(func(context.Context, string, string) (string, error) {
		return *answer, nil
	})
	models := eng.modelExecutor(callexec.NewDryRunModelExecutor(choices), human)
	tools := eng.toolExecutor(callexec.NewRegistry())

	executor, err := agent.NewAgentExecutor(recipe, models, tools, eng.options()...)
	if err != nil {
		return err
	}

	logger.Info("dry run started", zap.String("recipe_id", recipe.ID()))
	result, runErr := executor.Execute(ctx)
	eng.recordPoolStats()

	if result != nil {
		if err := writeResult(stdout, result, *output); err != nil {
			return err
		}
	}

	if *hold && eng.metricsSrv != nil {
		logger.Info("holding metrics endpoint", zap.String("addr", eng.metricsSrv.Addr()))
		eng.metricsSrv.Hold(ctx)
	}

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

// parseWithPositional parses flags that may appear before or after a single
// positional argument.
func parseWithPositional(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return "", fmt.Errorf("%s requires a recipe file", fs.Name())
	}
	positional := rest[0]
	if err := fs.Parse(rest[1:]); err != nil {
		return "", err
	}
	if fs.NArg() != 0 {
		return "", fmt.Errorf("%s: unexpected arguments %v", fs.Name(), fs.Args())
	}
	return positional, nil
}

func writeResult(w io.Writer, result *agent.AgentResult, format string) error {
	if format == "json" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintf(w, "Run %s (%s): %s\n", result.RunID, result.RecipeID, result.Status)
	if result.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", result.Error)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tTYPE\tSTATUS\tVERDICT\tDECIDED BY")
	for i, exec := range result.Executions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, exec.StepID, exec.StepType, exec.Status, exec.Verdict, exec.DecidedBy)
	}
	return tw.Flush()
}
