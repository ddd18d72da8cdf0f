package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/agent/persistence"
)

// =============================================================================
// 📜 runs 命令
// =============================================================================

func runRuns(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return errors.New("runs requires a subcommand: list, show, delete or purge")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("runs "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to config file")

	var (
		recipeID  *string
		status    *string
		limit     *int
		olderThan *time.Duration
	)
	switch sub {
	case "list":
		recipeID = fs.String("recipe", "", "Only runs of this recipe")
		status = fs.String("status", "", "Only runs with this status")
		limit = fs.Int("limit", 20, "Maximum number of runs")
	case "purge":
		olderThan = fs.Duration("older-than", 7*24*time.Hour, "Delete finished runs not updated for this long")
	case "show", "delete":
	default:
		return fmt.Errorf("unknown runs subcommand %q", sub)
	}

	if err := fs.Parse(rest); err != nil {
		return err
	}
	var runID string
	if sub == "show" || sub == "delete" {
		if fs.NArg() < 1 {
			return fmt.Errorf("runs %s requires a run id", sub)
		}
		runID = fs.Arg(0)
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	store, _, err := openRunStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	switch sub {
	case "list":
		runs, err := store.ListRuns(ctx, agent.RunFilter{
			RecipeID: *recipeID,
			Status:   agent.RunStatus(*status),
			Limit:    *limit,
		})
		if err != nil {
			return err
		}
		return printRuns(stdout, runs)
	case "show":
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return describeStoreError(runID, err)
		}
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
		return nil
	case "delete":
		if err := store.DeleteRun(ctx, runID); err != nil {
			return describeStoreError(runID, err)
		}
		fmt.Fprintf(stdout, "Run %s deleted\n", runID)
		return nil
	default:
		n, err := store.Cleanup(ctx, time.Now().Add(-*olderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d finished run(s) purged\n", n)
		return nil
	}
}

func describeStoreError(runID string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("run %s not found", runID)
	}
	return err
}

func printRuns(w io.Writer, runs []*agent.AgentResult) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tRECIPE\tSTATUS\tSTEPS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.RunID, r.RecipeID, r.Status, len(r.Executions),
			r.StartedAt.UTC().Format(time.RFC3339), r.Duration().Round(time.Millisecond))
	}
	return tw.Flush()
}
