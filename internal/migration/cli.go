package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
)

// CLI renders migrator operations for the stepflow migrate command.
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI creates a CLI writing to stdout.
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput redirects CLI output.
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// command is one migrate subcommand. takesArg commands receive one integer.
type command struct {
	takesArg bool
	run      func(c *CLI, ctx context.Context, n int) error
}

var commands = map[string]command{
	"up": {run: func(c *CLI, ctx context.Context, _ int) error {
		return c.change(ctx, "Running migrations...", "Migrations complete", c.migrator.Up)
	}},
	"down": {run: func(c *CLI, ctx context.Context, _ int) error {
		return c.change(ctx, "Rolling back last migration...", "Rollback complete", c.migrator.Down)
	}},
	"down-all": {run: func(c *CLI, ctx context.Context, _ int) error {
		return c.change(ctx, "Rolling back all migrations...", "Rollback complete", c.migrator.DownAll)
	}},
	"steps": {takesArg: true, run: func(c *CLI, ctx context.Context, n int) error {
		banner := fmt.Sprintf("Applying %d migration(s)...", n)
		if n < 0 {
			banner = fmt.Sprintf("Rolling back %d migration(s)...", -n)
		}
		return c.change(ctx, banner, "Complete", func(ctx context.Context) error {
			return c.migrator.Steps(ctx, n)
		})
	}},
	"goto": {takesArg: true, run: func(c *CLI, ctx context.Context, n int) error {
		if n < 0 {
			return fmt.Errorf("goto: version must not be negative")
		}
		return c.change(ctx, fmt.Sprintf("Migrating to version %d...", n), "Migration complete", func(ctx context.Context) error {
			return c.migrator.Goto(ctx, uint(n))
		})
	}},
	"force": {takesArg: true, run: func(c *CLI, ctx context.Context, n int) error {
		fmt.Fprintf(c.output, "Forcing version to %d...\n", n)
		if err := c.migrator.Force(ctx, n); err != nil {
			return fmt.Errorf("force failed: %w", err)
		}
		fmt.Fprintf(c.output, "Version forced to %d\n", n)
		return nil
	}},
	"version": {run: func(c *CLI, ctx context.Context, _ int) error { return c.printVersion(ctx) }},
	"status":  {run: func(c *CLI, ctx context.Context, _ int) error { return c.printStatus(ctx) }},
	"info":    {run: func(c *CLI, ctx context.Context, _ int) error { return c.printInfo(ctx) }},
}

// Commands returns the subcommand names accepted by Run, sorted.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes a subcommand; "" means up.
func (c *CLI) Run(ctx context.Context, name string, args []string) error {
	if name == "" {
		name = "up"
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown migrate command %q (want one of %v)", name, Commands())
	}

	n := 0
	if cmd.takesArg {
		if len(args) != 1 {
			return fmt.Errorf("%s requires exactly one integer argument", name)
		}
		var err error
		if n, err = strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("%s: invalid argument %q: %w", name, args[0], err)
		}
	} else if len(args) > 0 {
		return fmt.Errorf("%s takes no arguments", name)
	}
	return cmd.run(c, ctx, n)
}

// change runs a schema-changing operation and reports the resulting version.
func (c *CLI) change(ctx context.Context, banner, done string, op func(context.Context) error) error {
	fmt.Fprintln(c.output, banner)
	if err := op(ctx); err != nil {
		return fmt.Errorf("%s: %w", failureLabel(banner), err)
	}
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	fmt.Fprintf(c.output, "%s. Current version: %d%s\n", done, version, dirtySuffix(dirty))
	return nil
}

// failureLabel turns "Running migrations..." into "running migrations failed".
func failureLabel(banner string) string {
	for len(banner) > 0 && banner[len(banner)-1] == '.' {
		banner = banner[:len(banner)-1]
	}
	if banner != "" && banner[0] >= 'A' && banner[0] <= 'Z' {
		banner = string(banner[0]+'a'-'A') + banner[1:]
	}
	return banner + " failed"
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}

func (c *CLI) printVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if version == 0 && !dirty {
		fmt.Fprintln(c.output, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.output, "Current version: %d%s\n", version, dirtySuffix(dirty))
	return nil
}

func (c *CLI) printStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	applied := 0
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "Pending"
		switch {
		case s.Dirty:
			state = "Dirty"
		case s.Applied:
			state = "Applied"
		}
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n",
		len(statuses), applied, len(statuses)-applied)
	return nil
}

func (c *CLI) printInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintln(w, "Migration Information:")
	fmt.Fprintf(w, "  Current Version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "  Dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(w, "  Total Migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(w, "  Applied Migrations:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(w, "  Pending Migrations:\t%d\n", info.PendingMigrations)
	return w.Flush()
}
