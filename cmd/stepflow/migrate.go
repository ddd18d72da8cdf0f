package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

const migrateUsage = `Database Migration Commands

Usage:
  stepflow migrate <subcommand> [args] [options]

Subcommands:
  up            Apply all pending migrations
  down          Rollback the last migration
  down-all      Rollback all migrations
  steps <n>     Apply (n > 0) or roll back (n < 0) n migrations;
                write "steps -- -1" for negative n
  goto <v>      Migrate to a specific version
  force <v>     Force set migration version (use with caution)
  status        Show migration status
  version       Show current migration version
  info          Show migration summary

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`

// runMigrate handles the migrate command and its subcommands
func runMigrate(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprintln(stdout, migrateUsage)
		if len(args) < 1 {
			return errors.New("migrate requires a subcommand")
		}
		return nil
	}
	sub := args[0]

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	positional, err := splitPositional(fs, args[1:])
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	migrator, err := createMigrator(cfg, *dbType, *dbURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(stdout)
	return cli.Run(ctx, sub, positional)
}

// splitPositional parses flags and returns the non-flag arguments, which
// may precede the flags (for example "goto 2 --config x.yaml").
func splitPositional(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

// createMigrator uses --db-type/--db-url when both are given and the
// database section of the configuration otherwise.
func createMigrator(cfg *config.Config, dbType, dbURL string, logger *zap.Logger) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}
	if dbURL != "" {
		return nil, errors.New("--db-url requires --db-type")
	}

	params := migrationParams(cfg.Database)
	if dbType != "" {
		params.Driver = dbType
	}
	return migration.NewMigratorFromParams(params, logger)
}

func migrationParams(db config.DatabaseConfig) migration.ConnectionParams {
	return migration.ConnectionParams{
		Driver:   strings.ToLower(db.Driver),
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		Name:     db.Name,
		SSLMode:  db.SSLMode,
	}
}
