// =============================================================================
// StepFlow 主入口
// =============================================================================
// 菜谱校验、试运行、运行记录查询与数据库迁移
//
// 使用方法:
//
//	stepflow validate recipe.yaml                    # 校验菜谱并打印步骤图
//	stepflow dryrun recipe.yaml --config config.yaml # 用试运行执行器执行菜谱
//	stepflow runs list --status failed               # 查看运行记录
//	stepflow migrate up                              # 运行数据库迁移
//	stepflow version                                 # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/stepflow/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "validate":
		err = runValidate(args[1:], stdout)
	case "dryrun":
		err = runDryRun(ctx, args[1:], stdout)
	case "runs":
		err = runRuns(ctx, args[1:], stdout)
	case "migrate":
		err = runMigrate(ctx, args[1:], stdout)
	case "version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "StepFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `StepFlow - step/agent orchestration engine

Usage:
  stepflow <command> [options]

Commands:
  validate <recipe>   Load and validate a recipe, print its step graph
  dryrun <recipe>     Execute a recipe with the dry-run model executor
  runs                Inspect the configured run store (list|show|delete|purge)
  migrate             Database migration commands for the SQL run store
  version             Show version information
  help                Show this help message

Common options:
  --config <path>     Path to configuration file (YAML)

Options for 'dryrun':
  --choose <step=option>  Branch option to take (repeatable)
  --answer <text>         Answer given to user_input steps
  --output text|json      Result format (default: text)
  --hold                  Keep the metrics endpoint up until interrupted

Examples:
  stepflow validate recipes/support.yaml
  stepflow dryrun recipes/support.yaml --choose triage=refund
  stepflow runs list --recipe support --limit 20
  stepflow runs show 0b8f...
  stepflow migrate up --config /etc/stepflow/config.yaml
  stepflow version`)
}

// =============================================================================
// 🔧 配置与日志初始化
// =============================================================================

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
