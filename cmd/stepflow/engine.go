package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/agent/persistence"
	"github.com/BaSui01/stepflow/callexec"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/database"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/internal/server"
	"github.com/BaSui01/stepflow/internal/telemetry"
	"github.com/BaSui01/stepflow/workflow"
)

const instrumentationName = "github.com/BaSui01/stepflow/cmd/stepflow"

// engine holds everything a run needs besides the recipe.
type engine struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      persistence.RunStore
	pool       *database.PoolManager
	registry   *prometheus.Registry
	collector  *metrics.Collector
	metricsSrv *server.MetricsServer
	providers  *telemetry.Providers
	tracer     trace.Tracer
}

// newEngine opens the run store, metrics and telemetry described by cfg.
func newEngine(cfg *config.Config, logger *zap.Logger) (*engine, error) {
	e := &engine{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	e.providers = providers
	e.tracer = providers.Tracer(instrumentationName)

	if cfg.Metrics.Enabled {
		e.registry = prometheus.NewRegistry()
		e.collector = metrics.NewCollectorWithRegisterer(e.registry, cfg.Metrics.Namespace, logger)
	}

	store, pool, err := openRunStore(cfg, logger)
	if err != nil {
		e.close(context.Background())
		return nil, err
	}
	e.store = store
	e.pool = pool

	return e, nil
}

// startMetricsServer exposes the collector when a listen address is set.
func (e *engine) startMetricsServer() error {
	if e.registry == nil || e.cfg.Metrics.ListenAddr == "" {
		return nil
	}
	var opts []server.Option
	if p, ok := e.store.(persistence.Pinger); ok {
		opts = append(opts, server.WithReadyCheck("run_store", p.Ping))
	}
	e.metricsSrv = server.New(e.cfg.Metrics.ListenAddr, e.registry, e.logger, opts...)
	return e.metricsSrv.Start()
}

// options returns the agent options for a run.
func (e *engine) options() []agent.Option {
	opts := agent.OptionsFromConfig(e.cfg.Engine)
	opts = append(opts,
		agent.WithLogger(e.logger),
		agent.WithRunStore(e.store),
		agent.WithTracer(e.tracer),
	)
	if e.collector != nil {
		opts = append(opts, agent.WithMetrics(e.collector))
	}
	return opts
}

// modelExecutor wraps the backend with routing, circuit breaking and tracing.
func (e *engine) modelExecutor(backend workflow.ModelCallExecutor, human callexec.HumanInputHandler) workflow.ModelCallExecutor {
	var exec workflow.ModelCallExecutor = callexec.NewRoutingModelExecutor(backend, human, e.logger)
	if e.cfg.CircuitBreaker.Enabled {
		var handler callexec.CircuitBreakerEventHandler
		if e.collector != nil {
			handler = e.collector
		}
		exec = callexec.NewBreakerModelExecutor(exec, e.cfg.CircuitBreaker.Breaker(), handler, e.logger)
	}
	return callexec.NewTracingModelExecutor(exec, e.tracer)
}

// toolExecutor wraps the registry with rate limiting, retries and tracing.
func (e *engine) toolExecutor(registry callexec.ToolRegistry) workflow.ToolCallExecutor {
	var exec workflow.ToolCallExecutor = callexec.NewRegistryToolExecutor(registry, e.logger)
	if e.cfg.ToolRateLimit.Enabled {
		exec = callexec.NewRateLimitedToolExecutor(exec, e.cfg.ToolRateLimit.RateLimit(), e.logger)
	}
	if e.cfg.Engine.MaxToolCallRetries > 0 {
		exec = callexec.NewRetryingToolExecutor(exec, e.cfg.ToolRetry(), e.logger)
	}
	return callexec.NewTracingToolExecutor(exec, e.tracer)
}

// recordPoolStats publishes connection pool gauges for the SQL store.
func (e *engine) recordPoolStats() {
	if e.pool == nil || e.collector == nil {
		return
	}
	e.collector.RecordDBConnections(e.pool.GetStats())
}

func (e *engine) close(ctx context.Context) {
	if e.metricsSrv != nil {
		if err := e.metricsSrv.Shutdown(ctx); err != nil {
			e.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("run store close failed", zap.Error(err))
		}
	}
	if e.providers != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := e.providers.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}

// =============================================================================
// 🗄️ 运行存储
// =============================================================================

// storeConfig maps the application configuration onto the run store
// configuration.
func storeConfig(cfg *config.Config) persistence.StoreConfig {
	sc := persistence.DefaultStoreConfig()
	sc.Type = persistence.StoreType(cfg.Store.Type)
	if cfg.Store.BaseDir != "" {
		sc.BaseDir = cfg.Store.BaseDir
	}
	sc.Cleanup = persistence.CleanupConfig{
		Enabled:      cfg.Store.CleanupEnabled,
		Interval:     cfg.Store.CleanupInterval,
		RunRetention: cfg.Store.RunRetention,
	}
	sc.Redis = persistence.RedisStoreConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Redis.TTL,
	}
	sc.SQL = persistence.SQLStoreConfig{
		Driver:      cfg.Database.Driver,
		DSN:         cfg.Database.DSN(),
		AutoMigrate: cfg.Database.AutoMigrate,
	}
	sc.Mongo = persistence.MongoStoreConfig{
		URI:        cfg.Mongo.URI,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
		Timeout:    cfg.Mongo.Timeout,
	}
	return sc
}

// openRunStore opens the configured store. The SQL store gets a pool sized
// from the database section; the pool is returned for stats.
func openRunStore(cfg *config.Config, logger *zap.Logger) (persistence.RunStore, *database.PoolManager, error) {
	sc := storeConfig(cfg)
	if sc.Type != persistence.StoreTypeSQL {
		store, err := persistence.NewRunStore(sc, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s run store: %w", sc.Type, err)
		}
		return store, nil, nil
	}

	pool, err := database.Open(cfg.Database.Database(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlStore, err := persistence.NewSQLRunStoreWithPool(pool, cfg.Database.AutoMigrate, logger)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	var store persistence.RunStore = sqlStore
	if sc.Cleanup.Enabled && sc.Cleanup.Interval > 0 {
		store = persistence.WithBackgroundCleanup(store, sc.Cleanup)
	}
	logger.Info("sql run store opened", zap.String("driver", cfg.Database.Driver))
	return store, pool, nil
}
