// =============================================================================
// 📦 StepFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/stepflow/workflow"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:         DefaultEngineConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
		Metrics:        DefaultMetricsConfig(),
		Store:          DefaultStoreConfig(),
		Redis:          DefaultRedisConfig(),
		Database:       DefaultDatabaseConfig(),
		Mongo:          DefaultMongoConfig(),
		ToolRateLimit:  DefaultToolRateLimitConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Retry:          DefaultRetryConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxModelCallsPerStep:   workflow.DefaultMaxModelCallsPerStep,
		MaxToolCallRetries:     2,
		SequentialToolCalls:    false,
		MaxConcurrentToolCalls: 0,
		ZeroToolRoundPolicy:    string(workflow.ZeroToolRoundFail),
		MaxStepExecutions:      50,
		AllowRepeatedSteps:     true,
		ContinueOnStepFailure:  false,
		StepTimeout:            0,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "stepflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "stepflow",
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:            "memory",
		BaseDir:         "./data",
		CleanupEnabled:  false,
		CleanupInterval: time.Hour,
		RunRetention:    7 * 24 * time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "stepflow:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "stepflow",
		Password:        "",
		Name:            "stepflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		LogLevel:        "silent",
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "stepflow",
		Collection: "agent_runs",
		Timeout:    5 * time.Second,
	}
}

// DefaultToolRateLimitConfig 返回默认工具限流配置
func DefaultToolRateLimitConfig() ToolRateLimitConfig {
	return ToolRateLimitConfig{
		Enabled:           false,
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// DefaultCircuitBreakerConfig 返回默认熔断配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:                    false,
		FailureThreshold:           5,
		RecoveryTimeout:            30 * time.Second,
		HalfOpenMaxProbes:          3,
		SuccessThresholdInHalfOpen: 2,
	}
}

// DefaultRetryConfig 返回默认重试退避配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}
