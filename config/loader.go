// =============================================================================
// 📦 StepFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("stepflow.yaml").
//	    WithEnvPrefix("STEPFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/stepflow/callexec"
	"github.com/BaSui01/stepflow/internal/database"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 StepFlow 的完整配置结构
type Config struct {
	// Engine 执行引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Store 运行记录存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis 配置（store.type=redis 时使用）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（store.type=sql 与迁移时使用）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Mongo 配置（store.type=mongo 时使用）
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`

	// ToolRateLimit 工具调用限流
	ToolRateLimit ToolRateLimitConfig `yaml:"tool_rate_limit" env:"TOOL_RATE_LIMIT"`

	// CircuitBreaker 模型后端熔断
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`

	// Retry 工具调用重试退避
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
}

// EngineConfig 执行引擎配置
type EngineConfig struct {
	// 单步最大模型调用次数（步骤定义可覆盖）
	MaxModelCallsPerStep int `yaml:"max_model_calls_per_step" env:"MAX_MODEL_CALLS_PER_STEP"`
	// 工具调用失败后的最大重试次数
	MaxToolCallRetries int `yaml:"max_tool_call_retries" env:"MAX_TOOL_CALL_RETRIES"`
	// 按顺序执行工具调用
	SequentialToolCalls bool `yaml:"sequential_tool_calls" env:"SEQUENTIAL_TOOL_CALLS"`
	// 单轮并发工具调用上限，0 表示不限
	MaxConcurrentToolCalls int `yaml:"max_concurrent_tool_calls" env:"MAX_CONCURRENT_TOOL_CALLS"`
	// 无工具调用轮次的策略: fail, follow_up
	ZeroToolRoundPolicy string `yaml:"zero_tool_round_policy" env:"ZERO_TOOL_ROUND_POLICY"`
	// 单次运行最多执行的步骤数
	MaxStepExecutions int `yaml:"max_step_executions" env:"MAX_STEP_EXECUTIONS"`
	// 是否允许重复进入同一步骤
	AllowRepeatedSteps bool `yaml:"allow_repeated_steps" env:"ALLOW_REPEATED_STEPS"`
	// 步骤失败后是否继续
	ContinueOnStepFailure bool `yaml:"continue_on_step_failure" env:"CONTINUE_ON_STEP_FAILURE"`
	// 单步超时，0 表示不限
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
}

// ExecutorConfig 转换为步骤执行器配置
func (e EngineConfig) ExecutorConfig() workflow.ExecutorConfig {
	cfg := workflow.DefaultExecutorConfig()
	if e.MaxModelCallsPerStep > 0 {
		cfg.MaxModelCallsPerStep = e.MaxModelCallsPerStep
	}
	cfg.SequentialToolCalls = e.SequentialToolCalls
	cfg.MaxConcurrentToolCalls = e.MaxConcurrentToolCalls
	if e.ZeroToolRoundPolicy != "" {
		cfg.ZeroToolRoundPolicy = workflow.ZeroToolRoundPolicy(e.ZeroToolRoundPolicy)
	}
	cfg.StepTimeout = e.StepTimeout
	return cfg
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// 指标监听地址，空表示不暴露 HTTP 端点
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// StoreConfig 运行记录存储配置
type StoreConfig struct {
	// 类型: memory, file, redis, sql, mongo
	Type string `yaml:"type" env:"TYPE"`
	// 文件存储根目录
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
	// 是否自动清理已结束的运行
	CleanupEnabled bool `yaml:"cleanup_enabled" env:"CLEANUP_ENABLED"`
	// 清理间隔
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// 已结束运行的保留时长
	RunRetention time.Duration `yaml:"run_retention" env:"RUN_RETENTION"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 运行记录过期时间，0 表示永久
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite, sqlite3
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时按模型自动建表（生产环境请使用 migrate）
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	// GORM 日志级别: silent, error, warn, info
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 单次操作超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ToolRateLimitConfig 工具调用限流配置
type ToolRateLimitConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 每秒请求数
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	// 突发容量
	Burst int `yaml:"burst" env:"BURST"`
	// 按工具覆盖（仅 YAML）
	PerTool map[string]float64 `yaml:"per_tool" env:"-"`
}

// RateLimit 转换为限流装饰器配置
func (c ToolRateLimitConfig) RateLimit() callexec.RateLimitConfig {
	return callexec.RateLimitConfig{
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		PerTool:           c.PerTool,
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 连续失败次数阈值
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 熔断恢复等待时间
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// 半开状态探测数
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" env:"HALF_OPEN_MAX_PROBES"`
	// 半开状态恢复所需成功数
	SuccessThresholdInHalfOpen int `yaml:"success_threshold_in_half_open" env:"SUCCESS_THRESHOLD_IN_HALF_OPEN"`
}

// Breaker 转换为熔断器配置
func (c CircuitBreakerConfig) Breaker() callexec.CircuitBreakerConfig {
	return callexec.CircuitBreakerConfig{
		FailureThreshold:           c.FailureThreshold,
		RecoveryTimeout:            c.RecoveryTimeout,
		HalfOpenMaxProbes:          c.HalfOpenMaxProbes,
		SuccessThresholdInHalfOpen: c.SuccessThresholdInHalfOpen,
	}
}

// RetryConfig 工具调用重试退避配置；重试次数取 engine.max_tool_call_retries
type RetryConfig struct {
	// 首次重试等待
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// 最大等待
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// 退避倍数
	BackoffMultiplier float64 `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
}

// ToolRetry 组合引擎重试次数与退避配置
func (c *Config) ToolRetry() callexec.RetryConfig {
	return callexec.RetryConfig{
		MaxRetries:        c.Engine.MaxToolCallRetries,
		InitialBackoff:    c.Retry.InitialBackoff,
		MaxBackoff:        c.Retry.MaxBackoff,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
	}
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "STEPFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载并验证配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().
		WithConfigPath(path).
		WithValidator((*Config).Validate).
		Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

var (
	validStoreTypes = map[string]bool{"memory": true, "file": true, "redis": true, "sql": true, "mongo": true}
	validDrivers    = map[string]bool{
		database.DriverPostgres: true, database.DriverMySQL: true,
		database.DriverSQLite: true, database.DriverSQLite3: true,
	}
	validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate 验证配置，返回所有问题的合并错误
func (c *Config) Validate() error {
	var errs []error

	e := c.Engine
	if e.MaxModelCallsPerStep <= 0 {
		errs = append(errs, errors.New("engine.max_model_calls_per_step must be positive"))
	}
	if e.MaxToolCallRetries < 0 {
		errs = append(errs, errors.New("engine.max_tool_call_retries must not be negative"))
	}
	if e.MaxConcurrentToolCalls < 0 {
		errs = append(errs, errors.New("engine.max_concurrent_tool_calls must not be negative"))
	}
	if e.MaxStepExecutions <= 0 {
		errs = append(errs, errors.New("engine.max_step_executions must be positive"))
	}
	if e.StepTimeout < 0 {
		errs = append(errs, errors.New("engine.step_timeout must not be negative"))
	}
	switch workflow.ZeroToolRoundPolicy(e.ZeroToolRoundPolicy) {
	case workflow.ZeroToolRoundFail, workflow.ZeroToolRoundFollowUp:
	default:
		errs = append(errs, fmt.Errorf("engine.zero_tool_round_policy %q must be fail or follow_up", e.ZeroToolRoundPolicy))
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q is not supported", c.Log.Level))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	if !validStoreTypes[c.Store.Type] {
		errs = append(errs, fmt.Errorf("store.type %q is not supported", c.Store.Type))
	}
	if c.Store.Type == "sql" && !validDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Store.Type == "mongo" && (c.Mongo.URI == "" || c.Mongo.Database == "") {
		errs = append(errs, errors.New("mongo.uri and mongo.database are required"))
	}
	if c.Store.CleanupEnabled && c.Store.CleanupInterval <= 0 {
		errs = append(errs, errors.New("store.cleanup_interval must be positive when cleanup is enabled"))
	}

	if c.ToolRateLimit.Enabled && c.ToolRateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("tool_rate_limit.requests_per_second must be positive when enabled"))
	}
	if c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit_breaker.failure_threshold must be positive when enabled"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry.backoff_multiplier must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case database.DriverPostgres:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case database.DriverMySQL:
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case database.DriverSQLite, database.DriverSQLite3:
		return d.Name
	default:
		return ""
	}
}

// Database 转换为连接池配置
func (d *DatabaseConfig) Database() database.Config {
	pool := database.DefaultPoolConfig()
	if d.MaxOpenConns > 0 {
		pool.MaxOpenConns = d.MaxOpenConns
	}
	if d.MaxIdleConns > 0 {
		pool.MaxIdleConns = d.MaxIdleConns
	}
	if d.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if pool.MaxIdleConns > pool.MaxOpenConns {
		pool.MaxIdleConns = pool.MaxOpenConns
	}
	return database.Config{
		Driver:   d.Driver,
		DSN:      d.DSN(),
		Pool:     pool,
		LogLevel: d.LogLevel,
	}
}
