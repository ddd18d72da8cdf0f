package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/stepflow/agent"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeMongo  StoreType = "mongo"
)

// CleanupConfig defines cleanup behavior for finished runs
type CleanupConfig struct {
	// Enabled determines if automatic cleanup is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is how often cleanup runs (default: 1h)
	Interval time.Duration `json:"interval" yaml:"interval"`

	// RunRetention is how long to keep finished runs (default: 7d)
	RunRetention time.Duration `json:"run_retention" yaml:"run_retention"`
}

// DefaultCleanupConfig returns the default cleanup configuration
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:      false,
		Interval:     time.Hour,
		RunRetention: 7 * 24 * time.Hour,
	}
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
	// TTL expires run documents; 0 keeps them forever
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// SQLStoreConfig contains SQL-specific configuration
type SQLStoreConfig struct {
	// Driver is postgres, mysql, sqlite (pure Go) or sqlite3 (cgo)
	Driver      string `json:"driver" yaml:"driver"`
	DSN         string `json:"dsn" yaml:"dsn"`
	AutoMigrate bool   `json:"auto_migrate" yaml:"auto_migrate"`
}

// MongoStoreConfig contains MongoDB-specific configuration
type MongoStoreConfig struct {
	URI        string        `json:"uri" yaml:"uri"`
	Database   string        `json:"database" yaml:"database"`
	Collection string        `json:"collection" yaml:"collection"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// StoreConfig is the configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	Redis   RedisStoreConfig `json:"redis" yaml:"redis"`
	SQL     SQLStoreConfig   `json:"sql" yaml:"sql"`
	Mongo   MongoStoreConfig `json:"mongo" yaml:"mongo"`
	Cleanup CleanupConfig    `json:"cleanup" yaml:"cleanup"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeMemory,
		BaseDir: "./data/runs",
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "stepflow:",
		},
		SQL: SQLStoreConfig{
			Driver: "sqlite",
			DSN:    "stepflow.db",
		},
		Mongo: MongoStoreConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "stepflow",
			Collection: defaultMongoCollection,
			Timeout:    5 * time.Second,
		},
		Cleanup: DefaultCleanupConfig(),
	}
}

// Cleaner is implemented by stores that can purge finished runs.
type Cleaner interface {
	// Cleanup deletes finished runs last updated before the cutoff and
	// returns how many were removed.
	Cleanup(ctx context.Context, before time.Time) (int, error)
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// Shared helpers
// =============================================================================

func validateRun(r *agent.AgentResult) error {
	if r == nil || r.RunID == "" {
		return ErrInvalidInput
	}
	return nil
}

func encodeRun(r *agent.AgentResult) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run %s: %w", r.RunID, err)
	}
	return data, nil
}

func decodeRun(data []byte) (*agent.AgentResult, error) {
	var r agent.AgentResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &r, nil
}

// sortNewestFirst orders runs by start time, newest first, with the run ID
// as tie-breaker so the order is stable.
func sortNewestFirst(runs []*agent.AgentResult) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
}

// filterRuns applies the filter, sorts newest first and applies the limit.
func filterRuns(runs []*agent.AgentResult, filter agent.RunFilter) []*agent.AgentResult {
	out := make([]*agent.AgentResult, 0, len(runs))
	for _, r := range runs {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

// expired reports whether a run is finished and older than the cutoff.
func expired(r *agent.AgentResult, before time.Time) bool {
	return r.Status.IsTerminal() && r.UpdatedAt.Before(before)
}
