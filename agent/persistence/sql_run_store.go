package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/internal/database"
)

// sqlWriteAttempts bounds retries of transient write failures.
const sqlWriteAttempts = 3

// runRecord is the agent_runs row. The indexed columns mirror the JSON
// document in Data so listing never decodes rows it filters out.
type runRecord struct {
	RunID       string     `gorm:"column:run_id;primaryKey;size:64"`
	RecipeID    string     `gorm:"column:recipe_id;size:255;index:idx_agent_runs_recipe_id"`
	Status      string     `gorm:"column:status;size:32;index:idx_agent_runs_status"`
	Cancelled   bool       `gorm:"column:cancelled"`
	Error       string     `gorm:"column:error;type:text"`
	Steps       int        `gorm:"column:steps"`
	Data        string     `gorm:"column:data;type:text"`
	StartedAt   time.Time  `gorm:"column:started_at;index:idx_agent_runs_started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName implements gorm's tabler.
func (runRecord) TableName() string { return "agent_runs" }

func toRecord(r *agent.AgentResult) (*runRecord, error) {
	data, err := encodeRun(r)
	if err != nil {
		return nil, err
	}
	rec := &runRecord{
		RunID:     r.RunID,
		RecipeID:  r.RecipeID,
		Status:    string(r.Status),
		Cancelled: r.Cancelled,
		Error:     r.Error,
		Steps:     len(r.Executions),
		Data:      string(data),
		StartedAt: r.StartedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if !r.CompletedAt.IsZero() {
		completed := r.CompletedAt.UTC()
		rec.CompletedAt = &completed
	}
	return rec, nil
}

// SQLRunStore is a gorm-backed implementation of agent.RunStore over the
// agent_runs table. Writes go through the pool's retrying transactions.
type SQLRunStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewSQLRunStore opens the configured database and returns a store over it.
func NewSQLRunStore(config StoreConfig, logger *zap.Logger) (*SQLRunStore, error) {
	pool, err := database.Open(database.Config{
		Driver: config.SQL.Driver,
		DSN:    config.SQL.DSN,
		Pool:   database.DefaultPoolConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLRunStoreWithPool(pool, config.SQL.AutoMigrate, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLRunStoreWithPool wraps an open pool; the store closes it on Close.
// With autoMigrate the table is created from the record definition instead
// of the versioned migrations.
func NewSQLRunStoreWithPool(pool *database.PoolManager, autoMigrate bool, logger *zap.Logger) (*SQLRunStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if autoMigrate {
		if err := pool.DB().AutoMigrate(&runRecord{}); err != nil {
			return nil, fmt.Errorf("failed to migrate agent_runs: %w", err)
		}
	}
	return &SQLRunStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "sql_run_store")),
	}, nil
}

// Close closes the underlying pool
func (s *SQLRunStore) Close() error {
	return s.pool.Close()
}

// Ping checks if the database is reachable
func (s *SQLRunStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *SQLRunStore) db(ctx context.Context) (*gorm.DB, error) {
	if s.pool.IsClosed() {
		return nil, ErrStoreClosed
	}
	return s.pool.DB().WithContext(ctx), nil
}

// SaveRun upserts a run keyed by run_id
func (s *SQLRunStore) SaveRun(ctx context.Context, run *agent.AgentResult) error {
	if err := validateRun(run); err != nil {
		return err
	}
	rec, err := toRecord(run)
	if err != nil {
		return err
	}

	err = s.pool.WithTransactionRetry(ctx, sqlWriteAttempts, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			UpdateAll: true,
		}).Create(rec).Error
	})
	if errors.Is(err, database.ErrPoolClosed) {
		return ErrStoreClosed
	}
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLRunStore) GetRun(ctx context.Context, runID string) (*agent.AgentResult, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	var rec runRecord
	err = db.Where("run_id = ?", runID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return decodeRun([]byte(rec.Data))
}

// ListRuns retrieves runs matching the filter, newest first
func (s *SQLRunStore) ListRuns(ctx context.Context, filter agent.RunFilter) ([]*agent.AgentResult, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	q := db.Model(&runRecord{})
	if filter.RecipeID != "" {
		q = q.Where("recipe_id = ?", filter.RecipeID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	q = q.Order("started_at DESC").Order("run_id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []runRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]*agent.AgentResult, 0, len(recs))
	for _, rec := range recs {
		r, err := decodeRun([]byte(rec.Data))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteRun removes a run
func (s *SQLRunStore) DeleteRun(ctx context.Context, runID string) error {
	var affected int64
	err := s.pool.WithTransactionRetry(ctx, sqlWriteAttempts, func(tx *gorm.DB) error {
		res := tx.Where("run_id = ?", runID).Delete(&runRecord{})
		affected = res.RowsAffected
		return res.Error
	})
	if errors.Is(err, database.ErrPoolClosed) {
		return ErrStoreClosed
	}
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cleanup removes finished runs last updated before the cutoff
func (s *SQLRunStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	terminal := []string{
		string(agent.RunStatusCompleted),
		string(agent.RunStatusFailed),
		string(agent.RunStatusCancelled),
	}
	var affected int64
	err := s.pool.WithTransactionRetry(ctx, sqlWriteAttempts, func(tx *gorm.DB) error {
		res := tx.Where("status IN ? AND updated_at < ?", terminal, before.UTC()).Delete(&runRecord{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up runs: %w", err)
	}
	if affected > 0 {
		s.logger.Info("expired runs removed", zap.Int64("count", affected))
	}
	return int(affected), nil
}
