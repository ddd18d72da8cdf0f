package agent

import (
	"context"
	"time"
)

// RunFilter selects runs from a RunStore.
type RunFilter struct {
	RecipeID string
	Status   RunStatus
	// Limit caps the number of results; 0 means no limit.
	Limit int
}

// Matches reports whether a result passes the filter.
func (f RunFilter) Matches(r *AgentResult) bool {
	if f.RecipeID != "" && r.RecipeID != f.RecipeID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// RunStore persists run results. SaveRun is an upsert keyed by RunID.
// ListRuns returns newest first.
type RunStore interface {
	SaveRun(ctx context.Context, result *AgentResult) error
	GetRun(ctx context.Context, runID string) (*AgentResult, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*AgentResult, error)
	DeleteRun(ctx context.Context, runID string) error
	Close() error
}

// RunMetrics receives run-level measurements.
type RunMetrics interface {
	RecordRun(status string, steps int, duration time.Duration)
}
