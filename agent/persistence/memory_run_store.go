package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/stepflow/agent"
)

// MemoryRunStore is an in-memory implementation of agent.RunStore.
// Suitable for development and testing. Data is lost on restart.
// Runs are stored as encoded JSON so callers never share state with the
// store.
type MemoryRunStore struct {
	runs   map[string][]byte
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// NewMemoryRunStore creates a new in-memory run store
func NewMemoryRunStore(config StoreConfig) *MemoryRunStore {
	store := &MemoryRunStore{
		runs: make(map[string][]byte),
		stop: make(chan struct{}),
	}
	if config.Cleanup.Enabled && config.Cleanup.Interval > 0 {
		go cleanupLoop(store.stop, store, config.Cleanup)
	}
	return store
}

// Close closes the store
func (s *MemoryRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	return nil
}

// SaveRun inserts or replaces a run
func (s *MemoryRunStore) SaveRun(ctx context.Context, run *agent.AgentResult) error {
	if err := validateRun(run); err != nil {
		return err
	}
	data, err := encodeRun(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.runs[run.RunID] = data
	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (*agent.AgentResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeRun(data)
}

// ListRuns retrieves runs matching the filter, newest first
func (s *MemoryRunStore) ListRuns(ctx context.Context, filter agent.RunFilter) ([]*agent.AgentResult, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	return filterRuns(all, filter), nil
}

// DeleteRun removes a run
func (s *MemoryRunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)
	return nil
}

// Cleanup removes finished runs last updated before the cutoff
func (s *MemoryRunStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	all, err := s.all()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, r := range all {
		if expired(r, before) {
			delete(s.runs, r.RunID)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryRunStore) all() ([]*agent.AgentResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*agent.AgentResult, 0, len(s.runs))
	for _, data := range s.runs {
		r, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// cleanupLoop periodically purges expired runs until stop is closed.
func cleanupLoop(stop <-chan struct{}, c Cleaner, cfg CleanupConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
			_, _ = c.Cleanup(ctx, time.Now().Add(-cfg.RunRetention))
			cancel()
		}
	}
}
