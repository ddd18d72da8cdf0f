package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/stepflow/agent"
)

// FileRunStore 基于文件的 agent.RunStore 实现，每个运行一个 JSON 文件。
// 适合单节点生产部署。
type FileRunStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
	stop    chan struct{}
}

// NewFileRunStore 创建文件运行存储
func NewFileRunStore(config StoreConfig) (*FileRunStore, error) {
	baseDir := filepath.Join(config.BaseDir, "runs")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run store directory: %w", err)
	}

	store := &FileRunStore{
		baseDir: baseDir,
		stop:    make(chan struct{}),
	}
	if config.Cleanup.Enabled && config.Cleanup.Interval > 0 {
		go cleanupLoop(store.stop, store, config.Cleanup)
	}
	return store, nil
}

// runPath 返回运行文件路径；ID 中的路径分隔符被拒绝
func (s *FileRunStore) runPath(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", ErrInvalidInput
	}
	return filepath.Join(s.baseDir, runID+".json"), nil
}

// Close 关闭存储
func (s *FileRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	return nil
}

// SaveRun 写入或替换运行
func (s *FileRunStore) SaveRun(ctx context.Context, run *agent.AgentResult) error {
	if err := validateRun(run); err != nil {
		return err
	}
	path, err := s.runPath(run.RunID)
	if err != nil {
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

	// 原子写: 写入临时文件后重命名
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run %s: %w", run.RunID, err)
	}
	return os.Rename(tempPath, path)
}

// GetRun 按 ID 读取运行
func (s *FileRunStore) GetRun(ctx context.Context, runID string) (*agent.AgentResult, error) {
	path, err := s.runPath(runID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return readRunFile(path)
}

func readRunFile(path string) (*agent.AgentResult, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(data)
}

// ListRuns 列出匹配过滤条件的运行，最新的在前
func (s *FileRunStore) ListRuns(ctx context.Context, filter agent.RunFilter) ([]*agent.AgentResult, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	return filterRuns(all, filter), nil
}

// DeleteRun 删除运行
func (s *FileRunStore) DeleteRun(ctx context.Context, runID string) error {
	path, err := s.runPath(runID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Cleanup 删除截止时间前已结束的运行
func (s *FileRunStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	all, err := s.all()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range all {
		if !expired(r, before) {
			continue
		}
		if err := s.DeleteRun(ctx, r.RunID); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *FileRunStore) all() ([]*agent.AgentResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	out := make([]*agent.AgentResult, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		r, err := readRunFile(filepath.Join(s.baseDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		out = append(out, r)
	}
	return out, nil
}
