package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/stepflow/agent"
)

// RedisRunStore is a Redis-based implementation of agent.RunStore.
// Suitable for distributed production deployments.
// Each run is a JSON string; sorted sets scored by start time index all
// runs, runs per recipe and runs per status.
type RedisRunStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisRunStore creates a Redis run store and verifies the connection.
func NewRedisRunStore(config StoreConfig) (*RedisRunStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisRunStoreWithClient(client, config.Redis.KeyPrefix, config.Redis.TTL), nil
}

// NewRedisRunStoreWithClient wraps an existing client. The store takes
// ownership and closes it on Close.
func NewRedisRunStoreWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisRunStore {
	if keyPrefix == "" {
		keyPrefix = "stepflow:"
	}
	return &RedisRunStore{
		client:    client,
		keyPrefix: keyPrefix + "run:",
		ttl:       ttl,
	}
}

// Close closes the store
func (s *RedisRunStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisRunStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRunStore) runKey(runID string) string {
	return s.keyPrefix + "data:" + runID
}

func (s *RedisRunStore) statusKey(status agent.RunStatus) string {
	return s.keyPrefix + "status:" + string(status)
}

func (s *RedisRunStore) recipeKey(recipeID string) string {
	return s.keyPrefix + "recipe:" + recipeID
}

func (s *RedisRunStore) allKey() string {
	return s.keyPrefix + "all"
}

// SaveRun inserts or replaces a run and keeps the indexes current.
func (s *RedisRunStore) SaveRun(ctx context.Context, run *agent.AgentResult) error {
	if err := validateRun(run); err != nil {
		return err
	}
	data, err := encodeRun(run)
	if err != nil {
		return err
	}

	// Previous status for index cleanup
	old, err := s.GetRun(ctx, run.RunID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	score := float64(run.StartedAt.UnixNano())
	member := redis.Z{Score: score, Member: run.RunID}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.RunID), data, s.ttl)
	if old != nil && old.Status != run.Status {
		pipe.ZRem(ctx, s.statusKey(old.Status), run.RunID)
	}
	pipe.ZAdd(ctx, s.statusKey(run.Status), member)
	pipe.ZAdd(ctx, s.allKey(), member)
	if run.RecipeID != "" {
		pipe.ZAdd(ctx, s.recipeKey(run.RecipeID), member)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (*agent.AgentResult, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return decodeRun(data)
}

// ListRuns retrieves runs matching the filter, newest first. The narrowest
// index is scanned; index entries whose document has expired are dropped.
func (s *RedisRunStore) ListRuns(ctx context.Context, filter agent.RunFilter) ([]*agent.AgentResult, error) {
	indexKey := s.allKey()
	switch {
	case filter.Status != "":
		indexKey = s.statusKey(filter.Status)
	case filter.RecipeID != "":
		indexKey = s.recipeKey(filter.RecipeID)
	}

	ids, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(ids) == 0 {
		return []*agent.AgentResult{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	runs := make([]*agent.AgentResult, 0, len(values))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		r, err := decodeRun([]byte(str))
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, indexKey, stale...)
	}
	return filterRuns(runs, filter), nil
}

// DeleteRun removes a run and its index entries
func (s *RedisRunStore) DeleteRun(ctx context.Context, runID string) error {
	old, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.runKey(runID))
	pipe.ZRem(ctx, s.allKey(), runID)
	pipe.ZRem(ctx, s.statusKey(old.Status), runID)
	if old.RecipeID != "" {
		pipe.ZRem(ctx, s.recipeKey(old.RecipeID), runID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}

// Cleanup removes finished runs last updated before the cutoff
func (s *RedisRunStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	runs, err := s.ListRuns(ctx, agent.RunFilter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range runs {
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
