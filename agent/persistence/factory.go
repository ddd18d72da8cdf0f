package persistence

import (
	"fmt"
	"log"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/agent"
)

// RunStore is an agent.RunStore that can also purge finished runs.
type RunStore interface {
	agent.RunStore
	Cleaner
}

// NewRunStore creates a run store based on the configuration. Stores with
// cleanup enabled run their own background purge.
func NewRunStore(config StoreConfig, logger *zap.Logger) (RunStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		store RunStore
		err   error
	)
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryRunStore(config), nil
	case StoreTypeFile:
		fs, err := NewFileRunStore(config)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case StoreTypeRedis:
		store, err = NewRedisRunStore(config)
	case StoreTypeSQL:
		store, err = NewSQLRunStore(config, logger)
	case StoreTypeMongo:
		store, err = NewMongoRunStore(config)
	default:
		return nil, fmt.Errorf("unsupported run store type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}
	if config.Cleanup.Enabled && config.Cleanup.Interval > 0 {
		return WithBackgroundCleanup(store, config.Cleanup), nil
	}
	return store, nil
}

// backgroundCleanup runs the cleanup loop for remote stores and stops it on
// Close.
type backgroundCleanup struct {
	RunStore
	stop chan struct{}
	once sync.Once
}

// WithBackgroundCleanup purges expired runs from store every cfg.Interval
// until the returned store is closed.
func WithBackgroundCleanup(store RunStore, cfg CleanupConfig) RunStore {
	bc := &backgroundCleanup{RunStore: store, stop: make(chan struct{})}
	go cleanupLoop(bc.stop, store, cfg)
	return bc
}

func (b *backgroundCleanup) Close() error {
	b.once.Do(func() { close(b.stop) })
	return b.RunStore.Close()
}

// MustNewRunStore creates a run store or panics on error.
//
// WARNING: This function should ONLY be used during application initialization
// (e.g., in main() or init()). For runtime store creation, use NewRunStore instead.
func MustNewRunStore(config StoreConfig, logger *zap.Logger) RunStore {
	store, err := NewRunStore(config, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create run store: %v", err))
	}
	return store
}

// NewRunStoreOrExit creates a run store or exits the program on error.
// This is a safer alternative to MustNewRunStore for CLI applications.
func NewRunStoreOrExit(config StoreConfig, logger *zap.Logger) RunStore {
	store, err := NewRunStore(config, logger)
	if err != nil {
		log.Printf("FATAL: failed to create run store: %v", err)
		os.Exit(1)
	}
	return store
}
