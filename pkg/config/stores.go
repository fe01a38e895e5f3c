package config

import (
	"context"
	"fmt"

	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/store/badger"
	"github.com/marmos91/librarian/pkg/store/memory"
	"github.com/mitchellh/mapstructure"
)

// CreateStore creates a database store based on configuration.
//
// Supported types:
//   - "memory": Uses pkg/store/memory (in-memory storage, ephemeral)
//   - "badger": Uses pkg/store/badger (BadgerDB storage, persistent)
func CreateStore(ctx context.Context, cfg *StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryStore(ctx)
	case "badger":
		return createBadgerStore(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown store type: %q (supported: memory, badger)", cfg.Type)
	}
}

// createMemoryStore creates an in-memory store.
func createMemoryStore(ctx context.Context) (store.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.Warn("Using the memory store: the database is lost on exit")
	return memory.NewMemoryStore(), nil
}

// createBadgerStore creates a BadgerDB-based persistent store.
func createBadgerStore(ctx context.Context, options map[string]any) (store.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var storeCfg badger.BadgerStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger store config: %w", err)
	}

	if storeCfg.DBPath == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger store: db_path is required")
	}

	st, err := badger.NewBadgerStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger store: %w", err)
	}

	logger.Info("Badger store opened: %s", storeCfg.DBPath)
	return st, nil
}
