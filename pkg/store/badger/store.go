// Package badger implements store.Store on BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/librarian/pkg/store"
)

// BadgerStore implements store.Store using BadgerDB for persistence.
//
// Every store.Store transaction maps onto one Badger transaction, so a
// callback that fails leaves the database untouched and a committed one is
// durable once Update returns. Badger's optimistic concurrency reports
// conflicting concurrent writers with badger.ErrConflict, surfaced as
// ErrIOError.
//
// See keys.go for the key layout.
type BadgerStore struct {
	db *badger.DB
}

// BadgerStoreConfig contains configuration for creating a BadgerDB store.
type BadgerStoreConfig struct {
	// DBPath is the directory where BadgerDB will store its files
	DBPath string `mapstructure:"db_path"`

	// InMemory runs BadgerDB without touching disk (tests)
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 64)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_mb"`

	// IndexCacheSizeMB is BadgerDB's index cache size in MB (default: 32)
	IndexCacheSizeMB int64 `mapstructure:"index_cache_mb"`

	// SyncWrites fsyncs every commit
	SyncWrites bool `mapstructure:"sync_writes"`
}

// NewBadgerStore opens (or creates) a BadgerDB store.
//
// Parameters:
//   - ctx: Context for cancellation
//   - config: Database location and cache sizes
//
// Returns:
//   - *BadgerStore: A store ready for use
//   - error: Error if the database could not be opened
func NewBadgerStore(ctx context.Context, config BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(config.DBPath)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Rows are small JSON documents; compression is not worth its cost.
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)
	opts = opts.WithSyncWrites(config.SyncWrites)

	blockCacheMB := config.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := config.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	return &BadgerStore{db: db}, nil
}

// View implements store.Store.
func (s *BadgerStore) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapDBError(s.db.View(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	}))
}

// Update implements store.Store.
func (s *BadgerStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapDBError(s.db.Update(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	}))
}

// Close implements store.Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// wrapDBError passes store and context errors through and tags the rest as
// I/O failures.
func wrapDBError(err error) error {
	if err == nil {
		return nil
	}
	var se *store.StoreError
	if errors.As(err, &se) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrTxnTooBig) || errors.Is(err, badger.ErrDBClosed) {
		return &store.StoreError{Code: store.ErrIOError, Message: err.Error()}
	}
	return err
}

var _ store.Store = (*BadgerStore)(nil)
