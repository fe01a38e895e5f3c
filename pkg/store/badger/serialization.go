package badger

import (
	"encoding/json"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/librarian/pkg/store"
)

// Serialization Strategy
// ======================
//
// Rows with several columns (books, shelves, handles, globals, modules, node
// status) are stored as JSON: readable with badger's CLI tools and tolerant
// of added fields. BOS sequence numbers and id counters are fixed-width
// big-endian integers; xattr values and symlink targets are raw bytes.

// getJSON reads and decodes the row at key into v.
//
// Returns badger.ErrKeyNotFound unchanged so callers can map it to their own
// not-found error, and a store ErrCorrupt for undecodable rows.
func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return store.NewCorruptError(err, "%s", key)
		}
		return nil
	})
}

// putJSON encodes v and stores it at key.
func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scanJSON decodes every row under prefix, in key order, and hands it to fn.
func scanJSON[T any](txn *badger.Txn, prefix []byte, fn func(key []byte, row T) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var row T
		err := item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &row); err != nil {
				return store.NewCorruptError(err, "%s", item.Key())
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), row); err != nil {
			return err
		}
	}
	return nil
}

// scanRaw hands the key and a copy of the value of every row under prefix to fn.
func scanRaw(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

// scanKeys hands every key under prefix to fn without fetching values.
func scanKeys(txn *badger.Txn, prefix []byte, fn func(key []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := fn(it.Item().KeyCopy(nil)); err != nil {
			return err
		}
	}
	return nil
}

// nextID reads, increments and stores the counter at key. Counters start at
// start when absent.
func nextID(txn *badger.Txn, key []byte, start uint64) (uint64, error) {
	next := start
	item, err := txn.Get(key)
	switch {
	case err == badger.ErrKeyNotFound:
	case err != nil:
		return 0, err
	default:
		val, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		if next, err = decodeUint64(val); err != nil {
			return 0, store.NewCorruptError(err, "%s", key)
		}
	}
	if err := txn.Set(key, encodeUint64(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

// bumpID raises the counter at key so it is above id.
func bumpID(txn *badger.Txn, key []byte, id uint64) error {
	item, err := txn.Get(key)
	if err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if err == nil {
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cur, err := decodeUint64(val)
		if err != nil {
			return store.NewCorruptError(err, "%s", key)
		}
		if cur > id {
			return nil
		}
	}
	return txn.Set(key, encodeUint64(id+1))
}
