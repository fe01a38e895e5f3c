// Package memory implements store.Store in process memory.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/marmos91/librarian/pkg/store"
)

type bosKey struct {
	shelf uint64
	book  uint64
}

type xattrKey struct {
	shelf uint64
	name  string
}

// state is one complete snapshot of the database.
type state struct {
	globals   *store.Globals
	modules   []store.FAModule
	nodes     map[int]store.NodeStatus
	books     map[uint64]store.Book
	shelves   map[uint64]store.Shelf
	bos       map[bosKey]int
	opened    map[uint64]store.OpenedShelf
	xattrs    map[xattrKey][]byte
	symlinks  map[uint64]string
	nextShelf uint64
	nextOpen  uint64
}

func newState() *state {
	return &state{
		nodes:     make(map[int]store.NodeStatus),
		books:     make(map[uint64]store.Book),
		shelves:   make(map[uint64]store.Shelf),
		bos:       make(map[bosKey]int),
		opened:    make(map[uint64]store.OpenedShelf),
		xattrs:    make(map[xattrKey][]byte),
		symlinks:  make(map[uint64]string),
		nextShelf: 1,
		nextOpen:  1,
	}
}

// clone copies the maps so an aborted Update leaves the original untouched.
// Row values are plain structs; xattr values are never mutated in place.
func (s *state) clone() *state {
	c := &state{
		modules:   append([]store.FAModule(nil), s.modules...),
		nodes:     maps.Clone(s.nodes),
		books:     maps.Clone(s.books),
		shelves:   maps.Clone(s.shelves),
		bos:       maps.Clone(s.bos),
		opened:    maps.Clone(s.opened),
		xattrs:    maps.Clone(s.xattrs),
		symlinks:  maps.Clone(s.symlinks),
		nextShelf: s.nextShelf,
		nextOpen:  s.nextOpen,
	}
	if s.globals != nil {
		g := *s.globals
		c.globals = &g
	}
	return c
}

// MemoryStore implements store.Store using in-memory maps.
//
// It is suitable for tests, development and short-lived engines that
// provision their own topology at startup. Nothing survives Close.
//
// Thread Safety:
// Update holds the write lock for the whole callback and works on a copy of
// the state that replaces the live one only when the callback succeeds.
// View holds the read lock and works on the live state directly.
type MemoryStore struct {
	mu     sync.RWMutex
	state  *state
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newState()}
}

// View implements store.Store.
func (m *MemoryStore) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return fn(&tx{s: m.state, readOnly: true})
}

// Update implements store.Store.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}

	work := m.state.clone()
	if err := fn(&tx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Close implements store.Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errClosed = &store.StoreError{Code: store.ErrIOError, Message: "store is closed"}

var _ store.Store = (*MemoryStore)(nil)
