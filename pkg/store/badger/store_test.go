package badger

import (
	"context"
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	storetesting "github.com/marmos91/librarian/pkg/store/testing"
	"github.com/marmos91/librarian/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func() store.Store {
			s, err := NewBadgerStore(context.Background(), BadgerStoreConfig{DBPath: t.TempDir()})
			require.NoError(t, err)
			return s
		},
	}
	suite.Run(t)
}

func TestBadgerStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBadgerStore(ctx, BadgerStoreConfig{DBPath: dir})
	require.NoError(t, err)

	sh := store.Shelf{ParentID: store.RootShelfID, Name: "persist", Mode: store.ModeRegular}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.CreateShelf(&sh) }))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(ctx, BadgerStoreConfig{DBPath: dir})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.LookupShelf(store.RootShelfID, "persist")
		require.NoError(t, err)
		assert.Equal(t, sh.ID, got.ID)
		return nil
	}))

	// The id counter survives the restart.
	next := store.Shelf{ParentID: store.RootShelfID, Name: "next"}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.CreateShelf(&next) }))
	assert.Greater(t, next.ID, sh.ID)
}

func TestBadgerStore_BookStateIndex(t *testing.T) {
	ctx := context.Background()
	s, err := NewBadgerStore(ctx, BadgerStoreConfig{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	col := topology.PackIGColumn(topology.ModeLZA, 3)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for i := uint64(1); i <= 4; i++ {
			if err := tx.CreateBook(&store.Book{ID: i << 33, IG: col, BookNum: int(i)}); err != nil {
				return err
			}
		}
		return tx.ModifyBook(&store.Book{ID: 2 << 33, Allocated: store.BookInUse}, store.BookAllocated)
	}))

	indexed := func(state store.BookState, ig int) []uint64 {
		var ids []uint64
		require.NoError(t, s.View(ctx, func(stx store.Tx) error {
			ids, err = stx.(*tx).indexedIDs(keyBookIdxPrefix(state, ig))
			return err
		}))
		return ids
	}

	assert.Equal(t, []uint64{1 << 33, 3 << 33, 4 << 33}, indexed(store.BookFree, 3))
	assert.Equal(t, []uint64{2 << 33}, indexed(store.BookInUse, -1))
	assert.Empty(t, indexed(store.BookFree, 4))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		free, err := tx.ListBooks(store.BookQuery{States: []store.BookState{store.BookFree}, IGs: []uint16{3}, Descending: true})
		require.NoError(t, err)
		require.Len(t, free, 3)
		assert.Equal(t, uint64(4<<33), free[0].ID)

		inuse, err := tx.ListBooks(store.BookQuery{States: []store.BookState{store.BookInUse}})
		require.NoError(t, err)
		require.Len(t, inuse, 1)
		assert.Equal(t, 2, inuse[0].BookNum)
		return nil
	}))
}

func TestParseIDPair(t *testing.T) {
	a, b, err := parseIDPair(keyBOS(7, 0xabc), prefixBOS)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), a)
	assert.Equal(t, uint64(0xabc), b)

	_, _, err = parseIDPair([]byte("o:short"), prefixBOS)
	assert.Error(t, err)
}
