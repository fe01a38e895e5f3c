package testing

import (
	"testing"
	"time"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *StoreTestSuite) RunShelfTests(t *testing.T) {
	t.Run("CreateShelf_AssignsIDs", suite.testCreateShelfAssignsIDs)
	t.Run("CreateShelf_ExplicitID", suite.testCreateShelfExplicitID)
	t.Run("LookupShelf", suite.testLookupShelf)
	t.Run("LookupShelf_NotUnique", suite.testLookupShelfNotUnique)
	t.Run("ModifyShelf_FieldMask", suite.testModifyShelfFieldMask)
	t.Run("ModifyShelf_Reparent", suite.testModifyShelfReparent)
	t.Run("DeleteShelf", suite.testDeleteShelf)
	t.Run("Symlinks", suite.testSymlinks)
}

func (suite *StoreTestSuite) testCreateShelfAssignsIDs(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	a := newShelf(t, s, 2, "a")
	b := newShelf(t, s, 2, "b")
	assert.NotZero(t, a.ID)
	assert.Greater(t, b.ID, a.ID)
}

func (suite *StoreTestSuite) testCreateShelfExplicitID(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	root := store.Shelf{ID: store.RootShelfID, ParentID: store.RootShelfID, Name: ".", Mode: store.ModeDir | 0o777, LinkCount: 3}
	mustUpdate(t, s, func(tx store.Tx) error { return tx.CreateShelf(&root) })

	// Auto-assigned ids continue above explicit ones.
	next := newShelf(t, s, store.RootShelfID, "after")
	assert.Greater(t, next.ID, store.RootShelfID)

	err := s.Update(testContext(), func(tx store.Tx) error {
		dup := root
		return tx.CreateShelf(&dup)
	})
	assert.True(t, store.IsAlreadyExists(err))
}

func (suite *StoreTestSuite) testLookupShelf(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	a := newShelf(t, s, 2, "a")
	newShelf(t, s, 5, "a")

	mustView(t, s, func(tx store.Tx) error {
		got, err := tx.LookupShelf(2, "a")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)

		_, err = tx.LookupShelf(2, "missing")
		assert.True(t, store.IsNotFound(err))

		children, err := tx.ListChildren(2)
		require.NoError(t, err)
		assert.Len(t, children, 1)
		return nil
	})
}

func (suite *StoreTestSuite) testLookupShelfNotUnique(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	newShelf(t, s, 2, "twin")
	newShelf(t, s, 2, "twin")

	err := s.View(testContext(), func(tx store.Tx) error {
		_, err := tx.LookupShelf(2, "twin")
		return err
	})
	assert.True(t, store.IsNotUnique(err))
}

func (suite *StoreTestSuite) testModifyShelfFieldMask(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	sh := newShelf(t, s, 2, "a")
	mtime := time.Unix(1700000000, 0).UTC()

	mustUpdate(t, s, func(tx store.Tx) error {
		return tx.ModifyShelf(&store.Shelf{
			ID:        sh.ID,
			Name:      "ignored",
			SizeBytes: 4096,
			BookCount: 1,
			MTime:     mtime,
		}, store.ShelfSize|store.ShelfBookCount|store.ShelfMTime)
	})

	mustView(t, s, func(tx store.Tx) error {
		got, err := tx.GetShelf(sh.ID)
		require.NoError(t, err)
		assert.Equal(t, "a", got.Name)
		assert.Equal(t, int64(4096), got.SizeBytes)
		assert.Equal(t, 1, got.BookCount)
		assert.True(t, mtime.Equal(got.MTime))
		return nil
	})
}

func (suite *StoreTestSuite) testModifyShelfReparent(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	sh := newShelf(t, s, 2, "a")
	mustUpdate(t, s, func(tx store.Tx) error {
		return tx.ModifyShelf(&store.Shelf{ID: sh.ID, ParentID: 3, Name: "b"}, store.ShelfParent|store.ShelfName)
	})

	mustView(t, s, func(tx store.Tx) error {
		old, err := tx.ListChildren(2)
		require.NoError(t, err)
		assert.Empty(t, old)

		got, err := tx.LookupShelf(3, "b")
		require.NoError(t, err)
		assert.Equal(t, sh.ID, got.ID)
		return nil
	})
}

func (suite *StoreTestSuite) testDeleteShelf(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	sh := newShelf(t, s, 2, "a")
	mustUpdate(t, s, func(tx store.Tx) error { return tx.DeleteShelf(sh.ID) })

	mustView(t, s, func(tx store.Tx) error {
		_, err := tx.GetShelf(sh.ID)
		assert.True(t, store.IsNotFound(err))
		children, err := tx.ListChildren(2)
		require.NoError(t, err)
		assert.Empty(t, children)
		return nil
	})

	err := s.Update(testContext(), func(tx store.Tx) error { return tx.DeleteShelf(sh.ID) })
	assert.True(t, store.IsNotFound(err))
}

func (suite *StoreTestSuite) testSymlinks(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	mustUpdate(t, s, func(tx store.Tx) error { return tx.SetSymlink(7, "/target") })

	mustView(t, s, func(tx store.Tx) error {
		target, err := tx.GetSymlink(7)
		require.NoError(t, err)
		assert.Equal(t, "/target", target)

		all, err := tx.ListSymlinks()
		require.NoError(t, err)
		assert.Equal(t, []store.Symlink{{ShelfID: 7, Target: "/target"}}, all)
		return nil
	})

	mustUpdate(t, s, func(tx store.Tx) error { return tx.DeleteSymlink(7) })
	err := s.View(testContext(), func(tx store.Tx) error {
		_, err := tx.GetSymlink(7)
		return err
	})
	assert.True(t, store.IsNotFound(err))
}
