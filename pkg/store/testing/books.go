package testing

import (
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *StoreTestSuite) RunBookTests(t *testing.T) {
	t.Run("CreateBook_Duplicate", suite.testCreateBookDuplicate)
	t.Run("GetBook_NotFound", suite.testGetBookNotFound)
	t.Run("ModifyBook_FieldMask", suite.testModifyBookFieldMask)
	t.Run("ListBooks_Filters", suite.testListBooksFilters)
	t.Run("ListBooks_OrderAndLimit", suite.testListBooksOrder)
}

func (suite *StoreTestSuite) testCreateBookDuplicate(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	books := seedBooks(t, s, 0, 1)
	err := s.Update(testContext(), func(tx store.Tx) error {
		return tx.CreateBook(&books[0])
	})
	assert.True(t, store.IsAlreadyExists(err))
}

func (suite *StoreTestSuite) testGetBookNotFound(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	err := s.View(testContext(), func(tx store.Tx) error {
		_, err := tx.GetBook(42)
		return err
	})
	assert.True(t, store.IsNotFound(err))
}

func (suite *StoreTestSuite) testModifyBookFieldMask(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	books := seedBooks(t, s, 1, 1)
	id := books[0].ID

	// Only the allocation column is written; the IG in the argument is ignored.
	mustUpdate(t, s, func(tx store.Tx) error {
		return tx.ModifyBook(&store.Book{ID: id, IG: 99, Allocated: store.BookInUse}, store.BookAllocated)
	})

	mustView(t, s, func(tx store.Tx) error {
		b, err := tx.GetBook(id)
		require.NoError(t, err)
		assert.Equal(t, store.BookInUse, b.Allocated)
		assert.Equal(t, uint32(1), b.IG)
		return nil
	})

	err := s.Update(testContext(), func(tx store.Tx) error {
		return tx.ModifyBook(&store.Book{ID: 12345}, store.BookAllocated)
	})
	assert.True(t, store.IsNotFound(err))
}

func (suite *StoreTestSuite) testListBooksFilters(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	a := seedBooks(t, s, 0, 3)
	seedBooks(t, s, 1, 2)
	mustUpdate(t, s, func(tx store.Tx) error {
		return tx.ModifyBook(&store.Book{ID: a[1].ID, Allocated: store.BookZombie}, store.BookAllocated)
	})

	mustView(t, s, func(tx store.Tx) error {
		all, err := tx.ListBooks(store.BookQuery{})
		require.NoError(t, err)
		assert.Len(t, all, 5)

		free, err := tx.ListBooks(store.BookQuery{States: []store.BookState{store.BookFree}})
		require.NoError(t, err)
		assert.Len(t, free, 4)

		ig0free, err := tx.ListBooks(store.BookQuery{States: []store.BookState{store.BookFree}, IGs: []uint16{0}})
		require.NoError(t, err)
		require.Len(t, ig0free, 2)
		assert.Equal(t, a[0].ID, ig0free[0].ID)
		assert.Equal(t, a[2].ID, ig0free[1].ID)

		zombies, err := tx.ListBooks(store.BookQuery{States: []store.BookState{store.BookZombie}})
		require.NoError(t, err)
		require.Len(t, zombies, 1)
		assert.Equal(t, a[1].ID, zombies[0].ID)
		return nil
	})
}

func (suite *StoreTestSuite) testListBooksOrder(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	books := seedBooks(t, s, 2, 5)

	mustView(t, s, func(tx store.Tx) error {
		asc, err := tx.ListBooks(store.BookQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, asc, 2)
		assert.Equal(t, books[0].ID, asc[0].ID)
		assert.Equal(t, books[1].ID, asc[1].ID)

		desc, err := tx.ListBooks(store.BookQuery{Limit: 2, Descending: true})
		require.NoError(t, err)
		require.Len(t, desc, 2)
		assert.Equal(t, books[4].ID, desc[0].ID)
		assert.Equal(t, books[3].ID, desc[1].ID)
		return nil
	})
}
