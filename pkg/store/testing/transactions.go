package testing

import (
	"errors"
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *StoreTestSuite) RunTransactionTests(t *testing.T) {
	t.Run("Update_RollbackOnError", suite.testUpdateRollback)
	t.Run("Update_ErrorPassthrough", suite.testUpdateErrorPassthrough)
}

func (suite *StoreTestSuite) testUpdateRollback(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	books := seedBooks(t, s, 0, 1)
	sh := newShelf(t, s, 2, "keep")

	boom := errors.New("boom")
	err := s.Update(testContext(), func(tx store.Tx) error {
		if err := tx.ModifyBook(&store.Book{ID: books[0].ID, Allocated: store.BookInUse}, store.BookAllocated); err != nil {
			return err
		}
		if err := tx.DeleteShelf(sh.ID); err != nil {
			return err
		}
		if err := tx.CreateBOS(store.BOS{ShelfID: sh.ID, BookID: books[0].ID, Seq: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	mustView(t, s, func(tx store.Tx) error {
		b, err := tx.GetBook(books[0].ID)
		require.NoError(t, err)
		assert.Equal(t, store.BookFree, b.Allocated)

		_, err = tx.GetShelf(sh.ID)
		assert.NoError(t, err)

		rows, err := tx.ListBOS(sh.ID)
		require.NoError(t, err)
		assert.Empty(t, rows)
		return nil
	})
}

type sentinelError struct{ code int }

func (e *sentinelError) Error() string { return "sentinel" }

func (suite *StoreTestSuite) testUpdateErrorPassthrough(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	err := s.Update(testContext(), func(tx store.Tx) error {
		return &sentinelError{code: 7}
	})
	var se *sentinelError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 7, se.code)
}
