package testing

import (
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *StoreTestSuite) RunBOSTests(t *testing.T) {
	t.Run("ListBOS_SeqOrder", suite.testListBOSSeqOrder)
	t.Run("CreateBOS_Duplicate", suite.testCreateBOSDuplicate)
	t.Run("GetBOSBySeq", suite.testGetBOSBySeq)
	t.Run("GetBOSBySeq_DuplicateSeq", suite.testGetBOSBySeqDuplicate)
	t.Run("DeleteBOS", suite.testDeleteBOS)
}

func (suite *StoreTestSuite) testListBOSSeqOrder(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	books := seedBooks(t, s, 0, 3)
	mustUpdate(t, s, func(tx store.Tx) error {
		// Insert out of order; listing must come back by seq.
		for i, seq := range []int{3, 1, 2} {
			if err := tx.CreateBOS(store.BOS{ShelfID: 10, BookID: books[i].ID, Seq: seq}); err != nil {
				return err
			}
		}
		return tx.CreateBOS(store.BOS{ShelfID: 11, BookID: books[0].ID, Seq: 1})
	})

	mustView(t, s, func(tx store.Tx) error {
		rows, err := tx.ListBOS(10)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{rows[0].Seq, rows[1].Seq, rows[2].Seq})
		assert.Equal(t, books[1].ID, rows[0].BookID)
		assert.Equal(t, books[0].ID, rows[2].BookID)

		all, err := tx.ListAllBOS()
		require.NoError(t, err)
		assert.Len(t, all, 4)
		assert.Equal(t, uint64(11), all[3].ShelfID)
		return nil
	})
}

func (suite *StoreTestSuite) testCreateBOSDuplicate(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	row := store.BOS{ShelfID: 10, BookID: 1 << 33, Seq: 1}
	mustUpdate(t, s, func(tx store.Tx) error { return tx.CreateBOS(row) })

	err := s.Update(testContext(), func(tx store.Tx) error {
		row.Seq = 2
		return tx.CreateBOS(row)
	})
	assert.True(t, store.IsAlreadyExists(err))
}

func (suite *StoreTestSuite) testGetBOSBySeq(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	mustUpdate(t, s, func(tx store.Tx) error {
		if err := tx.CreateBOS(store.BOS{ShelfID: 10, BookID: 100, Seq: 1}); err != nil {
			return err
		}
		return tx.CreateBOS(store.BOS{ShelfID: 10, BookID: 200, Seq: 2})
	})

	mustView(t, s, func(tx store.Tx) error {
		row, err := tx.GetBOSBySeq(10, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(200), row.BookID)

		_, err = tx.GetBOSBySeq(10, 3)
		assert.True(t, store.IsNotFound(err))
		return nil
	})
}

func (suite *StoreTestSuite) testGetBOSBySeqDuplicate(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	mustUpdate(t, s, func(tx store.Tx) error {
		if err := tx.CreateBOS(store.BOS{ShelfID: 10, BookID: 100, Seq: 1}); err != nil {
			return err
		}
		return tx.CreateBOS(store.BOS{ShelfID: 10, BookID: 200, Seq: 1})
	})

	err := s.View(testContext(), func(tx store.Tx) error {
		_, err := tx.GetBOSBySeq(10, 1)
		return err
	})
	assert.True(t, store.IsNotUnique(err))
}

func (suite *StoreTestSuite) testDeleteBOS(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	mustUpdate(t, s, func(tx store.Tx) error {
		return tx.CreateBOS(store.BOS{ShelfID: 10, BookID: 100, Seq: 1})
	})
	mustUpdate(t, s, func(tx store.Tx) error { return tx.DeleteBOS(10, 100) })

	mustView(t, s, func(tx store.Tx) error {
		rows, err := tx.ListBOS(10)
		require.NoError(t, err)
		assert.Empty(t, rows)
		return nil
	})

	err := s.Update(testContext(), func(tx store.Tx) error { return tx.DeleteBOS(10, 100) })
	assert.True(t, store.IsNotFound(err))
}
