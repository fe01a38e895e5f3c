package testing

import (
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *StoreTestSuite) RunOpenedShelfTests(t *testing.T) {
	t.Run("CreateOpenedShelf_AssignsIDs", suite.testCreateOpenedShelf)
	t.Run("DeleteOpenedShelf_KeyMismatch", suite.testDeleteOpenedShelfMismatch)
}

func (suite *StoreTestSuite) testCreateOpenedShelf(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	var a, b, c store.OpenedShelf
	mustUpdate(t, s, func(tx store.Tx) error {
		a = store.OpenedShelf{ShelfID: 10, NodeID: 1, PID: 100}
		b = store.OpenedShelf{ShelfID: 10, NodeID: 2, PID: 200}
		c = store.OpenedShelf{ShelfID: 11, NodeID: 1, PID: 300}
		for _, o := range []*store.OpenedShelf{&a, &b, &c} {
			if err := tx.CreateOpenedShelf(o); err != nil {
				return err
			}
		}
		return nil
	})
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, b.ID, c.ID)

	mustView(t, s, func(tx store.Tx) error {
		rows, err := tx.ListOpenedShelves(10)
		require.NoError(t, err)
		assert.Len(t, rows, 2)

		all, err := tx.ListAllOpenedShelves()
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	})

	mustUpdate(t, s, func(tx store.Tx) error { return tx.DeleteOpenedShelf(a.ID, 10, 1) })
	mustView(t, s, func(tx store.Tx) error {
		rows, err := tx.ListOpenedShelves(10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, b.ID, rows[0].ID)
		return nil
	})
}

func (suite *StoreTestSuite) testDeleteOpenedShelfMismatch(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	o := store.OpenedShelf{ShelfID: 10, NodeID: 1, PID: 100}
	mustUpdate(t, s, func(tx store.Tx) error { return tx.CreateOpenedShelf(&o) })

	// A handle is identified by (id, shelf, node) together.
	err := s.Update(testContext(), func(tx store.Tx) error { return tx.DeleteOpenedShelf(o.ID, 10, 2) })
	assert.True(t, store.IsNotFound(err))
	err = s.Update(testContext(), func(tx store.Tx) error { return tx.DeleteOpenedShelf(o.ID, 11, 1) })
	assert.True(t, store.IsNotFound(err))
}
