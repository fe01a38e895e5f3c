package testing

import (
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *StoreTestSuite) RunXattrTests(t *testing.T) {
	t.Run("SetGetOverwrite", suite.testXattrSetGet)
	t.Run("ListSorted", suite.testXattrList)
	t.Run("Remove", suite.testXattrRemove)
}

func (suite *StoreTestSuite) testXattrSetGet(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	mustUpdate(t, s, func(tx store.Tx) error { return tx.SetXattr(10, "user.color", []byte("red")) })
	mustUpdate(t, s, func(tx store.Tx) error { return tx.SetXattr(10, "user.color", []byte("blue")) })

	mustView(t, s, func(tx store.Tx) error {
		v, err := tx.GetXattr(10, "user.color")
		require.NoError(t, err)
		assert.Equal(t, []byte("blue"), v)

		_, err = tx.GetXattr(11, "user.color")
		assert.True(t, store.IsNotFound(err))
		return nil
	})
}

func (suite *StoreTestSuite) testXattrList(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	mustUpdate(t, s, func(tx store.Tx) error {
		for _, name := range []string{"user.z", "user.a", "user.LFS.AllocationPolicy"} {
			if err := tx.SetXattr(10, name, []byte("x")); err != nil {
				return err
			}
		}
		return tx.SetXattr(12, "user.other", nil)
	})

	mustView(t, s, func(tx store.Tx) error {
		names, err := tx.ListXattrs(10)
		require.NoError(t, err)
		assert.Equal(t, []string{"user.LFS.AllocationPolicy", "user.a", "user.z"}, names)

		all, err := tx.ListAllXattrs()
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, uint64(12), all[3].ShelfID)
		return nil
	})
}

func (suite *StoreTestSuite) testXattrRemove(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	mustUpdate(t, s, func(tx store.Tx) error { return tx.SetXattr(10, "user.a", []byte("1")) })
	mustUpdate(t, s, func(tx store.Tx) error { return tx.RemoveXattr(10, "user.a") })

	err := s.Update(testContext(), func(tx store.Tx) error { return tx.RemoveXattr(10, "user.a") })
	assert.True(t, store.IsNotFound(err))
}
