package testing

import (
	"testing"
	"time"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *StoreTestSuite) RunGlobalsTests(t *testing.T) {
	t.Run("GetGlobals_NotFound", suite.testGetGlobalsNotFound)
	t.Run("PutGlobals_RoundTrip", suite.testPutGlobals)
	t.Run("Modules_List", suite.testModules)
	t.Run("TouchNode", suite.testTouchNode)
}

func (suite *StoreTestSuite) testGetGlobalsNotFound(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	err := s.View(testContext(), func(tx store.Tx) error {
		_, err := tx.GetGlobals()
		return err
	})
	assert.True(t, store.IsNotFound(err))
}

func (suite *StoreTestSuite) testPutGlobals(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	want := store.Globals{
		SchemaVersion: store.SchemaVersion,
		BookSize:      8 << 20,
		NVMBytesTotal: 64 << 20,
		BooksTotal:    8,
		NodesTotal:    2,
		Version:       "test",
	}
	mustUpdate(t, s, func(tx store.Tx) error { return tx.PutGlobals(&want) })

	mustView(t, s, func(tx store.Tx) error {
		got, err := tx.GetGlobals()
		require.NoError(t, err)
		assert.Equal(t, want, *got)
		return nil
	})
}

func (suite *StoreTestSuite) testModules(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	mustUpdate(t, s, func(tx store.Tx) error {
		for _, m := range []store.FAModule{
			{NodeID: 2, IG: 1, Ordinal: 1, RawCID: 0x19, SizeBooks: 4},
			{NodeID: 1, IG: 0, Ordinal: 0, RawCID: 0x08, SizeBooks: 4},
			{NodeID: 2, IG: 1, Ordinal: 0, RawCID: 0x18, SizeBooks: 4},
		} {
			if err := tx.PutModule(&m); err != nil {
				return err
			}
		}
		return nil
	})

	mustView(t, s, func(tx store.Tx) error {
		mods, err := tx.ListModules()
		require.NoError(t, err)
		require.Len(t, mods, 3)
		assert.Equal(t, 1, mods[0].NodeID)
		assert.Equal(t, 2, mods[1].NodeID)
		assert.Equal(t, 0, mods[1].Ordinal)
		assert.Equal(t, 1, mods[2].Ordinal)
		return nil
	})
}

func (suite *StoreTestSuite) testTouchNode(t *testing.T) {
	s := suite.NewStore()
	defer func() { _ = s.Close() }()

	first := time.Unix(1000, 0).UTC()
	second := time.Unix(2000, 0).UTC()
	mustUpdate(t, s, func(tx store.Tx) error { return tx.TouchNode(3, first) })
	mustUpdate(t, s, func(tx store.Tx) error { return tx.TouchNode(3, second) })

	mustView(t, s, func(tx store.Tx) error {
		nodes, err := tx.ListNodeStatus()
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, 3, nodes[0].NodeID)
		assert.True(t, second.Equal(nodes[0].LastContact))
		return nil
	})
}
