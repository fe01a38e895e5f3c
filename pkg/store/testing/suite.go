package testing

import (
	"context"
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite is a conformance suite for store.Store implementations.
// It tests the interface contract, not implementation details, making it
// reusable across backends (memory, badger).
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &storetesting.StoreTestSuite{
//	        NewStore: func() store.Store {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore is a factory function that creates a fresh Store instance
	// for each test. This ensures test isolation.
	NewStore func() store.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Globals", suite.RunGlobalsTests)
	t.Run("Books", suite.RunBookTests)
	t.Run("Shelves", suite.RunShelfTests)
	t.Run("BOS", suite.RunBOSTests)
	t.Run("OpenedShelves", suite.RunOpenedShelfTests)
	t.Run("Xattrs", suite.RunXattrTests)
	t.Run("Transactions", suite.RunTransactionTests)
}

// testContext returns a standard test context.
func testContext() context.Context {
	return context.Background()
}

// mustUpdate runs fn in a write transaction and fails the test on error.
func mustUpdate(t *testing.T, s store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(testContext(), fn))
}

// mustView runs fn in a read transaction and fails the test on error.
func mustView(t *testing.T, s store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.View(testContext(), fn))
}

// seedBooks inserts n FREE books in IG ig with LZA-style ids.
func seedBooks(t *testing.T, s store.Store, ig uint16, n int) []store.Book {
	t.Helper()
	books := make([]store.Book, n)
	for i := range books {
		books[i] = store.Book{
			ID:      uint64(ig)<<46 | uint64(i)<<33,
			IG:      uint32(ig),
			BookNum: i,
		}
	}
	mustUpdate(t, s, func(tx store.Tx) error {
		for i := range books {
			if err := tx.CreateBook(&books[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return books
}

// newShelf inserts a regular shelf under parent and returns it.
func newShelf(t *testing.T, s store.Store, parent uint64, name string) store.Shelf {
	t.Helper()
	sh := store.Shelf{ParentID: parent, Name: name, Mode: store.ModeRegular | 0o666, LinkCount: 1}
	mustUpdate(t, s, func(tx store.Tx) error { return tx.CreateShelf(&sh) })
	return sh
}
