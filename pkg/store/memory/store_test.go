package memory

import (
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	storetesting "github.com/marmos91/librarian/pkg/store/testing"
)

func TestMemoryStore(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func() store.Store {
			return NewMemoryStore()
		},
	}
	suite.Run(t)
}
