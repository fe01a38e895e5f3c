package policy

import (
	"context"
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/store/memory"
	"github.com/marmos91/librarian/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const booksPerNode = 4

// fixture provisions nodes 1 and 2 (enclosure 1) and 11 (enclosure 2), each
// with booksPerNode FREE books in its own IG.
type fixture struct {
	store *memory.MemoryStore
	alloc *Allocator
	codec *topology.Codec
}

func newFixture(t *testing.T, mode topology.Mode, opts ...Option) *fixture {
	t.Helper()
	codec, err := topology.NewCodec(mode)
	require.NoError(t, err)

	var mods []topology.Module
	s := memory.NewMemoryStore()
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		for _, id := range []int{1, 2, 11} {
			n, err := topology.NodeFromID(id)
			require.NoError(t, err)
			ig := topology.IGForNode(id)
			mods = append(mods, topology.Module{Node: n, IG: ig, SizeBooks: booksPerNode})
			col, err := codec.IGColumn(uint16(ig))
			require.NoError(t, err)
			for b := 0; b < booksPerNode; b++ {
				lza, err := topology.EncodeLZA(ig, b)
				require.NoError(t, err)
				if err := tx.CreateBook(&store.Book{ID: lza, IG: col, BookNum: b}); err != nil {
					return err
				}
			}
		}
		return nil
	}))

	topo, err := topology.New(mods)
	require.NoError(t, err)
	return &fixture{store: s, alloc: NewAllocator(topo, codec, opts...), codec: codec}
}

func (f *fixture) allocate(t *testing.T, name Name, req Request) (Result, error) {
	t.Helper()
	var res Result
	err := f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		res, err = f.alloc.Allocate(tx, name, req)
		return err
	})
	return res, err
}

func (f *fixture) setState(t *testing.T, id uint64, state store.BookState) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Tx) error {
		return tx.ModifyBook(&store.Book{ID: id, Allocated: state}, store.BookAllocated)
	}))
}

func (f *fixture) setXattr(t *testing.T, shelf uint64, name, value string) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Tx) error {
		return tx.SetXattr(shelf, name, []byte(value))
	}))
}

func igsOf(books []store.Book) []uint16 {
	out := make([]uint16, len(books))
	for i, b := range books {
		out[i] = b.IGValue()
	}
	return out
}

func lza(t *testing.T, ig, book int) uint64 {
	t.Helper()
	v, err := topology.EncodeLZA(ig, book)
	require.NoError(t, err)
	return v
}

func TestParseName(t *testing.T) {
	for _, n := range All() {
		got, err := ParseName(n.String())
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}

	_, err := ParseName("Bogus")
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	assert.Equal(t, "NonLocal_Enc", NonLocalEnc.String())
	assert.Equal(t, "RandomBooks,LocalNode,LocalEnc,NonLocal_Enc,Nearest,NearestRemote,"+
		"NearestEnc,NearestRack,LZAascending,LZAdescending,RequestIG", List())
	assert.False(t, Name(200).Valid())
}

func TestAllocate_OnlyFreeBooks(t *testing.T) {
	f := newFixture(t, topology.ModeLZA)
	f.setState(t, lza(t, 0, 0), store.BookInUse)
	f.setState(t, lza(t, 1, 1), store.BookZombie)
	f.setState(t, lza(t, 10, 2), store.BookOffline)

	for _, name := range []Name{RandomBooks, Nearest, LZAAscending, LZADescending, LocalNode, NearestRack} {
		t.Run(name.String(), func(t *testing.T) {
			res, err := f.allocate(t, name, Request{BooksNeeded: 100, NodeID: 1})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(res.Books), 100)
			seen := map[uint64]bool{}
			for _, b := range res.Books {
				assert.Equal(t, store.BookFree, b.Allocated)
				assert.False(t, seen[b.ID], "duplicate book 0x%x", b.ID)
				seen[b.ID] = true
			}
		})
	}
}

func TestAllocate_NeverMoreThanRequested(t *testing.T) {
	f := newFixture(t, topology.ModeLZA)
	for _, name := range []Name{RandomBooks, Nearest, NearestRemote, LZAAscending, LZADescending} {
		res, err := f.allocate(t, name, Request{BooksNeeded: 3, NodeID: 1})
		require.NoError(t, err)
		assert.Len(t, res.Books, 3, name.String())
	}

	res, err := f.allocate(t, RandomBooks, Request{BooksNeeded: 0, NodeID: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Books)
}

func TestAllocate_RandomBooksShortfall(t *testing.T) {
	f := newFixture(t, topology.ModeLZA)
	res, err := f.allocate(t, RandomBooks, Request{BooksNeeded: 100})
	require.NoError(t, err)
	assert.Len(t, res.Books, 3*booksPerNode)
}

func TestAllocate_LZAOrder(t *testing.T) {
	f := newFixture(t, topology.ModeLZA)

	res, err := f.allocate(t, LZAAscending, Request{BooksNeeded: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{lza(t, 0, 0), lza(t, 0, 1)}, []uint64{res.Books[0].ID, res.Books[1].ID})

	res, err = f.allocate(t, LZADescending, Request{BooksNeeded: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{lza(t, 10, 3), lza(t, 10, 2)}, []uint64{res.Books[0].ID, res.Books[1].ID})
}

func TestAllocate_Nearest(t *testing.T) {
	f := newFixture(t, topology.ModeLZA)

	tests := []struct {
		name    Name
		needed  int
		wantLen int
		allowed []uint16
	}{
		{LocalNode, 6, 4, []uint16{0}},
		{Nearest, 6, 6, []uint16{0, 1}},
		{Nearest, 10, 10, []uint16{0, 1, 10}},
		{NearestEnc, 10, 8, []uint16{0, 1}},
		{LocalEnc, 10, 8, []uint16{0, 1}},
		{NonLocalEnc, 10, 4, []uint16{1}},
		{NearestRack, 10, 4, []uint16{10}},
		{NearestRemote, 6, 6, []uint16{1, 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name.String(), func(t *testing.T) {
			res, err := f.allocate(t, tt.name, Request{BooksNeeded: tt.needed, NodeID: 1})
			require.NoError(t, err)
			assert.Len(t, res.Books, tt.wantLen)
			for _, ig := range igsOf(res.Books) {
				assert.Contains(t, tt.allowed, ig)
			}
		})
	}
}

func TestAllocate_NearestLocalFirstAndUnshuffled(t *testing.T) {
	f := newFixture(t, topology.ModeLZA)
	res, err := f.allocate(t, Nearest, Request{BooksNeeded: 6, NodeID: 2})
	require.NoError(t, err)
	require.Len(t, res.Books, 6)

	// Local books come first, in ascending id order.
	for i := 0; i < booksPerNode; i++ {
		assert.Equal(t, lza(t, 1, i), res.Books[i].ID)
	}
	// The remainder comes from the enclosure peer, never from enclosure 2.
	assert.Equal(t, []uint16{0, 0}, igsOf(res.Books[booksPerNode:]))
}

func TestAllocate_NearestPhysAddrSingleEnclosure(t *testing.T) {
	f := newFixture(t, topology.ModePhysAddr)

	res, err := f.allocate(t, NearestEnc, Request{BooksNeeded: 12, NodeID: 1})
	require.NoError(t, err)
	assert.Len(t, res.Books, 12)

	res, err = f.allocate(t, NearestRack, Request{BooksNeeded: 4, NodeID: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Books)
}

func TestAllocate_NearestUnknownNode(t *testing.T) {
	f := newFixture(t, topology.ModeLZA)
	_, err := f.allocate(t, Nearest, Request{BooksNeeded: 1, NodeID: 42})
	assert.ErrorIs(t, err, topology.ErrInvalidNode)
}

func TestAllocate_SeededShuffleIsDeterministic(t *testing.T) {
	a := newFixture(t, topology.ModeLZA, WithSeed(7))
	b := newFixture(t, topology.ModeLZA, WithSeed(7))

	ra, err := a.allocate(t, RandomBooks, Request{BooksNeeded: 5})
	require.NoError(t, err)
	rb, err := b.allocate(t, RandomBooks, Request{BooksNeeded: 5})
	require.NoError(t, err)
	assert.Equal(t, ra.Books, rb.Books)
}

func TestAllocate_RequestIG(t *testing.T) {
	const shelf = 10
	f := newFixture(t, topology.ModeLZA)
	f.setXattr(t, shelf, XattrInterleaveRequest, string([]byte{0, 1}))

	res, err := f.allocate(t, RequestIG, Request{ShelfID: shelf, BooksNeeded: 3, NodeID: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 0}, igsOf(res.Books))
	assert.True(t, res.CursorSet)
	assert.Equal(t, 1, res.Cursor)

	// Books within an IG come out in ascending order.
	assert.Equal(t, lza(t, 0, 0), res.Books[0].ID)
	assert.Equal(t, lza(t, 0, 1), res.Books[2].ID)

	f.setXattr(t, shelf, XattrInterleaveRequestPos, "1")
	res, err = f.allocate(t, RequestIG, Request{ShelfID: shelf, BooksNeeded: 3, NodeID: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 0, 1}, igsOf(res.Books))
	assert.Equal(t, 0, res.Cursor)
}

func TestAllocate_RequestIGCursorReset(t *testing.T) {
	const shelf = 10
	f := newFixture(t, topology.ModeLZA)
	f.setXattr(t, shelf, XattrInterleaveRequest, string([]byte{10, 0}))

	for _, pos := range []string{"", "junk", "-1", "2"} {
		f.setXattr(t, shelf, XattrInterleaveRequestPos, pos)
		res, err := f.allocate(t, RequestIG, Request{ShelfID: shelf, BooksNeeded: 1})
		require.NoError(t, err)
		assert.Equal(t, []uint16{10}, igsOf(res.Books), "pos %q", pos)
		assert.Equal(t, 1, res.Cursor)
	}
}

func TestAllocate_RequestIGErrors(t *testing.T) {
	const shelf = 10
	f := newFixture(t, topology.ModeLZA)

	_, err := f.allocate(t, RequestIG, Request{ShelfID: shelf, BooksNeeded: 1})
	assert.ErrorIs(t, err, ErrNoInterleaveRequest)

	f.setXattr(t, shelf, XattrInterleaveRequest, "")
	_, err = f.allocate(t, RequestIG, Request{ShelfID: shelf, BooksNeeded: 1})
	assert.ErrorIs(t, err, ErrNoInterleaveRequest)

	// IG 1 alone cannot supply five books; nothing is returned.
	f.setXattr(t, shelf, XattrInterleaveRequest, string([]byte{1}))
	res, err := f.allocate(t, RequestIG, Request{ShelfID: shelf, BooksNeeded: booksPerNode + 1})
	assert.ErrorIs(t, err, ErrInsufficientBooks)
	assert.Empty(t, res.Books)
}

func TestAllocate_UnknownPolicy(t *testing.T) {
	f := newFixture(t, topology.ModeLZA)
	_, err := f.allocate(t, Name(99), Request{BooksNeeded: 1})
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
