package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/provision"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bookSize = 8 << 20

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture provisions nodes 1 and 2 (enclosure 1) and node 11 (enclosure 2)
// with 12 books each, IGs 0, 1 and 10.
type fixture struct {
	t   *testing.T
	ctx context.Context
	st  store.Store
	e   *Engine
	rc  Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.NewMemoryStore()
	_, err := provision.Provision(ctx, st, provision.Layout{
		BookSize: bookSize,
		Version:  "test-1",
		Nodes: []provision.NodeLayout{
			{NodeID: 1, NVMSize: 12 * bookSize},
			{NodeID: 2, NVMSize: 12 * bookSize},
			{NodeID: 11, NVMSize: 12 * bookSize},
		},
	}, provision.Options{Now: func() time.Time { return testTime }})
	require.NoError(t, err)

	e, err := New(ctx, st,
		WithClock(func() time.Time { return testTime }),
		WithAllocatorOptions(policy.WithSeed(7)),
	)
	require.NoError(t, err)

	return &fixture{t: t, ctx: ctx, st: st, e: e, rc: Context{NodeID: 1, PID: 100, Seq: 1}}
}

func (f *fixture) do(req Request) Response {
	f.t.Helper()
	if req.Context == (Context{}) {
		req.Context = f.rc
	}
	return f.e.Dispatch(f.ctx, req)
}

func (f *fixture) ok(req Request) any {
	f.t.Helper()
	resp := f.do(req)
	require.Nil(f.t, resp.Fault, "%s %s", req.Command, req.Path)
	return resp.Value
}

func (f *fixture) fails(req Request, errno Errno) Response {
	f.t.Helper()
	resp := f.do(req)
	require.NotNil(f.t, resp.Fault, "%s %s should fail", req.Command, req.Path)
	assert.Equal(f.t, errno, resp.Fault.Errno, resp.Fault.Message)
	return resp
}

func (f *fixture) create(path string) *ShelfInfo {
	f.t.Helper()
	return f.ok(Request{Command: CmdCreateShelf, Path: path}).(*ShelfInfo)
}

func (f *fixture) resize(path string, size int64, zero bool) *ResizeResult {
	f.t.Helper()
	return f.ok(Request{Command: CmdResizeShelf, Path: path, Size: size, ZeroEnabled: zero}).(*ResizeResult)
}

func (f *fixture) books(path string) []ShelfBook {
	f.t.Helper()
	return f.ok(Request{Command: CmdListShelfBooks, Path: path}).([]ShelfBook)
}

func (f *fixture) book(id uint64) store.Book {
	f.t.Helper()
	return *f.ok(Request{Command: CmdGetBook, BookID: id}).(*store.Book)
}

func (f *fixture) countState(state store.BookState) int {
	f.t.Helper()
	n := 0
	for _, b := range f.ok(Request{Command: CmdGetBookAll}).([]store.Book) {
		if b.Allocated == state {
			n++
		}
	}
	return n
}

// checkInvariants asserts book_count == ceil(size/book_size) and that BOS
// sequence numbers are exactly 1..N for every shelf.
func (f *fixture) checkInvariants() {
	f.t.Helper()
	require.NoError(f.t, f.st.View(f.ctx, func(tx store.Tx) error {
		shelves, err := tx.ListShelves()
		require.NoError(f.t, err)
		for _, s := range shelves {
			assert.Equal(f.t, int((s.SizeBytes+bookSize-1)/bookSize), s.BookCount, "shelf %s", s.Name)
			rows, err := tx.ListBOS(s.ID)
			require.NoError(f.t, err)
			require.Len(f.t, rows, s.BookCount, "shelf %s", s.Name)
			for i, r := range rows {
				assert.Equal(f.t, i+1, r.Seq, "shelf %s", s.Name)
			}
		}
		return nil
	}))
}

// ============================================================================
// Dispatch
// ============================================================================

func TestDispatch(t *testing.T) {
	f := newFixture(t)

	t.Run("UnknownCommand", func(t *testing.T) {
		resp := f.fails(Request{Command: "frobnicate", Context: Context{NodeID: 1, Seq: 42}}, ENOSYS)
		assert.Equal(t, uint64(42), resp.Context.Seq)
	})

	t.Run("UnknownNode", func(t *testing.T) {
		f.fails(Request{Command: CmdVersion, Context: Context{NodeID: 5}}, EINVAL)
	})

	t.Run("EchoesContext", func(t *testing.T) {
		rc := Context{NodeID: 11, UID: 1000, GID: 1000, PID: 7, Seq: 99}
		resp := f.do(Request{Command: CmdVersion, Context: rc})
		require.Nil(t, resp.Fault)
		assert.Equal(t, rc, resp.Context)
		assert.Equal(t, "test-1", resp.Value)
	})

	t.Run("Heartbeat", func(t *testing.T) {
		stats := f.ok(Request{Command: CmdGetFSStats, Context: Context{NodeID: 2}}).(*FSStats)
		var seen []int
		for _, n := range stats.Nodes {
			seen = append(seen, n.NodeID)
			assert.Equal(t, testTime, n.LastContact)
		}
		assert.Contains(t, seen, 2)
	})
}

func TestNewRequiresProvisionedStore(t *testing.T) {
	_, err := New(context.Background(), memory.NewMemoryStore())
	assert.Error(t, err)
}

func TestFSStats(t *testing.T) {
	f := newFixture(t)
	f.create("/a")
	f.resize("/a", 2*bookSize, false)

	stats := f.ok(Request{Command: CmdGetFSStats}).(*FSStats)
	assert.Equal(t, "LZA", stats.BIIMode)
	assert.Equal(t, 36, stats.BooksTotal)
	assert.Equal(t, 2, stats.BooksByState["INUSE"])
	assert.Equal(t, 34, stats.BooksByState["FREE"])
	assert.Equal(t, "RandomBooks", stats.DefaultPolicy)
	require.Len(t, stats.BooksPerIG, 3)
	assert.Equal(t, 10, stats.BooksPerIG[2].ID)
}

// ============================================================================
// Book state machine
// ============================================================================

func TestSetBookState(t *testing.T) {
	tests := []struct {
		from, to store.BookState
		ok       bool
	}{
		{store.BookFree, store.BookInUse, true},
		{store.BookInUse, store.BookZombie, true},
		{store.BookZombie, store.BookFree, true},
		{store.BookFree, store.BookFree, true},
		{store.BookInUse, store.BookInUse, true},
		{store.BookFree, store.BookZombie, false},
		{store.BookInUse, store.BookFree, false},
		{store.BookZombie, store.BookInUse, false},
		{store.BookOffline, store.BookFree, false},
		{store.BookFree, store.BookOffline, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			st := memory.NewMemoryStore()
			b := store.Book{ID: 1, Allocated: tt.from}
			err := st.Update(context.Background(), func(tx store.Tx) error {
				if err := tx.CreateBook(&b); err != nil {
					return err
				}
				return setBookState(tx, &b, tt.to)
			})
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, b.Allocated)
			} else {
				assert.Equal(t, EUCLEAN, ErrnoOf(err))
			}
		})
	}
}

// ============================================================================
// Shelf lifecycle
// ============================================================================

func TestCreateShelf(t *testing.T) {
	f := newFixture(t)

	a := f.create("/a")
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, store.RootShelfID, a.ParentID)
	assert.Equal(t, DefaultShelfMode, a.Mode)
	assert.Zero(t, a.SizeBytes)
	assert.Equal(t, 1, a.LinkCount)
	assert.NotZero(t, a.Handle)
	assert.Equal(t, testTime, a.CTime)

	policyName := f.ok(Request{Command: CmdGetXattr, Path: "/a", Xattr: policy.XattrAllocationPolicy}).([]byte)
	assert.Equal(t, "RandomBooks", string(policyName))
	pattern := f.ok(Request{Command: CmdGetXattr, Path: "/a", Xattr: policy.XattrInterleaveRequest}).([]byte)
	assert.Empty(t, pattern)

	again := f.create("/a")
	assert.Equal(t, a.ID, again.ID)
	assert.NotEqual(t, a.Handle, again.Handle)

	handles := f.ok(Request{Command: CmdListOpenShelves}).([]store.OpenedShelf)
	assert.Len(t, handles, 2)

	f.fails(Request{Command: CmdCreateShelf, Path: "/missing/b"}, ENOENT)
	f.fails(Request{Command: CmdCreateShelf, Path: "/"}, EINVAL)
}

func TestOpenClose(t *testing.T) {
	f := newFixture(t)
	a := f.create("/a")

	opened := f.ok(Request{Command: CmdOpenShelf, Path: "/a"}).(*ShelfInfo)
	assert.Equal(t, a.ID, opened.ID)

	f.ok(Request{Command: CmdCloseShelf, ID: a.ID, Handle: opened.Handle})
	f.fails(Request{Command: CmdCloseShelf, ID: a.ID, Handle: opened.Handle}, ENOENT)

	// Handles are keyed by node as well.
	f.fails(Request{Command: CmdCloseShelf, ID: a.ID, Handle: a.Handle, Context: Context{NodeID: 2}}, ENOENT)
	f.ok(Request{Command: CmdCloseShelf, ID: a.ID, Handle: a.Handle})

	f.fails(Request{Command: CmdOpenShelf, Path: "/nope"}, ENOENT)
	f.fails(Request{Command: CmdOpenShelf, Path: "/a", ID: a.ID + 100}, ENOENT)
}

func TestResizeGrow(t *testing.T) {
	f := newFixture(t)
	f.create("/a")

	f.resize("/a", 2*bookSize+1, false)
	books := f.books("/a")
	require.Len(t, books, 3)
	for i, b := range books {
		assert.Equal(t, i+1, b.Seq)
		assert.Equal(t, store.BookInUse, b.Allocated)
	}

	got := f.ok(Request{Command: CmdGetShelf, Path: "/a"}).(*ShelfInfo)
	assert.Equal(t, int64(2*bookSize+1), got.SizeBytes)
	assert.Equal(t, 3, got.BookCount)

	// Same book count, different size: books untouched.
	f.resize("/a", 3*bookSize, false)
	assert.Equal(t, books[2].ID, f.books("/a")[2].ID)

	f.resize("/a", 5*bookSize, false)
	grown := f.books("/a")
	require.Len(t, grown, 5)
	for i := range books {
		assert.Equal(t, books[i].ID, grown[i].ID, "existing books keep their sequence")
	}
	f.checkInvariants()
}

func TestResizeFaults(t *testing.T) {
	f := newFixture(t)
	f.create("/a")

	f.fails(Request{Command: CmdResizeShelf, Path: "/a", Size: -1}, EINVAL)
	f.fails(Request{Command: CmdResizeShelf, Path: "/nope", Size: bookSize}, ENOENT)

	t.Run("OutOfSpace", func(t *testing.T) {
		f.fails(Request{Command: CmdResizeShelf, Path: "/a", Size: 100 * bookSize}, ENOSPC)
		assert.Equal(t, 36, f.countState(store.BookFree))
		f.checkInvariants()
	})

	t.Run("UnknownPolicy", func(t *testing.T) {
		f.create("/p")
		require.NoError(t, f.st.Update(f.ctx, func(tx store.Tx) error {
			s, err := resolve(tx, "/p")
			require.NoError(t, err)
			return tx.SetXattr(s.ID, policy.XattrAllocationPolicy, []byte("Bogus"))
		}))
		f.fails(Request{Command: CmdResizeShelf, Path: "/p", Size: bookSize}, ENOSYS)
	})

	t.Run("ShrinkWithOtherOpeners", func(t *testing.T) {
		f.resize("/a", 4*bookSize, false)
		other := Context{NodeID: 2, PID: 5}
		h := f.ok(Request{Command: CmdOpenShelf, Path: "/a", Context: other}).(*ShelfInfo)

		f.fails(Request{Command: CmdResizeShelf, Path: "/a", Size: bookSize}, EMFILE)
		assert.Len(t, f.books("/a"), 4)

		// Growing is still allowed.
		f.resize("/a", 5*bookSize, false)

		f.ok(Request{Command: CmdCloseShelf, ID: h.ID, Handle: h.Handle, Context: other})
		f.resize("/a", bookSize, false)
	})

	t.Run("ShrinkWithinBookWithOtherOpeners", func(t *testing.T) {
		f.create("/b")
		f.resize("/b", 3*bookSize+100, false)
		other := Context{NodeID: 2, PID: 5}
		h := f.ok(Request{Command: CmdOpenShelf, Path: "/b", Context: other}).(*ShelfInfo)

		f.fails(Request{Command: CmdResizeShelf, Path: "/b", Size: 3*bookSize + 10}, EMFILE)
		got := f.ok(Request{Command: CmdGetShelf, Path: "/b"}).(*ShelfInfo)
		assert.Equal(t, int64(3*bookSize+100), got.SizeBytes)

		// Growing within the last book is still allowed.
		f.resize("/b", 3*bookSize+200, false)

		f.ok(Request{Command: CmdCloseShelf, ID: h.ID, Handle: h.Handle, Context: other})
		f.resize("/b", 3*bookSize+10, false)
		f.checkInvariants()
	})

	t.Run("MissingBOSRow", func(t *testing.T) {
		f.create("/gap")
		f.resize("/gap", 2*bookSize, false)
		require.NoError(t, f.st.Update(f.ctx, func(tx store.Tx) error {
			s, err := resolve(tx, "/gap")
			require.NoError(t, err)
			rows, err := tx.ListBOS(s.ID)
			require.NoError(t, err)
			return tx.DeleteBOS(s.ID, rows[1].BookID)
		}))
		f.fails(Request{Command: CmdResizeShelf, Path: "/gap", Size: 3 * bookSize}, EBADFD)
	})

	t.Run("BadSequence", func(t *testing.T) {
		f.create("/seq")
		f.resize("/seq", 2*bookSize, false)
		require.NoError(t, f.st.Update(f.ctx, func(tx store.Tx) error {
			s, err := resolve(tx, "/seq")
			require.NoError(t, err)
			rows, err := tx.ListBOS(s.ID)
			require.NoError(t, err)
			if err := tx.DeleteBOS(s.ID, rows[1].BookID); err != nil {
				return err
			}
			return tx.CreateBOS(store.BOS{ShelfID: s.ID, BookID: rows[1].BookID, Seq: 7})
		}))
		f.fails(Request{Command: CmdResizeShelf, Path: "/seq", Size: 0}, EBADFD)
	})
}

func TestResizeShrinkOrder(t *testing.T) {
	f := newFixture(t)
	f.create("/a")
	f.resize("/a", 10*bookSize, false)
	before := f.books("/a")

	res := f.resize("/a", 4*bookSize, true)
	require.NotEmpty(t, res.ZeroShelfPath)
	assert.True(t, strings.HasPrefix(res.ZeroShelfPath, "/"+store.ZeroShelfPrefix+"a_2_"))

	after := f.books("/a")
	require.Len(t, after, 4)
	for i := range after {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, i+1, after[i].Seq)
	}

	// The zeroing shelf holds the removed books in removal order: 10..5.
	zbooks := f.books(res.ZeroShelfPath)
	require.Len(t, zbooks, 6)
	for i, zb := range zbooks {
		assert.Equal(t, before[9-i].ID, zb.ID)
		assert.Equal(t, store.BookZombie, zb.Allocated)
	}
	f.checkInvariants()

	// Emptying the zeroing shelf is the zero-completion signal.
	f.resize(res.ZeroShelfPath, 0, true)
	for _, zb := range zbooks {
		assert.Equal(t, store.BookFree, f.book(zb.ID).Allocated)
	}
	f.ok(Request{Command: CmdDestroyShelf, Path: res.ZeroShelfPath})
	assert.Equal(t, 32, f.countState(store.BookFree))
	f.checkInvariants()
}

func TestDestroyShelf(t *testing.T) {
	f := newFixture(t)
	a := f.create("/a")
	f.resize("/a", 3*bookSize, false)
	books := f.books("/a")

	f.fails(Request{Command: CmdDestroyShelf, Path: "/a"}, EBUSY)
	assert.Len(t, f.books("/a"), 3)
	assert.Equal(t, 3, f.countState(store.BookInUse))

	f.ok(Request{Command: CmdCloseShelf, ID: a.ID, Handle: a.Handle})
	f.ok(Request{Command: CmdDestroyShelf, Path: "/a"})

	f.fails(Request{Command: CmdGetShelf, Path: "/a"}, ENOENT)
	for _, b := range books {
		assert.Equal(t, store.BookZombie, f.book(b.ID).Allocated)
	}
	require.NoError(t, f.st.View(f.ctx, func(tx store.Tx) error {
		xattrs, err := tx.ListXattrs(a.ID)
		require.NoError(t, err)
		assert.Empty(t, xattrs)
		return nil
	}))

	f.fails(Request{Command: CmdDestroyShelf, Path: "/"}, EPERM)
}

// TestLifecycleEndToEnd walks create, grow, shrink and destroy.
func TestLifecycleEndToEnd(t *testing.T) {
	for _, zero := range []bool{false, true} {
		name := "WithoutZeroing"
		if zero {
			name = "WithZeroing"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			a := f.create("/a")
			f.resize("/a", 3*bookSize, zero)
			all := f.books("/a")

			res := f.resize("/a", bookSize, zero)
			kept := f.books("/a")
			require.Len(t, kept, 1)
			assert.Equal(t, 1, kept[0].Seq)
			assert.Equal(t, all[0].ID, kept[0].ID)
			for _, b := range all[1:] {
				assert.Equal(t, store.BookZombie, f.book(b.ID).Allocated)
			}
			assert.Equal(t, zero, res.ZeroShelfPath != "")

			f.fails(Request{Command: CmdDestroyShelf, Path: "/a"}, EBUSY)
			f.ok(Request{Command: CmdCloseShelf, ID: a.ID, Handle: a.Handle})
			f.ok(Request{Command: CmdDestroyShelf, Path: "/a"})
			assert.Equal(t, store.BookZombie, f.book(all[0].ID).Allocated)
			f.checkInvariants()
		})
	}
}

func TestRequestIGResize(t *testing.T) {
	f := newFixture(t)
	f.create("/r")

	f.ok(Request{Command: CmdSetXattr, Path: "/r", Xattr: policy.XattrInterleaveRequest, Value: []byte{0, 10}})
	pos := f.ok(Request{Command: CmdGetXattr, Path: "/r", Xattr: policy.XattrInterleaveRequestPos}).([]byte)
	assert.Equal(t, "0", string(pos))

	f.ok(Request{Command: CmdSetXattr, Path: "/r", Xattr: policy.XattrAllocationPolicy, Value: []byte("RequestIG")})
	f.resize("/r", 3*bookSize, false)

	il := f.ok(Request{Command: CmdGetXattr, Path: "/r", Xattr: policy.XattrInterleave}).([]byte)
	assert.Equal(t, []byte{0, 10, 0}, il)
	pos = f.ok(Request{Command: CmdGetXattr, Path: "/r", Xattr: policy.XattrInterleaveRequestPos}).([]byte)
	assert.Equal(t, "1", string(pos))

	f.resize("/r", 4*bookSize, false)
	il = f.ok(Request{Command: CmdGetXattr, Path: "/r", Xattr: policy.XattrInterleave}).([]byte)
	assert.Equal(t, []byte{0, 10, 0, 10}, il)

	f.create("/empty")
	f.ok(Request{Command: CmdSetXattr, Path: "/empty", Xattr: policy.XattrAllocationPolicy, Value: []byte("RequestIG")})
	f.fails(Request{Command: CmdResizeShelf, Path: "/empty", Size: bookSize}, ERANGE)
}

func TestSizeMismatchIsReported(t *testing.T) {
	f := newFixture(t)
	f.create("/a")
	require.NoError(t, f.st.Update(f.ctx, func(tx store.Tx) error {
		s, err := resolve(tx, "/a")
		require.NoError(t, err)
		s.SizeBytes = bookSize
		return tx.ModifyShelf(s, store.ShelfSize)
	}))
	f.fails(Request{Command: CmdGetShelf, Path: "/a"}, EBADF)
	f.fails(Request{Command: CmdResizeShelf, Path: "/a", Size: 0}, EBADF)
}

// ============================================================================
// Namespace
// ============================================================================

func TestRenameShelf(t *testing.T) {
	f := newFixture(t)
	f.create("/a")
	f.create("/b")
	f.ok(Request{Command: CmdMkdir, Path: "/d1"})
	f.ok(Request{Command: CmdMkdir, Path: "/d2"})

	f.fails(Request{Command: CmdRenameShelf, Path: "/a", NewPath: "/b"}, EEXIST)
	f.fails(Request{Command: CmdRenameShelf, Path: "/nope", NewPath: "/c"}, ENOENT)

	moved := f.ok(Request{Command: CmdRenameShelf, Path: "/a", NewPath: "/d1/a2"}).(*ShelfInfo)
	assert.Equal(t, "a2", moved.Name)
	f.ok(Request{Command: CmdGetShelf, Path: "/d1/a2"})
	f.fails(Request{Command: CmdGetShelf, Path: "/a"}, ENOENT)

	// Moving a directory moves one link between parents.
	f.ok(Request{Command: CmdRenameShelf, Path: "/d2", NewPath: "/d1/d2"})
	root := f.ok(Request{Command: CmdGetShelf, Path: "/"}).(*ShelfInfo)
	d1 := f.ok(Request{Command: CmdGetShelf, Path: "/d1"}).(*ShelfInfo)
	assert.Equal(t, 4, root.LinkCount) // lost+found and d1
	assert.Equal(t, 3, d1.LinkCount)

	f.fails(Request{Command: CmdRenameShelf, Path: "/d1", NewPath: "/d1/d2/x"}, EINVAL)

	path := f.ok(Request{Command: CmdGetShelfPath, ID: d1.ID}).(string)
	assert.Equal(t, "/d1", path)
}

func TestRenameToZeroPrefix(t *testing.T) {
	f := newFixture(t)
	f.create("/a")
	f.resize("/a", 2*bookSize, false)
	books := f.books("/a")

	f.ok(Request{Command: CmdRenameShelf, Path: "/a", NewPath: "/" + store.ZeroShelfPrefix + "a"})
	for _, b := range books {
		assert.Equal(t, store.BookZombie, f.book(b.ID).Allocated)
	}
	assert.Len(t, f.books("/"+store.ZeroShelfPrefix+"a"), 2)
}

func TestDirectories(t *testing.T) {
	f := newFixture(t)

	d := f.ok(Request{Command: CmdMkdir, Path: "/d"}).(*ShelfInfo)
	assert.True(t, d.IsDir())
	assert.Equal(t, 2, d.LinkCount)
	root := f.ok(Request{Command: CmdGetShelf, Path: "/"}).(*ShelfInfo)
	assert.Equal(t, 4, root.LinkCount)

	resp := f.fails(Request{Command: CmdMkdir, Path: "/d"}, EEXIST)
	require.NotNil(t, resp.Value)
	assert.Equal(t, d.ID, resp.Value.(*ShelfInfo).ID)

	f.create("/d/file")
	listing := f.ok(Request{Command: CmdListShelves, Path: "/d"}).([]ShelfInfo)
	require.Len(t, listing, 3)
	assert.Equal(t, ".", listing[0].Name)
	assert.Equal(t, d.ID, listing[0].ID)
	assert.Equal(t, "..", listing[1].Name)
	assert.Equal(t, store.RootShelfID, listing[1].ID)
	assert.Equal(t, "file", listing[2].Name)

	rootListing := f.ok(Request{Command: CmdListShelves, Path: "/"}).([]ShelfInfo)
	var names []string
	for _, s := range rootListing {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{".", "..", "lost+found", "d"}, names)

	f.fails(Request{Command: CmdRmdir, Path: "/d"}, ENOTEMPTY)
	f.fails(Request{Command: CmdRmdir, Path: "/d/file"}, ENOTDIR)
	f.fails(Request{Command: CmdRmdir, Path: "/lost+found"}, EBUSY)

	file := f.ok(Request{Command: CmdGetShelf, Path: "/d/file"}).(*ShelfInfo)
	handles := f.ok(Request{Command: CmdListOpenShelves}).([]store.OpenedShelf)
	for _, h := range handles {
		f.ok(Request{Command: CmdCloseShelf, ID: h.ShelfID, Handle: h.ID})
	}
	f.ok(Request{Command: CmdDestroyShelf, Path: "/d/file", ID: file.ID})
	f.ok(Request{Command: CmdRmdir, Path: "/d"})

	root = f.ok(Request{Command: CmdGetShelf, Path: "/"}).(*ShelfInfo)
	assert.Equal(t, 3, root.LinkCount)
}

func TestSymlink(t *testing.T) {
	f := newFixture(t)

	link := f.ok(Request{Command: CmdSymlink, Path: "/l", Target: "/some/where"}).(*ShelfInfo)
	assert.True(t, link.IsSymlink())
	assert.Equal(t, store.ModeSymlink|0o777, link.Mode)

	target := f.ok(Request{Command: CmdReadlink, Path: "/l"}).(string)
	assert.Equal(t, "/some/where", target)

	f.fails(Request{Command: CmdSymlink, Path: "/l", Target: "/x"}, EEXIST)

	f.create("/plain")
	f.fails(Request{Command: CmdReadlink, Path: "/plain"}, EINVAL)
	f.fails(Request{Command: CmdReadlink, Path: "/none"}, ENOENT)

	f.ok(Request{Command: CmdDestroyShelf, Path: "/l"})
	require.NoError(t, f.st.View(f.ctx, func(tx store.Tx) error {
		links, err := tx.ListSymlinks()
		require.NoError(t, err)
		assert.Empty(t, links)
		return nil
	}))
}

// ============================================================================
// Extended attributes
// ============================================================================

func TestXattrs(t *testing.T) {
	f := newFixture(t)
	f.create("/a")
	f.resize("/a", 2*bookSize, false)

	t.Run("PassThrough", func(t *testing.T) {
		f.ok(Request{Command: CmdSetXattr, Path: "/a", Xattr: "user.color", Value: []byte("blue")})
		v := f.ok(Request{Command: CmdGetXattr, Path: "/a", Xattr: "user.color"}).([]byte)
		assert.Equal(t, "blue", string(v))
		f.ok(Request{Command: CmdRemoveXattr, Path: "/a", Xattr: "user.color"})
		f.fails(Request{Command: CmdGetXattr, Path: "/a", Xattr: "user.color"}, ENODATA)
		f.fails(Request{Command: CmdRemoveXattr, Path: "/a", Xattr: "user.color"}, ENODATA)
	})

	t.Run("Malformed", func(t *testing.T) {
		f.fails(Request{Command: CmdGetXattr, Path: "/a", Xattr: "user.LFS"}, EINVAL)
		f.fails(Request{Command: CmdSetXattr, Path: "/a", Xattr: "user.LFS.a.b", Value: []byte("x")}, EINVAL)
		f.fails(Request{Command: CmdSetXattr, Path: "/a", Xattr: "user.LFS.Unknown", Value: []byte("x")}, EINVAL)
	})

	t.Run("ReadOnly", func(t *testing.T) {
		for _, name := range []string{policy.XattrAllocationPolicyList, policy.XattrInterleave, policy.XattrInterleaveRequestPos} {
			f.fails(Request{Command: CmdSetXattr, Path: "/a", Xattr: name, Value: []byte("0")}, ENOTSUP)
		}
		f.fails(Request{Command: CmdRemoveXattr, Path: "/a", Xattr: policy.XattrAllocationPolicy}, EINVAL)
	})

	t.Run("AllocationPolicy", func(t *testing.T) {
		f.fails(Request{Command: CmdSetXattr, Path: "/a", Xattr: policy.XattrAllocationPolicy, Value: []byte("Fastest")}, EINVAL)
		f.ok(Request{Command: CmdSetXattr, Path: "/a", Xattr: policy.XattrAllocationPolicy, Value: []byte("LZAascending")})

		list := f.ok(Request{Command: CmdGetXattr, Path: "/a", Xattr: policy.XattrAllocationPolicyList}).([]byte)
		assert.Equal(t, policy.List(), string(list))
	})

	t.Run("DefaultPolicy", func(t *testing.T) {
		f.fails(Request{Command: CmdSetXattr, Path: "/", Xattr: policy.XattrAllocationPolicyDefault, Value: []byte("RequestIG")}, EINVAL)
		f.ok(Request{Command: CmdSetXattr, Path: "/", Xattr: policy.XattrAllocationPolicyDefault, Value: []byte("LocalNode")})
		v := f.ok(Request{Command: CmdGetXattr, Path: "/", Xattr: policy.XattrAllocationPolicyDefault}).([]byte)
		assert.Equal(t, "LocalNode", string(v))

		b := f.create("/b")
		assert.NotZero(t, b.ID)
		p := f.ok(Request{Command: CmdGetXattr, Path: "/b", Xattr: policy.XattrAllocationPolicy}).([]byte)
		assert.Equal(t, "LocalNode", string(p))
	})

	t.Run("InterleaveRequest", func(t *testing.T) {
		f.fails(Request{Command: CmdSetXattr, Path: "/a", Xattr: policy.XattrInterleaveRequest, Value: []byte{0, 5}}, EINVAL)
		f.ok(Request{Command: CmdSetXattr, Path: "/a", Xattr: policy.XattrInterleaveRequest, Value: []byte{1, 0}})
	})

	t.Run("Interleave", func(t *testing.T) {
		il := f.ok(Request{Command: CmdGetXattr, Path: "/a", Xattr: policy.XattrInterleave}).([]byte)
		books := f.books("/a")
		require.Len(t, il, len(books))
		for i, b := range books {
			assert.Equal(t, byte(b.IGValue()), il[i])
		}
	})

	t.Run("List", func(t *testing.T) {
		names := f.ok(Request{Command: CmdListXattrs, Path: "/a"}).([]string)
		assert.Equal(t, []string{
			policy.XattrAllocationPolicy,
			policy.XattrAllocationPolicyList,
			policy.XattrInterleave,
			policy.XattrInterleaveRequest,
			policy.XattrInterleaveRequestPos,
		}, names)

		root := f.ok(Request{Command: CmdListXattrs, Path: "/"}).([]string)
		assert.Equal(t, []string{policy.XattrAllocationPolicyDefault, policy.XattrAllocationPolicyList}, root)
	})
}

// ============================================================================
// Books
// ============================================================================

func TestBookQueries(t *testing.T) {
	f := newFixture(t)

	all := f.ok(Request{Command: CmdGetBookAll}).([]store.Book)
	assert.Len(t, all, 36)

	ig := f.ok(Request{Command: CmdGetBookIG, IG: 10}).([]store.Book)
	assert.Len(t, ig, 12)
	for _, b := range ig {
		assert.Equal(t, uint16(10), b.IGValue())
	}

	f.fails(Request{Command: CmdGetBook, BookID: 12345}, ENOENT)
	f.fails(Request{Command: CmdGetBookIG, IG: 300}, EINVAL)
}

func TestKillZombieBooks(t *testing.T) {
	f := newFixture(t)
	f.create("/a")
	f.ok(Request{Command: CmdSetXattr, Path: "/a", Xattr: policy.XattrAllocationPolicy, Value: []byte("LocalNode")})
	f.resize("/a", 3*bookSize, false)
	f.resize("/a", 0, false)
	assert.Equal(t, 3, f.countState(store.BookZombie))

	// Node 2 owns IG 1, which holds none of them.
	n := f.ok(Request{Command: CmdKillZombieBooks, Context: Context{NodeID: 2}}).(int)
	assert.Zero(t, n)

	n = f.ok(Request{Command: CmdKillZombieBooks}).(int)
	assert.Equal(t, 3, n)
	assert.Equal(t, 36, f.countState(store.BookFree))
}

func TestSetAMTime(t *testing.T) {
	f := newFixture(t)
	f.create("/a")
	when := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	s := f.ok(Request{Command: CmdSetAMTime, Path: "/a", MTime: when}).(*ShelfInfo)
	assert.Equal(t, when, s.MTime)

	s = f.ok(Request{Command: CmdSetAMTime, Path: "/a"}).(*ShelfInfo)
	assert.Equal(t, testTime, s.MTime)
}
