package zeroer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/librarian/pkg/engine"
	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/provision"
	"github.com/marmos91/librarian/pkg/shadow"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bookSize = 2 << 20

type fixture struct {
	t      *testing.T
	ctx    context.Context
	st     store.Store
	e      *engine.Engine
	sh     *shadow.Shadow
	shadow *shadow.MemoryBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.NewMemoryStore()
	_, err := provision.Provision(ctx, st, provision.Layout{
		BookSize: bookSize,
		Version:  "zeroer-test",
		Nodes: []provision.NodeLayout{
			{NodeID: 1, NVMSize: 4 * bookSize},
			{NodeID: 2, NVMSize: 4 * bookSize},
		},
	}, provision.Options{})
	require.NoError(t, err)

	e, err := engine.New(ctx, st, engine.WithAllocatorOptions(policy.WithSeed(5)))
	require.NoError(t, err)

	tr, err := shadow.NewTranslator(e.IGs(), e.BookSize())
	require.NoError(t, err)
	mb := shadow.NewMemoryBackend(tr.Size())
	sh, err := shadow.New(mb, tr, e, nil)
	require.NoError(t, err)

	return &fixture{t: t, ctx: ctx, st: st, e: e, sh: sh, shadow: mb}
}

func (f *fixture) ok(req engine.Request) any {
	f.t.Helper()
	req.Context = engine.Context{NodeID: 1, PID: 7}
	resp := f.e.Dispatch(f.ctx, req)
	require.Nil(f.t, resp.Fault, "%s %s", req.Command, req.Path)
	return resp.Value
}

// shrunkShelf creates a shelf of n books, fills it, and shrinks it to one
// book with zeroing. It returns the released books.
func (f *fixture) shrunkShelf(path string, n int) []store.Book {
	f.t.Helper()
	f.ok(engine.Request{Command: engine.CmdCreateShelf, Path: path})
	f.ok(engine.Request{Command: engine.CmdResizeShelf, Path: path, Size: int64(n) * bookSize})

	data := bytes.Repeat([]byte{0xa5}, n*bookSize)
	_, err := f.sh.Write(f.ctx, path, data, 0)
	require.NoError(f.t, err)

	all, err := f.e.ShelfBooks(f.ctx, path)
	require.NoError(f.t, err)
	res := f.ok(engine.Request{Command: engine.CmdResizeShelf, Path: path, Size: bookSize, ZeroEnabled: true}).(*engine.ResizeResult)
	require.NotEmpty(f.t, res.ZeroShelfPath)
	return all[1:]
}

func (f *fixture) countState(state store.BookState) int {
	f.t.Helper()
	var n int
	require.NoError(f.t, f.st.View(f.ctx, func(tx store.Tx) error {
		books, err := tx.ListBooks(store.BookQuery{States: []store.BookState{state}})
		n = len(books)
		return err
	}))
	return n
}

func (f *fixture) pendingShelves() int {
	f.t.Helper()
	n := 0
	for _, s := range f.ok(engine.Request{Command: engine.CmdListShelves, Path: "/"}).([]engine.ShelfInfo) {
		if strings.HasPrefix(s.Name, store.ZeroShelfPrefix) {
			n++
		}
	}
	return n
}

func (f *fixture) isZero(b store.Book) bool {
	f.t.Helper()
	off, ok := f.sh.Translator().BookOffset(b)
	require.True(f.t, ok)
	got := make([]byte, bookSize)
	_, err := f.shadow.ReadAt(f.ctx, got, off)
	require.NoError(f.t, err)
	return bytes.Equal(got, make([]byte, bookSize))
}

type spyMetrics struct {
	mu      sync.Mutex
	runs    int
	failed  int
	books   int
	cleared int64
}

func (s *spyMetrics) RecordRun(shelves int, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.failed += failed
}

func (s *spyMetrics) RecordZeroed(books int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books += books
	s.cleared += bytes
}

func TestNew(t *testing.T) {
	f := newFixture(t)

	_, err := New(nil, f.sh, Config{NodeID: 1}, nil)
	assert.Error(t, err)
	_, err = New(f.e, nil, Config{NodeID: 1}, nil)
	assert.Error(t, err)
	_, err = New(f.e, f.sh, Config{}, nil)
	assert.Error(t, err)

	z, err := New(f.e, f.sh, Config{NodeID: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, z.config.Interval)
	assert.Equal(t, 4, z.config.Concurrency)
}

func TestRunNow(t *testing.T) {
	f := newFixture(t)
	released := f.shrunkShelf("/a", 3)
	released = append(released, f.shrunkShelf("/b", 2)...)
	require.Len(t, released, 3)
	require.Equal(t, 2, f.pendingShelves())
	for _, b := range released {
		require.False(t, f.isZero(b))
	}

	spy := &spyMetrics{}
	z, err := New(f.e, f.sh, Config{NodeID: 1, Concurrency: 2}, spy)
	require.NoError(t, err)

	stats, err := z.RunNow(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Shelves)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 3, stats.Books)
	assert.Equal(t, int64(3*bookSize), stats.Bytes)
	assert.Contains(t, stats.Summary(), "books=3")

	assert.Zero(t, f.pendingShelves())
	assert.Zero(t, f.countState(store.BookZombie))
	assert.Equal(t, 2, f.countState(store.BookInUse))
	for _, b := range released {
		assert.True(t, f.isZero(b), "book 0x%x", b.ID)
	}
	assert.Equal(t, 1, spy.runs)
	assert.Equal(t, 3, spy.books)
	assert.Equal(t, int64(3*bookSize), spy.cleared)

	// The kept books still hold their data.
	got := make([]byte, 16)
	_, err = f.sh.Read(f.ctx, "/a", got, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xa5}, 16), got)

	// Nothing left to do.
	stats, err = z.RunNow(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Shelves)
}

func TestDryRun(t *testing.T) {
	f := newFixture(t)
	f.shrunkShelf("/a", 3)

	z, err := New(f.e, f.sh, Config{NodeID: 1, DryRun: true}, nil)
	require.NoError(t, err)
	stats, err := z.RunNow(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Shelves)
	assert.Zero(t, stats.Books)
	assert.Equal(t, 1, f.pendingShelves())
	assert.Equal(t, 2, f.countState(store.BookZombie))
}

type failingClearer struct{}

func (failingClearer) Zero(ctx context.Context, books []store.Book) (int64, error) {
	return 0, errors.New("device gone")
}

func TestClearFailureKeepsShelf(t *testing.T) {
	f := newFixture(t)
	f.shrunkShelf("/a", 3)

	spy := &spyMetrics{}
	z, err := New(f.e, failingClearer{}, Config{NodeID: 1}, spy)
	require.NoError(t, err)
	stats, err := z.RunNow(f.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device gone")
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, spy.failed)

	// Books stay ZOMBIE until they are really cleared.
	assert.Equal(t, 1, f.pendingShelves())
	assert.Equal(t, 2, f.countState(store.BookZombie))
}

func TestBackgroundWorker(t *testing.T) {
	f := newFixture(t)
	f.shrunkShelf("/a", 2)

	z, err := New(f.e, f.sh, Config{Enabled: true, NodeID: 1, Interval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	z.Start()

	require.Eventually(t, func() bool {
		return f.countState(store.BookZombie) == 0
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, z.Stop(ctx))
	require.NoError(t, z.Stop(ctx))
	assert.Zero(t, f.pendingShelves())
}

func TestDisabledWorker(t *testing.T) {
	f := newFixture(t)
	z, err := New(f.e, f.sh, Config{NodeID: 1}, nil)
	require.NoError(t, err)
	z.Start()
	assert.NoError(t, z.Stop(context.Background()))
}
