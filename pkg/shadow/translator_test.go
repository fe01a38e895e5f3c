package shadow

import (
	"encoding/binary"
	"testing"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bs = 2 << 20

func lzaBook(t *testing.T, ig, num int) store.Book {
	t.Helper()
	id, err := topology.EncodeLZA(ig, num)
	require.NoError(t, err)
	return store.Book{ID: id, IG: topology.PackIGColumn(topology.ModeLZA, uint16(ig)), BookNum: num}
}

// gappedIGs has IGs 0, 2 and 5 listed out of order.
func gappedIGs() []topology.IGInfo {
	return []topology.IGInfo{
		{ID: 5, Books: 2, PhysBase: -1},
		{ID: 0, Books: 4, PhysBase: -1},
		{ID: 2, Books: 3, PhysBase: -1},
	}
}

func TestNewTranslator(t *testing.T) {
	tr, err := NewTranslator(gappedIGs(), bs)
	require.NoError(t, err)

	for ig, want := range map[int]int64{0: 0, 2: 4 * bs, 5: 7 * bs} {
		got, ok := tr.Base(ig)
		require.True(t, ok, "IG %d", ig)
		assert.Equal(t, want, got, "IG %d", ig)
	}
	_, ok := tr.Base(1)
	assert.False(t, ok)
	assert.Equal(t, int64(9*bs), tr.Size())

	tests := []struct {
		name     string
		igs      []topology.IGInfo
		bookSize int64
		opts     []TranslatorOption
	}{
		{"zero book size", gappedIGs(), 0, nil},
		{"no IGs", nil, bs, nil},
		{"IG out of range", []topology.IGInfo{{ID: 128, Books: 1, PhysBase: -1}}, bs, nil},
		{"duplicate IG", []topology.IGInfo{{ID: 1, Books: 1, PhysBase: -1}, {ID: 1, Books: 1, PhysBase: -1}}, bs, nil},
		{"IG beyond aperture", gappedIGs(), bs, []TranslatorOption{WithAperture(0, 5*bs)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTranslator(tt.igs, tt.bookSize, tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestTranslate(t *testing.T) {
	tr, err := NewTranslator(gappedIGs(), bs)
	require.NoError(t, err)

	books := []store.Book{lzaBook(t, 2, 1), lzaBook(t, 0, 3), lzaBook(t, 5, 0)}

	tests := []struct {
		off  int64
		want int64
		ok   bool
	}{
		{0, 4*bs + bs, true},
		{17, 4*bs + bs + 17, true},
		{bs, 3 * bs, true},
		{2*bs + bs - 1, 7*bs + bs - 1, true},
		{3 * bs, -1, false},
		{-1, -1, false},
	}
	for _, tt := range tests {
		got, ok := tr.Translate(books, tt.off)
		assert.Equal(t, tt.ok, ok, "offset %d", tt.off)
		assert.Equal(t, tt.want, got, "offset %d", tt.off)
	}
}

// TestTranslateRoundTrip decodes offset 0 back through the base table.
func TestTranslateRoundTrip(t *testing.T) {
	igs := gappedIGs()
	tr, err := NewTranslator(igs, bs)
	require.NoError(t, err)

	for _, first := range []store.Book{lzaBook(t, 0, 2), lzaBook(t, 2, 0), lzaBook(t, 5, 1)} {
		off, ok := tr.Translate([]store.Book{first}, 0)
		require.True(t, ok)

		found := false
		for _, ig := range igs {
			base, _ := tr.Base(ig.ID)
			if off >= base && off < base+int64(ig.Books)*bs {
				assert.Equal(t, int(first.IGValue()), ig.ID)
				assert.Equal(t, first.BookNum, int((off-base)/bs))
				found = true
			}
		}
		assert.True(t, found, "offset 0x%x not inside any IG", off)
	}
}

func TestTranslatePhysAddr(t *testing.T) {
	tr, err := NewTranslator([]topology.IGInfo{
		{ID: 0, Books: 3, PhysBase: 0x100000000},
		{ID: 2, Books: 2, PhysBase: 0x300000000},
	}, bs)
	require.NoError(t, err)
	assert.Equal(t, int64(0x300000000+2*bs), tr.Size())

	b := store.Book{ID: 0x300000000 + bs, IG: topology.PackIGColumn(topology.ModePhysAddr, 2), BookNum: 1}
	off, ok := tr.Translate([]store.Book{b}, 5)
	require.True(t, ok)
	assert.Equal(t, int64(0x300000000+bs+5), off)
}

func TestTranslateApertureBound(t *testing.T) {
	tr, err := NewTranslator([]topology.IGInfo{
		{ID: 0, Books: 4, PhysBase: -1},
		{ID: 2, Books: 3, PhysBase: -1},
	}, bs, WithAperture(0, 5*bs))
	require.NoError(t, err)

	_, ok := tr.Translate([]store.Book{lzaBook(t, 2, 0)}, bs-1)
	assert.True(t, ok)
	_, ok = tr.Translate([]store.Book{lzaBook(t, 2, 1)}, 0)
	assert.False(t, ok)
}

func TestSplit(t *testing.T) {
	tr, err := NewTranslator(gappedIGs(), bs)
	require.NoError(t, err)
	books := []store.Book{lzaBook(t, 0, 1), lzaBook(t, 5, 0)}

	t.Run("WithinBook", func(t *testing.T) {
		got := tr.Split(books, 10, 100)
		assert.Equal(t, []Extent{{ShelfOffset: 10, Offset: bs + 10, Length: 100}}, got)
	})

	t.Run("CrossesBooks", func(t *testing.T) {
		got := tr.Split(books, bs-100, 300)
		assert.Equal(t, []Extent{
			{ShelfOffset: bs - 100, Offset: 2*bs - 100, Length: 100},
			{ShelfOffset: bs, Offset: 7 * bs, Length: 200},
		}, got)
	})

	t.Run("TruncatedPastEnd", func(t *testing.T) {
		got := tr.Split(books, 2*bs-10, 100)
		assert.Equal(t, []Extent{{ShelfOffset: 2*bs - 10, Offset: 8*bs - 10, Length: 10}}, got)
	})

	t.Run("EntirelyPastEnd", func(t *testing.T) {
		assert.Empty(t, tr.Split(books, 2*bs, 10))
	})
}

func TestFaultAndKernelTables(t *testing.T) {
	const apertureBase = 0x01600000000
	tr, err := NewTranslator(gappedIGs(), bs, WithAperture(apertureBase, 16*bs))
	require.NoError(t, err)
	books := []store.Book{lzaBook(t, 5, 1), lzaBook(t, 2, 2)}

	f, err := tr.Fault(books, bs+4096)
	require.NoError(t, err)
	assert.Equal(t, books[1].ID, f.BookID)
	assert.Equal(t, uint64(apertureBase+4*bs+2*bs+4096), f.Address)

	_, err = tr.Fault(books, 2*bs)
	assert.ErrorIs(t, err, ErrOutOfRange)

	table := tr.IGStartTable()
	require.Len(t, table, 128*8)
	assert.Equal(t, uint64(apertureBase), binary.LittleEndian.Uint64(table[0:]))
	assert.Zero(t, binary.LittleEndian.Uint64(table[1*8:]))
	assert.Equal(t, uint64(apertureBase+4*bs), binary.LittleEndian.Uint64(table[2*8:]))
	assert.Equal(t, uint64(apertureBase+7*bs), binary.LittleEndian.Uint64(table[5*8:]))
	assert.Zero(t, binary.LittleEndian.Uint64(table[127*8:]))

	packed := tr.MapPopulate(books, 0, 64)
	require.Len(t, packed, 8)
	assert.Equal(t, uint32(books[0].ID>>topology.BookShift), binary.LittleEndian.Uint32(packed[0:]))
	assert.Equal(t, uint32(5<<13|1), binary.LittleEndian.Uint32(packed[0:]))
	assert.Equal(t, uint32(2<<13|2), binary.LittleEndian.Uint32(packed[4:]))

	assert.Len(t, tr.MapPopulate(books, 0, 7), 4)
	assert.Len(t, tr.MapPopulate(books, 1, 64), 4)
	assert.Empty(t, tr.MapPopulate(books, 2, 64))
}
