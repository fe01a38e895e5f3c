// Package shadow maps shelf byte offsets onto a backing store.
//
// A shelf is a sequence of books; the Translator turns (books, offset) into
// an offset in a flat address space laid out IG by IG. The Shadow facade
// drives reads, writes and zeroing through one of several backends: a flat
// file, a memory-mapped aperture, an in-process buffer, an S3 bucket, or a
// directory holding one regular file per shelf (which needs no
// translation at all).
package shadow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

// ErrOutOfRange is returned when an offset does not map to any book of
// the shelf or falls outside the aperture.
var ErrOutOfRange = errors.New("offset is beyond the shelf's books")

// Extent is one book-aligned piece of a span.
type Extent struct {
	// ShelfOffset is where the piece starts in the shelf.
	ShelfOffset int64

	// Offset is where the piece starts in the backing store.
	Offset int64

	// Length never crosses a book boundary.
	Length int64
}

// Translator converts shelf offsets to backing-store offsets.
//
// It is built once from the per-IG summary and is read-only afterwards,
// so it is safe for concurrent use.
type Translator struct {
	bookSize int64
	bases    map[uint16]int64
	extents  map[uint16]int
	ids      []int
	total    int64

	apertureBase uint64
	apertureSize int64
}

// TranslatorOption configures a Translator.
type TranslatorOption func(*Translator)

// WithAperture bounds translated offsets to size bytes and adds base to
// the addresses handed to fault resolution and the IG start table.
func WithAperture(base uint64, size int64) TranslatorOption {
	return func(t *Translator) {
		t.apertureBase = base
		t.apertureSize = size
	}
}

// NewTranslator precomputes the IG base table.
//
// IGs whose PhysBase is negative (LZA) are laid out back to back in IG
// order; numbering gaps take no space. Otherwise each IG starts at its
// physical base and covers its span, gaps between ranges included.
func NewTranslator(igs []topology.IGInfo, bookSize int64, opts ...TranslatorOption) (*Translator, error) {
	if bookSize <= 0 {
		return nil, fmt.Errorf("book size must be positive, got %d", bookSize)
	}
	if len(igs) == 0 {
		return nil, fmt.Errorf("no interleave groups")
	}

	sorted := make([]topology.IGInfo, len(igs))
	copy(sorted, igs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	t := &Translator{bookSize: bookSize, bases: make(map[uint16]int64, len(igs)), extents: make(map[uint16]int, len(igs))}
	for _, opt := range opts {
		opt(t)
	}

	var offset int64
	for _, ig := range sorted {
		if ig.ID < 0 || ig.ID >= topology.MaxIGs {
			return nil, fmt.Errorf("interleave group %d out of range", ig.ID)
		}
		if _, dup := t.bases[uint16(ig.ID)]; dup {
			return nil, fmt.Errorf("interleave group %d listed twice", ig.ID)
		}

		base := ig.PhysBase
		if base < 0 {
			base = offset
			offset += int64(ig.Extent()) * bookSize
		}
		if t.apertureSize > 0 && base >= t.apertureSize {
			return nil, fmt.Errorf("interleave group %d starts at 0x%x, beyond the aperture", ig.ID, base)
		}
		t.bases[uint16(ig.ID)] = base
		t.extents[uint16(ig.ID)] = ig.Extent()
		t.ids = append(t.ids, ig.ID)
		if end := base + int64(ig.Extent())*bookSize; end > t.total {
			t.total = end
		}
	}
	return t, nil
}

// BookSize returns the book size the table was built for.
func (t *Translator) BookSize() int64 { return t.bookSize }

// Size returns the extent of the flat address space: the end of the
// highest IG.
func (t *Translator) Size() int64 { return t.total }

// Base returns the start of an IG in the flat address space.
func (t *Translator) Base(ig int) (int64, bool) {
	b, ok := t.bases[uint16(ig)]
	return b, ok
}

// BookOffset returns where a book starts in the backing store. A book
// number outside its IG's extent does not translate.
func (t *Translator) BookOffset(b store.Book) (int64, bool) {
	base, ok := t.bases[b.IGValue()]
	if !ok || b.BookNum < 0 || b.BookNum >= t.extents[b.IGValue()] {
		return -1, false
	}
	off := base + int64(b.BookNum)*t.bookSize
	if t.apertureSize > 0 && off >= t.apertureSize {
		return -1, false
	}
	return off, true
}

// Translate maps a shelf offset to a backing-store offset. It returns
// false past the last book, which bounds read-ahead.
func (t *Translator) Translate(books []store.Book, off int64) (int64, bool) {
	if off < 0 {
		return -1, false
	}
	idx := off / t.bookSize
	if idx >= int64(len(books)) {
		return -1, false
	}
	start, ok := t.BookOffset(books[idx])
	if !ok {
		return -1, false
	}
	res := start + off%t.bookSize
	if t.apertureSize > 0 && res >= t.apertureSize {
		return -1, false
	}
	return res, true
}

// Split decomposes [off, off+length) into book-aligned extents in shelf
// order. The result stops at the first offset that does not translate.
func (t *Translator) Split(books []store.Book, off, length int64) []Extent {
	var out []Extent
	for length > 0 {
		n := min(t.bookSize-off%t.bookSize, length)
		dst, ok := t.Translate(books, off)
		if !ok {
			break
		}
		out = append(out, Extent{ShelfOffset: off, Offset: dst, Length: n})
		off += n
		length -= n
	}
	return out
}

// FaultInfo is the answer to a page fault on a shelf offset.
type FaultInfo struct {
	BookID  uint64
	Address uint64
}

// Fault returns the book and absolute aperture address behind off.
func (t *Translator) Fault(books []store.Book, off int64) (FaultInfo, error) {
	dst, ok := t.Translate(books, off)
	if !ok {
		return FaultInfo{}, fmt.Errorf("%w: offset %d of %d books", ErrOutOfRange, off, len(books))
	}
	return FaultInfo{BookID: books[off/t.bookSize].ID, Address: t.apertureBase + uint64(dst)}, nil
}

// IGStartTable returns the absolute start of all 128 IGs as little-endian
// uint64s. Unknown IGs read as zero.
func (t *Translator) IGStartTable() []byte {
	out := make([]byte, topology.MaxIGs*8)
	for _, id := range t.ids {
		binary.LittleEndian.PutUint64(out[id*8:], t.apertureBase+uint64(t.bases[uint16(id)]))
	}
	return out
}

// MapPopulate packs the IG:book part of each book id from start on, as
// little-endian uint32s, for as many as fit in buflen bytes.
func (t *Translator) MapPopulate(books []store.Book, start, buflen int) []byte {
	var out []byte
	for i := start; i >= 0 && i < len(books) && len(out)+4 <= buflen; i++ {
		out = binary.LittleEndian.AppendUint32(out, uint32(books[i].ID>>topology.BookShift))
	}
	return out
}
