package shadow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/metrics"
	"github.com/marmos91/librarian/pkg/store"
)

// ErrNoTranslation is returned for translation queries against a backend
// that stores shelves as separate files.
var ErrNoTranslation = errors.New("backend does not translate shelf offsets")

// BookSource lists the books behind a shelf in sequence order.
type BookSource interface {
	ShelfBooks(ctx context.Context, path string) ([]store.Book, error)
}

// Shadow performs shelf I/O against a backend.
//
// With a FlatBackend every access is translated through the book list of
// the shelf; spans crossing book boundaries are split and a span running
// past the last book is cut short. With a ShelfBackend offsets pass
// through untouched.
type Shadow struct {
	backend Backend
	flat    FlatBackend
	shelves ShelfBackend
	tr      *Translator
	books   BookSource
	metrics metrics.ShadowMetrics
}

// New wraps a backend. tr and books are required for flat backends and
// ignored otherwise. A nil m disables metrics.
func New(b Backend, tr *Translator, books BookSource, m metrics.ShadowMetrics) (*Shadow, error) {
	if m == nil {
		m = metrics.NewNoopShadowMetrics()
	}
	s := &Shadow{backend: b, tr: tr, books: books, metrics: m}

	switch be := b.(type) {
	case FlatBackend:
		if tr == nil || books == nil {
			return nil, fmt.Errorf("%s backend needs a translator and a book source", b.Name())
		}
		if be.Size() < tr.Size() {
			return nil, fmt.Errorf("%s backend holds %d bytes, the books need %d", b.Name(), be.Size(), tr.Size())
		}
		s.flat = be
	case ShelfBackend:
		s.shelves = be
	default:
		return nil, fmt.Errorf("unsupported backend %T", b)
	}

	logger.Info("Shadow backend: %s", b.Name())
	return s, nil
}

// Backend returns the wrapped backend.
func (s *Shadow) Backend() Backend { return s.backend }

// Translator returns the translator, nil for shelf backends.
func (s *Shadow) Translator() *Translator { return s.tr }

// ZeroOnUnlink reports whether released books must be zeroed. Shelf
// backends drop a shelf's data with its file.
func (s *Shadow) ZeroOnUnlink() bool { return s.flat != nil }

func (s *Shadow) observe(op string, start time.Time, n int, err error) {
	s.metrics.RecordIO(s.backend.Name(), op, n, time.Since(start), err)
}

// Read reads up to len(p) bytes of a shelf at off. Reading past the last
// book returns fewer bytes without an error.
func (s *Shadow) Read(ctx context.Context, shelf string, p []byte, off int64) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("read", start, n, err) }()

	if s.shelves != nil {
		return s.shelves.ReadAt(ctx, shelf, p, off)
	}

	extents, err := s.extents(ctx, shelf, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	for _, e := range extents {
		pos := e.ShelfOffset - off
		if _, err := s.flat.ReadAt(ctx, p[pos:pos+e.Length], e.Offset); err != nil {
			return n, err
		}
		n += int(e.Length)
	}
	return n, nil
}

// Write writes p to a shelf at off. Bytes that fall past the last book are
// not written and the call returns ErrOutOfRange with the count that was.
func (s *Shadow) Write(ctx context.Context, shelf string, p []byte, off int64) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("write", start, n, err) }()

	if s.shelves != nil {
		return s.shelves.WriteAt(ctx, shelf, p, off)
	}

	extents, err := s.extents(ctx, shelf, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	for _, e := range extents {
		pos := e.ShelfOffset - off
		if _, err := s.flat.WriteAt(ctx, p[pos:pos+e.Length], e.Offset); err != nil {
			return n, err
		}
		n += int(e.Length)
	}
	if n < len(p) {
		return n, fmt.Errorf("%w: wrote %d of %d bytes to %s at %d", ErrOutOfRange, n, len(p), shelf, off)
	}
	return n, nil
}

// extents loads the shelf's books and splits the span.
func (s *Shadow) extents(ctx context.Context, shelf string, off, length int64) ([]Extent, error) {
	books, err := s.books.ShelfBooks(ctx, shelf)
	if err != nil {
		return nil, err
	}
	extents := s.tr.Split(books, off, length)

	var covered int64
	for _, e := range extents {
		covered += e.Length
	}
	if covered < length {
		s.metrics.RecordTruncated(s.backend.Name())
		logger.Debug("Shadow span %s [%d, +%d) truncated to %d bytes", shelf, off, length, covered)
	}
	return extents, nil
}

// Zero clears the backing range of each book and returns the bytes
// cleared. It is a no-op for shelf backends.
func (s *Shadow) Zero(ctx context.Context, books []store.Book) (cleared int64, err error) {
	if s.flat == nil {
		return 0, nil
	}
	start := time.Now()
	defer func() { s.observe("zero", start, int(cleared), err) }()

	for _, b := range books {
		off, ok := s.tr.BookOffset(b)
		if !ok {
			return cleared, fmt.Errorf("%w: book 0x%x has no backing range", ErrOutOfRange, b.ID)
		}
		if err := s.flat.Zero(ctx, off, s.tr.BookSize()); err != nil {
			return cleared, fmt.Errorf("zero book 0x%x: %w", b.ID, err)
		}
		cleared += s.tr.BookSize()
	}
	return cleared, nil
}

// Truncate follows a shelf resize. Only shelf backends hold anything to
// truncate.
func (s *Shadow) Truncate(ctx context.Context, shelf string, size int64) (err error) {
	if s.shelves == nil {
		return nil
	}
	start := time.Now()
	defer func() { s.observe("truncate", start, 0, err) }()
	return s.shelves.Truncate(ctx, shelf, size)
}

// Remove follows a shelf destroy.
func (s *Shadow) Remove(ctx context.Context, shelf string) (err error) {
	if s.shelves == nil {
		return nil
	}
	start := time.Now()
	defer func() { s.observe("remove", start, 0, err) }()
	return s.shelves.Remove(ctx, shelf)
}

// Fault resolves the book and aperture address behind a shelf offset.
func (s *Shadow) Fault(ctx context.Context, shelf string, off int64) (FaultInfo, error) {
	if s.flat == nil {
		return FaultInfo{}, ErrNoTranslation
	}
	books, err := s.books.ShelfBooks(ctx, shelf)
	if err != nil {
		return FaultInfo{}, err
	}
	return s.tr.Fault(books, off)
}

func (s *Shadow) Close() error { return s.backend.Close() }
