package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

// DefaultBatchSize is the number of books written per transaction.
const DefaultBatchSize = 1024

var ErrAlreadyProvisioned = errors.New("database is already provisioned")

// Summary describes what Provision wrote.
type Summary struct {
	Mode          topology.Mode
	BookSize      uint64
	BooksTotal    int
	NVMBytesTotal uint64
	Nodes         int
	IGs           []topology.IGInfo
}

// Options tunes Provision.
type Options struct {
	// BatchSize caps books per transaction; 0 means DefaultBatchSize.
	BatchSize int

	// Now stamps the reserved shelves; nil means time.Now.
	Now func() time.Time
}

// Provision writes books, modules, globals and the reserved shelves for
// the layout into an empty store.
func Provision(ctx context.Context, st store.Store, l Layout, opts Options) (*Summary, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	mode := l.Mode()
	codec, err := topology.NewCodec(mode)
	if err != nil {
		return nil, err
	}

	modules, err := l.Modules()
	if err != nil {
		return nil, err
	}
	topo, err := topology.New(modules)
	if err != nil {
		return nil, err
	}
	if mode == topology.ModeLZA {
		if err := topo.ValidateLZA(); err != nil {
			return nil, err
		}
	}

	err = st.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetGlobals(); err == nil {
			return ErrAlreadyProvisioned
		} else if !store.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var books []store.Book
	if mode == topology.ModeLZA {
		books, err = lzaBooks(codec, topo)
	} else {
		books, err = physAddrBooks(codec, l)
	}
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Mode:          mode,
		BookSize:      l.BookSize,
		BooksTotal:    len(books),
		NVMBytesTotal: uint64(len(books)) * l.BookSize,
		Nodes:         len(l.Nodes),
	}

	for start := 0; start < len(books); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(books))
		batch := books[start:end]
		if err := st.Update(ctx, func(tx store.Tx) error {
			for i := range batch {
				if err := tx.CreateBook(&batch[i]); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("insert books %d-%d: %w", start, end-1, err)
		}
	}

	now := opts.Now()
	err = st.Update(ctx, func(tx store.Tx) error {
		for _, m := range modules {
			fm := &store.FAModule{
				NodeID:    m.Node.ID(),
				IG:        m.IG,
				SizeBooks: m.SizeBooks,
				RawCID:    m.RawCID(),
				Ordinal:   m.Ordinal,
				Status:    "offline",
			}
			if err := tx.PutModule(fm); err != nil {
				return err
			}
		}

		for _, s := range reservedShelves(now) {
			if err := tx.CreateShelf(&s); err != nil {
				return err
			}
		}

		return tx.PutGlobals(&store.Globals{
			SchemaVersion: store.SchemaVersion,
			BookSize:      l.BookSize,
			NVMBytesTotal: sum.NVMBytesTotal,
			BooksTotal:    sum.BooksTotal,
			NodesTotal:    sum.Nodes,
			Version:       l.Version,
			BIIMode:       uint32(mode),
		})
	})
	if err != nil {
		return nil, err
	}

	sum.IGs = summarize(books, l.BookSize, mode, topo)
	logger.Info("Provisioned %d books (%d bytes) on %d nodes in %s mode",
		sum.BooksTotal, sum.NVMBytesTotal, sum.Nodes, mode)
	return sum, nil
}

// lzaBooks numbers each IG's books 0..n-1 and encodes them as LZAs.
func lzaBooks(codec *topology.Codec, topo *topology.Topology) ([]store.Book, error) {
	var books []store.Book
	for _, g := range topo.IGs() {
		col, err := codec.IGColumn(uint16(g.ID))
		if err != nil {
			return nil, err
		}
		for n := 0; n < g.TotalBooks(); n++ {
			id, err := topology.EncodeLZA(g.ID, n)
			if err != nil {
				return nil, err
			}
			books = append(books, store.Book{ID: id, IG: col, BookNum: n})
		}
	}
	return books, nil
}

// physAddrBooks steps through each node's ranges by book size. The IG
// column value is the node's 0-based index, and a book's number is its
// distance in books from the node's lowest address, so ranges may come in
// any order and leave gaps.
func physAddrBooks(codec *topology.Codec, l Layout) ([]store.Book, error) {
	var books []store.Book
	for _, n := range l.Nodes {
		col, err := codec.IGColumn(uint16(topology.IGForNode(n.NodeID)))
		if err != nil {
			return nil, err
		}
		low := n.Ranges[0].Base
		for _, r := range n.Ranges[1:] {
			low = min(low, r.Base)
		}
		for _, r := range n.Ranges {
			for addr := r.Base; addr < r.Base+r.Size; addr += l.BookSize {
				books = append(books, store.Book{ID: addr, IG: col, BookNum: int((addr - low) / l.BookSize)})
			}
		}
	}
	return books, nil
}

// reservedShelves are "garbage" (so that root is id 2), the root and
// lost+found.
func reservedShelves(now time.Time) []store.Shelf {
	dir := store.ModeDir | 0o777
	return []store.Shelf{
		{ID: store.GarbageShelfID, Name: store.GarbageShelfName, Mode: dir, CTime: now, MTime: now},
		{ID: store.RootShelfID, ParentID: store.RootShelfID, Name: store.RootShelfName, Mode: dir, LinkCount: 3, CTime: now, MTime: now},
		{ID: store.LostFoundShelfID, ParentID: store.RootShelfID, Name: store.LostFoundShelfName, Mode: dir, LinkCount: 2, CTime: now, MTime: now},
	}
}

func summarize(books []store.Book, bookSize uint64, mode topology.Mode, topo *topology.Topology) []topology.IGInfo {
	if mode == topology.ModeLZA {
		var out []topology.IGInfo
		for _, g := range topo.IGs() {
			out = append(out, topology.IGInfo{ID: g.ID, Books: g.TotalBooks(), PhysBase: -1})
		}
		return out
	}
	return store.PhysAddrIGs(books, bookSize)
}
