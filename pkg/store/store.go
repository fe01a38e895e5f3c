// Package store defines the persistence contract for the librarian database:
// books, shelves, book-on-shelf links, open handles, extended attributes and
// the provisioned topology.
//
// Implementations live in sub-packages (memory, badger) and must pass the
// shared conformance suite in pkg/store/testing.
package store

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/marmos91/librarian/pkg/topology"
)

// SchemaVersion is written into Globals at provisioning time.
const SchemaVersion = 1

// Reserved shelf ids created at provisioning.
const (
	GarbageShelfID   uint64 = 1
	RootShelfID      uint64 = 2
	LostFoundShelfID uint64 = 3
	FirstUserShelfID uint64 = 4
)

const (
	GarbageShelfName   = "garbage"
	RootShelfName      = "."
	LostFoundShelfName = "lost+found"
)

// Name prefixes of shelves whose books are pending zeroing. The second is
// left behind by older releases and only fsck still looks for it.
const (
	ZeroShelfPrefix    = ".lfs_pending_zero_"
	LegacyHiddenPrefix = ".tmfs_hidden"
)

// POSIX mode bits used for shelves.
const (
	ModeTypeMask uint32 = 0o170000
	ModeRegular  uint32 = 0o100000
	ModeDir      uint32 = 0o040000
	ModeSymlink  uint32 = 0o120000
	ModeBlockDev uint32 = 0o060000
	ModePermMask uint32 = 0o7777
)

// BookState is the allocation state of a book.
type BookState uint8

const (
	BookFree BookState = iota
	BookInUse
	BookZombie
	BookOffline
)

func (s BookState) String() string {
	switch s {
	case BookFree:
		return "FREE"
	case BookInUse:
		return "INUSE"
	case BookZombie:
		return "ZOMBIE"
	case BookOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// Book is one fixed-size chunk of fabric-attached memory.
//
// Only Allocated and Attributes ever change after provisioning.
type Book struct {
	ID         uint64    `json:"id"`
	IG         uint32    `json:"intlv_group"`
	BookNum    int       `json:"book_num"`
	Allocated  BookState `json:"allocated"`
	Attributes uint64    `json:"attributes"`
}

// IGValue returns the IG column value without the mode tag.
func (b Book) IGValue() uint16 {
	return topology.IGColumnValue(b.IG)
}

// PhysAddrIGs groups PHYSADDR books by IG column value, recording each
// group's lowest physical address and the span up to its highest book.
func PhysAddrIGs(books []Book, bookSize uint64) []topology.IGInfo {
	byIG := make(map[int]*topology.IGInfo)
	high := make(map[int]uint64)
	for _, b := range books {
		ig := int(b.IGValue())
		info, ok := byIG[ig]
		if !ok {
			info = &topology.IGInfo{ID: ig, PhysBase: int64(b.ID)}
			byIG[ig] = info
		}
		info.Books++
		info.PhysBase = min(info.PhysBase, int64(b.ID))
		high[ig] = max(high[ig], b.ID)
	}
	out := make([]topology.IGInfo, 0, len(byIG))
	for ig, info := range byIG {
		info.Span = int((high[ig]-uint64(info.PhysBase))/bookSize) + 1
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shelf is a file-like namespace object backed by an ordered list of books.
type Shelf struct {
	ID        uint64    `json:"id"`
	ParentID  uint64    `json:"parent_id"`
	Name      string    `json:"name"`
	Mode      uint32    `json:"mode"`
	SizeBytes int64     `json:"size_bytes"`
	BookCount int       `json:"book_count"`
	LinkCount int       `json:"link_count"`
	CTime     time.Time `json:"ctime"`
	MTime     time.Time `json:"mtime"`
	CreatorID int       `json:"creator_id"`
}

func (s Shelf) IsDir() bool     { return s.Mode&ModeTypeMask == ModeDir }
func (s Shelf) IsSymlink() bool { return s.Mode&ModeTypeMask == ModeSymlink }

// BOS links a book to a shelf at a 1-based sequence position.
type BOS struct {
	ShelfID uint64 `json:"shelf_id"`
	BookID  uint64 `json:"book_id"`
	Seq     int    `json:"seq_num"`
}

// OpenedShelf is one open handle on a shelf.
type OpenedShelf struct {
	ID      uint64 `json:"id"`
	ShelfID uint64 `json:"shelf_id"`
	NodeID  int    `json:"node_id"`
	PID     int    `json:"pid"`
}

// Xattr is a named extended attribute of a shelf.
type Xattr struct {
	ShelfID uint64 `json:"shelf_id"`
	Name    string `json:"xattr"`
	Value   []byte `json:"value"`
}

// Symlink stores the target of a symlink shelf.
type Symlink struct {
	ShelfID uint64 `json:"shelf_id"`
	Target  string `json:"target"`
}

// Globals holds machine-wide constants fixed at provisioning.
type Globals struct {
	SchemaVersion int    `json:"schema_version"`
	BookSize      uint64 `json:"book_size_bytes"`
	NVMBytesTotal uint64 `json:"nvm_bytes_total"`
	BooksTotal    int    `json:"books_total"`
	NodesTotal    int    `json:"nodes_total"`
	Version       string `json:"version"`
	BIIMode       uint32 `json:"bii_mode"`
}

// FAModule is a provisioned media controller.
type FAModule struct {
	NodeID    int    `json:"node_id"`
	IG        int    `json:"intlv_group"`
	SizeBooks int    `json:"module_size_books"`
	RawCID    uint32 `json:"rawCID"`
	Ordinal   int    `json:"ordMC"`
	Status    string `json:"status"`
}

// NodeStatus records the last time a node talked to the engine.
type NodeStatus struct {
	NodeID      int       `json:"node_id"`
	LastContact time.Time `json:"last_contact"`
	Status      string    `json:"status"`
}

// ShelfField selects the shelf columns written by ModifyShelf.
type ShelfField uint32

const (
	ShelfParent ShelfField = 1 << iota
	ShelfName
	ShelfMode
	ShelfSize
	ShelfBookCount
	ShelfLinkCount
	ShelfCTime
	ShelfMTime

	ShelfAllFields = ShelfParent | ShelfName | ShelfMode | ShelfSize |
		ShelfBookCount | ShelfLinkCount | ShelfCTime | ShelfMTime
)

// BookField selects the book columns written by ModifyBook.
type BookField uint32

const (
	BookAllocated BookField = 1 << iota
	BookAttributes
)

// ApplyShelfFields copies the masked columns of src onto dst.
func ApplyShelfFields(dst *Shelf, src *Shelf, fields ShelfField) {
	if fields&ShelfParent != 0 {
		dst.ParentID = src.ParentID
	}
	if fields&ShelfName != 0 {
		dst.Name = src.Name
	}
	if fields&ShelfMode != 0 {
		dst.Mode = src.Mode
	}
	if fields&ShelfSize != 0 {
		dst.SizeBytes = src.SizeBytes
	}
	if fields&ShelfBookCount != 0 {
		dst.BookCount = src.BookCount
	}
	if fields&ShelfLinkCount != 0 {
		dst.LinkCount = src.LinkCount
	}
	if fields&ShelfCTime != 0 {
		dst.CTime = src.CTime
	}
	if fields&ShelfMTime != 0 {
		dst.MTime = src.MTime
	}
}

// ApplyBookFields copies the masked columns of src onto dst.
func ApplyBookFields(dst *Book, src *Book, fields BookField) {
	if fields&BookAllocated != 0 {
		dst.Allocated = src.Allocated
	}
	if fields&BookAttributes != 0 {
		dst.Attributes = src.Attributes
	}
}

// BookQuery filters and orders ListBooks results. Zero value matches all
// books in ascending id order.
type BookQuery struct {
	// States restricts to books in any of these states.
	States []BookState

	// IGs restricts to books whose IG column value is in the list.
	IGs []uint16

	// Limit caps the number of results; 0 means no limit.
	Limit int

	// Descending orders by id from highest to lowest.
	Descending bool
}

// Match reports whether the book satisfies the state and IG filters.
func (q BookQuery) Match(b *Book) bool {
	if len(q.States) > 0 && !slices.Contains(q.States, b.Allocated) {
		return false
	}
	if len(q.IGs) > 0 && !slices.Contains(q.IGs, b.IGValue()) {
		return false
	}
	return true
}

// Apply filters, orders and limits a book list in place.
func (q BookQuery) Apply(books []Book) []Book {
	out := books[:0]
	for i := range books {
		if q.Match(&books[i]) {
			out = append(out, books[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// SortBOS orders book-on-shelf rows by sequence number, then book id.
func SortBOS(rows []BOS) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Seq != rows[j].Seq {
			return rows[i].Seq < rows[j].Seq
		}
		return rows[i].BookID < rows[j].BookID
	})
}

// Tx is a single store transaction. Changes made through an Update
// transaction become visible atomically when the callback returns nil.
type Tx interface {
	// Globals and topology

	GetGlobals() (*Globals, error)
	PutGlobals(g *Globals) error
	PutModule(m *FAModule) error
	ListModules() ([]FAModule, error)
	TouchNode(nodeID int, at time.Time) error
	ListNodeStatus() ([]NodeStatus, error)

	// Books

	CreateBook(b *Book) error
	GetBook(id uint64) (*Book, error)
	ModifyBook(b *Book, fields BookField) error
	ListBooks(q BookQuery) ([]Book, error)

	// Shelves

	// CreateShelf inserts a shelf. A zero ID is replaced by the next free id.
	CreateShelf(s *Shelf) error
	GetShelf(id uint64) (*Shelf, error)

	// LookupShelf finds the child of parent named name. It fails with
	// ErrNotUnique if more than one row matches.
	LookupShelf(parent uint64, name string) (*Shelf, error)
	ModifyShelf(s *Shelf, fields ShelfField) error
	DeleteShelf(id uint64) error
	ListShelves() ([]Shelf, error)
	ListChildren(parent uint64) ([]Shelf, error)

	// Books on shelves

	CreateBOS(b BOS) error
	DeleteBOS(shelfID, bookID uint64) error

	// ListBOS returns the rows of one shelf in sequence order.
	ListBOS(shelfID uint64) ([]BOS, error)
	ListAllBOS() ([]BOS, error)

	// GetBOSBySeq fails with ErrNotUnique if the sequence number is duplicated.
	GetBOSBySeq(shelfID uint64, seq int) (*BOS, error)

	// Open handles

	// CreateOpenedShelf inserts a handle row and assigns its id.
	CreateOpenedShelf(o *OpenedShelf) error
	DeleteOpenedShelf(id, shelfID uint64, nodeID int) error
	ListOpenedShelves(shelfID uint64) ([]OpenedShelf, error)
	ListAllOpenedShelves() ([]OpenedShelf, error)

	// Extended attributes

	GetXattr(shelfID uint64, name string) ([]byte, error)
	SetXattr(shelfID uint64, name string, value []byte) error
	RemoveXattr(shelfID uint64, name string) error
	ListXattrs(shelfID uint64) ([]string, error)
	ListAllXattrs() ([]Xattr, error)

	// Symlinks

	SetSymlink(shelfID uint64, target string) error
	GetSymlink(shelfID uint64) (string, error)
	DeleteSymlink(shelfID uint64) error
	ListSymlinks() ([]Symlink, error)
}

// Store is a transactional librarian database.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing it did is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the store's resources.
	Close() error
}
