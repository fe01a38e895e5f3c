package memory

import (
	"slices"
	"sort"
	"time"

	"github.com/marmos91/librarian/pkg/store"
)

// tx implements store.Tx over one state snapshot.
type tx struct {
	s        *state
	readOnly bool
}

var errReadOnly = &store.StoreError{Code: store.ErrInvalidArgument, Message: "write in read-only transaction"}

func (t *tx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// ============================================================================
// Globals and topology
// ============================================================================

func (t *tx) GetGlobals() (*store.Globals, error) {
	if t.s.globals == nil {
		return nil, store.NewNotFoundError("globals")
	}
	g := *t.s.globals
	return &g, nil
}

func (t *tx) PutGlobals(g *store.Globals) error {
	if err := t.writable(); err != nil {
		return err
	}
	c := *g
	t.s.globals = &c
	return nil
}

func (t *tx) PutModule(m *store.FAModule) error {
	if err := t.writable(); err != nil {
		return err
	}
	for i, existing := range t.s.modules {
		if existing.RawCID == m.RawCID && existing.NodeID == m.NodeID {
			t.s.modules[i] = *m
			return nil
		}
	}
	t.s.modules = append(t.s.modules, *m)
	return nil
}

func (t *tx) ListModules() ([]store.FAModule, error) {
	out := slices.Clone(t.s.modules)
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

func (t *tx) TouchNode(nodeID int, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.nodes[nodeID] = store.NodeStatus{NodeID: nodeID, LastContact: at, Status: "active"}
	return nil
}

func (t *tx) ListNodeStatus() ([]store.NodeStatus, error) {
	out := make([]store.NodeStatus, 0, len(t.s.nodes))
	for _, n := range t.s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// ============================================================================
// Books
// ============================================================================

func (t *tx) CreateBook(b *store.Book) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.s.books[b.ID]; exists {
		return store.NewAlreadyExistsError("book 0x%x", b.ID)
	}
	t.s.books[b.ID] = *b
	return nil
}

func (t *tx) GetBook(id uint64) (*store.Book, error) {
	b, ok := t.s.books[id]
	if !ok {
		return nil, store.NewNotFoundError("book 0x%x", id)
	}
	return &b, nil
}

func (t *tx) ModifyBook(b *store.Book, fields store.BookField) error {
	if err := t.writable(); err != nil {
		return err
	}
	cur, ok := t.s.books[b.ID]
	if !ok {
		return store.NewNotFoundError("book 0x%x", b.ID)
	}
	store.ApplyBookFields(&cur, b, fields)
	t.s.books[b.ID] = cur
	return nil
}

func (t *tx) ListBooks(q store.BookQuery) ([]store.Book, error) {
	out := make([]store.Book, 0, len(t.s.books))
	for _, b := range t.s.books {
		out = append(out, b)
	}
	return q.Apply(out), nil
}

// ============================================================================
// Shelves
// ============================================================================

func (t *tx) CreateShelf(s *store.Shelf) error {
	if err := t.writable(); err != nil {
		return err
	}
	if s.ID == 0 {
		s.ID = t.s.nextShelf
	}
	if _, exists := t.s.shelves[s.ID]; exists {
		return store.NewAlreadyExistsError("shelf %d", s.ID)
	}
	if s.ID >= t.s.nextShelf {
		t.s.nextShelf = s.ID + 1
	}
	t.s.shelves[s.ID] = *s
	return nil
}

func (t *tx) GetShelf(id uint64) (*store.Shelf, error) {
	s, ok := t.s.shelves[id]
	if !ok {
		return nil, store.NewNotFoundError("shelf %d", id)
	}
	return &s, nil
}

func (t *tx) LookupShelf(parent uint64, name string) (*store.Shelf, error) {
	var found *store.Shelf
	for _, s := range t.s.shelves {
		if s.ParentID != parent || s.Name != name {
			continue
		}
		if found != nil {
			return nil, store.NewNotUniqueError("shelf %d/%s", parent, name)
		}
		c := s
		found = &c
	}
	if found == nil {
		return nil, store.NewNotFoundError("shelf %d/%s", parent, name)
	}
	return found, nil
}

func (t *tx) ModifyShelf(s *store.Shelf, fields store.ShelfField) error {
	if err := t.writable(); err != nil {
		return err
	}
	cur, ok := t.s.shelves[s.ID]
	if !ok {
		return store.NewNotFoundError("shelf %d", s.ID)
	}
	store.ApplyShelfFields(&cur, s, fields)
	t.s.shelves[s.ID] = cur
	return nil
}

func (t *tx) DeleteShelf(id uint64) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.s.shelves[id]; !ok {
		return store.NewNotFoundError("shelf %d", id)
	}
	delete(t.s.shelves, id)
	return nil
}

func (t *tx) ListShelves() ([]store.Shelf, error) {
	return t.shelvesWhere(func(store.Shelf) bool { return true }), nil
}

func (t *tx) ListChildren(parent uint64) ([]store.Shelf, error) {
	return t.shelvesWhere(func(s store.Shelf) bool { return s.ParentID == parent }), nil
}

func (t *tx) shelvesWhere(keep func(store.Shelf) bool) []store.Shelf {
	out := make([]store.Shelf, 0)
	for _, s := range t.s.shelves {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// Books on shelves
// ============================================================================

func (t *tx) CreateBOS(b store.BOS) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := bosKey{shelf: b.ShelfID, book: b.BookID}
	if _, exists := t.s.bos[key]; exists {
		return store.NewAlreadyExistsError("bos %d/0x%x", b.ShelfID, b.BookID)
	}
	t.s.bos[key] = b.Seq
	return nil
}

func (t *tx) DeleteBOS(shelfID, bookID uint64) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := bosKey{shelf: shelfID, book: bookID}
	if _, ok := t.s.bos[key]; !ok {
		return store.NewNotFoundError("bos %d/0x%x", shelfID, bookID)
	}
	delete(t.s.bos, key)
	return nil
}

func (t *tx) ListBOS(shelfID uint64) ([]store.BOS, error) {
	out := make([]store.BOS, 0)
	for k, seq := range t.s.bos {
		if k.shelf == shelfID {
			out = append(out, store.BOS{ShelfID: k.shelf, BookID: k.book, Seq: seq})
		}
	}
	store.SortBOS(out)
	return out, nil
}

func (t *tx) ListAllBOS() ([]store.BOS, error) {
	out := make([]store.BOS, 0, len(t.s.bos))
	for k, seq := range t.s.bos {
		out = append(out, store.BOS{ShelfID: k.shelf, BookID: k.book, Seq: seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShelfID != out[j].ShelfID {
			return out[i].ShelfID < out[j].ShelfID
		}
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].BookID < out[j].BookID
	})
	return out, nil
}

func (t *tx) GetBOSBySeq(shelfID uint64, seq int) (*store.BOS, error) {
	var found *store.BOS
	for k, s := range t.s.bos {
		if k.shelf != shelfID || s != seq {
			continue
		}
		if found != nil {
			return nil, store.NewNotUniqueError("bos %d seq %d", shelfID, seq)
		}
		found = &store.BOS{ShelfID: k.shelf, BookID: k.book, Seq: s}
	}
	if found == nil {
		return nil, store.NewNotFoundError("bos %d seq %d", shelfID, seq)
	}
	return found, nil
}

// ============================================================================
// Open handles
// ============================================================================

func (t *tx) CreateOpenedShelf(o *store.OpenedShelf) error {
	if err := t.writable(); err != nil {
		return err
	}
	o.ID = t.s.nextOpen
	t.s.nextOpen++
	t.s.opened[o.ID] = *o
	return nil
}

func (t *tx) DeleteOpenedShelf(id, shelfID uint64, nodeID int) error {
	if err := t.writable(); err != nil {
		return err
	}
	o, ok := t.s.opened[id]
	if !ok || o.ShelfID != shelfID || o.NodeID != nodeID {
		return store.NewNotFoundError("handle %d on shelf %d node %d", id, shelfID, nodeID)
	}
	delete(t.s.opened, id)
	return nil
}

func (t *tx) ListOpenedShelves(shelfID uint64) ([]store.OpenedShelf, error) {
	all, _ := t.ListAllOpenedShelves()
	out := make([]store.OpenedShelf, 0)
	for _, o := range all {
		if o.ShelfID == shelfID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (t *tx) ListAllOpenedShelves() ([]store.OpenedShelf, error) {
	out := make([]store.OpenedShelf, 0, len(t.s.opened))
	for _, o := range t.s.opened {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// Extended attributes
// ============================================================================

func (t *tx) GetXattr(shelfID uint64, name string) ([]byte, error) {
	v, ok := t.s.xattrs[xattrKey{shelf: shelfID, name: name}]
	if !ok {
		return nil, store.NewNotFoundError("xattr %d/%s", shelfID, name)
	}
	return slices.Clone(v), nil
}

func (t *tx) SetXattr(shelfID uint64, name string, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.xattrs[xattrKey{shelf: shelfID, name: name}] = slices.Clone(value)
	return nil
}

func (t *tx) RemoveXattr(shelfID uint64, name string) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := xattrKey{shelf: shelfID, name: name}
	if _, ok := t.s.xattrs[key]; !ok {
		return store.NewNotFoundError("xattr %d/%s", shelfID, name)
	}
	delete(t.s.xattrs, key)
	return nil
}

func (t *tx) ListXattrs(shelfID uint64) ([]string, error) {
	names := make([]string, 0)
	for k := range t.s.xattrs {
		if k.shelf == shelfID {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *tx) ListAllXattrs() ([]store.Xattr, error) {
	out := make([]store.Xattr, 0, len(t.s.xattrs))
	for k, v := range t.s.xattrs {
		out = append(out, store.Xattr{ShelfID: k.shelf, Name: k.name, Value: slices.Clone(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShelfID != out[j].ShelfID {
			return out[i].ShelfID < out[j].ShelfID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ============================================================================
// Symlinks
// ============================================================================

func (t *tx) SetSymlink(shelfID uint64, target string) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.symlinks[shelfID] = target
	return nil
}

func (t *tx) GetSymlink(shelfID uint64) (string, error) {
	target, ok := t.s.symlinks[shelfID]
	if !ok {
		return "", store.NewNotFoundError("symlink %d", shelfID)
	}
	return target, nil
}

func (t *tx) DeleteSymlink(shelfID uint64) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.s.symlinks[shelfID]; !ok {
		return store.NewNotFoundError("symlink %d", shelfID)
	}
	delete(t.s.symlinks, shelfID)
	return nil
}

func (t *tx) ListSymlinks() ([]store.Symlink, error) {
	out := make([]store.Symlink, 0, len(t.s.symlinks))
	for id, target := range t.s.symlinks {
		out = append(out, store.Symlink{ShelfID: id, Target: target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShelfID < out[j].ShelfID })
	return out, nil
}

var _ store.Tx = (*tx)(nil)
