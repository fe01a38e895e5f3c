package badger

import (
	"slices"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/librarian/pkg/store"
)

// tx implements store.Tx over one Badger transaction.
type tx struct {
	txn *badger.Txn
}

// get decodes the JSON row at key, mapping a missing key to notFound.
func (t *tx) get(key []byte, v any, notFound func() error) error {
	err := getJSON(t.txn, key, v)
	if err == badger.ErrKeyNotFound {
		return notFound()
	}
	return err
}

func (t *tx) exists(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

// ============================================================================
// Globals and topology
// ============================================================================

func (t *tx) GetGlobals() (*store.Globals, error) {
	var g store.Globals
	if err := t.get(keyGlobals(), &g, func() error { return store.NewNotFoundError("globals") }); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *tx) PutGlobals(g *store.Globals) error {
	return putJSON(t.txn, keyGlobals(), g)
}

func (t *tx) PutModule(m *store.FAModule) error {
	return putJSON(t.txn, keyModule(m.NodeID, m.Ordinal), m)
}

func (t *tx) ListModules() ([]store.FAModule, error) {
	out := make([]store.FAModule, 0)
	err := scanJSON(t.txn, []byte(prefixModule), func(_ []byte, m store.FAModule) error {
		out = append(out, m)
		return nil
	})
	return out, err
}

func (t *tx) TouchNode(nodeID int, at time.Time) error {
	return putJSON(t.txn, keyNode(nodeID), store.NodeStatus{NodeID: nodeID, LastContact: at, Status: "active"})
}

func (t *tx) ListNodeStatus() ([]store.NodeStatus, error) {
	out := make([]store.NodeStatus, 0)
	err := scanJSON(t.txn, []byte(prefixNode), func(_ []byte, n store.NodeStatus) error {
		out = append(out, n)
		return nil
	})
	return out, err
}

// ============================================================================
// Books
// ============================================================================

func (t *tx) CreateBook(b *store.Book) error {
	ok, err := t.exists(keyBook(b.ID))
	if err != nil {
		return err
	}
	if ok {
		return store.NewAlreadyExistsError("book 0x%x", b.ID)
	}
	if err := t.txn.Set(keyBookIdx(b), nil); err != nil {
		return err
	}
	return putJSON(t.txn, keyBook(b.ID), b)
}

func (t *tx) GetBook(id uint64) (*store.Book, error) {
	var b store.Book
	if err := t.get(keyBook(id), &b, func() error { return store.NewNotFoundError("book 0x%x", id) }); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *tx) ModifyBook(b *store.Book, fields store.BookField) error {
	cur, err := t.GetBook(b.ID)
	if err != nil {
		return err
	}
	oldIdx := keyBookIdx(cur)
	store.ApplyBookFields(cur, b, fields)
	if newIdx := keyBookIdx(cur); string(newIdx) != string(oldIdx) {
		if err := t.txn.Delete(oldIdx); err != nil {
			return err
		}
		if err := t.txn.Set(newIdx, nil); err != nil {
			return err
		}
	}
	return putJSON(t.txn, keyBook(b.ID), cur)
}

// ListBooks answers state-filtered queries from the state index and falls
// back to a full scan otherwise.
func (t *tx) ListBooks(q store.BookQuery) ([]store.Book, error) {
	if len(q.States) > 0 {
		return t.listIndexedBooks(q)
	}

	out := make([]store.Book, 0)
	err := scanJSON(t.txn, []byte(prefixBook), func(_ []byte, b store.Book) error {
		if q.Match(&b) {
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q.Apply(out), nil
}

func (t *tx) listIndexedBooks(q store.BookQuery) ([]store.Book, error) {
	var prefixes [][]byte
	for _, state := range q.States {
		if len(q.IGs) == 0 {
			prefixes = append(prefixes, keyBookIdxPrefix(state, -1))
			continue
		}
		for _, ig := range q.IGs {
			prefixes = append(prefixes, keyBookIdxPrefix(state, int(ig)))
		}
	}

	out := make([]store.Book, 0)
	for _, prefix := range prefixes {
		ids, err := t.indexedIDs(prefix)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			b, err := t.GetBook(id)
			if err != nil {
				if store.IsNotFound(err) {
					return nil, store.NewCorruptError(err, "book index entry for missing book 0x%x", id)
				}
				return nil, err
			}
			out = append(out, *b)
		}
	}
	return q.Apply(out), nil
}

// indexedIDs collects the book ids under one index prefix, reading keys only.
func (t *tx) indexedIDs(prefix []byte) ([]uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var ids []uint64
	for it.Rewind(); it.Valid(); it.Next() {
		id, err := parseBookIdxKey(it.Item().Key())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ============================================================================
// Shelves
// ============================================================================

func (t *tx) CreateShelf(s *store.Shelf) error {
	if s.ID == 0 {
		id, err := nextID(t.txn, []byte(keySeqShelf), 1)
		if err != nil {
			return err
		}
		s.ID = id
	}
	ok, err := t.exists(keyShelf(s.ID))
	if err != nil {
		return err
	}
	if ok {
		return store.NewAlreadyExistsError("shelf %d", s.ID)
	}
	if err := bumpID(t.txn, []byte(keySeqShelf), s.ID); err != nil {
		return err
	}
	if err := putJSON(t.txn, keyShelf(s.ID), s); err != nil {
		return err
	}
	return t.txn.Set(keyChild(s.ParentID, s.ID), nil)
}

func (t *tx) GetShelf(id uint64) (*store.Shelf, error) {
	var s store.Shelf
	if err := t.get(keyShelf(id), &s, func() error { return store.NewNotFoundError("shelf %d", id) }); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *tx) LookupShelf(parent uint64, name string) (*store.Shelf, error) {
	children, err := t.ListChildren(parent)
	if err != nil {
		return nil, err
	}
	var found *store.Shelf
	for i := range children {
		if children[i].Name != name {
			continue
		}
		if found != nil {
			return nil, store.NewNotUniqueError("shelf %d/%s", parent, name)
		}
		found = &children[i]
	}
	if found == nil {
		return nil, store.NewNotFoundError("shelf %d/%s", parent, name)
	}
	return found, nil
}

func (t *tx) ModifyShelf(s *store.Shelf, fields store.ShelfField) error {
	cur, err := t.GetShelf(s.ID)
	if err != nil {
		return err
	}
	oldParent := cur.ParentID
	store.ApplyShelfFields(cur, s, fields)

	if cur.ParentID != oldParent {
		if err := t.txn.Delete(keyChild(oldParent, cur.ID)); err != nil {
			return err
		}
		if err := t.txn.Set(keyChild(cur.ParentID, cur.ID), nil); err != nil {
			return err
		}
	}
	return putJSON(t.txn, keyShelf(cur.ID), cur)
}

func (t *tx) DeleteShelf(id uint64) error {
	cur, err := t.GetShelf(id)
	if err != nil {
		return err
	}
	if err := t.txn.Delete(keyChild(cur.ParentID, id)); err != nil {
		return err
	}
	return t.txn.Delete(keyShelf(id))
}

func (t *tx) ListShelves() ([]store.Shelf, error) {
	out := make([]store.Shelf, 0)
	err := scanJSON(t.txn, []byte(prefixShelf), func(_ []byte, s store.Shelf) error {
		out = append(out, s)
		return nil
	})
	return out, err
}

func (t *tx) ListChildren(parent uint64) ([]store.Shelf, error) {
	prefix := keyChildPrefix(parent)
	var ids []uint64
	err := scanKeys(t.txn, prefix, func(key []byte) error {
		_, id, err := parseIDPair(key, prefixChild)
		if err != nil {
			return store.NewCorruptError(err, "%s", key)
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]store.Shelf, 0, len(ids))
	for _, id := range ids {
		s, err := t.GetShelf(id)
		if store.IsNotFound(err) {
			// Dangling index entry; the shelf row is authoritative.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// ============================================================================
// Books on shelves
// ============================================================================

func (t *tx) CreateBOS(b store.BOS) error {
	key := keyBOS(b.ShelfID, b.BookID)
	ok, err := t.exists(key)
	if err != nil {
		return err
	}
	if ok {
		return store.NewAlreadyExistsError("bos %d/0x%x", b.ShelfID, b.BookID)
	}
	return t.txn.Set(key, encodeUint64(uint64(b.Seq)))
}

func (t *tx) DeleteBOS(shelfID, bookID uint64) error {
	key := keyBOS(shelfID, bookID)
	ok, err := t.exists(key)
	if err != nil {
		return err
	}
	if !ok {
		return store.NewNotFoundError("bos %d/0x%x", shelfID, bookID)
	}
	return t.txn.Delete(key)
}

func (t *tx) scanBOS(prefix []byte) ([]store.BOS, error) {
	out := make([]store.BOS, 0)
	err := scanRaw(t.txn, prefix, func(key, val []byte) error {
		shelf, book, err := parseIDPair(key, prefixBOS)
		if err != nil {
			return store.NewCorruptError(err, "%s", key)
		}
		seq, err := decodeUint64(val)
		if err != nil {
			return store.NewCorruptError(err, "%s", key)
		}
		out = append(out, store.BOS{ShelfID: shelf, BookID: book, Seq: int(seq)})
		return nil
	})
	return out, err
}

func (t *tx) ListBOS(shelfID uint64) ([]store.BOS, error) {
	out, err := t.scanBOS(keyBOSPrefix(shelfID))
	if err != nil {
		return nil, err
	}
	store.SortBOS(out)
	return out, nil
}

func (t *tx) ListAllBOS() ([]store.BOS, error) {
	out, err := t.scanBOS([]byte(prefixBOS))
	if err != nil {
		return nil, err
	}
	// Keys are grouped by shelf already; order each group by seq.
	sort.SliceStable(out, func(i, j int) bool {
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
	rows, err := t.ListBOS(shelfID)
	if err != nil {
		return nil, err
	}
	var found *store.BOS
	for i := range rows {
		if rows[i].Seq != seq {
			continue
		}
		if found != nil {
			return nil, store.NewNotUniqueError("bos %d seq %d", shelfID, seq)
		}
		found = &rows[i]
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
	id, err := nextID(t.txn, []byte(keySeqHandle), 1)
	if err != nil {
		return err
	}
	o.ID = id
	return putJSON(t.txn, keyHandle(id), o)
}

func (t *tx) DeleteOpenedShelf(id, shelfID uint64, nodeID int) error {
	var o store.OpenedShelf
	notFound := func() error {
		return store.NewNotFoundError("handle %d on shelf %d node %d", id, shelfID, nodeID)
	}
	if err := t.get(keyHandle(id), &o, notFound); err != nil {
		return err
	}
	if o.ShelfID != shelfID || o.NodeID != nodeID {
		return notFound()
	}
	return t.txn.Delete(keyHandle(id))
}

func (t *tx) ListOpenedShelves(shelfID uint64) ([]store.OpenedShelf, error) {
	all, err := t.ListAllOpenedShelves()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(o store.OpenedShelf) bool { return o.ShelfID != shelfID }), nil
}

func (t *tx) ListAllOpenedShelves() ([]store.OpenedShelf, error) {
	out := make([]store.OpenedShelf, 0)
	err := scanJSON(t.txn, []byte(prefixHandle), func(_ []byte, o store.OpenedShelf) error {
		out = append(out, o)
		return nil
	})
	return out, err
}

// ============================================================================
// Extended attributes
// ============================================================================

func (t *tx) GetXattr(shelfID uint64, name string) ([]byte, error) {
	item, err := t.txn.Get(keyXattr(shelfID, name))
	if err == badger.ErrKeyNotFound {
		return nil, store.NewNotFoundError("xattr %d/%s", shelfID, name)
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *tx) SetXattr(shelfID uint64, name string, value []byte) error {
	return t.txn.Set(keyXattr(shelfID, name), slices.Clone(value))
}

func (t *tx) RemoveXattr(shelfID uint64, name string) error {
	key := keyXattr(shelfID, name)
	ok, err := t.exists(key)
	if err != nil {
		return err
	}
	if !ok {
		return store.NewNotFoundError("xattr %d/%s", shelfID, name)
	}
	return t.txn.Delete(key)
}

func (t *tx) ListXattrs(shelfID uint64) ([]string, error) {
	names := make([]string, 0)
	err := scanKeys(t.txn, keyXattrPrefix(shelfID), func(key []byte) error {
		_, name, err := parseXattrKey(key)
		if err != nil {
			return store.NewCorruptError(err, "%s", key)
		}
		names = append(names, name)
		return nil
	})
	return names, err
}

func (t *tx) ListAllXattrs() ([]store.Xattr, error) {
	out := make([]store.Xattr, 0)
	err := scanRaw(t.txn, []byte(prefixXattr), func(key, val []byte) error {
		shelf, name, err := parseXattrKey(key)
		if err != nil {
			return store.NewCorruptError(err, "%s", key)
		}
		out = append(out, store.Xattr{ShelfID: shelf, Name: name, Value: val})
		return nil
	})
	return out, err
}

// ============================================================================
// Symlinks
// ============================================================================

func (t *tx) SetSymlink(shelfID uint64, target string) error {
	return t.txn.Set(keySymlink(shelfID), []byte(target))
}

func (t *tx) GetSymlink(shelfID uint64) (string, error) {
	item, err := t.txn.Get(keySymlink(shelfID))
	if err == badger.ErrKeyNotFound {
		return "", store.NewNotFoundError("symlink %d", shelfID)
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

func (t *tx) DeleteSymlink(shelfID uint64) error {
	key := keySymlink(shelfID)
	ok, err := t.exists(key)
	if err != nil {
		return err
	}
	if !ok {
		return store.NewNotFoundError("symlink %d", shelfID)
	}
	return t.txn.Delete(key)
}

func (t *tx) ListSymlinks() ([]store.Symlink, error) {
	out := make([]store.Symlink, 0)
	err := scanRaw(t.txn, []byte(prefixSymlink), func(key, val []byte) error {
		id, err := parseHexID(key[len(prefixSymlink):])
		if err != nil {
			return store.NewCorruptError(err, "%s", key)
		}
		out = append(out, store.Symlink{ShelfID: id, Target: string(val)})
		return nil
	})
	return out, err
}

var _ store.Tx = (*tx)(nil)
