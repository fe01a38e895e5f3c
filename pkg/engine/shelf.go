package engine

import (
	"context"

	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/store"
)

// DefaultShelfMode is the mode of a shelf created without an explicit one.
const DefaultShelfMode = store.ModeRegular | 0o666

// DefaultDirMode is the mode of a directory created by mkdir.
const DefaultDirMode = store.ModeDir | 0o777

// ============================================================================
// create / open / close
// ============================================================================

// createShelf opens the shelf at req.Path, creating it first if needed.
func (e *Engine) createShelf(ctx context.Context, req *Request) (any, error) {
	var info *ShelfInfo
	err := e.store.Update(ctx, func(tx store.Tx) error {
		parent, name, err := resolveParent(tx, req.Path)
		if err != nil {
			return err
		}

		s, err := tx.LookupShelf(parent.ID, name)
		switch {
		case err == nil:
			if err := e.checkSize(s); err != nil {
				return err
			}
		case store.IsNotFound(err):
			if s, err = e.insertShelf(tx, req, parent.ID, name); err != nil {
				return err
			}
		default:
			return err
		}

		info, err = e.open(tx, s, req.Context)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// insertShelf creates an empty regular shelf and seeds its policy xattrs.
func (e *Engine) insertShelf(tx store.Tx, req *Request, parentID uint64, name string) (*store.Shelf, error) {
	mode := req.Mode
	if mode == 0 {
		mode = DefaultShelfMode
	}
	now := e.now()
	s := &store.Shelf{
		ParentID:  parentID,
		Name:      name,
		Mode:      mode,
		LinkCount: 1,
		CTime:     now,
		MTime:     now,
		CreatorID: req.Context.NodeID,
	}
	if err := tx.CreateShelf(s); err != nil {
		return nil, err
	}

	seed := []struct {
		name  string
		value string
	}{
		{policy.XattrAllocationPolicy, e.DefaultPolicy().String()},
		{policy.XattrInterleaveRequest, ""},
		{policy.XattrInterleaveRequestPos, ""},
	}
	for _, x := range seed {
		if err := tx.SetXattr(s.ID, x.name, []byte(x.value)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// open inserts a handle row for the caller.
func (e *Engine) open(tx store.Tx, s *store.Shelf, rc Context) (*ShelfInfo, error) {
	h := &store.OpenedShelf{ShelfID: s.ID, NodeID: rc.NodeID, PID: rc.PID}
	if err := tx.CreateOpenedShelf(h); err != nil {
		return nil, err
	}
	return &ShelfInfo{Shelf: *s, Handle: h.ID}, nil
}

func (e *Engine) openShelf(ctx context.Context, req *Request) (any, error) {
	var info *ShelfInfo
	err := e.store.Update(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		info, err = e.open(tx, s, req.Context)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// closeShelf deletes the handle row (handle, shelf, node).
func (e *Engine) closeShelf(ctx context.Context, req *Request) (any, error) {
	var info *ShelfInfo
	err := e.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.DeleteOpenedShelf(req.Handle, req.ID, req.Context.NodeID); err != nil {
			if store.IsNotFound(err) {
				return faultf(ENOENT, "no open handle %d on shelf %d for node %d", req.Handle, req.ID, req.Context.NodeID)
			}
			return err
		}
		s, err := tx.GetShelf(req.ID)
		if err == nil {
			info = &ShelfInfo{Shelf: *s}
		} else if !store.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil || info == nil {
		return nil, err
	}
	return info, nil
}

// openers returns the handles on a shelf not owned by the caller.
func openers(tx store.Tx, shelfID uint64, rc Context) (mine, others int, err error) {
	handles, err := tx.ListOpenedShelves(shelfID)
	if err != nil {
		return 0, 0, err
	}
	for _, h := range handles {
		if h.NodeID == rc.NodeID && h.PID == rc.PID {
			mine++
		} else {
			others++
		}
	}
	return mine, others, nil
}

func (e *Engine) listOpenShelves(ctx context.Context, req *Request) (any, error) {
	var handles []store.OpenedShelf
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		handles, err = tx.ListAllOpenedShelves()
		return err
	})
	if err != nil {
		return nil, err
	}
	return handles, nil
}

// ============================================================================
// lookup
// ============================================================================

func (e *Engine) getShelf(ctx context.Context, req *Request) (any, error) {
	var info *ShelfInfo
	err := e.store.View(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		info = &ShelfInfo{Shelf: *s}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// listShelves lists a directory as "." (the directory), ".." (its parent)
// and its children.
func (e *Engine) listShelves(ctx context.Context, req *Request) (any, error) {
	var out []ShelfInfo
	err := e.store.View(ctx, func(tx store.Tx) error {
		parts := splitPath(req.Path)
		dir, err := walk(tx, parts)
		if err != nil {
			return err
		}
		parent := dir
		if len(parts) > 0 {
			if parent, err = walk(tx, parts[:len(parts)-1]); err != nil {
				return err
			}
		}

		self := *dir
		self.Name = "."
		up := *parent
		up.Name = ".."
		out = append(out, ShelfInfo{Shelf: self}, ShelfInfo{Shelf: up})

		children, err := tx.ListChildren(dir.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.ID == dir.ID {
				continue
			}
			out = append(out, ShelfInfo{Shelf: c})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) getShelfPath(ctx context.Context, req *Request) (any, error) {
	var path string
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		path, err = shelfPath(tx, req.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return path, nil
}

// listShelfBooks returns the shelf's books in sequence order.
func (e *Engine) listShelfBooks(ctx context.Context, req *Request) (any, error) {
	var books []ShelfBook
	err := e.store.View(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		books, err = shelfBooks(tx, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	return books, nil
}

// shelfBooks loads the books behind a shelf's BOS rows, checking that the
// row count matches book_count.
func shelfBooks(tx store.Tx, s *store.Shelf) ([]ShelfBook, error) {
	rows, err := tx.ListBOS(s.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) != s.BookCount {
		return nil, faultf(EREMOTEIO, "%s book count mismatch: %d BOS rows for %d books", s.Name, len(rows), s.BookCount)
	}
	out := make([]ShelfBook, 0, len(rows))
	for _, r := range rows {
		b, err := tx.GetBook(r.BookID)
		if err != nil {
			return nil, err
		}
		out = append(out, ShelfBook{Book: *b, Seq: r.Seq})
	}
	return out, nil
}

// setAMTime sets the modification time, defaulting to now.
func (e *Engine) setAMTime(ctx context.Context, req *Request) (any, error) {
	var info *ShelfInfo
	err := e.store.Update(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		s.MTime = req.MTime
		if s.MTime.IsZero() {
			s.MTime = e.now()
		}
		if err := tx.ModifyShelf(s, store.ShelfMTime); err != nil {
			return err
		}
		info = &ShelfInfo{Shelf: *s}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ShelfBooks returns the books of the shelf at path in sequence order.
func (e *Engine) ShelfBooks(ctx context.Context, path string) ([]store.Book, error) {
	v, err := e.listShelfBooks(ctx, &Request{Path: path})
	if err != nil {
		return nil, err
	}
	rows := v.([]ShelfBook)
	books := make([]store.Book, len(rows))
	for i, r := range rows {
		books[i] = r.Book
	}
	return books, nil
}
