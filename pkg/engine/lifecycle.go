package engine

import (
	"context"
	"strings"

	"github.com/marmos91/librarian/pkg/store"
)

// ============================================================================
// destroy / rename
// ============================================================================

// destroyShelf removes an unopened shelf, zombifying its books.
func (e *Engine) destroyShelf(ctx context.Context, req *Request) (any, error) {
	err := e.store.Update(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		if s.ID == store.RootShelfID || s.ID == store.LostFoundShelfID {
			return faultf(EPERM, "%s is reserved", s.Name)
		}
		handles, err := tx.ListOpenedShelves(s.ID)
		if err != nil {
			return err
		}
		if len(handles) > 0 {
			return faultf(EBUSY, "%s has %d active opens", s.Name, len(handles))
		}
		return e.removeShelf(tx, s)
	})
	return nil, err
}

// removeShelf deletes a shelf row with its BOS rows, xattrs and symlink
// target. Its books become ZOMBIE.
func (e *Engine) removeShelf(tx store.Tx, s *store.Shelf) error {
	books, err := shelfBooks(tx, s)
	if err != nil {
		return err
	}
	for i := range books {
		if err := tx.DeleteBOS(s.ID, books[i].ID); err != nil {
			return err
		}
		if err := setBookState(tx, &books[i].Book, store.BookZombie); err != nil {
			return err
		}
	}

	names, err := tx.ListXattrs(s.ID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := tx.RemoveXattr(s.ID, name); err != nil {
			return err
		}
	}

	if s.IsSymlink() {
		if err := tx.DeleteSymlink(s.ID); err != nil && !store.IsNotFound(err) {
			return err
		}
	}
	return tx.DeleteShelf(s.ID)
}

// renameShelf moves a shelf to req.NewPath. A destination name with the
// zeroing prefix turns the shelf into a zeroing shelf on the spot.
func (e *Engine) renameShelf(ctx context.Context, req *Request) (any, error) {
	var info *ShelfInfo
	err := e.store.Update(ctx, func(tx store.Tx) error {
		newParent, newName, err := resolveParent(tx, req.NewPath)
		if err != nil {
			return err
		}
		if _, err := tx.LookupShelf(newParent.ID, newName); err == nil || store.IsNotUnique(err) {
			return faultf(EEXIST, "duplicate path found during rename %s", req.NewPath)
		} else if !store.IsNotFound(err) {
			return err
		}

		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		if s.ID == store.RootShelfID {
			return faultf(EPERM, "cannot rename the root")
		}

		if s.IsDir() {
			inside, err := isAncestor(tx, s.ID, newParent.ID)
			if err != nil {
				return err
			}
			if inside {
				return faultf(EINVAL, "cannot move %s into itself", req.Path)
			}
		}

		oldParentID := s.ParentID
		s.Name = newName
		s.ParentID = newParent.ID
		s.MTime = e.now()
		fields := store.ShelfName | store.ShelfParent | store.ShelfMTime

		if strings.HasPrefix(newName, store.ZeroShelfPrefix) {
			books, err := shelfBooks(tx, s)
			if err != nil {
				return err
			}
			for i := range books {
				if err := setBookState(tx, &books[i].Book, store.BookZombie); err != nil {
					return err
				}
			}
			if s.Mode&store.ModeTypeMask == store.ModeBlockDev {
				s.Mode = store.ModeRegular | s.Mode&store.ModePermMask
				fields |= store.ShelfMode
			}
		}

		if err := tx.ModifyShelf(s, fields); err != nil {
			return err
		}

		if s.IsDir() && oldParentID != newParent.ID {
			if err := adjustLinks(tx, oldParentID, -1); err != nil {
				return err
			}
			if err := adjustLinks(tx, newParent.ID, +1); err != nil {
				return err
			}
		}

		info = &ShelfInfo{Shelf: *s}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// adjustLinks changes a directory's link count by delta.
func adjustLinks(tx store.Tx, dirID uint64, delta int) error {
	dir, err := tx.GetShelf(dirID)
	if err != nil {
		return err
	}
	dir.LinkCount += delta
	return tx.ModifyShelf(dir, store.ShelfLinkCount)
}

// ============================================================================
// directories and symlinks
// ============================================================================

// mkdir creates a directory. An existing entry is returned with EEXIST.
func (e *Engine) mkdir(ctx context.Context, req *Request) (any, error) {
	var info *ShelfInfo
	var exists bool
	err := e.store.Update(ctx, func(tx store.Tx) error {
		parent, name, err := resolveParent(tx, req.Path)
		if err != nil {
			return err
		}
		if cur, err := tx.LookupShelf(parent.ID, name); err == nil {
			info = &ShelfInfo{Shelf: *cur}
			exists = true
			return nil
		} else if !store.IsNotFound(err) {
			return err
		}

		mode := DefaultDirMode
		if req.Mode != 0 {
			mode = store.ModeDir | req.Mode&store.ModePermMask
		}
		now := e.now()
		dir := &store.Shelf{
			ParentID:  parent.ID,
			Name:      name,
			Mode:      mode,
			LinkCount: 2,
			CTime:     now,
			MTime:     now,
			CreatorID: req.Context.NodeID,
		}
		if err := tx.CreateShelf(dir); err != nil {
			return err
		}
		if err := adjustLinks(tx, parent.ID, +1); err != nil {
			return err
		}
		info = &ShelfInfo{Shelf: *dir}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exists {
		return info, faultf(EEXIST, "%s already exists", req.Path)
	}
	return info, nil
}

// rmdir removes an empty directory.
func (e *Engine) rmdir(ctx context.Context, req *Request) (any, error) {
	err := e.store.Update(ctx, func(tx store.Tx) error {
		dir, err := resolve(tx, req.Path)
		if err != nil {
			return err
		}
		if !dir.IsDir() {
			return faultf(ENOTDIR, "%s is not a directory", req.Path)
		}
		if dir.ID == store.RootShelfID || dir.ID == store.LostFoundShelfID {
			return faultf(EBUSY, "%s is reserved", req.Path)
		}
		children, err := tx.ListChildren(dir.ID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return faultf(ENOTEMPTY, "%s is not empty", req.Path)
		}

		names, err := tx.ListXattrs(dir.ID)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.RemoveXattr(dir.ID, name); err != nil {
				return err
			}
		}
		if err := tx.DeleteShelf(dir.ID); err != nil {
			return err
		}
		return adjustLinks(tx, dir.ParentID, -1)
	})
	return nil, err
}

// symlink creates a symlink shelf pointing at req.Target. An existing
// entry is returned with EEXIST.
func (e *Engine) symlink(ctx context.Context, req *Request) (any, error) {
	var info *ShelfInfo
	var exists bool
	err := e.store.Update(ctx, func(tx store.Tx) error {
		parent, name, err := resolveParent(tx, req.Path)
		if err != nil {
			return err
		}
		if cur, err := tx.LookupShelf(parent.ID, name); err == nil {
			info = &ShelfInfo{Shelf: *cur}
			exists = true
			return nil
		} else if !store.IsNotFound(err) {
			return err
		}

		now := e.now()
		link := &store.Shelf{
			ParentID:  parent.ID,
			Name:      name,
			Mode:      store.ModeSymlink | 0o777,
			LinkCount: 1,
			CTime:     now,
			MTime:     now,
			CreatorID: req.Context.NodeID,
		}
		if err := tx.CreateShelf(link); err != nil {
			return err
		}
		if err := tx.SetSymlink(link.ID, req.Target); err != nil {
			return err
		}
		info = &ShelfInfo{Shelf: *link}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exists {
		return info, faultf(EEXIST, "%s already exists", req.Path)
	}
	return info, nil
}

func (e *Engine) readlink(ctx context.Context, req *Request) (any, error) {
	var target string
	err := e.store.View(ctx, func(tx store.Tx) error {
		s, err := resolve(tx, req.Path)
		if err != nil {
			return err
		}
		if !s.IsSymlink() {
			return faultf(EINVAL, "%s is not a symlink", req.Path)
		}
		target, err = tx.GetSymlink(s.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}
