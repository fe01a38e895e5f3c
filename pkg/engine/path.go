package engine

import (
	"strings"

	"github.com/marmos91/librarian/pkg/store"
)

// maxPathDepth bounds parent walks so a corrupt parent cycle cannot hang a
// command.
const maxPathDepth = 4096

// splitPath breaks an absolute shelf path into its components. Empty
// components ("//", trailing "/") are dropped; "/" yields nothing.
func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func isRootPath(path string) bool {
	return len(splitPath(path)) == 0
}

// walk resolves path components starting at the root directory.
func walk(tx store.Tx, parts []string) (*store.Shelf, error) {
	cur, err := tx.GetShelf(store.RootShelfID)
	if err != nil {
		return nil, faultf(EUCLEAN, "root shelf missing: %v", err)
	}
	for _, name := range parts {
		next, err := tx.LookupShelf(cur.ID, name)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, faultf(ENOENT, "no such shelf %s", name)
			}
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// resolve returns the shelf at path. The root resolves to shelf 2.
func resolve(tx store.Tx, path string) (*store.Shelf, error) {
	return walk(tx, splitPath(path))
}

// resolveParent returns the directory that holds path and the final name.
func resolveParent(tx store.Tx, path string) (*store.Shelf, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", faultf(EINVAL, "path %q has no final component", path)
	}
	parent, err := walk(tx, parts[:len(parts)-1])
	if err != nil {
		return nil, "", err
	}
	return parent, parts[len(parts)-1], nil
}

// shelfAt resolves path and checks the size/book-count invariant. A
// non-zero id must match the resolved shelf.
func (e *Engine) shelfAt(tx store.Tx, path string, id uint64) (*store.Shelf, error) {
	s, err := resolve(tx, path)
	if err != nil {
		return nil, err
	}
	if id != 0 && s.ID != id {
		return nil, faultf(ENOENT, "no such shelf %s with id %d", path, id)
	}
	if err := e.checkSize(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) checkSize(s *store.Shelf) error {
	if e.nbooks(s.SizeBytes) != s.BookCount {
		return faultf(EBADF, "%s size metadata mismatch: %d bytes in %d books", s.Name, s.SizeBytes, s.BookCount)
	}
	return nil
}

// shelfPath rebuilds the absolute path of a shelf by walking parents.
func shelfPath(tx store.Tx, id uint64) (string, error) {
	if id == store.RootShelfID {
		return "/", nil
	}
	var names []string
	for depth := 0; id != store.RootShelfID; depth++ {
		if depth >= maxPathDepth {
			return "", faultf(EUCLEAN, "parent chain of shelf %d does not reach the root", id)
		}
		s, err := tx.GetShelf(id)
		if err != nil {
			if store.IsNotFound(err) {
				return "", faultf(ENOENT, "no such shelf id %d", id)
			}
			return "", err
		}
		names = append(names, s.Name)
		id = s.ParentID
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return "/" + strings.Join(names, "/"), nil
}

// isAncestor reports whether ancestor is dir itself or one of its parents.
func isAncestor(tx store.Tx, ancestor, dir uint64) (bool, error) {
	for depth := 0; depth < maxPathDepth; depth++ {
		if dir == ancestor {
			return true, nil
		}
		if dir == store.RootShelfID {
			return false, nil
		}
		s, err := tx.GetShelf(dir)
		if err != nil {
			return false, err
		}
		dir = s.ParentID
	}
	return false, faultf(EUCLEAN, "parent chain of shelf %d does not reach the root", dir)
}
