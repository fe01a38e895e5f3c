package engine

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

// lfsNamespace is the second component of every intercepted xattr name.
const lfsNamespace = "LFS"

// lfsAttr maps an intercepted name in any namespace ("trusted.LFS.x") to
// its canonical user.LFS.x form. ok is false for names outside the LFS
// namespace, which pass through to the store unchanged.
func lfsAttr(name string) (canonical string, ok bool, err error) {
	elems := strings.Split(name, ".")
	if len(elems) < 2 || elems[1] != lfsNamespace {
		return name, false, nil
	}
	if len(elems) != 3 {
		return "", true, faultf(EINVAL, "LFS xattrs are of the form user.LFS.xxx, got %q", name)
	}
	return "user." + lfsNamespace + "." + elems[2], true, nil
}

func (e *Engine) getXattr(ctx context.Context, req *Request) (any, error) {
	name, intercepted, err := lfsAttr(req.Xattr)
	if err != nil {
		return nil, err
	}

	if intercepted {
		switch name {
		case policy.XattrAllocationPolicyDefault:
			return []byte(e.DefaultPolicy().String()), nil
		case policy.XattrAllocationPolicyList:
			return []byte(policy.List()), nil
		}
	}

	var value []byte
	err = e.store.View(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		if name == policy.XattrInterleave {
			value, err = interleave(tx, s)
			return err
		}
		value, err = tx.GetXattr(s.ID, name)
		if store.IsNotFound(err) {
			return faultf(ENODATA, "%s has no xattr %s", req.Path, req.Xattr)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// interleave is one byte per book on the shelf: the low byte of its IG.
func interleave(tx store.Tx, s *store.Shelf) ([]byte, error) {
	books, err := shelfBooks(tx, s)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(books))
	for i, b := range books {
		out[i] = byte(b.IGValue() & topology.IGMask)
	}
	return out, nil
}

func (e *Engine) setXattr(ctx context.Context, req *Request) (any, error) {
	name, intercepted, err := lfsAttr(req.Xattr)
	if err != nil {
		return nil, err
	}

	if intercepted {
		switch name {
		case policy.XattrAllocationPolicyList, policy.XattrInterleave, policy.XattrInterleaveRequestPos:
			return nil, faultf(ENOTSUP, "setting %s is prohibited", req.Xattr)
		case policy.XattrAllocationPolicyDefault:
			def, err := policy.ParseName(string(req.Value))
			if err != nil || def == policy.RequestIG {
				return nil, faultf(EINVAL, "bad default allocation policy %q", req.Value)
			}
			e.setDefaultPolicy(def)
			return nil, nil
		case policy.XattrAllocationPolicy:
			if _, err := policy.ParseName(string(req.Value)); err != nil {
				return nil, faultf(EINVAL, "bad %s %q", req.Xattr, req.Value)
			}
		case policy.XattrInterleaveRequest:
			if err := e.checkInterleaveRequest(req.Value); err != nil {
				return nil, err
			}
		default:
			return nil, faultf(EINVAL, "unknown LFS xattr %s", req.Xattr)
		}
	}

	err = e.store.Update(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		if err := tx.SetXattr(s.ID, name, req.Value); err != nil {
			return err
		}
		if name == policy.XattrInterleaveRequest {
			return tx.SetXattr(s.ID, policy.XattrInterleaveRequestPos, []byte("0"))
		}
		return nil
	})
	return nil, err
}

// checkInterleaveRequest requires every byte of a pattern to name a known IG.
func (e *Engine) checkInterleaveRequest(pattern []byte) error {
	known := make([]int, len(e.igs))
	for i, ig := range e.igs {
		known[i] = ig.ID
	}
	for _, b := range pattern {
		if !slices.Contains(known, int(b)) {
			return faultf(EINVAL, "requested IGs not a subset of known IGs: %d is unknown", b)
		}
	}
	return nil
}

func (e *Engine) removeXattr(ctx context.Context, req *Request) (any, error) {
	_, intercepted, err := lfsAttr(req.Xattr)
	if err != nil {
		return nil, err
	}
	if intercepted {
		return nil, faultf(EINVAL, "removal of LFS xattrs is prohibited")
	}

	err = e.store.Update(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		if err := tx.RemoveXattr(s.ID, req.Xattr); store.IsNotFound(err) {
			return faultf(ENODATA, "%s has no xattr %s", req.Path, req.Xattr)
		} else if err != nil {
			return err
		}
		return nil
	})
	return nil, err
}

// listXattrs lists the stored names plus the derived read-only ones. The
// root only carries the engine-wide policy names.
func (e *Engine) listXattrs(ctx context.Context, req *Request) (any, error) {
	if isRootPath(req.Path) {
		return []string{policy.XattrAllocationPolicyDefault, policy.XattrAllocationPolicyList}, nil
	}

	var names []string
	err := e.store.View(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		names, err = tx.ListXattrs(s.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, derived := range []string{policy.XattrAllocationPolicyList, policy.XattrInterleave} {
		if !slices.Contains(names, derived) {
			names = append(names, derived)
		}
	}
	sort.Strings(names)
	return names, nil
}
