package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/store"
)

// maxGrowAttempts bounds retries when a concurrent grow on another shelf
// claims a book between allocation and commit.
const maxGrowAttempts = 3

var errBookTaken = errors.New("book no longer FREE")

// growPlan carries what the validating transaction learned about a grow.
type growPlan struct {
	shelf  store.Shelf
	needed int
}

// resizeShelf changes a shelf's size, allocating or releasing books.
//
// A shrink runs in one transaction. A grow commits each book's FREE→INUSE
// transition and its BOS row separately, then updates the size; a crash in
// between leaves rows that fsck reconciles.
func (e *Engine) resizeShelf(ctx context.Context, req *Request) (any, error) {
	if req.Size < 0 {
		return nil, faultf(EINVAL, "bad size %d", req.Size)
	}

	result := &ResizeResult{}
	var plan *growPlan

	err := e.store.Update(ctx, func(tx store.Tx) error {
		s, err := e.shelfAt(tx, req.Path, req.ID)
		if err != nil {
			return err
		}
		rows, err := tx.ListBOS(s.ID)
		if err != nil {
			return err
		}
		// The sequence numbers must be exactly 1..book_count
		if len(rows) != s.BookCount {
			return faultf(EBADFD, "%s has bad BOS sequence numbers: %d rows for %d books", s.Name, len(rows), s.BookCount)
		}
		for i, r := range rows {
			if r.Seq != i+1 {
				return faultf(EBADFD, "%s has bad BOS sequence numbers", s.Name)
			}
		}

		if req.Size == s.SizeBytes {
			return nil
		}

		newCount := e.nbooks(req.Size)
		if req.Size < s.SizeBytes {
			if _, others, err := openers(tx, s.ID, req.Context); err != nil {
				return err
			} else if others > 0 {
				return faultf(EMFILE, "%s has %d other openers, cannot shrink", s.Name, others)
			}
		}

		switch {
		case newCount == s.BookCount:
			s.SizeBytes = req.Size
			s.MTime = e.now()
			return tx.ModifyShelf(s, store.ShelfSize|store.ShelfMTime)
		case newCount < s.BookCount:
			return e.shrink(tx, s, rows, req, result)
		default:
			plan = &growPlan{shelf: *s, needed: newCount - s.BookCount}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if plan != nil {
		if err := e.grow(ctx, plan, req); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// shrink pops BOS rows from the highest sequence number down.
//
// Books of a zeroing shelf being emptied go straight from ZOMBIE to FREE.
// Everything else becomes ZOMBIE and, with zeroing enabled, moves onto a
// new zeroing shelf under the root for the zeroer to pick up.
func (e *Engine) shrink(tx store.Tx, s *store.Shelf, rows []store.BOS, req *Request, result *ResizeResult) error {
	newCount := e.nbooks(req.Size)
	remove := s.BookCount - newCount
	freeing := strings.HasPrefix(s.Name, store.ZeroShelfPrefix) && newCount == 0
	now := e.now()

	var zshelf *store.Shelf
	if req.ZeroEnabled && !freeing {
		zshelf = &store.Shelf{
			ParentID:  store.RootShelfID,
			Name:      fmt.Sprintf("%s%s_%d_%d_%s", store.ZeroShelfPrefix, s.Name, s.ParentID, now.Unix(), e.newID()),
			Mode:      DefaultShelfMode,
			LinkCount: 1,
			CTime:     now,
			MTime:     now,
			CreatorID: req.Context.NodeID,
		}
		if err := tx.CreateShelf(zshelf); err != nil {
			return err
		}
	}

	for i := 0; i < remove; i++ {
		row := rows[len(rows)-1-i]
		if err := tx.DeleteBOS(row.ShelfID, row.BookID); err != nil {
			return err
		}
		b, err := tx.GetBook(row.BookID)
		if err != nil {
			return err
		}
		to := store.BookZombie
		if freeing && b.Allocated == store.BookZombie {
			to = store.BookFree
		}
		if err := setBookState(tx, b, to); err != nil {
			return err
		}

		if zshelf != nil {
			zshelf.BookCount++
			if err := tx.CreateBOS(store.BOS{ShelfID: zshelf.ID, BookID: b.ID, Seq: zshelf.BookCount}); err != nil {
				return err
			}
		}
	}

	if zshelf != nil {
		zshelf.SizeBytes = int64(zshelf.BookCount) * e.bookSize
		if err := tx.ModifyShelf(zshelf, store.ShelfSize|store.ShelfBookCount); err != nil {
			return err
		}
		result.ZeroShelfPath = "/" + zshelf.Name
		logger.Debug("Shrink of %s moved %d books to %s", s.Name, remove, zshelf.Name)
	}

	s.SizeBytes = req.Size
	s.BookCount = newCount
	s.MTime = now
	return tx.ModifyShelf(s, store.ShelfSize|store.ShelfBookCount|store.ShelfMTime)
}

// grow allocates plan.needed books and attaches them after the existing
// ones. A book claimed by a concurrent grow rolls back this attempt's
// books and retries the allocation.
func (e *Engine) grow(ctx context.Context, plan *growPlan, req *Request) error {
	s := plan.shelf

	var (
		name policy.Name
		res  policy.Result
	)
	for attempt := 1; ; attempt++ {
		err := e.store.View(ctx, func(tx store.Tx) error {
			var err error
			if name, err = e.shelfPolicy(tx, s.ID); err != nil {
				return err
			}
			res, err = e.alloc.Allocate(tx, name, policy.Request{
				ShelfID:     s.ID,
				BooksNeeded: plan.needed,
				NodeID:      req.Context.NodeID,
			})
			return err
		})
		if err != nil {
			return err
		}
		if len(res.Books) != plan.needed {
			return faultf(ENOSPC, "out of space for %s: policy %s found %d of %d books",
				s.Name, name, len(res.Books), plan.needed)
		}

		attached, err := e.attach(ctx, &s, res.Books)
		if err == nil {
			break
		}
		if rerr := e.detach(ctx, &s, attached); rerr != nil {
			logger.Error("Rollback of grow on %s failed, fsck required: %v", s.Name, rerr)
			return err
		}
		if !errors.Is(err, errBookTaken) {
			return err
		}
		if attempt == maxGrowAttempts {
			return faultf(ENOSPC, "out of space for %s: books kept being claimed concurrently", s.Name)
		}
		logger.Debug("Grow of %s lost a book race, retrying: %v", s.Name, err)
	}

	e.metrics.RecordBooksAllocated(name.String(), plan.needed)

	return e.store.Update(ctx, func(tx store.Tx) error {
		if res.CursorSet {
			if err := tx.SetXattr(s.ID, policy.XattrInterleaveRequestPos, []byte(strconv.Itoa(res.Cursor))); err != nil {
				return err
			}
		}
		s.SizeBytes = req.Size
		s.BookCount += plan.needed
		s.MTime = e.now()
		return tx.ModifyShelf(&s, store.ShelfSize|store.ShelfBookCount|store.ShelfMTime)
	})
}

// attach commits FREE→INUSE and the BOS row of each book in order. It
// returns the books whose state change committed.
func (e *Engine) attach(ctx context.Context, s *store.Shelf, books []store.Book) ([]store.Book, error) {
	var done []store.Book
	for i := range books {
		b := books[i]
		err := e.store.Update(ctx, func(tx store.Tx) error {
			cur, err := tx.GetBook(b.ID)
			if err != nil {
				return err
			}
			if cur.Allocated != store.BookFree {
				return fmt.Errorf("%w: 0x%x is %s", errBookTaken, b.ID, cur.Allocated)
			}
			return setBookState(tx, cur, store.BookInUse)
		})
		if err != nil {
			return done, err
		}
		done = append(done, b)

		if err := e.store.Update(ctx, func(tx store.Tx) error {
			return tx.CreateBOS(store.BOS{ShelfID: s.ID, BookID: b.ID, Seq: s.BookCount + i + 1})
		}); err != nil {
			return done, err
		}
	}
	return done, nil
}

// detach undoes attach: drops the BOS rows and walks the books back to
// FREE through ZOMBIE.
func (e *Engine) detach(ctx context.Context, s *store.Shelf, books []store.Book) error {
	if len(books) == 0 {
		return nil
	}
	return e.store.Update(ctx, func(tx store.Tx) error {
		for _, b := range books {
			if err := tx.DeleteBOS(s.ID, b.ID); err != nil && !store.IsNotFound(err) {
				return err
			}
			cur, err := tx.GetBook(b.ID)
			if err != nil {
				return err
			}
			if err := setBookState(tx, cur, store.BookZombie); err != nil {
				return err
			}
			if err := setBookState(tx, cur, store.BookFree); err != nil {
				return err
			}
		}
		return nil
	})
}

// shelfPolicy reads the shelf's allocation policy, falling back to the
// engine default.
func (e *Engine) shelfPolicy(tx store.Tx, shelfID uint64) (policy.Name, error) {
	raw, err := tx.GetXattr(shelfID, policy.XattrAllocationPolicy)
	if err != nil {
		if store.IsNotFound(err) {
			return e.DefaultPolicy(), nil
		}
		return 0, err
	}
	if len(raw) == 0 {
		return e.DefaultPolicy(), nil
	}
	return policy.ParseName(string(raw))
}
