// Package fsck restores the invariants of a librarian database after a
// crash.
//
// A crash can interrupt any multi-transaction operation: a grow may leave
// INUSE books without a BOS row, a shrink may leave a pending-zero shelf
// behind, a destroy may leave ZOMBIE books. The checker runs a capacity
// check followed by seven ordered passes. Each pass is idempotent, so
// a second run over a repaired database reports nothing.
package fsck

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/store"
)

var (
	// ErrCapacity is returned when the books table does not hold the number
	// of books recorded at provisioning.
	ErrCapacity = errors.New("book count does not match globals")

	// ErrDuplicateSequence is returned when a shelf lists two books at the
	// same sequence number. There is no automatic repair for it.
	ErrDuplicateSequence = errors.New("duplicate book sequence number")

	// errDryRun rolls back the dry-run transaction.
	errDryRun = errors.New("dry run")
)

// DefaultBatchSize is the number of rows a batched pass repairs per
// transaction when Config.BatchSize is zero.
const DefaultBatchSize = 1024

// Config controls a checker.
type Config struct {
	// DryRun runs every pass inside a single transaction that is rolled
	// back, so the report shows what a real run would repair.
	DryRun bool

	// BatchSize caps the rows a batched pass repairs in one transaction
	// during a real run. Zero selects DefaultBatchSize.
	BatchSize int
}

// Checker runs the recovery passes against a store.
type Checker struct {
	store  store.Store
	config Config
}

// NewChecker creates a checker. The store should not be serving an engine
// while the checker runs.
func NewChecker(st store.Store, config Config) *Checker {
	return &Checker{store: st, config: config}
}

// pass is one ordered recovery step. A batched pass repairs at most limit
// rows per call (0 means all of them); a real run repeats it in fresh
// transactions until a call comes up short.
type pass struct {
	name    string
	run     func(tx store.Tx, g *store.Globals, limit int) (int, error)
	batched bool
}

var passes = []pass{
	{name: "stale-handles", run: whole(removeStaleHandles)},
	{name: "finish-unlink", run: whole(finishUnlink)},
	{name: "free-zombies", run: freeZombies, batched: true},
	{name: "reconcile", run: whole(reconcile)},
	{name: "orphan-attributes", run: whole(removeOrphanAttributes)},
	{name: "lost-shelves", run: whole(recoverLostShelves)},
	{name: "link-counts", run: whole(fixLinkCounts)},
}

func whole(fn func(tx store.Tx, g *store.Globals) (int, error)) func(store.Tx, *store.Globals, int) (int, error) {
	return func(tx store.Tx, g *store.Globals, _ int) (int, error) {
		return fn(tx, g)
	}
}

// PassResult is the outcome of one pass.
type PassResult struct {
	Pass     int
	Name     string
	Repaired int
}

// Report holds the outcome of a run.
type Report struct {
	StartTime  time.Time
	EndTime    time.Time
	DryRun     bool
	BooksTotal int
	Passes     []PassResult
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Repaired returns the total number of repaired rows.
func (r *Report) Repaired() int {
	total := 0
	for _, p := range r.Passes {
		total += p.Repaired
	}
	return total
}

// Count returns the repairs of the named pass.
func (r *Report) Count(name string) int {
	for _, p := range r.Passes {
		if p.Name == name {
			return p.Repaired
		}
	}
	return 0
}

// Summary returns a one-line human readable summary.
func (r *Report) Summary() string {
	parts := make([]string, 0, len(r.Passes))
	for _, p := range r.Passes {
		parts = append(parts, fmt.Sprintf("%s=%d", p.Name, p.Repaired))
	}
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	return fmt.Sprintf("fsck%s: %d books, %d repaired [%s] in %v",
		mode, r.BooksTotal, r.Repaired(), strings.Join(parts, " "), r.Duration())
}

// Run checks capacity and then runs the passes in order. It stops at the
// first pass that fails; the report lists the passes that completed.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartTime: time.Now(), DryRun: c.config.DryRun}
	defer func() { report.EndTime = time.Now() }()

	var globals *store.Globals
	err := c.store.View(ctx, func(tx store.Tx) error {
		g, err := tx.GetGlobals()
		if err != nil {
			return err
		}
		books, err := tx.ListBooks(store.BookQuery{})
		if err != nil {
			return err
		}
		if len(books) != g.BooksTotal {
			return fmt.Errorf("%w: globals record %d, table holds %d", ErrCapacity, g.BooksTotal, len(books))
		}
		globals = g
		return nil
	})
	if err != nil {
		return report, err
	}
	report.BooksTotal = globals.BooksTotal
	logger.Info("fsck: capacity ok (%d books of %d bytes)", globals.BooksTotal, globals.BookSize)

	if c.config.DryRun {
		err := c.store.Update(ctx, func(tx store.Tx) error {
			for i, p := range passes {
				n, err := runPass(tx, globals, i, p, 0)
				if err != nil {
					return err
				}
				report.record(i, p, n)
			}
			return errDryRun
		})
		if err != nil && !errors.Is(err, errDryRun) {
			return report, err
		}
		logger.Info("%s", report.Summary())
		return report, nil
	}

	limit := c.config.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	for i, p := range passes {
		total := 0
		for {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			var n int
			err := c.store.Update(ctx, func(tx store.Tx) error {
				var err error
				n, err = runPass(tx, globals, i, p, limit)
				return err
			})
			if err != nil {
				return report, err
			}
			total += n
			if !p.batched || n < limit {
				break
			}
			logger.Debug("fsck: pass %d %s committed a batch of %d", i+1, p.name, n)
		}
		report.record(i, p, total)
	}
	logger.Info("%s", report.Summary())
	return report, nil
}

func runPass(tx store.Tx, g *store.Globals, i int, p pass, limit int) (int, error) {
	n, err := p.run(tx, g, limit)
	if err != nil {
		logger.Error("fsck: pass %d %s failed: %v", i+1, p.name, err)
		return n, fmt.Errorf("pass %d %s: %w", i+1, p.name, err)
	}
	return n, nil
}

func (r *Report) record(i int, p pass, n int) {
	r.Passes = append(r.Passes, PassResult{Pass: i + 1, Name: p.name, Repaired: n})
	if n > 0 {
		logger.Info("fsck: pass %d %s repaired %d", i+1, p.name, n)
	} else {
		logger.Debug("fsck: pass %d %s clean", i+1, p.name)
	}
}

// ============================================================================
// Passes
// ============================================================================

func shelfIDs(tx store.Tx) (map[uint64]store.Shelf, error) {
	shelves, err := tx.ListShelves()
	if err != nil {
		return nil, err
	}
	byID := make(map[uint64]store.Shelf, len(shelves))
	for _, s := range shelves {
		byID[s.ID] = s
	}
	return byID, nil
}

// removeStaleHandles deletes open handles whose shelf is gone.
func removeStaleHandles(tx store.Tx, _ *store.Globals) (int, error) {
	shelves, err := shelfIDs(tx)
	if err != nil {
		return 0, err
	}
	handles, err := tx.ListAllOpenedShelves()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range handles {
		if _, ok := shelves[h.ShelfID]; ok {
			continue
		}
		if err := tx.DeleteOpenedShelf(h.ID, h.ShelfID, h.NodeID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func isPendingZero(name string) bool {
	return strings.HasPrefix(name, store.ZeroShelfPrefix) || strings.HasPrefix(name, store.LegacyHiddenPrefix)
}

// finishUnlink completes the removal of pending-zero shelves. Their books
// become ZOMBIE and are freed by the next pass.
func finishUnlink(tx store.Tx, _ *store.Globals) (int, error) {
	shelves, err := tx.ListShelves()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range shelves {
		if !isPendingZero(s.Name) {
			continue
		}
		rows, err := tx.ListBOS(s.ID)
		if err != nil {
			return n, err
		}
		for _, r := range rows {
			if err := tx.DeleteBOS(r.ShelfID, r.BookID); err != nil {
				return n, err
			}
			b, err := tx.GetBook(r.BookID)
			if store.IsNotFound(err) {
				continue
			}
			if err != nil {
				return n, err
			}
			if b.Allocated == store.BookInUse {
				b.Allocated = store.BookZombie
				if err := tx.ModifyBook(b, store.BookAllocated); err != nil {
					return n, err
				}
			}
		}
		if err := dropShelfRows(tx, s.ID); err != nil {
			return n, err
		}
		logger.Debug("fsck: unlinked %s (shelf %d, %d books)", s.Name, s.ID, len(rows))
		n++
	}
	return n, nil
}

// dropShelfRows deletes a shelf with its attributes and symlink target.
func dropShelfRows(tx store.Tx, id uint64) error {
	names, err := tx.ListXattrs(id)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := tx.RemoveXattr(id, name); err != nil && !store.IsNotFound(err) {
			return err
		}
	}
	if err := tx.DeleteSymlink(id); err != nil && !store.IsNotFound(err) {
		return err
	}
	return tx.DeleteShelf(id)
}

// freeZombies returns up to limit ZOMBIE books to the free pool.
func freeZombies(tx store.Tx, _ *store.Globals, limit int) (int, error) {
	zombies, err := tx.ListBooks(store.BookQuery{States: []store.BookState{store.BookZombie}, Limit: limit})
	if err != nil {
		return 0, err
	}
	for i := range zombies {
		zombies[i].Allocated = store.BookFree
		if err := tx.ModifyBook(&zombies[i], store.BookAllocated); err != nil {
			return i, err
		}
	}
	return len(zombies), nil
}

// reconcile makes book states, book counts and sizes agree with the BOS
// table. Duplicate sequence numbers abort the pass before anything changes.
func reconcile(tx store.Tx, g *store.Globals) (int, error) {
	shelves, err := shelfIDs(tx)
	if err != nil {
		return 0, err
	}
	rows, err := tx.ListAllBOS()
	if err != nil {
		return 0, err
	}

	byShelf := make(map[uint64][]store.BOS)
	for _, r := range rows {
		byShelf[r.ShelfID] = append(byShelf[r.ShelfID], r)
	}
	ids := make([]uint64, 0, len(byShelf))
	for id := range byShelf {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var fatal *multierror.Error
	for _, id := range ids {
		seen := make(map[int]bool)
		for _, r := range byShelf[id] {
			if seen[r.Seq] {
				fatal = multierror.Append(fatal, fmt.Errorf("%w: shelf %d seq %d", ErrDuplicateSequence, id, r.Seq))
				break
			}
			seen[r.Seq] = true
		}
	}
	if err := fatal.ErrorOrNil(); err != nil {
		return 0, err
	}

	n := 0
	onShelf := make(map[uint64]bool, len(rows))
	for _, r := range rows {
		if _, ok := shelves[r.ShelfID]; !ok {
			if err := tx.DeleteBOS(r.ShelfID, r.BookID); err != nil {
				return n, err
			}
			delete(byShelf, r.ShelfID)
			n++
			continue
		}
		onShelf[r.BookID] = true
	}

	for id := range onShelf {
		b, err := tx.GetBook(id)
		if err != nil {
			return n, fmt.Errorf("book 0x%x on a shelf: %w", id, err)
		}
		if b.Allocated != store.BookInUse {
			logger.Debug("fsck: book 0x%x on a shelf was %s", b.ID, b.Allocated)
			b.Allocated = store.BookInUse
			if err := tx.ModifyBook(b, store.BookAllocated); err != nil {
				return n, err
			}
			n++
		}
	}

	bs := int64(g.BookSize)
	for _, s := range shelves {
		count := len(byShelf[s.ID])
		var fields store.ShelfField
		if s.BookCount != count {
			s.BookCount = count
			fields |= store.ShelfBookCount
		}
		capacity := int64(count) * bs
		if s.SizeBytes > capacity || (count > 0 && s.SizeBytes <= capacity-bs) {
			s.SizeBytes = capacity
			fields |= store.ShelfSize
		}
		if fields == 0 {
			continue
		}
		logger.Debug("fsck: shelf %d %q now holds %d books, %d bytes", s.ID, s.Name, s.BookCount, s.SizeBytes)
		if err := tx.ModifyShelf(&s, fields); err != nil {
			return n, err
		}
		n++
	}

	inuse, err := tx.ListBooks(store.BookQuery{States: []store.BookState{store.BookInUse}})
	if err != nil {
		return n, err
	}
	for i := range inuse {
		if onShelf[inuse[i].ID] {
			continue
		}
		inuse[i].Allocated = store.BookFree
		if err := tx.ModifyBook(&inuse[i], store.BookAllocated); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// removeOrphanAttributes deletes xattr and symlink rows of missing shelves.
func removeOrphanAttributes(tx store.Tx, _ *store.Globals) (int, error) {
	shelves, err := shelfIDs(tx)
	if err != nil {
		return 0, err
	}
	n := 0
	xattrs, err := tx.ListAllXattrs()
	if err != nil {
		return 0, err
	}
	for _, x := range xattrs {
		if _, ok := shelves[x.ShelfID]; ok {
			continue
		}
		if err := tx.RemoveXattr(x.ShelfID, x.Name); err != nil {
			return n, err
		}
		n++
	}
	links, err := tx.ListSymlinks()
	if err != nil {
		return n, err
	}
	for _, l := range links {
		if _, ok := shelves[l.ShelfID]; ok {
			continue
		}
		if err := tx.DeleteSymlink(l.ShelfID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// recoverLostShelves moves shelves whose parent is gone into lost+found.
// The id suffix keeps the new names unique.
func recoverLostShelves(tx store.Tx, _ *store.Globals) (int, error) {
	shelves, err := shelfIDs(tx)
	if err != nil {
		return 0, err
	}
	ids := make([]uint64, 0, len(shelves))
	for id := range shelves {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n := 0
	for _, id := range ids {
		s := shelves[id]
		if s.ID == store.GarbageShelfID {
			continue
		}
		if _, ok := shelves[s.ParentID]; ok {
			continue
		}
		logger.Warn("fsck: shelf %d %q lost parent %d", s.ID, s.Name, s.ParentID)
		s.ParentID = store.LostFoundShelfID
		s.Name = fmt.Sprintf("%s_%d", s.Name, s.ID)
		if err := tx.ModifyShelf(&s, store.ShelfParent|store.ShelfName); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// fixLinkCounts sets every directory's link count to its child
// directories plus two.
func fixLinkCounts(tx store.Tx, _ *store.Globals) (int, error) {
	shelves, err := tx.ListShelves()
	if err != nil {
		return 0, err
	}
	children := make(map[uint64]int)
	for _, s := range shelves {
		if s.IsDir() && s.ID != s.ParentID {
			children[s.ParentID]++
		}
	}
	n := 0
	for _, s := range shelves {
		if !s.IsDir() || s.ID == store.GarbageShelfID {
			continue
		}
		want := children[s.ID] + 2
		if s.LinkCount == want {
			continue
		}
		logger.Debug("fsck: directory %d %q link count %d -> %d", s.ID, s.Name, s.LinkCount, want)
		s.LinkCount = want
		if err := tx.ModifyShelf(&s, store.ShelfLinkCount); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
