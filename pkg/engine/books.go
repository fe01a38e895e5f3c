package engine

import (
	"context"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

// setBookState moves a book through FREE→INUSE→ZOMBIE→FREE. Setting the
// current state again is a no-op; any other transition is EUCLEAN.
func setBookState(tx store.Tx, b *store.Book, to store.BookState) error {
	if b.Allocated == to {
		return nil
	}
	if !validTransition(b.Allocated, to) {
		return faultf(EUCLEAN, "book 0x%x: illegal allocation transition %s -> %s", b.ID, b.Allocated, to)
	}
	b.Allocated = to
	return tx.ModifyBook(b, store.BookAllocated)
}

func validTransition(from, to store.BookState) bool {
	switch from {
	case store.BookFree:
		return to == store.BookInUse
	case store.BookInUse:
		return to == store.BookZombie
	case store.BookZombie:
		return to == store.BookFree
	default:
		return false
	}
}

func (e *Engine) version(ctx context.Context, req *Request) (any, error) {
	if e.globals.Version != "" {
		return e.globals.Version, nil
	}
	return Version, nil
}

// fsStats reports globals, the IG summary and book counts by state.
func (e *Engine) fsStats(ctx context.Context, req *Request) (any, error) {
	stats := &FSStats{
		BIIMode:       e.codec.Mode().String(),
		BooksPerIG:    e.IGs(),
		BooksByState:  make(map[string]int),
		DefaultPolicy: e.DefaultPolicy().String(),
	}
	err := e.store.View(ctx, func(tx store.Tx) error {
		g, err := tx.GetGlobals()
		if err != nil {
			return err
		}
		stats.Globals = *g

		books, err := tx.ListBooks(store.BookQuery{})
		if err != nil {
			return err
		}
		for _, s := range []store.BookState{store.BookFree, store.BookInUse, store.BookZombie, store.BookOffline} {
			stats.BooksByState[s.String()] = 0
		}
		for _, b := range books {
			stats.BooksByState[b.Allocated.String()]++
		}

		stats.Nodes, err = tx.ListNodeStatus()
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.SetBookStates(stats.BooksByState)
	return stats, nil
}

func (e *Engine) getBook(ctx context.Context, req *Request) (any, error) {
	var book *store.Book
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		book, err = tx.GetBook(req.BookID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return book, nil
}

// getBookIG returns the FREE, INUSE and ZOMBIE books of one IG.
func (e *Engine) getBookIG(ctx context.Context, req *Request) (any, error) {
	if req.IG < 0 || req.IG >= topology.MaxIGs {
		return nil, faultf(EINVAL, "intlv_group %d out of range", req.IG)
	}
	return e.queryBooks(ctx, store.BookQuery{
		States: []store.BookState{store.BookFree, store.BookInUse, store.BookZombie},
		IGs:    []uint16{uint16(req.IG)},
	})
}

func (e *Engine) getBookAll(ctx context.Context, req *Request) (any, error) {
	return e.queryBooks(ctx, store.BookQuery{})
}

func (e *Engine) queryBooks(ctx context.Context, q store.BookQuery) (any, error) {
	var books []store.Book
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		books, err = tx.ListBooks(q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return books, nil
}

// killZombieBooks returns every ZOMBIE book of the caller's IG to FREE
// and reports how many moved. The caller asserts the books are zeroed.
func (e *Engine) killZombieBooks(ctx context.Context, req *Request) (any, error) {
	ig := uint16(topology.IGForNode(req.Context.NodeID))
	n := 0
	err := e.store.Update(ctx, func(tx store.Tx) error {
		books, err := tx.ListBooks(store.BookQuery{States: []store.BookState{store.BookZombie}, IGs: []uint16{ig}})
		if err != nil {
			return err
		}
		for i := range books {
			if err := setBookState(tx, &books[i], store.BookFree); err != nil {
				return err
			}
		}
		n = len(books)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}
