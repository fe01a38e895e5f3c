package policy

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

// Request describes one allocation.
type Request struct {
	// ShelfID is the shelf being grown; RequestIG reads its xattrs.
	ShelfID uint64

	// BooksNeeded is the number of additional books.
	BooksNeeded int

	// NodeID is the calling node, used by the nearest family.
	NodeID int
}

// Result is the outcome of an allocation.
type Result struct {
	// Books are FREE books in allocation order. Nearest-family policies may
	// return fewer than requested; the caller decides whether that is fatal.
	Books []store.Book

	// Cursor is the new RequestIG pattern position, valid when CursorSet.
	// The caller persists it after committing the books.
	Cursor    int
	CursorSet bool
}

// Allocator runs allocation policies against a store transaction.
type Allocator struct {
	topo  *topology.Topology
	codec *topology.Codec

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithSeed makes shuffling deterministic.
func WithSeed(seed uint64) Option {
	return func(a *Allocator) {
		a.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// NewAllocator creates an allocator over the given topology. The codec
// decides whether all nodes count as one enclosure (PHYSADDR).
func NewAllocator(topo *topology.Topology, codec *topology.Codec, opts ...Option) *Allocator {
	a := &Allocator{topo: topo, codec: codec}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) shuffle(books []store.Book) {
	swap := func(i, j int) { books[i], books[j] = books[j], books[i] }
	if a.rng == nil {
		rand.Shuffle(len(books), swap)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rng.Shuffle(len(books), swap)
}

// Allocate draws FREE books for req using the named policy. It never
// modifies the store.
func (a *Allocator) Allocate(tx store.Tx, name Name, req Request) (Result, error) {
	if req.BooksNeeded <= 0 {
		return Result{}, nil
	}

	if ax, ok := nearestAxes(name); ok {
		books, err := a.nearest(tx, ax, req)
		return Result{Books: books}, err
	}

	switch name {
	case RandomBooks:
		books, err := a.freeBooks(tx, nil, req.BooksNeeded, true)
		return Result{Books: books}, err
	case LZAAscending:
		books, err := tx.ListBooks(store.BookQuery{States: freeOnly, Limit: req.BooksNeeded})
		return Result{Books: books}, err
	case LZADescending:
		books, err := tx.ListBooks(store.BookQuery{States: freeOnly, Limit: req.BooksNeeded, Descending: true})
		return Result{Books: books}, err
	case RequestIG:
		return a.requestIG(tx, req)
	default:
		return Result{}, fmt.Errorf("%w: %s is not implemented", ErrUnknownPolicy, name)
	}
}

var freeOnly = []store.BookState{store.BookFree}

// freeBooks returns up to n FREE books of the given IGs (all IGs if nil).
// Shuffling considers every candidate before truncating.
func (a *Allocator) freeBooks(tx store.Tx, igs []uint16, n int, shuffle bool) ([]store.Book, error) {
	q := store.BookQuery{States: freeOnly, IGs: igs}
	if !shuffle {
		q.Limit = n
	}
	books, err := tx.ListBooks(q)
	if err != nil {
		return nil, err
	}
	if shuffle {
		a.shuffle(books)
	}
	if len(books) > n {
		books = books[:n]
	}
	return books, nil
}

// nodeIGs maps node ids to the IG column values their books carry.
func nodeIGs(nodeIDs []int) []uint16 {
	igs := make([]uint16, len(nodeIDs))
	for i, id := range nodeIDs {
		igs[i] = uint16(topology.IGForNode(id))
	}
	return igs
}

// nearest draws from the caller's node, then its enclosure, then the rest
// of the machine, stopping as soon as the request is satisfied.
func (a *Allocator) nearest(tx store.Tx, ax axes, req Request) ([]store.Book, error) {
	if !a.topo.HasNode(req.NodeID) {
		return nil, fmt.Errorf("%w: node %d", topology.ErrInvalidNode, req.NodeID)
	}

	needed := req.BooksNeeded
	var out []store.Book

	if ax.local {
		local, err := a.freeBooks(tx, nodeIGs([]int{req.NodeID}), needed, false)
		if err != nil {
			return nil, err
		}
		out = append(out, local...)
		if !ax.enclosure && !ax.rack {
			return out, nil
		}
		needed -= len(local)
		if needed == 0 {
			return out, nil
		}
	}

	enclosure := a.enclosureNodes(req.NodeID)

	if ax.enclosure {
		var peers []int
		for _, id := range enclosure {
			if id != req.NodeID {
				peers = append(peers, id)
			}
		}
		if len(peers) > 0 {
			books, err := a.freeBooks(tx, nodeIGs(peers), needed, true)
			if err != nil {
				return nil, err
			}
			out = append(out, books...)
			needed -= len(books)
			if needed == 0 {
				return out, nil
			}
		}
	}

	if ax.rack {
		inEnc := make(map[int]bool, len(enclosure))
		for _, id := range enclosure {
			inEnc[id] = true
		}
		var remote []int
		for _, n := range a.topo.Nodes() {
			if !inEnc[n.ID()] {
				remote = append(remote, n.ID())
			}
		}
		if len(remote) > 0 {
			books, err := a.freeBooks(tx, nodeIGs(remote), needed, true)
			if err != nil {
				return nil, err
			}
			out = append(out, books...)
		}
	}

	return out, nil
}

// enclosureNodes lists the caller and its enclosure peers. In PHYSADDR mode
// every node is treated as part of a single enclosure.
func (a *Allocator) enclosureNodes(nodeID int) []int {
	if a.codec != nil && a.codec.IsPhysAddr() {
		nodes := a.topo.Nodes()
		ids := make([]int, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID()
		}
		return ids
	}
	return append([]int{nodeID}, a.topo.EnclosurePeers(nodeID)...)
}

// requestIG allocates round-robin over the shelf's explicit IG pattern,
// starting at the persisted cursor.
func (a *Allocator) requestIG(tx store.Tx, req Request) (Result, error) {
	pattern, err := tx.GetXattr(req.ShelfID, XattrInterleaveRequest)
	if err != nil && !store.IsNotFound(err) {
		return Result{}, err
	}
	if len(pattern) == 0 {
		return Result{}, ErrNoInterleaveRequest
	}

	pos := 0
	if raw, err := tx.GetXattr(req.ShelfID, XattrInterleaveRequestPos); err == nil {
		if v, perr := strconv.Atoi(string(raw)); perr == nil && v >= 0 && v < len(pattern) {
			pos = v
		}
	} else if !store.IsNotFound(err) {
		return Result{}, err
	}

	counts := make(map[uint16]int)
	cur := pos
	for i := 0; i < req.BooksNeeded; i++ {
		counts[uint16(pattern[cur%len(pattern)])]++
		cur++
	}

	pools := make(map[uint16][]store.Book, len(counts))
	for ig, n := range counts {
		books, err := tx.ListBooks(store.BookQuery{States: freeOnly, IGs: []uint16{ig}, Limit: n})
		if err != nil {
			return Result{}, err
		}
		if len(books) < n {
			return Result{}, fmt.Errorf("%w: IG %d has %d of %d", ErrInsufficientBooks, ig, len(books), n)
		}
		pools[ig] = books
	}

	out := make([]store.Book, 0, req.BooksNeeded)
	cur = pos
	for i := 0; i < req.BooksNeeded; i++ {
		ig := uint16(pattern[cur%len(pattern)])
		out = append(out, pools[ig][0])
		pools[ig] = pools[ig][1:]
		cur++
	}

	return Result{Books: out, Cursor: cur % len(pattern), CursorSet: true}, nil
}
