// Package topology models node placement, media-controller modules,
// interleave groups and the distance function between them, plus the
// book-identity codec shared by every other component.
package topology

import (
	"fmt"
	"slices"
	"sort"
)

// InterleaveGroup is a set of modules treated as one address-interleaved pool.
type InterleaveGroup struct {
	ID      int
	Modules []Module
}

// TotalBooks is the sum of the member modules' book counts.
func (g InterleaveGroup) TotalBooks() int {
	total := 0
	for _, m := range g.Modules {
		total += m.SizeBooks
	}
	return total
}

// Topology is the read-only placement reference data.
type Topology struct {
	nodes   []Node
	byID    map[int]Node
	igs     []InterleaveGroup
	igByID  map[int]int
	modules []Module
}

// IGInfo summarizes one interleave group for address translation: its
// book count and, in PHYSADDR mode, the physical address of its first book
// (-1 otherwise).
//
// Span is the address space the group covers in books, from PhysBase to
// the end of its highest book, gaps between ranges included. Zero means
// the books are contiguous.
type IGInfo struct {
	ID       int   `json:"ig"`
	Books    int   `json:"books"`
	PhysBase int64 `json:"phys_base"`
	Span     int   `json:"span,omitempty"`
}

// Extent returns the group's address space in books.
func (g IGInfo) Extent() int {
	return max(g.Books, g.Span)
}

// New builds a topology from the provisioned module list.
//
// Every module must name a valid node and an IG in 0-127.
func New(modules []Module) (*Topology, error) {
	t := &Topology{
		byID:   make(map[int]Node),
		igByID: make(map[int]int),
	}

	groups := make(map[int][]Module)
	for _, m := range modules {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if m.IG < 0 || m.IG >= MaxIGs {
			return nil, fmt.Errorf("intlv_group ID %d out of range 0-%d", m.IG, MaxIGs-1)
		}
		id := m.Node.ID()
		if _, ok := t.byID[id]; !ok {
			t.byID[id] = m.Node
			t.nodes = append(t.nodes, m.Node)
		}
		groups[m.IG] = append(groups[m.IG], m)
		t.modules = append(t.modules, m)
	}

	sort.Slice(t.nodes, func(i, j int) bool { return t.nodes[i].ID() < t.nodes[j].ID() })

	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		g := InterleaveGroup{ID: id, Modules: groups[id]}
		t.igByID[id] = len(t.igs)
		t.igs = append(t.igs, g)
	}

	return t, nil
}

// ValidateLZA checks that every IG fits the 13-bit book number of an LZA.
func (t *Topology) ValidateLZA() error {
	for _, g := range t.igs {
		if g.TotalBooks() > MaxBooksPerIG {
			return fmt.Errorf("intlv_group %d: book count %d too large", g.ID, g.TotalBooks())
		}
	}
	return nil
}

// Nodes returns all nodes sorted by id.
func (t *Topology) Nodes() []Node {
	return slices.Clone(t.nodes)
}

// Node looks up a node by id.
func (t *Topology) Node(id int) (Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// HasNode reports whether the node is part of the topology.
func (t *Topology) HasNode(id int) bool {
	_, ok := t.byID[id]
	return ok
}

// Modules returns every module in provisioning order.
func (t *Topology) Modules() []Module {
	return slices.Clone(t.modules)
}

// IGs returns the interleave groups sorted by id.
func (t *Topology) IGs() []InterleaveGroup {
	return slices.Clone(t.igs)
}

// IGIDs returns the known interleave group ids in ascending order.
func (t *Topology) IGIDs() []int {
	ids := make([]int, len(t.igs))
	for i, g := range t.igs {
		ids[i] = g.ID
	}
	return ids
}

// IG looks up an interleave group by id.
func (t *Topology) IG(id int) (InterleaveGroup, bool) {
	i, ok := t.igByID[id]
	if !ok {
		return InterleaveGroup{}, false
	}
	return t.igs[i], true
}

// DistanceTo returns the node distance between two node ids.
func (t *Topology) DistanceTo(from, to int) (int, error) {
	a, ok := t.byID[from]
	if !ok {
		return 0, fmt.Errorf("%w: node %d not in topology", ErrInvalidNode, from)
	}
	b, ok := t.byID[to]
	if !ok {
		return 0, fmt.Errorf("%w: node %d not in topology", ErrInvalidNode, to)
	}
	return NodeDistance(a, b), nil
}

// ForeachDistance calls fn for each distinct distance from the given node in
// increasing order, starting with the node itself at distance 0, together
// with the ids of the nodes at that distance. Iteration stops when fn
// returns false.
func (t *Topology) ForeachDistance(from int, fn func(dist int, nodeIDs []int) bool) error {
	origin, ok := t.byID[from]
	if !ok {
		return fmt.Errorf("%w: node %d not in topology", ErrInvalidNode, from)
	}

	byDist := make(map[int][]int)
	var sorted []int
	for _, n := range t.nodes {
		d := NodeDistance(origin, n)
		if _, seen := byDist[d]; !seen {
			sorted = append(sorted, d)
		}
		byDist[d] = append(byDist[d], n.ID())
	}
	slices.Sort(sorted)

	for _, d := range sorted {
		if !fn(d, byDist[d]) {
			return nil
		}
	}
	return nil
}

// EnclosurePeers returns the ids of the other nodes in the node's enclosure.
func (t *Topology) EnclosurePeers(id int) []int {
	origin, ok := t.byID[id]
	if !ok {
		return nil
	}
	var peers []int
	for _, n := range t.nodes {
		if n.ID() != id && n.Rack == origin.Rack && n.Enclosure == origin.Enclosure {
			peers = append(peers, n.ID())
		}
	}
	return peers
}
