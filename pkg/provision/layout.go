// Package provision registers books, media-controller modules, globals and
// the reserved shelves in an empty librarian database.
//
// A layout describes each node's NVM either as a plain size (LZA mode: every
// node owns interleave group node_id-1, split over four modules) or as a
// list of physical address ranges (PHYSADDR mode: book ids are the raw
// addresses). Mixing the two forms is an error.
package provision

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/librarian/pkg/topology"
)

const (
	MinBookSize = 2 << 20
	MaxBookSize = 8 << 30
)

var ErrInvalidLayout = errors.New("invalid layout")

// Range is one physical NVM range of a PHYSADDR node.
type Range struct {
	Base uint64
	Size uint64
}

// NodeLayout is the NVM behind one node.
type NodeLayout struct {
	NodeID int

	// NVMSize is the node's NVM in bytes. Used in LZA mode.
	NVMSize uint64

	// Ranges are the node's physical ranges. Non-empty selects PHYSADDR.
	Ranges []Range
}

func (n NodeLayout) bytes() uint64 {
	if len(n.Ranges) == 0 {
		return n.NVMSize
	}
	var total uint64
	for _, r := range n.Ranges {
		total += r.Size
	}
	return total
}

// Layout is a complete machine description.
type Layout struct {
	BookSize uint64
	Nodes    []NodeLayout
	Version  string
}

// Mode returns PHYSADDR if any node lists physical ranges, LZA otherwise.
func (l *Layout) Mode() topology.Mode {
	for _, n := range l.Nodes {
		if len(n.Ranges) > 0 {
			return topology.ModePhysAddr
		}
	}
	return topology.ModeLZA
}

// BooksTotal returns the number of books the layout provisions.
func (l *Layout) BooksTotal() int {
	total := 0
	for _, n := range l.Nodes {
		total += int(n.bytes() / l.BookSize)
	}
	return total
}

// Validate checks book size, node ids, per-node sizes and, in PHYSADDR
// mode, alignment and range collisions.
func (l *Layout) Validate() error {
	if l.BookSize < MinBookSize || l.BookSize > MaxBookSize {
		return fmt.Errorf("%w: book size %s is out of range [%s, %s]", ErrInvalidLayout,
			humanize.IBytes(l.BookSize), humanize.IBytes(MinBookSize), humanize.IBytes(MaxBookSize))
	}
	if bits.OnesCount64(l.BookSize) != 1 {
		return fmt.Errorf("%w: book size %d must be a power of 2", ErrInvalidLayout, l.BookSize)
	}
	if len(l.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidLayout)
	}

	mode := l.Mode()
	seen := make(map[int]bool)
	for _, n := range l.Nodes {
		if _, err := topology.NodeFromID(n.NodeID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidLayout, err)
		}
		if seen[n.NodeID] {
			return fmt.Errorf("%w: node %d listed twice", ErrInvalidLayout, n.NodeID)
		}
		seen[n.NodeID] = true

		if mode == topology.ModePhysAddr && len(n.Ranges) == 0 {
			return fmt.Errorf("%w: node %d has no physical ranges but others do", ErrInvalidLayout, n.NodeID)
		}
		if mode == topology.ModeLZA {
			if n.NVMSize%l.BookSize != 0 {
				return fmt.Errorf("%w: node %d NVM size is not a multiple of the book size", ErrInvalidLayout, n.NodeID)
			}
			if n.NodeID-1 >= topology.MaxIGs {
				return fmt.Errorf("%w: node %d has no interleave group in LZA mode", ErrInvalidLayout, n.NodeID)
			}
			if books := n.NVMSize / l.BookSize; books > topology.MaxBooksPerIG {
				return fmt.Errorf("%w: node %d has %d books, LZA allows %d", ErrInvalidLayout, n.NodeID, books, topology.MaxBooksPerIG)
			}
			continue
		}
		for _, r := range n.Ranges {
			if r.Base < l.BookSize {
				return fmt.Errorf("%w: node %d address 0x%x must be at least the book size", ErrInvalidLayout, n.NodeID, r.Base)
			}
			if r.Base%l.BookSize != 0 {
				return fmt.Errorf("%w: node %d address 0x%x is not book-aligned", ErrInvalidLayout, n.NodeID, r.Base)
			}
			if r.Size == 0 || r.Size%l.BookSize != 0 {
				return fmt.Errorf("%w: node %d range at 0x%x has a size that is not a multiple of the book size", ErrInvalidLayout, n.NodeID, r.Base)
			}
		}
	}

	if mode == topology.ModePhysAddr {
		return l.checkCollisions()
	}
	return nil
}

type span struct {
	node   int
	lo, hi uint64
}

// checkCollisions rejects overlapping physical ranges, within a node or
// across nodes.
func (l *Layout) checkCollisions() error {
	var spans []span
	for _, n := range l.Nodes {
		for _, r := range n.Ranges {
			spans = append(spans, span{node: n.NodeID, lo: r.Base, hi: r.Base + r.Size - 1})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.lo <= prev.hi {
			return fmt.Errorf("%w: node %d range 0x%x collides with node %d range 0x%x",
				ErrInvalidLayout, cur.node, cur.lo, prev.node, prev.lo)
		}
	}
	return nil
}

// Modules returns the media-controller modules of the layout. Each node has
// four; its books are split evenly with any remainder on ordinal 0.
func (l *Layout) Modules() ([]topology.Module, error) {
	var out []topology.Module
	for _, n := range l.Nodes {
		node, err := topology.NodeFromID(n.NodeID)
		if err != nil {
			return nil, err
		}
		books := int(n.bytes() / l.BookSize)
		per := books / topology.ModulesPerNode
		for ord := 0; ord < topology.ModulesPerNode; ord++ {
			size := per
			if ord == 0 {
				size += books - per*topology.ModulesPerNode
			}
			out = append(out, topology.Module{
				Node:      node,
				Ordinal:   ord,
				IG:        topology.IGForNode(n.NodeID),
				SizeBooks: size,
			})
		}
	}
	return out, nil
}
