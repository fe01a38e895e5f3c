package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxEnclosures     = 8
	NodesPerEnclosure = 10
	NodesPerRack      = MaxEnclosures * NodesPerEnclosure
	ModulesPerNode    = 4
)

var ErrInvalidNode = errors.New("invalid node")

// Node is a compute node's fixed placement in the machine.
type Node struct {
	Rack      int `json:"rack" yaml:"rack"`
	Enclosure int `json:"enclosure" yaml:"enclosure"`
	Position  int `json:"node" yaml:"node"`
}

// ID returns the 1-based node number.
func (n Node) ID() int {
	return (n.Rack-1)*NodesPerRack + (n.Enclosure-1)*NodesPerEnclosure + n.Position
}

// Physloc returns "rack:enclosure:node".
func (n Node) Physloc() string {
	return fmt.Sprintf("%d:%d:%d", n.Rack, n.Enclosure, n.Position)
}

// Coordinate returns the node's management coordinate,
// "Rack/<r>/Enclosure/<e>/Node/<n>".
func (n Node) Coordinate() string {
	return fmt.Sprintf("Rack/%d/Enclosure/%d/Node/%d", n.Rack, n.Enclosure, n.Position)
}

// Hostname returns the conventional host name for the node.
func (n Node) Hostname() string {
	return fmt.Sprintf("node%02d", n.ID())
}

func (n Node) String() string {
	return fmt.Sprintf("node_id %2d: %s", n.ID(), n.Physloc())
}

// Validate checks the placement ranges.
func (n Node) Validate() error {
	if n.Rack < 1 {
		return fmt.Errorf("%w: bad rack value %d", ErrInvalidNode, n.Rack)
	}
	if n.Enclosure < 1 || n.Enclosure > MaxEnclosures {
		return fmt.Errorf("%w: bad enclosure value %d", ErrInvalidNode, n.Enclosure)
	}
	if n.Position < 1 || n.Position > NodesPerEnclosure {
		return fmt.Errorf("%w: bad node value %d", ErrInvalidNode, n.Position)
	}
	return nil
}

// NodeFromID is the inverse of Node.ID.
func NodeFromID(id int) (Node, error) {
	if id < 1 {
		return Node{}, fmt.Errorf("%w: bad node enumeration value %d", ErrInvalidNode, id)
	}
	n := id - 1
	return Node{
		Rack:      n/NodesPerRack + 1,
		Enclosure: (n%NodesPerRack)/NodesPerEnclosure + 1,
		Position:  n%NodesPerEnclosure + 1,
	}, nil
}

// ParseNode accepts either a node number ("17") or "rack:enclosure:node".
func ParseNode(s string) (Node, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	switch len(parts) {
	case 1:
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return Node{}, fmt.Errorf("%w: %q", ErrInvalidNode, s)
		}
		return NodeFromID(id)
	case 3:
		vals := make([]int, 3)
		for i, p := range parts {
			v, err := strconv.Atoi(p)
			if err != nil {
				return Node{}, fmt.Errorf("%w: %q", ErrInvalidNode, s)
			}
			vals[i] = v
		}
		n := Node{Rack: vals[0], Enclosure: vals[1], Position: vals[2]}
		return n, n.Validate()
	default:
		return Node{}, fmt.Errorf("%w: %q", ErrInvalidNode, s)
	}
}

// Module is one media controller and the books behind it.
type Module struct {
	Node      Node `json:"node"`
	Ordinal   int  `json:"ordinal"`
	IG        int  `json:"ig"`
	SizeBooks int  `json:"size_books"`
}

// RawCID is the fabric component id of the media controller.
func (m Module) RawCID() uint32 {
	return uint32(m.Node.Enclosure-1)<<9 | uint32(m.Node.Position-1)<<4 | uint32(8+m.Ordinal)
}

// Coordinate is the management coordinate string of the controller.
func (m Module) Coordinate() string {
	return fmt.Sprintf("MemoryBoard/1/MediaController/%d", m.Ordinal+1)
}

// FullCoordinate is the controller's coordinate under its node.
func (m Module) FullCoordinate() string {
	return m.Node.Coordinate() + "/" + m.Coordinate()
}

func (m Module) String() string {
	return fmt.Sprintf("node_id %2d: %d:%d:%d (%d books)",
		m.Node.ID(), m.Node.Enclosure, m.Node.Position, m.Ordinal, m.SizeBooks)
}

// Validate checks the controller ordinal and owning node.
func (m Module) Validate() error {
	if err := m.Node.Validate(); err != nil {
		return err
	}
	if m.Ordinal < 0 || m.Ordinal >= ModulesPerNode {
		return fmt.Errorf("%w: bad ordMC value %d", ErrInvalidNode, m.Ordinal)
	}
	return nil
}

// ModuleFromCID decodes a raw component id back into a module (rack 1).
func ModuleFromCID(cid uint32) Module {
	return Module{
		Node: Node{
			Rack:      1,
			Enclosure: int((cid>>9)&0x7) + 1,
			Position:  int((cid>>4)&0xf) + 1,
		},
		Ordinal: int(cid & 0x3),
	}
}

// IGForNode returns the interleave group conventionally owned by a node.
func IGForNode(nodeID int) int {
	return nodeID - 1
}
