package config

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/librarian/pkg/provision"
	"github.com/marmos91/librarian/pkg/topology"
)

// LayoutConfig describes the machine written into the database at
// provisioning. Sizes accept human strings such as "8MiB" or "16GiB".
type LayoutConfig struct {
	// BookSize is the size of every book, a power of two
	BookSize string `mapstructure:"book_size" yaml:"book_size" validate:"required"`

	// Version is recorded in globals and reported by get_fs_stats
	Version string `mapstructure:"version" yaml:"version"`

	// Nodes lists the NVM behind each node
	Nodes []NodeConfig `mapstructure:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
}

// NodeConfig is the NVM behind one node. The node is named either by
// node_id or by its rack, enclosure and position; nvm_size and physaddrs
// select LZA and PHYSADDR provisioning.
type NodeConfig struct {
	NodeID    int           `mapstructure:"node_id" yaml:"node_id,omitempty" validate:"gte=0"`
	Rack      int           `mapstructure:"rack" yaml:"rack,omitempty" validate:"gte=0"`
	Enclosure int           `mapstructure:"enclosure" yaml:"enclosure,omitempty" validate:"gte=0"`
	Node      int           `mapstructure:"node" yaml:"node,omitempty" validate:"gte=0"`
	NVMSize   string        `mapstructure:"nvm_size" yaml:"nvm_size,omitempty"`
	PhysAddrs []RangeConfig `mapstructure:"physaddrs" yaml:"physaddrs,omitempty" validate:"dive"`
}

// RangeConfig is one physical NVM range. Base accepts decimal or 0x hex.
type RangeConfig struct {
	Base string `mapstructure:"base" yaml:"base" validate:"required"`
	Size string `mapstructure:"size" yaml:"size" validate:"required"`
}

// ID resolves the node number.
func (n NodeConfig) ID() (int, error) {
	if n.NodeID > 0 {
		return n.NodeID, nil
	}
	if n.Rack == 0 && n.Enclosure == 0 && n.Node == 0 {
		return 0, fmt.Errorf("node needs node_id or rack/enclosure/node")
	}
	node := topology.Node{Rack: n.Rack, Enclosure: n.Enclosure, Position: n.Node}
	if err := node.Validate(); err != nil {
		return 0, err
	}
	return node.ID(), nil
}

// ParseSize parses a human readable byte count.
func ParseSize(s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return n, nil
}

// ToLayout converts the configuration into a provisioning layout.
func (l *LayoutConfig) ToLayout() (provision.Layout, error) {
	bookSize, err := ParseSize(l.BookSize)
	if err != nil {
		return provision.Layout{}, fmt.Errorf("book_size: %w", err)
	}
	layout := provision.Layout{BookSize: bookSize, Version: l.Version}

	for i, n := range l.Nodes {
		id, err := n.ID()
		if err != nil {
			return provision.Layout{}, fmt.Errorf("nodes[%d]: %w", i, err)
		}
		node := provision.NodeLayout{NodeID: id}
		if n.NVMSize != "" {
			if node.NVMSize, err = ParseSize(n.NVMSize); err != nil {
				return provision.Layout{}, fmt.Errorf("nodes[%d].nvm_size: %w", i, err)
			}
		}
		for j, r := range n.PhysAddrs {
			base, err := strconv.ParseUint(r.Base, 0, 64)
			if err != nil {
				return provision.Layout{}, fmt.Errorf("nodes[%d].physaddrs[%d].base: %w", i, j, err)
			}
			size, err := ParseSize(r.Size)
			if err != nil {
				return provision.Layout{}, fmt.Errorf("nodes[%d].physaddrs[%d].size: %w", i, j, err)
			}
			node.Ranges = append(node.Ranges, provision.Range{Base: base, Size: size})
		}
		if node.NVMSize == 0 && len(node.Ranges) == 0 {
			return provision.Layout{}, fmt.Errorf("nodes[%d]: node %d needs nvm_size or physaddrs", i, id)
		}
		layout.Nodes = append(layout.Nodes, node)
	}
	return layout, nil
}
