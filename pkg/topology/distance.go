package topology

// Hop counts between media controllers.
const (
	DistanceSameModule    = 0
	DistanceSameNode      = 1
	DistanceSameEnclosure = 3
	DistanceRemote        = 5
)

// Distance returns the fabric hop count between two modules. It ranks
// candidates; it never excludes one.
func Distance(a, b Module) int {
	if a.Node.Rack != b.Node.Rack || a.Node.Enclosure != b.Node.Enclosure {
		return DistanceRemote
	}
	if a.Node.Position != b.Node.Position {
		return DistanceSameEnclosure
	}
	if a.Ordinal != b.Ordinal {
		return DistanceSameNode
	}
	return DistanceSameModule
}

// NodeDistance is the distance between the closest modules of two nodes.
func NodeDistance(a, b Node) int {
	if a.ID() == b.ID() {
		return DistanceSameModule
	}
	return Distance(Module{Node: a}, Module{Node: b})
}
