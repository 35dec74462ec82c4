package xfer

import "fmt"

// GUID encodes (owner_node, local_index) for a descriptor, used as the
// routing key for every cross-node update. The high 32 bits are the owning
// node id; the low 32 bits are a per-node monotone local index.
type GUID uint64

// NoGUID means "no neighbor" — the port is terminal and not fed by or
// feeding another descriptor over an IB.
const NoGUID GUID = 0xFFFFFFFFFFFFFFFF

// MakeGUID packs an owning node id and a local index into a GUID.
func MakeGUID(ownerNode uint32, localIndex uint32) GUID {
	return GUID(uint64(ownerNode)<<32 | uint64(localIndex))
}

// OwnerNode returns the node id that created the descriptor.
func (g GUID) OwnerNode() uint32 { return uint32(g >> 32) }

// LocalIndex returns the node-local index of the descriptor.
func (g GUID) LocalIndex() uint32 { return uint32(g) }

// Valid reports whether the GUID names an actual descriptor (not NoGUID).
func (g GUID) Valid() bool { return g != NoGUID }

func (g GUID) String() string {
	if g == NoGUID {
		return "<none>"
	}
	return fmt.Sprintf("%d:%d", g.OwnerNode(), g.LocalIndex())
}

// GUIDAllocator hands out monotonically increasing local indices for
// descriptors created on a single node.
type GUIDAllocator struct {
	node uint32
	next uint32
}

// NewGUIDAllocator constructs an allocator for the given owning node id.
func NewGUIDAllocator(node uint32) *GUIDAllocator {
	return &GUIDAllocator{node: node}
}

// Next returns the next GUID for this node.
func (a *GUIDAllocator) Next() GUID {
	idx := a.next
	a.next++
	return MakeGUID(a.node, idx)
}
