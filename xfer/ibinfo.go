package xfer

// IBInfo describes one intermediate-buffer edge in the transfer DAG: which
// memory backs it, the byte offset of its window within that memory, and
// its size. IBs are allocated/freed by an RPC to the memory's owner node;
// this type only carries the result of that negotiation.
type IBInfo struct {
	Memory *IBMemory
	Offset uint64
	Size   uint64
}
