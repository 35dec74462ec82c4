package channel

import (
	"fmt"
	"sync"
)

// ActiveMessage is the wire shape of a remote-write chunk (spec §4.4
// "Remote-write channel"): enough to let the receiving node apply the bytes
// to the destination port and advance its bookkeeping.
type ActiveMessage struct {
	DestNode    uint32
	DestHandle  uint64
	DestOffset  uint64
	NextXDGUID  uint64 // xfer.GUID, kept as uint64 to avoid an import cycle risk in transports
	NextPortIdx int
	SpanStart   uint64
	Data        []byte
	// PreBytesTotal carries pre_bytes_total when EOS is known for this
	// stream; nil otherwise (spec §4.4 "Zero-byte termination messages").
	PreBytesTotal *uint64
}

// Receiver handles an ActiveMessage delivered to a node: write Data at
// DestOffset into the memory named by DestHandle, then advance the named
// port's sequence state. Returning an error surfaces as a remote I/O failure
// (spec §7, category 3).
type Receiver func(msg ActiveMessage) error

// Transport is the pluggable network abstraction a RemoteWriteChannel sends
// through. The engine never assumes a byte-level wire encoding (spec §1);
// this interface is the seam where one would be plugged in.
type Transport interface {
	Send(msg ActiveMessage) (ack error)
	RegisterReceiver(node uint32, recv Receiver)
}

// InMemTransport delivers messages directly to an in-process receiver
// keyed by node id, standing in for a real RDMA/socket transport in tests
// and single-process examples (there being no real multi-node runtime in
// this module).
type InMemTransport struct {
	mu        sync.RWMutex
	receivers map[uint32]Receiver
}

// NewInMemTransport constructs an empty transport.
func NewInMemTransport() *InMemTransport {
	return &InMemTransport{receivers: make(map[uint32]Receiver)}
}

func (t *InMemTransport) RegisterReceiver(node uint32, recv Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers[node] = recv
}

// Send delivers msg synchronously to the destination node's receiver,
// returning the receiver's result as the message's ack.
func (t *InMemTransport) Send(msg ActiveMessage) error {
	t.mu.RLock()
	recv, ok := t.receivers[msg.DestNode]
	t.mu.RUnlock()
	if !ok {
		return errUnknownNode(msg.DestNode)
	}
	return recv(msg)
}

type errUnknownNode uint32

func (e errUnknownNode) Error() string {
	return fmt.Sprintf("xferdes: no receiver registered for node %d", uint32(e))
}
