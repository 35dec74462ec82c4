// Package queue implements the per-node XferDesQueue: the guid-routed
// registry that cross-node update messages are delivered to, generalized
// from the teacher's contextRegistry (fi/context.go) — a sync.Map keyed by
// completion context carrying pending/resolve semantics for a libfabric
// operation that may complete before or after its caller has registered
// interest in it.
package queue

import "github.com/rocketbitz/xferdes-go/xfer"

// MessageKind identifies one of the five cross-node update message types.
// Descriptor-creation messages have no kind here, and the remote-write
// inline payload travels as channel.ActiveMessage rather than as a
// Message. The wire encoding of any of these is
// explicitly out of scope (spec §1) — Message is a Go struct, not a byte
// layout.
type MessageKind int

const (
	KindUpdateBytesWrite MessageKind = iota
	KindUpdateBytesRead
	KindUpdateBytesTotal
	KindNotifyXferDesComplete
	KindDestroyXferDes
)

func (k MessageKind) String() string {
	switch k {
	case KindUpdateBytesWrite:
		return "UpdateBytesWrite"
	case KindUpdateBytesRead:
		return "UpdateBytesRead"
	case KindUpdateBytesTotal:
		return "UpdateBytesTotal"
	case KindNotifyXferDesComplete:
		return "NotifyXferDesComplete"
	case KindDestroyXferDes:
		return "DestroyXferDes"
	default:
		return "UNKNOWN"
	}
}

// Message is the cross-node update envelope (spec §4.5). Only the fields
// relevant to Kind are populated; Payload is reserved for a wire codec the
// engine does not define.
type Message struct {
	Kind MessageKind
	GUID xfer.GUID
	Port int

	// SpanStart/Size apply to UpdateBytesWrite and UpdateBytesRead.
	SpanStart uint64
	Size      uint64

	// Total applies to UpdateBytesTotal (EOS, the producer's final byte
	// count for this port's stream).
	Total uint64

	// FenceRef applies to NotifyXferDesComplete: an opaque identifier the
	// launch node uses to find the waiting completion fence.
	FenceRef uint64

	// Success applies to NotifyXferDesComplete: whether the descriptor
	// completed without an I/O failure (spec §7 category 3).
	Success bool

	Payload []byte
}

// UpdateBytesWrite builds a producer->consumer "new output bytes" message.
func UpdateBytesWrite(guid xfer.GUID, port int, spanStart, size uint64) Message {
	return Message{Kind: KindUpdateBytesWrite, GUID: guid, Port: port, SpanStart: spanStart, Size: size}
}

// UpdateBytesRead builds a consumer->producer "IB slots freed" message.
func UpdateBytesRead(guid xfer.GUID, port int, spanStart, size uint64) Message {
	return Message{Kind: KindUpdateBytesRead, GUID: guid, Port: port, SpanStart: spanStart, Size: size}
}

// UpdateBytesTotal builds a producer's EOS/final-byte-count message.
func UpdateBytesTotal(guid xfer.GUID, port int, total uint64) Message {
	return Message{Kind: KindUpdateBytesTotal, GUID: guid, Port: port, Total: total}
}

// NotifyXferDesComplete builds a descriptor-completion notification bound
// for the launch node holding the completion fence.
func NotifyXferDesComplete(fenceRef uint64, success bool) Message {
	return Message{Kind: KindNotifyXferDesComplete, FenceRef: fenceRef, Success: success}
}

// DestroyXferDes builds a teardown request for the named descriptor.
func DestroyXferDes(guid xfer.GUID) Message {
	return Message{Kind: KindDestroyXferDes, GUID: guid}
}
