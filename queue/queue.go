package queue

import (
	"sync"

	"github.com/rocketbitz/xferdes-go/xfer"
)

// XferDesQueue is the per-node singleton update registry (spec §4.5):
// guid -> descriptor, with updates that arrive before local registration
// parked in a pending structure and merged in once the descriptor appears.
// Grounded on fi/context.go's contextRegistry, generalized from "one
// pending libfabric completion" to "one pending GUID-routed update".
type XferDesQueue struct {
	mu        sync.Mutex
	live      map[xfer.GUID]*xfer.XferDes
	pending   map[xfer.GUID][]Message
	fences    map[uint64]func(success bool)
	onDestroy func(guid xfer.GUID)
}

// New constructs an empty queue.
func New() *XferDesQueue {
	return &XferDesQueue{
		live:    make(map[xfer.GUID]*xfer.XferDes),
		pending: make(map[xfer.GUID][]Message),
		fences:  make(map[uint64]func(success bool)),
	}
}

// OnDestroy installs a callback invoked whenever a DestroyXferDes message
// is delivered for a locally-registered descriptor, after it has been
// unregistered. The hook does not by itself remove the descriptor from any
// channel's ready queue; the engine installs one that logs the teardown.
func (q *XferDesQueue) OnDestroy(fn func(guid xfer.GUID)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDestroy = fn
}

// Register makes xd locally known under guid and immediately replays any
// updates that arrived for it before registration.
func (q *XferDesQueue) Register(guid xfer.GUID, xd *xfer.XferDes) {
	q.mu.Lock()
	q.live[guid] = xd
	backlog := q.pending[guid]
	delete(q.pending, guid)
	q.mu.Unlock()

	for _, msg := range backlog {
		applyToXferDes(xd, msg)
	}
}

// RegisterFence associates fenceRef with a completion callback, fired when
// a NotifyXferDesComplete message carrying that ref is delivered.
func (q *XferDesQueue) RegisterFence(fenceRef uint64, onComplete func(success bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fences[fenceRef] = onComplete
}

// Deliver routes msg to its live descriptor, applying it immediately, or
// parks it pending registration. NotifyXferDesComplete and DestroyXferDes
// are node-scoped rather than descriptor-scoped and are handled here
// directly rather than via applyToXferDes.
func (q *XferDesQueue) Deliver(msg Message) {
	switch msg.Kind {
	case KindNotifyXferDesComplete:
		q.mu.Lock()
		fn := q.fences[msg.FenceRef]
		delete(q.fences, msg.FenceRef)
		q.mu.Unlock()
		if fn != nil {
			fn(msg.Success)
		}
		return
	case KindDestroyXferDes:
		q.mu.Lock()
		_, wasLive := q.live[msg.GUID]
		delete(q.live, msg.GUID)
		delete(q.pending, msg.GUID)
		onDestroy := q.onDestroy
		q.mu.Unlock()
		if wasLive && onDestroy != nil {
			onDestroy(msg.GUID)
		}
		return
	}

	q.mu.Lock()
	xd, ok := q.live[msg.GUID]
	if !ok {
		q.pending[msg.GUID] = append(q.pending[msg.GUID], msg)
	}
	q.mu.Unlock()

	if ok {
		applyToXferDes(xd, msg)
	}
}

// applyToXferDes performs the effect a delivered message has on a
// locally-registered descriptor's port state (spec §4.5).
func applyToXferDes(xd *xfer.XferDes, msg Message) {
	switch msg.Kind {
	case KindUpdateBytesWrite:
		if msg.Port < 0 || msg.Port >= len(xd.InputPorts) {
			return
		}
		xd.InputPorts[msg.Port].SeqRemote.AddSpan(msg.SpanStart, msg.Size)
	case KindUpdateBytesRead:
		if msg.Port < 0 || msg.Port >= len(xd.OutputPorts) {
			return
		}
		xd.OutputPorts[msg.Port].SeqRemote.AddSpan(msg.SpanStart, msg.Size)
	case KindUpdateBytesTotal:
		if msg.Port < 0 || msg.Port >= len(xd.InputPorts) {
			return
		}
		xd.InputPorts[msg.Port].SetRemoteBytesTotal(msg.Total)
	}
}

// Unregister drops guid from the live set without a DestroyXferDes
// round-trip, used when a descriptor completes locally and has no peer
// waiting on a teardown notification.
func (q *XferDesQueue) Unregister(guid xfer.GUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.live, guid)
	delete(q.pending, guid)
}

// Lookup returns the locally-registered descriptor for guid, if any.
func (q *XferDesQueue) Lookup(guid xfer.GUID) (*xfer.XferDes, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	xd, ok := q.live[guid]
	return xd, ok
}

// PendingCount reports how many messages are parked for guid, awaiting
// registration; exposed for tests and diagnostics.
func (q *XferDesQueue) PendingCount(guid xfer.GUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[guid])
}
