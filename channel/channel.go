// Package channel implements the transport backends a XferDes submits
// requests to: in-process memcpy, async disk/file I/O, remote-write active
// messages, a blocking global-memory path, a simulated GPU DMA engine, lazy
// HDF5 hyperslab I/O, and an address-split fan-out. Every backend shares the
// same path-table and ready-queue mechanics (spec §9 "Polymorphism": compose,
// don't inherit), grounded on the teacher's capability-query pattern in
// fi/discover.go.
package channel

import (
	"sync"

	"github.com/rocketbitz/xferdes-go/xfer"
)

// MemoryClass generalizes a memory reference for path-table matching: a
// concrete memory, any memory of a given kind on this node, any memory of a
// given kind anywhere (global), or any RDMA-capable memory.
type MemoryClass struct {
	Kind     xfer.MemoryKind
	AnyNode  bool
	AnyRDMA  bool
	Specific xfer.MemoryImpl
}

// ForKind matches any memory of the given kind on this node.
func ForKind(kind xfer.MemoryKind) MemoryClass { return MemoryClass{Kind: kind} }

// ForKindAnyNode matches any memory of the given kind on any node.
func ForKindAnyNode(kind xfer.MemoryKind) MemoryClass {
	return MemoryClass{Kind: kind, AnyNode: true}
}

// ForMemory matches exactly one memory instance.
func ForMemory(mem xfer.MemoryImpl) MemoryClass { return MemoryClass{Specific: mem} }

func (c MemoryClass) matches(mem xfer.MemoryImpl) bool {
	if c.Specific != nil {
		return c.Specific == mem
	}
	if c.AnyRDMA {
		_, ok := mem.GetRemoteAddr(0)
		return ok
	}
	return mem.Kind() == c.Kind
}

// Path describes one supported source→destination combination and its
// advertised cost metrics (spec §4.4).
type Path struct {
	Src           MemoryClass
	Dst           MemoryClass
	SerdezAllowed bool
	RedopsAllowed bool
	Kind          string
	Bandwidth     float64 // bytes/sec, advisory
	Latency       float64 // seconds, advisory
}

// PathTable holds the paths a channel advertises and answers supports_path
// queries (spec §4.4).
type PathTable struct {
	mu    sync.RWMutex
	paths []Path
}

// AddPath registers a new supported path.
func (t *PathTable) AddPath(p Path) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = append(t.paths, p)
}

// SupportsPath scans the table for a path matching src/dst and the requested
// serdez/redop usage, returning the first match's advertised kind/metrics.
func (t *PathTable) SupportsPath(src, dst xfer.MemoryImpl, needSerdez, needRedop bool) (ok bool, kind string, bw, latency float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.paths {
		if !p.Src.matches(src) || !p.Dst.matches(dst) {
			continue
		}
		if needSerdez && !p.SerdezAllowed {
			continue
		}
		if needRedop && !p.RedopsAllowed {
			continue
		}
		return true, p.Kind, p.Bandwidth, p.Latency
	}
	return false, "", 0, 0
}

// Channel is the full capability set a backend implements (spec §6,
// "Channel interface (exposed)"). It embeds xfer.Channel (SubmitRequest) so
// any Channel here can be handed directly to xfer.NewXferDes.
type Channel interface {
	xfer.Channel

	// SupportsPath reports whether this channel can move bytes from src to
	// dst under the given serdez/redop requirements.
	SupportsPath(src, dst xfer.MemoryImpl, needSerdez, needRedop bool) (ok bool, kind string, bw, latency float64)
	// AddPath registers a new supported path at runtime (e.g. once a new
	// remote node's memory becomes known).
	AddPath(p Path)
	// ProgressXD drives one descriptor's progress loop. Every backend in this
	// package forwards to xd.ProgressXD; disk and GPU completions arrive on
	// their own goroutines rather than being drained here.
	ProgressXD(xd *xfer.XferDes, timeLimitNanos int64) (didWork bool, err error)
	// EnqueueReadyXD adds a descriptor to this channel's ready queue for a
	// background worker to progress.
	EnqueueReadyXD(xd *xfer.XferDes)
	// DequeueReadyXD blocks until a descriptor is ready or the channel is
	// closed, returning ok=false on close.
	DequeueReadyXD() (xd *xfer.XferDes, ok bool)
	// Close shuts down the channel's ready queue and any background
	// workers it owns.
	Close()
}

// ReadyQueue is a simple unbounded FIFO of descriptors awaiting progress,
// shared by every channel implementation in this package (spec §5
// "Scheduling model": one ready queue per channel).
type ReadyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*xfer.XferDes
	closed bool
}

// NewReadyQueue constructs an empty ready queue.
func NewReadyQueue() *ReadyQueue {
	q := &ReadyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a descriptor to the tail of the queue.
func (q *ReadyQueue) Enqueue(xd *xfer.XferDes) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, xd)
	q.cond.Signal()
}

// Dequeue blocks until an item is available or the queue is closed.
func (q *ReadyQueue) Dequeue() (*xfer.XferDes, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	xd := q.items[0]
	q.items = q.items[1:]
	return xd, true
}

// Close wakes every blocked Dequeue call, returning ok=false to each.
func (q *ReadyQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
