package channel

import (
	"github.com/rocketbitz/xferdes-go/xfer"
)

// base provides the path-table and ready-queue plumbing shared by every
// backend in this package (spec §9 "Polymorphism": share the path-table and
// ready-queue mechanics, compose rather than inherit).
type base struct {
	name string
	PathTable
	ready *ReadyQueue
}

func newBase(name string) base {
	return base{name: name, ready: NewReadyQueue()}
}

func (b *base) Name() string { return b.name }

func (b *base) EnqueueReadyXD(xd *xfer.XferDes) { b.ready.Enqueue(xd) }

func (b *base) DequeueReadyXD() (*xfer.XferDes, bool) { return b.ready.Dequeue() }

func (b *base) Close() { b.ready.Close() }

// MemcpyChannel moves bytes between host-mapped memories (SYSTEM, REGDMA,
// Z_COPY, SOCKET) with a synchronous copy(); no request queue or
// asynchronous completion is needed (spec §4.4 "Memcpy channel").
type MemcpyChannel struct {
	base
}

// NewMemcpyChannel constructs a memcpy channel pre-populated with paths
// among the host-mapped memory kinds.
func NewMemcpyChannel() *MemcpyChannel {
	c := &MemcpyChannel{base: newBase("memcpy")}
	hostKinds := []xfer.MemoryKind{xfer.MemorySystem, xfer.MemoryRegDMA, xfer.MemoryZCopy, xfer.MemorySocket}
	for _, src := range hostKinds {
		for _, dst := range hostKinds {
			c.AddPath(Path{
				Src: ForKind(src), Dst: ForKind(dst),
				SerdezAllowed: true, RedopsAllowed: false,
				Kind: "memcpy", Bandwidth: 10e9, Latency: 1e-7,
			})
		}
	}
	return c
}

// SubmitRequest performs the copy synchronously and calls OnDone before
// returning, since memcpy never blocks.
func (c *MemcpyChannel) SubmitRequest(req *xfer.Request) error {
	srcPort := req.XD.InputPorts[req.SrcPortIdx]
	dstPort := req.XD.OutputPorts[req.DstPortIdx]

	total := req.Plan.TotalBytes()
	srcView := srcPort.Mem.GetDirectPtr(req.SrcOffset, total)
	dstView := dstPort.Mem.GetDirectPtr(req.DstOffset, total)
	var err error
	if srcView != nil && dstView != nil {
		xfer.CopyND(dstView, srcView, 0, 0, req.Plan)
	} else {
		buf := make([]byte, total)
		if getErr := srcPort.Mem.GetBytes(req.SrcOffset, buf); getErr != nil {
			err = getErr
		} else if putErr := dstPort.Mem.PutBytes(req.DstOffset, buf); putErr != nil {
			err = putErr
		}
	}
	if req.OnDone != nil {
		req.OnDone(err)
	}
	return nil
}

// ProgressXD just forwards to the descriptor's own loop; memcpy has no
// separate completion queue to drain first.
func (c *MemcpyChannel) ProgressXD(xd *xfer.XferDes, timeLimitNanos int64) (bool, error) {
	err := xd.ProgressXD(nsToDuration(timeLimitNanos))
	if err == xfer.ErrNoWork {
		return false, nil
	}
	return err == nil, err
}
