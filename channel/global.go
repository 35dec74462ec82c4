package channel

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/rocketbitz/xferdes-go/xfer"
)

// GlobalMemoryChannel moves bytes to/from a globally-addressable memory
// through blocking get_bytes/put_bytes calls, one request per chunk, 1D
// only (spec §4.4 "Global-memory channel"). A token-bucket limiter paces
// requests to the path table's advertised bandwidth so the bw/latency
// numbers channel selection relies on are actually observed, not just
// asserted constants.
type GlobalMemoryChannel struct {
	base
	limiter *rate.Limiter
}

// NewGlobalMemoryChannel constructs a channel pacing requests to
// bytesPerSec (burst equal to one path-table chunk).
func NewGlobalMemoryChannel(bytesPerSec float64, burstBytes int) *GlobalMemoryChannel {
	c := &GlobalMemoryChannel{
		base:    newBase("global"),
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burstBytes),
	}
	hostKinds := []xfer.MemoryKind{xfer.MemorySystem, xfer.MemoryRegDMA, xfer.MemoryZCopy}
	for _, k := range hostKinds {
		c.AddPath(Path{Src: ForKind(k), Dst: ForKind(xfer.MemoryGlobal), Kind: "global", Bandwidth: bytesPerSec})
		c.AddPath(Path{Src: ForKind(xfer.MemoryGlobal), Dst: ForKind(k), Kind: "global", Bandwidth: bytesPerSec})
	}
	return c
}

// SubmitRequest performs one blocking get/put against the global memory
// endpoint, pacing itself against the configured token bucket.
func (c *GlobalMemoryChannel) SubmitRequest(req *xfer.Request) error {
	srcPort := req.XD.InputPorts[req.SrcPortIdx]
	dstPort := req.XD.OutputPorts[req.DstPortIdx]
	total := int(req.Plan.TotalBytes())

	if err := c.limiter.WaitN(context.Background(), total); err != nil {
		if req.OnDone != nil {
			req.OnDone(err)
		}
		return nil
	}

	buf := make([]byte, total)
	err := srcPort.Mem.GetBytes(req.SrcOffset, buf)
	if err == nil {
		err = dstPort.Mem.PutBytes(req.DstOffset, buf)
	}
	if req.OnDone != nil {
		req.OnDone(err)
	}
	return nil
}

func (c *GlobalMemoryChannel) ProgressXD(xd *xfer.XferDes, timeLimitNanos int64) (bool, error) {
	err := xd.ProgressXD(nsToDuration(timeLimitNanos))
	if err == xfer.ErrNoWork {
		return false, nil
	}
	return err == nil, err
}
