package channel

import (
	"github.com/rocketbitz/xferdes-go/xfer"
)

// completionEvent pairs a submitted request with its eventual result, the
// shape a real device library's async DMA + event queue would hand back.
type completionEvent struct {
	req *xfer.Request
	err error
}

// GPUChannel simulates an async DMA engine: host<->device, intra-device,
// and peer-device copies each complete via a completion event drained by a
// background poller rather than synchronously (spec §4.4 "GPU channel").
// There is no portable, dependency-available device library in this
// module's ecosystem to bind to, so the engine itself is modeled with
// goroutines and channels standing in for the device's command queue and
// event queue; this stdlib-only simulation is documented here rather than
// silently substituted.
type GPUChannel struct {
	base
	work   chan *xfer.Request
	events chan completionEvent
	done   chan struct{}
}

// NewGPUChannel starts a GPU channel with the given number of concurrent
// "device streams".
func NewGPUChannel(streams int) *GPUChannel {
	c := &GPUChannel{
		base:   newBase("gpu"),
		work:   make(chan *xfer.Request, 256),
		events: make(chan completionEvent, 256),
		done:   make(chan struct{}),
	}
	c.AddPath(Path{Src: ForKind(xfer.MemorySystem), Dst: ForKind(xfer.MemoryGPUFB), Kind: "gpu-h2d", Bandwidth: 1.5e10, Latency: 2e-6})
	c.AddPath(Path{Src: ForKind(xfer.MemoryGPUFB), Dst: ForKind(xfer.MemorySystem), Kind: "gpu-d2h", Bandwidth: 1.5e10, Latency: 2e-6})
	c.AddPath(Path{Src: ForKind(xfer.MemoryGPUFB), Dst: ForKind(xfer.MemoryGPUFB), Kind: "gpu-intra", Bandwidth: 5e10, Latency: 1e-6})
	for i := 0; i < streams; i++ {
		go c.stream()
	}
	go c.poll()
	return c
}

func (c *GPUChannel) stream() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.work:
			srcPort := req.XD.InputPorts[req.SrcPortIdx]
			dstPort := req.XD.OutputPorts[req.DstPortIdx]
			buf := make([]byte, req.Plan.TotalBytes())
			err := srcPort.Mem.GetBytes(req.SrcOffset, buf)
			if err == nil {
				err = dstPort.Mem.PutBytes(req.DstOffset, buf)
			}
			c.events <- completionEvent{req: req, err: err}
		}
	}
}

// poll is the background event-poll loop invoking notify_request_done
// equivalents as completions arrive (spec §4.4).
func (c *GPUChannel) poll() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			if ev.req.OnDone != nil {
				ev.req.OnDone(ev.err)
			}
		}
	}
}

// SubmitRequest hands the request to a device stream and returns
// immediately; completion is delivered asynchronously through the event
// poller.
func (c *GPUChannel) SubmitRequest(req *xfer.Request) error {
	select {
	case <-c.done:
		return xfer.ErrInvalidHandle{What: "gpu channel closed"}
	default:
	}
	select {
	case c.work <- req:
		return nil
	case <-c.done:
		return xfer.ErrInvalidHandle{What: "gpu channel closed"}
	}
}

func (c *GPUChannel) ProgressXD(xd *xfer.XferDes, timeLimitNanos int64) (bool, error) {
	err := xd.ProgressXD(nsToDuration(timeLimitNanos))
	if err == xfer.ErrNoWork {
		return false, nil
	}
	return err == nil, err
}

// Close stops the channel's streams and event poller in addition to the
// base ready queue.
func (c *GPUChannel) Close() {
	close(c.done)
	c.base.Close()
}
